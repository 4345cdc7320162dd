package instance

import (
	"crypto/rand"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/cuemby/wapod/pkg/engine"
	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

// echoModule serves pushed queries in a loop, replying with the payload,
// until the host reports the inbox closed.
const echoModule = `(module
	(import "wapo.v0" "query_next" (func $qnext (result i32)))
	(import "wapo.v0" "query_payload" (func $qpayload (param i32 i32 i32) (result i32)))
	(import "wapo.v0" "query_reply" (func $qreply (param i32 i32 i32) (result i32)))
	(import "wapo.v0" "close" (func $close (param i32) (result i32)))
	(memory (export "memory") 1 4)
	(func (export "_start")
		(local $q i32) (local $len i32)
		(block $out
			(loop $serve
				(local.set $q (call $qnext))
				(br_if $out (i32.lt_s (local.get $q) (i32.const 0)))
				(local.set $len (call $qpayload (local.get $q) (i32.const 1024) (i32.const 4096)))
				(if (i32.ge_s (local.get $len) (i32.const 0))
					(then (drop (call $qreply (local.get $q) (i32.const 1024) (local.get $len)))))
				(drop (call $close (local.get $q)))
				(br $serve)))))`

// spinModule burns gas forever
const spinModule = `(module
	(import "wapo.v0" "gas" (func $gas (param i64) (result i32)))
	(memory (export "memory") 1 4)
	(func (export "_start")
		(loop $spin
			(drop (call $gas (i64.const 100)))
			(br $spin))))`

// haltModule exits immediately
const haltModule = `(module
	(memory (export "memory") 1 4)
	(func (export "_start")))`

func testSession(address types.Address, startCount uint64) types.Bytes32 {
	var session types.Bytes32
	rand.Read(session[:])
	return session
}

func newTestInstance(t *testing.T, wat string, limits types.ResourceLimits) *Instance {
	t.Helper()

	code, err := wasmer.Wat2Wasm(wat)
	require.NoError(t, err)

	eng := engine.New()
	module, err := eng.Compile(code)
	require.NoError(t, err)

	manifest := &types.Manifest{
		CodeHash:      make([]byte, 32),
		HashAlgorithm: types.HashBlake2b256,
		Limits:        limits,
	}
	address, err := manifest.Address()
	require.NoError(t, err)

	return New(address, manifest, eng, module, Options{Session: testSession})
}

func defaultLimits() types.ResourceLimits {
	return types.ResourceLimits{MaxMemoryPages: 256, MaxGasPerEpoch: 1_000_000}
}

func pushQuery(t *testing.T, inst *Instance, payload []byte) []byte {
	t.Helper()

	reply := make(chan []byte, 1)
	cancel := make(chan struct{})
	defer close(cancel)

	require.True(t, inst.TrySend(PushQuery{
		Payload: payload,
		ReplyTx: reply,
		Cancel:  cancel,
	}))

	select {
	case data := <-reply:
		return data
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for query reply")
		return nil
	}
}

func TestQueryEcho(t *testing.T) {
	inst := newTestInstance(t, echoModule, defaultLimits())
	require.NoError(t, inst.Start())

	assert.Equal(t, []byte("ping"), pushQuery(t, inst, []byte("ping")))
	assert.Equal(t, []byte("again"), pushQuery(t, inst, []byte("again")))

	// Query traffic is metered
	snapshot := inst.Metrics()
	assert.Equal(t, uint64(1), snapshot.Starts)
	assert.Positive(t, snapshot.GasConsumed)
	assert.GreaterOrEqual(t, snapshot.NetIngress, uint64(4))
	assert.GreaterOrEqual(t, snapshot.NetEgress, uint64(4))

	inst.TrySend(Stop{})
	reason := inst.Join()
	assert.Equal(t, ExitStopped, reason.Kind)
	assert.Equal(t, StateExited, inst.State())
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	inst := newTestInstance(t, echoModule, defaultLimits())
	require.NoError(t, inst.Start())

	session := inst.Session()
	require.NoError(t, inst.Start())

	assert.Equal(t, session, inst.Session())
	assert.Equal(t, uint64(1), inst.Starts())

	inst.TrySend(Stop{})
	inst.Join()
}

func TestRestartDrawsFreshSession(t *testing.T) {
	inst := newTestInstance(t, haltModule, defaultLimits())

	require.NoError(t, inst.Start())
	first := inst.Session()
	assert.Equal(t, ExitOK, inst.Join().Kind)

	require.NoError(t, inst.Start())
	second := inst.Session()
	assert.Equal(t, ExitOK, inst.Join().Kind)

	assert.NotEqual(t, first, second)
	assert.Equal(t, uint64(2), inst.Starts())
}

func TestQuotaKill(t *testing.T) {
	limits := defaultLimits()
	limits.MaxGasPerEpoch = 1000

	inst := newTestInstance(t, spinModule, limits)
	require.NoError(t, inst.Start())

	reason := inst.Join()
	assert.Equal(t, ExitQuotaExhausted, reason.Kind)
	assert.True(t, inst.Meter().Stopped())
}

func TestEpochCheckerUnwindsStoppedInstance(t *testing.T) {
	inst := newTestInstance(t, echoModule, defaultLimits())
	require.NoError(t, inst.Start())

	// Simulate the epoch checker observing an exceeded quota
	inst.Meter().Stop()
	inst.CheckQuota()

	reason := inst.Join()
	assert.Equal(t, ExitQuotaExhausted, reason.Kind)
}

func TestTrapExit(t *testing.T) {
	trapModule := `(module
		(memory (export "memory") 1 4)
		(func (export "_start") unreachable))`

	inst := newTestInstance(t, trapModule, defaultLimits())
	require.NoError(t, inst.Start())

	reason := inst.Join()
	assert.Equal(t, ExitTrap, reason.Kind)
	assert.NotEmpty(t, reason.Detail)
}

func TestExitCallback(t *testing.T) {
	code, err := wasmer.Wat2Wasm(haltModule)
	require.NoError(t, err)

	eng := engine.New()
	module, err := eng.Compile(code)
	require.NoError(t, err)

	manifest := &types.Manifest{
		CodeHash:      make([]byte, 32),
		HashAlgorithm: types.HashBlake2b256,
		Limits:        defaultLimits(),
	}
	address, err := manifest.Address()
	require.NoError(t, err)

	exited := make(chan ExitReason, 1)
	inst := New(address, manifest, eng, module, Options{
		Session: testSession,
		OnExit:  func(reason ExitReason) { exited <- reason },
	})

	require.NoError(t, inst.Start())
	select {
	case reason := <-exited:
		assert.Equal(t, ExitOK, reason.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit callback")
	}
}

func TestTrySendAfterExit(t *testing.T) {
	inst := newTestInstance(t, haltModule, defaultLimits())
	require.NoError(t, inst.Start())
	inst.Join()

	assert.False(t, inst.TrySend(PushQuery{ReplyTx: make(chan []byte, 1)}))
}
