package engine

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/meter"
	"github.com/cuemby/wapod/pkg/ocall"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func compileWat(t *testing.T, wat string) []byte {
	t.Helper()
	wasm, err := wasmer.Wat2Wasm(wat)
	require.NoError(t, err)
	return wasm
}

const trivialModule = `(module
	(memory (export "memory") 1 4)
	(func (export "_start")))`

const gasModule = `(module
	(import "wapo.v0" "gas" (func $gas (param i64) (result i32)))
	(memory (export "memory") 1 4)
	(func (export "_start")
		(drop (call $gas (i64.const 50)))))`

func newTestEnv() *ocall.Env {
	return &ocall.Env{
		Meter:   meter.New(),
		Handles: ocall.NewHandleTable(),
		Logger:  log.WithComponent("engine-test"),
		Done:    make(chan struct{}),
	}
}

func TestCompileMemoized(t *testing.T) {
	e := New()
	code := compileWat(t, trivialModule)

	m1, err := e.Compile(code)
	require.NoError(t, err)
	m2, err := e.Compile(code)
	require.NoError(t, err)

	assert.Same(t, m1, m2)
	assert.Equal(t, 1, e.CachedModules())

	// A different module compiles to a different artifact
	m3, err := e.Compile(compileWat(t, gasModule))
	require.NoError(t, err)
	assert.NotSame(t, m1, m3)
	assert.Equal(t, 2, e.CachedModules())
}

func TestCompileRejectsGarbage(t *testing.T) {
	e := New()
	_, err := e.Compile([]byte("not wasm"))
	assert.Error(t, err)
}

func TestInstantiateAndStart(t *testing.T) {
	e := New()
	module, err := e.Compile(compileWat(t, trivialModule))
	require.NoError(t, err)

	runtime, err := e.Instantiate(module, newTestEnv(), Config{MaxMemoryPages: 256})
	require.NoError(t, err)
	require.NoError(t, runtime.Start())
}

func TestGasHostCall(t *testing.T) {
	e := New()
	module, err := e.Compile(compileWat(t, gasModule))
	require.NoError(t, err)

	env := newTestEnv()
	runtime, err := e.Instantiate(module, env, Config{MaxMemoryPages: 256})
	require.NoError(t, err)
	require.NoError(t, runtime.Start())

	assert.Equal(t, uint64(50), env.Meter.GasConsumed())
}

func TestGasQuotaTrapsGuest(t *testing.T) {
	e := New()
	module, err := e.Compile(compileWat(t, gasModule))
	require.NoError(t, err)

	env := newTestEnv()
	runtime, err := e.Instantiate(module, env, Config{MaxMemoryPages: 256, MaxGas: 10})
	require.NoError(t, err)

	err = runtime.Start()
	assert.Error(t, err)
	assert.True(t, env.Meter.Stopped())
}

func TestInstantiateRejectsNewerABI(t *testing.T) {
	e := New()
	module, err := e.Compile(compileWat(t, trivialModule))
	require.NoError(t, err)

	_, err = e.Instantiate(module, newTestEnv(), Config{ABIVersion: CurrentABIVersion + 1})
	assert.ErrorIs(t, err, ErrABIUnsupported)
}

func TestInstantiateEnforcesMemoryCap(t *testing.T) {
	e := New()

	// Declared max above the cap
	big := compileWat(t, `(module (memory (export "memory") 1 1000) (func (export "_start")))`)
	module, err := e.Compile(big)
	require.NoError(t, err)
	_, err = e.Instantiate(module, newTestEnv(), Config{MaxMemoryPages: 256})
	assert.ErrorIs(t, err, ErrMemoryLimit)

	// No declared max at all
	unbounded := compileWat(t, `(module (memory (export "memory") 1) (func (export "_start")))`)
	module, err = e.Compile(unbounded)
	require.NoError(t, err)
	_, err = e.Instantiate(module, newTestEnv(), Config{MaxMemoryPages: 256})
	assert.ErrorIs(t, err, ErrMemoryLimit)
}

func TestEachInstantiationGetsFreshState(t *testing.T) {
	e := New()
	module, err := e.Compile(compileWat(t, gasModule))
	require.NoError(t, err)

	env1 := newTestEnv()
	env2 := newTestEnv()

	r1, err := e.Instantiate(module, env1, Config{MaxMemoryPages: 256})
	require.NoError(t, err)
	r2, err := e.Instantiate(module, env2, Config{MaxMemoryPages: 256})
	require.NoError(t, err)

	require.NoError(t, r1.Start())
	require.NoError(t, r2.Start())

	// Meters are per-instance
	assert.Equal(t, uint64(50), env1.Meter.GasConsumed())
	assert.Equal(t, uint64(50), env2.Meter.GasConsumed())
}
