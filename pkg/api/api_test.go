package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmerio/wasmer-go/wasmer"
	"golang.org/x/crypto/blake2b"

	"github.com/cuemby/wapod/pkg/blobs"
	"github.com/cuemby/wapod/pkg/engine"
	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/prpc"
	"github.com/cuemby/wapod/pkg/service"
	"github.com/cuemby/wapod/pkg/types"
	"github.com/cuemby/wapod/pkg/worker"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

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

type testApp struct {
	app   *App
	admin *httptest.Server
	user  *httptest.Server
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ObjectsDir = t.TempDir()

	store, err := blobs.NewStore(cfg.ObjectsDir, cfg.Admin.ObjectSizeLimit)
	require.NoError(t, err)

	wk, err := worker.New()
	require.NoError(t, err)
	_, err = wk.Init(nil)
	require.NoError(t, err)

	svc, err := service.New(service.Config{
		MaxInstances:   cfg.MaxInstances,
		MaxMemoryPages: cfg.MaxMemoryPages,
		EpochTick:      cfg.EpochTick(),
	}, engine.New(), store, nil, wk.SessionFor)
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Shutdown)

	app := NewApp(cfg, svc, store, wk, nil)
	go app.drainOutgoing()

	admin := httptest.NewServer(app.AdminRouter())
	user := httptest.NewServer(app.UserRouter())
	t.Cleanup(admin.Close)
	t.Cleanup(user.Close)

	return &testApp{app: app, admin: admin, user: user}
}

// stage uploads echo bytecode over HTTP and returns its manifest
func (ta *testApp) stage(t *testing.T, wat string) *types.Manifest {
	t.Helper()

	code, err := wasmer.Wat2Wasm(wat)
	require.NoError(t, err)
	hash := blake2b.Sum256(code)

	resp, err := http.Post(
		fmt.Sprintf("%s/object/%x?type=blake2b-256", ta.admin.URL, hash[:]),
		"application/octet-stream",
		bytes.NewReader(code),
	)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return &types.Manifest{
		CodeHash:      hash[:],
		HashAlgorithm: types.HashBlake2b256,
		Limits:        types.ResourceLimits{MaxGasPerEpoch: 1_000_000},
	}
}

// deploy installs a manifest through the admin prpc mount
func (ta *testApp) deploy(t *testing.T, manifest *types.Manifest) types.Address {
	t.Helper()

	frame, err := prpc.EncodeMessage(&prpc.DeployRequest{Manifest: *manifest})
	require.NoError(t, err)

	resp, err := http.Post(ta.admin.URL+"/prpc/Admin.Deploy", "application/octet-stream", bytes.NewReader(frame))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var deployResp prpc.DeployResponse
	require.NoError(t, prpc.DecodeMessage(body, &deployResp))
	return deployResp.Address
}

func TestInfoEmpty(t *testing.T) {
	ta := newTestApp(t)

	resp, err := http.Get(ta.admin.URL + "/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	var info struct {
		Running  int `json:"running"`
		Deployed int `json:"deployed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Zero(t, info.Running)
	assert.Zero(t, info.Deployed)
}

func TestObjectPutGetRoundTrip(t *testing.T) {
	ta := newTestApp(t)

	body := []byte("blob body")
	hash := blake2b.Sum256(body)

	resp, err := http.Post(
		fmt.Sprintf("%s/object/0x%x?type=blake2b-256", ta.admin.URL, hash[:]),
		"application/octet-stream",
		bytes.NewReader(body),
	)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(fmt.Sprintf("%s/object/%x", ta.admin.URL, hash[:]))
	require.NoError(t, err)
	defer resp.Body.Close()
	got, _ := io.ReadAll(resp.Body)
	assert.Equal(t, body, got)
}

func TestObjectPutHashMismatch(t *testing.T) {
	ta := newTestApp(t)

	wrong := blake2b.Sum256([]byte("other"))
	resp, err := http.Post(
		fmt.Sprintf("%s/object/%x?type=blake2b-256", ta.admin.URL, wrong[:]),
		"application/octet-stream",
		strings.NewReader("mismatching body"),
	)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestObjectGetMissing(t *testing.T) {
	ta := newTestApp(t)

	resp, err := http.Get(ta.admin.URL + "/object/" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPushQueryBadAddress(t *testing.T) {
	ta := newTestApp(t)

	resp, err := http.Post(ta.admin.URL+"/push/query/nothex", "", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPushQueryUnknownAddress(t *testing.T) {
	ta := newTestApp(t)

	resp, err := http.Post(
		ta.admin.URL+"/push/query/"+strings.Repeat("ab", 32),
		"", strings.NewReader("x"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeployThenQueryOverHTTP(t *testing.T) {
	ta := newTestApp(t)

	manifest := ta.stage(t, echoModule)
	address := ta.deploy(t, manifest)

	wantAddr, err := manifest.Address()
	require.NoError(t, err)
	assert.Equal(t, wantAddr, address)

	resp, err := http.Post(
		ta.admin.URL+"/push/query/0x"+address.Hex(),
		"application/octet-stream",
		strings.NewReader("ping"))
	require.NoError(t, err)
	defer resp.Body.Close()
	reply, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte("ping"), reply)

	// Stop tears the instance down; a second stop is a 404
	resp, err = http.Post(ta.admin.URL+"/stop/"+address.Hex(), "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(ta.admin.URL+"/stop/"+address.Hex(), "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPrpcAdminInfoJSON(t *testing.T) {
	ta := newTestApp(t)

	resp, err := http.Get(ta.admin.URL + "/prpc/Admin.Info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info prpc.InfoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.True(t, info.Initialized)
}

func TestPrpcUnknownMethod(t *testing.T) {
	ta := newTestApp(t)

	resp, err := http.Get(ta.admin.URL + "/prpc/Admin.NoSuch")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPrpcInitSaltBoundary(t *testing.T) {
	ta := newTestApp(t)

	frame, err := prpc.EncodeMessage(&prpc.InitRequest{Salt: bytes.Repeat([]byte{1}, 64)})
	require.NoError(t, err)
	resp, err := http.Post(ta.admin.URL+"/prpc/Admin.Init", "application/octet-stream", bytes.NewReader(frame))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	frame, err = prpc.EncodeMessage(&prpc.InitRequest{Salt: bytes.Repeat([]byte{1}, 65)})
	require.NoError(t, err)
	resp, err = http.Post(ta.admin.URL+"/prpc/Admin.Init", "application/octet-stream", bytes.NewReader(frame))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Salt too long")
}

func TestPrpcMetricsSigned(t *testing.T) {
	ta := newTestApp(t)
	manifest := ta.stage(t, echoModule)
	ta.deploy(t, manifest)

	frame, err := prpc.EncodeMessage(&prpc.MetricsRequest{})
	require.NoError(t, err)
	resp, err := http.Post(ta.admin.URL+"/prpc/Admin.Metrics", "application/octet-stream", bytes.NewReader(frame))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var metricsResp prpc.MetricsResponse
	require.NoError(t, prpc.DecodeMessage(body, &metricsResp))
	require.Len(t, metricsResp.Signed.Batch.Apps, 1)
	assert.Equal(t, uint64(1), metricsResp.Signed.Batch.Apps[0].Starts)

	ok, err := worker.Verify(&metricsResp.Signed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPayloadTooLarge(t *testing.T) {
	ta := newTestApp(t)
	ta.app.cfg.Admin.QueryPayloadLimit = 8

	manifest := ta.stage(t, echoModule)
	address := ta.deploy(t, manifest)

	// At the limit passes
	resp, err := http.Post(
		ta.admin.URL+"/push/query/"+address.Hex(),
		"", strings.NewReader("12345678"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// One past the limit is rejected
	resp, err = http.Post(
		ta.admin.URL+"/push/query/"+address.Hex(),
		"", strings.NewReader("123456789"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUserInfoMount(t *testing.T) {
	ta := newTestApp(t)

	resp, err := http.Get(ta.user.URL + "/prpc/User.Info")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// streamModule accepts one vm connection, writes a greeting, and closes
const streamModule = `(module
	(import "wapo.v0" "http_next" (func $hnext (result i32)))
	(import "wapo.v0" "write" (func $write (param i32 i32 i32) (result i32)))
	(import "wapo.v0" "close" (func $close (param i32) (result i32)))
	(memory (export "memory") 1 4)
	(data (i32.const 0) "hello from guest")
	(func (export "_start")
		(local $c i32)
		(local.set $c (call $hnext))
		(if (i32.lt_s (local.get $c) (i32.const 0)) (then (return)))
		(drop (call $write (local.get $c) (i32.const 0) (i32.const 16)))
		(drop (call $close (local.get $c)))))`

func TestConnectVMStreams(t *testing.T) {
	ta := newTestApp(t)

	manifest := ta.stage(t, streamModule)
	address := ta.deploy(t, manifest)

	resp, err := http.Get(ta.user.URL + "/vm/" + address.Hex() + "/some/path")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello from guest", string(body))
}

func TestConnectVMUnknownAddress(t *testing.T) {
	ta := newTestApp(t)

	resp, err := http.Get(ta.user.URL + "/vm/" + strings.Repeat("ab", 32) + "/x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminExit(t *testing.T) {
	ta := newTestApp(t)

	resp, err := http.Post(ta.admin.URL+"/prpc/Admin.Exit", "application/octet-stream", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case code := <-ta.app.ExitRequested():
		assert.Zero(t, code)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit request")
	}
}
