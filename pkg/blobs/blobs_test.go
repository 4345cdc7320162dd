package blobs

import (
	"bytes"
	"crypto/sha256"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), maxSize)
	require.NoError(t, err)
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)

	body := []byte("hello blob")
	hash := blake2b.Sum256(body)

	require.NoError(t, store.Put(hash[:], bytes.NewReader(body), types.HashBlake2b256))
	assert.True(t, store.Exists(hash[:]))

	got, err := store.Get(hash[:], types.HashBlake2b256)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestPutSHA256(t *testing.T) {
	store := newTestStore(t, 0)

	body := []byte("sha payload")
	hash := sha256.Sum256(body)

	require.NoError(t, store.Put(hash[:], bytes.NewReader(body), types.HashSHA256))

	got, err := store.Get(hash[:], types.HashSHA256)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestPutRejectsHashMismatch(t *testing.T) {
	store := newTestStore(t, 0)

	body := []byte("real bytes")
	wrong := blake2b.Sum256([]byte("other bytes"))

	err := store.Put(wrong[:], bytes.NewReader(body), types.HashBlake2b256)
	assert.ErrorIs(t, err, ErrHashMismatch)

	// Store unchanged: no object and no leftover temp file
	assert.False(t, store.Exists(wrong[:]))
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPutSizeCap(t *testing.T) {
	store := newTestStore(t, 8)

	atLimit := []byte("12345678")
	hash := blake2b.Sum256(atLimit)
	require.NoError(t, store.Put(hash[:], bytes.NewReader(atLimit), types.HashBlake2b256))

	over := []byte("123456789")
	hash = blake2b.Sum256(over)
	err := store.Put(hash[:], bytes.NewReader(over), types.HashBlake2b256)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestRemoveIdempotent(t *testing.T) {
	store := newTestStore(t, 0)

	body := []byte("to remove")
	hash := blake2b.Sum256(body)
	require.NoError(t, store.Put(hash[:], bytes.NewReader(body), types.HashBlake2b256))

	require.NoError(t, store.Remove(hash[:]))
	assert.False(t, store.Exists(hash[:]))

	// Second remove is still success
	require.NoError(t, store.Remove(hash[:]))
}

func TestGetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t, 0)

	hash := blake2b.Sum256([]byte("never stored"))
	got, err := store.Get(hash[:], types.HashBlake2b256)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetDetectsCorruption(t *testing.T) {
	store := newTestStore(t, 0)

	body := []byte("pristine")
	hash := blake2b.Sum256(body)
	require.NoError(t, store.Put(hash[:], bytes.NewReader(body), types.HashBlake2b256))

	require.NoError(t, os.WriteFile(store.Path(hash[:]), []byte("tampered"), 0o644))

	_, err := store.Get(hash[:], types.HashBlake2b256)
	assert.ErrorIs(t, err, ErrHashMismatch)
}
