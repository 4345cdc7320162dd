package blobs

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/metrics"
	"github.com/cuemby/wapod/pkg/types"
)

var (
	// ErrHashMismatch is returned when uploaded bytes do not hash to the
	// requested key
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrTooLarge is returned when an upload exceeds the store's size cap
	ErrTooLarge = errors.New("object too large")
)

// DefaultMaxObjectSize caps a single uploaded object (10 MiB)
const DefaultMaxObjectSize = 10 << 20

// Store is a content-addressed object repository backed by a flat
// directory. Objects are named by the hex encoding of their hash; there
// is no index file. Writes go through a temp file and an atomic rename,
// so readers observe either the old bytes or the new bytes, never a
// partial write.
type Store struct {
	dir     string
	maxSize int64
	logger  zerolog.Logger
}

// NewStore opens (creating if needed) a store rooted at dir. maxSize of 0
// selects DefaultMaxObjectSize.
func NewStore(dir string, maxSize int64) (*Store, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxObjectSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create objects directory: %w", err)
	}
	return &Store{
		dir:     dir,
		maxSize: maxSize,
		logger:  log.WithComponent("blobs"),
	}, nil
}

// Dir returns the directory the store serves objects from
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the on-disk path for a hash
func (s *Store) Path(hash []byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(hash))
}

// Put streams body into the store under the given hash. The bytes are
// hashed on the fly with the declared algorithm and rejected with
// ErrHashMismatch if they do not produce the key. Uploads larger than the
// size cap fail with ErrTooLarge and leave the store unchanged.
func (s *Store) Put(hash []byte, body io.Reader, alg types.HashAlgorithm) error {
	hasher, err := types.NewHasher(alg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	// +1 so a body exactly at the cap passes and one byte over fails
	limited := io.LimitReader(body, s.maxSize+1)
	n, err := io.Copy(io.MultiWriter(tmp, hasher), limited)
	if err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if n > s.maxSize {
		return ErrTooLarge
	}

	if !bytes.Equal(hasher.Sum(nil), hash) {
		return ErrHashMismatch
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close object: %w", err)
	}

	if err := os.Rename(tmpName, s.Path(hash)); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}

	metrics.ObjectsStored.Inc()
	s.logger.Debug().
		Str("hash", hex.EncodeToString(hash)).
		Int64("size", n).
		Msg("Stored object")
	return nil
}

// Exists reports whether an object is present
func (s *Store) Exists(hash []byte) bool {
	_, err := os.Stat(s.Path(hash))
	return err == nil
}

// Remove unlinks an object. Removing a missing object is success.
func (s *Store) Remove(hash []byte) error {
	err := os.Remove(s.Path(hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove object: %w", err)
	}
	if err == nil {
		metrics.ObjectsRemoved.Inc()
	}
	return nil
}

// Get reads an object and re-verifies its hash under the given algorithm.
// A missing object returns (nil, nil).
func (s *Store) Get(hash []byte, alg types.HashAlgorithm) ([]byte, error) {
	data, err := os.ReadFile(s.Path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	hasher, err := types.NewHasher(alg)
	if err != nil {
		return nil, err
	}
	hasher.Write(data)
	if !bytes.Equal(hasher.Sum(nil), hash) {
		return nil, ErrHashMismatch
	}
	return data, nil
}
