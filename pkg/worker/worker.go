package worker

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/types"
)

// MaxSaltLen bounds the operator-supplied init salt
const MaxSaltLen = 64

// ErrSaltTooLong is returned when the init salt exceeds MaxSaltLen
var ErrSaltTooLong = errors.New("Salt too long")

// ErrNotInitialized is returned when an operation needs a session seed
// before Init has run
var ErrNotInitialized = errors.New("worker not initialized")

// SignedMetrics is a metrics batch signed with the worker identity key
type SignedMetrics struct {
	Batch     types.AppsMetrics `cbor:"1,keyasint" json:"batch"`
	Signature []byte            `cbor:"2,keyasint" json:"signature"`
	PublicKey []byte            `cbor:"3,keyasint" json:"public_key"`
}

// Worker holds the host process identity: the signing key pair and the
// session seed every instance session of this worker run derives from.
type Worker struct {
	logger zerolog.Logger

	mu          sync.RWMutex
	key         ed25519.PrivateKey
	seed        types.Bytes32
	session     types.Bytes32
	initialized bool
}

// New creates a worker with a fresh identity key. Failure to obtain key
// material is fatal for the process.
func New() (*Worker, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate worker identity key: %w", err)
	}
	return &Worker{
		logger: log.WithComponent("worker"),
		key:    key,
	}, nil
}

// Init draws a fresh session seed, salted with the operator-supplied
// byte string (at most MaxSaltLen bytes), and returns the worker session
// token. Calling Init again starts a new worker session.
func (w *Worker) Init(salt []byte) (types.Bytes32, error) {
	if len(salt) > MaxSaltLen {
		return types.Bytes32{}, ErrSaltTooLong
	}

	var entropy [32]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return types.Bytes32{}, fmt.Errorf("failed to draw session seed: %w", err)
	}

	seed := hashParts(entropy[:], salt)
	session := hashParts(seed[:], []byte("worker-session"))

	w.mu.Lock()
	w.seed = seed
	w.session = session
	w.initialized = true
	w.mu.Unlock()

	w.logger.Info().Str("session", session.Hex()).Msg("Worker session initialized")
	return session, nil
}

// Initialized reports whether Init has run
func (w *Worker) Initialized() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.initialized
}

// Session returns the current worker session token
func (w *Worker) Session() types.Bytes32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.session
}

// Public returns the worker identity public key
func (w *Worker) Public() ed25519.PublicKey {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.key.Public().(ed25519.PublicKey)
}

// SessionFor derives the session token for one instance start. All
// instance sessions of a worker session are derivable from the seed.
func (w *Worker) SessionFor(address types.Address, startCount uint64) types.Bytes32 {
	w.mu.RLock()
	seed := w.seed
	w.mu.RUnlock()

	var count [8]byte
	binary.LittleEndian.PutUint64(count[:], startCount)
	return hashParts(seed[:], address[:], count[:])
}

// SignMetrics signs a batch of instance snapshots under the worker
// session and a caller-supplied nonce.
func (w *Worker) SignMetrics(apps []types.AppMetrics, nonce types.Bytes32) (*SignedMetrics, error) {
	w.mu.RLock()
	key := w.key
	session := w.session
	initialized := w.initialized
	w.mu.RUnlock()

	if !initialized {
		return nil, ErrNotInitialized
	}

	batch := types.AppsMetrics{
		Session: session,
		Nonce:   nonce,
		Apps:    apps,
	}
	encoded, err := encMode.Marshal(&batch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metrics batch: %w", err)
	}

	return &SignedMetrics{
		Batch:     batch,
		Signature: ed25519.Sign(key, encoded),
		PublicKey: key.Public().(ed25519.PublicKey),
	}, nil
}

// Verify checks a signed metrics batch against its embedded public key
func Verify(signed *SignedMetrics) (bool, error) {
	if len(signed.PublicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key length: %d", len(signed.PublicKey))
	}
	encoded, err := encMode.Marshal(&signed.Batch)
	if err != nil {
		return false, fmt.Errorf("failed to encode metrics batch: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(signed.PublicKey), encoded, signed.Signature), nil
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to build canonical CBOR mode: %v", err))
	}
}

func hashParts(parts ...[]byte) types.Bytes32 {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create blake2b hasher: %v", err))
	}
	for _, part := range parts {
		hasher.Write(part)
	}
	var out types.Bytes32
	copy(out[:], hasher.Sum(nil))
	return out
}
