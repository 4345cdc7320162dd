package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Address is the 32-byte content-derived identifier of a deployed program.
// It is the hash of the program's manifest and is stable across restarts.
type Address [32]byte

// Bytes32 is a generic 32-byte value (sessions, seeds, nonces).
type Bytes32 [32]byte

// ParseAddress parses a 32-byte hex address. A leading "0x" is accepted.
func ParseAddress(s string) (Address, error) {
	var addr Address
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("invalid hex address: %w", err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("invalid address length: expected 32 bytes, got %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// Hex returns the lowercase hex encoding of the address
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// ShortID returns the abbreviated form used in logs
func (a Address) ShortID() string {
	return hex.EncodeToString(a[:4])
}

func (a Address) String() string {
	return a.ShortID()
}

// Hex returns the lowercase hex encoding of the value
func (b Bytes32) Hex() string {
	return hex.EncodeToString(b[:])
}

// HashAlgorithm tags the hash function a blob or manifest was keyed under
type HashAlgorithm string

const (
	HashBlake2b256 HashAlgorithm = "blake2b-256"
	HashSHA256     HashAlgorithm = "sha256"
)

// NewHasher returns a streaming hasher for the given algorithm
func NewHasher(alg HashAlgorithm) (hash.Hash, error) {
	switch alg {
	case HashBlake2b256:
		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blake2b hasher: %w", err)
		}
		return h, nil
	case HashSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %q", alg)
	}
}

// ResourceLimits bounds one instance's share of host resources
type ResourceLimits struct {
	MaxMemoryPages  uint32 `cbor:"1,keyasint" json:"max_memory_pages"`
	MaxGasPerEpoch  uint64 `cbor:"2,keyasint" json:"max_gas_per_epoch"`
	MaxNetBytes     uint64 `cbor:"3,keyasint" json:"max_net_bytes"`
	MaxStorageBytes uint64 `cbor:"4,keyasint" json:"max_storage_bytes"`
}

// AppMetrics is the resource usage snapshot of one instance
type AppMetrics struct {
	Address       Address `cbor:"1,keyasint" json:"address"`
	Session       Bytes32 `cbor:"2,keyasint" json:"session"`
	RunningTimeMS uint64  `cbor:"3,keyasint" json:"running_time_ms"`
	GasConsumed   uint64  `cbor:"4,keyasint" json:"gas_consumed"`
	NetIngress    uint64  `cbor:"5,keyasint" json:"net_ingress"`
	NetEgress     uint64  `cbor:"6,keyasint" json:"net_egress"`
	StorageRead   uint64  `cbor:"7,keyasint" json:"storage_read"`
	StorageWrite  uint64  `cbor:"8,keyasint" json:"storage_write"`
	Starts        uint64  `cbor:"9,keyasint" json:"starts"`
}

// AppsMetrics is a signable batch of instance snapshots. The nonce is
// caller-supplied so a verifier can tie the signature to its request.
type AppsMetrics struct {
	Session Bytes32      `cbor:"1,keyasint" json:"session"`
	Nonce   Bytes32      `cbor:"2,keyasint" json:"nonce"`
	Apps    []AppMetrics `cbor:"3,keyasint" json:"apps"`
}
