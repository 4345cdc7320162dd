package types

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Manifest describes one deployable program. Its canonical encoding is
// hashed to produce the program's Address, so two manifests that differ in
// any field name different instances.
type Manifest struct {
	CodeHash      []byte        `cbor:"1,keyasint" json:"code_hash"`
	HashAlgorithm HashAlgorithm `cbor:"2,keyasint" json:"hash_algorithm"`
	ABIVersion    uint32        `cbor:"3,keyasint" json:"abi_version"`
	Limits        ResourceLimits `cbor:"4,keyasint" json:"limits"`
	Args          []string      `cbor:"5,keyasint" json:"args"`
}

var manifestEncMode cbor.EncMode

func init() {
	var err error
	manifestEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to build canonical CBOR mode: %v", err))
	}
}

// Encode returns the deterministic serialization of the manifest
func (m *Manifest) Encode() ([]byte, error) {
	data, err := manifestEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

// DecodeManifest decodes a manifest from its serialized form
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// Address derives the instance address from the manifest encoding
func (m *Manifest) Address() (Address, error) {
	data, err := m.Encode()
	if err != nil {
		return Address{}, err
	}
	return Address(blake2b.Sum256(data)), nil
}

// Validate checks the manifest fields that deploy depends on
func (m *Manifest) Validate() error {
	if len(m.CodeHash) != 32 {
		return fmt.Errorf("invalid code hash length: %d", len(m.CodeHash))
	}
	switch m.HashAlgorithm {
	case HashBlake2b256, HashSHA256:
	default:
		return fmt.Errorf("unsupported hash algorithm: %q", m.HashAlgorithm)
	}
	return nil
}
