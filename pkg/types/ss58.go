package types

import (
	"bytes"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// AccountID identifies the signer of a pushed query
type AccountID [32]byte

// ss58Prefix is the checksum preimage prefix defined by the ss58 format
var ss58Prefix = []byte("SS58PRE")

// ParseAccountID parses an ss58-encoded account address. Only 32-byte
// account payloads with one- or two-byte network prefixes are accepted.
func ParseAccountID(s string) (AccountID, error) {
	var account AccountID
	raw, err := base58.Decode(s)
	if err != nil {
		return account, fmt.Errorf("invalid base58 account: %w", err)
	}

	var prefixLen int
	switch len(raw) {
	case 32 + 1 + 2:
		prefixLen = 1
	case 32 + 2 + 2:
		prefixLen = 2
	default:
		return account, fmt.Errorf("invalid account length: %d", len(raw))
	}

	body := raw[:len(raw)-2]
	checksum := raw[len(raw)-2:]

	hasher, err := blake2b.New512(nil)
	if err != nil {
		return account, fmt.Errorf("failed to create checksum hasher: %w", err)
	}
	hasher.Write(ss58Prefix)
	hasher.Write(body)
	if !bytes.Equal(hasher.Sum(nil)[:2], checksum) {
		return account, fmt.Errorf("account checksum mismatch")
	}

	copy(account[:], body[prefixLen:])
	return account, nil
}
