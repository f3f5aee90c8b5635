// Package types holds the identifiers and message shapes shared by the
// swarm, config, poller and groups packages.
package types

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Account identifier version prefixes. The prefix is the first byte of
// the raw 33-byte identifier and distinguishes user accounts from group
// accounts on the swarm.
const (
	PrefixUser  byte = 0x05
	PrefixGroup byte = 0x03
)

// rawIDLen is the length of a raw account identifier: one version
// prefix byte followed by a 32-byte ed25519 public key.
const rawIDLen = 33

// AccountID is the hex form of a 33-byte swarm account identifier.
// It is stable for the lifetime of the account and doubles as the
// swarm address under which the account's namespaces are stored.
type AccountID string

// NewAccountID builds an AccountID from a version prefix and a 32-byte
// public key.
func NewAccountID(prefix byte, pubKey ed25519.PublicKey) AccountID {
	raw := make([]byte, 0, rawIDLen)
	raw = append(raw, prefix)
	raw = append(raw, pubKey...)
	return AccountID(hex.EncodeToString(raw))
}

// ParseAccountID validates the hex form of an account identifier.
func ParseAccountID(s string) (AccountID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid account ID %q: %w", s, err)
	}
	if len(raw) != rawIDLen {
		return "", fmt.Errorf("invalid account ID length: got %d bytes, want %d", len(raw), rawIDLen)
	}
	if raw[0] != PrefixUser && raw[0] != PrefixGroup {
		return "", fmt.Errorf("unknown account ID prefix 0x%02x", raw[0])
	}
	return AccountID(s), nil
}

func (id AccountID) String() string {
	return string(id)
}

// Prefix returns the version byte, or zero if the ID is malformed.
func (id AccountID) Prefix() byte {
	raw, err := hex.DecodeString(string(id))
	if err != nil || len(raw) != rawIDLen {
		return 0
	}
	return raw[0]
}

// PubKey returns the 32-byte public key portion of the identifier.
func (id AccountID) PubKey() []byte {
	raw, err := hex.DecodeString(string(id))
	if err != nil || len(raw) != rawIDLen {
		return nil
	}
	return raw[1:]
}

// IsGroup reports whether the identifier addresses a group account.
func (id AccountID) IsGroup() bool {
	return id.Prefix() == PrefixGroup
}

// MatchesPubKey reports whether the identifier's key portion equals key.
func (id AccountID) MatchesPubKey(key []byte) bool {
	return bytes.Equal(id.PubKey(), key)
}
