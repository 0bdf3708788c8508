// Package types defines the opaque identifiers and feature representations
// shared by every incentive-layer package: addresses, content hashes, and
// the two-variant feature vector used as part of a registry key.
package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	// AddressLength is the size in bytes of a participant address.
	AddressLength = 20
	// HashLength is the size in bytes of a content hash.
	HashLength = 32
)

// Address identifies a participant in the simulation: an agent, the bounty
// provider, or the trainer/market owner. Equality and ordering are total.
type Address [AddressLength]byte

// Hash is a 32-byte content hash, used for PM commit-reveal commitments.
type Hash [HashLength]byte

// ZeroAddress is the empty address.
var ZeroAddress = Address{}

// BytesToAddress right-aligns b into a fixed-length Address.
func BytesToAddress(b []byte) Address {
	var addr Address
	if len(b) > AddressLength {
		copy(addr[:], b[len(b)-AddressLength:])
	} else {
		copy(addr[AddressLength-len(b):], b)
	}
	return addr
}

// BytesToHash right-aligns b into a fixed-length Hash.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		copy(h[:], b[len(b)-HashLength:])
	} else {
		copy(h[HashLength-len(b):], b)
	}
	return h
}

// Hex returns the "0x"-prefixed hex representation of the address.
func (addr Address) Hex() string { return "0x" + hex.EncodeToString(addr[:]) }

// String implements fmt.Stringer.
func (addr Address) String() string { return addr.Hex() }

// Bytes returns the address as a byte slice.
func (addr Address) Bytes() []byte { return addr[:] }

// Equal reports whether two addresses are the same.
func (addr Address) Equal(other Address) bool { return bytes.Equal(addr[:], other[:]) }

// IsZero reports whether addr is the zero address.
func (addr Address) IsZero() bool { return addr.Equal(ZeroAddress) }

// Less gives addresses a total order, used for deterministic tie-breaks
// in the simulator driver's event scheduling.
func (addr Address) Less(other Address) bool { return bytes.Compare(addr[:], other[:]) < 0 }

// Hex returns the "0x"-prefixed hex representation of the hash.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// String implements fmt.Stringer.
func (h Hash) String() string { return h.Hex() }

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte { return h[:] }

// Equal reports whether two hashes are the same.
func (h Hash) Equal(other Hash) bool { return bytes.Equal(h[:], other[:]) }

// HexToAddress parses a "0x"-prefixed or bare hex string into an Address.
func HexToAddress(s string) (Address, error) {
	if len(s) > 2 && s[:2] == "0x" {
		s = s[2:]
	}
	if len(s) != AddressLength*2 {
		return ZeroAddress, fmt.Errorf("invalid address length: expected %d, got %d", AddressLength*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroAddress, fmt.Errorf("invalid hex string: %w", err)
	}
	return BytesToAddress(b), nil
}

// AddressFromSeed deterministically derives an Address from a human-readable
// seed (an agent name, a run ID plus index), the way the teacher derives a
// validator address from a public key: Keccak256(seed), last 20 bytes.
func AddressFromSeed(seed string) Address {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(seed))
	digest := hasher.Sum(nil)
	return BytesToAddress(digest[12:])
}
