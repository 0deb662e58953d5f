package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ProductID identifies a single ledger product record. After a partial
// transfer the original batch may be represented by several ProductIDs.
type ProductID [32]byte

// Address is a 20-byte ledger signing address.
type Address [20]byte

// ZeroAddress marks a non-existent owner: a product whose owner equals the
// zero address is treated as absent from the ledger.
var ZeroAddress = Address{}

// IsZero reports whether the address is the null address.
func (a Address) IsZero() bool { return a == ZeroAddress }

// Hex returns the 0x-prefixed lowercase hex encoding of the address.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// Hex returns the 0x-prefixed lowercase hex encoding of the product id.
func (p ProductID) Hex() string { return "0x" + hex.EncodeToString(p[:]) }

// IsZero reports whether the product id is unset.
func (p ProductID) IsZero() bool { return p == ProductID{} }

// ParseProductID decodes a 0x-prefixed 32-byte hex string.
func ParseProductID(s string) (ProductID, error) {
	var id ProductID
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return id, fmt.Errorf("product id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("product id: expected %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// ParseAddress decodes a 0x-prefixed 20-byte hex string.
func ParseAddress(s string) (Address, error) {
	var addr Address
	cleaned := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return addr, fmt.Errorf("address: %w", err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("address: expected %d bytes, got %d", len(addr), len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}
