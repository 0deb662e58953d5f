package transfer

import (
	"fmt"

	"agrichain/core/types"
)

// Pending is the single in-flight transfer slot a product may hold. It is
// keyed by the product identifier it concerns: the ledger stores at most one
// pending transfer per product at a time. A slot with zero quantity is
// treated as cleared.
type Pending struct {
	ProductID types.ProductID
	Initiator types.Address
	Recipient types.Address
	Quantity  uint64
	CreatedAt int64
}

// Clone returns a copy of the pending transfer.
func (p *Pending) Clone() *Pending {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Open reports whether the slot holds a live pending transfer.
func (p *Pending) Open() bool {
	return p != nil && p.Quantity > 0
}

// Sanitize validates a pending transfer record.
func Sanitize(p *Pending) (*Pending, error) {
	if p == nil {
		return nil, fmt.Errorf("nil pending transfer")
	}
	if p.ProductID.IsZero() {
		return nil, fmt.Errorf("transfer: product id required")
	}
	if p.Initiator.IsZero() || p.Recipient.IsZero() {
		return nil, fmt.Errorf("transfer: initiator and recipient required")
	}
	if p.Quantity == 0 {
		return nil, fmt.Errorf("transfer: quantity must be positive while pending")
	}
	return p.Clone(), nil
}

// Outcome describes how an acceptance settled.
type Outcome struct {
	// Full is true when the accepted quantity equalled the product quantity
	// and ownership of the original record moved to the recipient.
	Full bool
	// Product is the post-acceptance state of the original record.
	Product types.ProductID
	// Fragment is the identifier of the newly minted record on the partial
	// path, zero otherwise.
	Fragment types.ProductID
	// Quantity is the quantity that changed hands.
	Quantity uint64
}
