package produce

import (
	"fmt"
	"math/big"
	"strings"

	"agrichain/core/types"
)

// Status tracks where a product sits in the supply chain. The integer values
// are part of the ledger ABI and must not be reordered. The ledger does not
// enforce linear progression: any owner may set any status.
type Status uint8

const (
	StatusRegistered Status = iota
	StatusPlanted
	StatusGrowing
	StatusHarvested
	StatusProcessed
	StatusPackaged
	StatusInTransit
	StatusDelivered
)

var statusNames = map[Status]string{
	StatusRegistered: "registered",
	StatusPlanted:    "planted",
	StatusGrowing:    "growing",
	StatusHarvested:  "harvested",
	StatusProcessed:  "processed",
	StatusPackaged:   "packaged",
	StatusInTransit:  "in_transit",
	StatusDelivered:  "delivered",
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// String returns the canonical lowercase name for the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ParseStatus maps a canonical status name back to its enum value.
func ParseStatus(name string) (Status, error) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	for status, n := range statusNames {
		if n == trimmed {
			return status, nil
		}
	}
	return 0, fmt.Errorf("produce: unknown status %q", name)
}

// Product is a single ledger product record. A record is never deleted: a
// fully transferred product persists with its owner replaced, and a partially
// transferred one persists with its quantity reduced while the accepted
// portion continues under a fresh ProductID.
type Product struct {
	ID         types.ProductID
	Batch      string
	Kind       string
	Origin     string
	ProducedAt int64
	Quantity   uint64
	Owner      types.Address
	Status     Status
	// Price is the per-unit price denominated in the ledger's smallest
	// fee-bearing unit. Display conversion happens off-chain.
	Price     *big.Int
	CreatedAt int64
}

// Clone returns a deep copy so callers can mutate without affecting the
// stored instance.
func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Price != nil {
		clone.Price = new(big.Int).Set(p.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// Exists reports whether the record denotes a live product. An owner equal to
// the zero address marks a slot that was never created.
func (p *Product) Exists() bool {
	return p != nil && !p.Owner.IsZero()
}

// Sanitize validates and normalises a product record, returning a clone with
// a non-nil price. The original value is not mutated.
func Sanitize(p *Product) (*Product, error) {
	if p == nil {
		return nil, fmt.Errorf("nil product")
	}
	clone := p.Clone()
	clone.Batch = strings.TrimSpace(clone.Batch)
	clone.Kind = strings.TrimSpace(clone.Kind)
	clone.Origin = strings.TrimSpace(clone.Origin)
	if clone.Batch == "" || clone.Kind == "" || clone.Origin == "" {
		return nil, fmt.Errorf("produce: batch, kind and origin are required")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("produce: invalid status %d", clone.Status)
	}
	if clone.Price.Sign() < 0 {
		return nil, fmt.Errorf("produce: price must be non-negative")
	}
	return clone, nil
}

// Snapshot is the read-only projection returned by Engine.Get.
type Snapshot struct {
	Product            *Product
	HasPendingTransfer bool
}
