package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Declared participant roles. The ledger registry knows nothing about
// roles; participants declare them mirror-side and the declared values are
// snapshotted onto each transfer.
const (
	RoleFarmer      = "farmer"
	RoleDistributor = "distributor"
	RoleRetailer    = "retailer"
	RoleConsumer    = "consumer"
)

// ValidRole reports whether role belongs to the declared-role vocabulary.
func ValidRole(role string) bool {
	switch role {
	case RoleFarmer, RoleDistributor, RoleRetailer, RoleConsumer:
		return true
	}
	return false
}

// TransferState represents the mirror-side lifecycle of a transfer request.
type TransferState string

// All transfer states.
const (
	TransferPending   TransferState = "PENDING"
	TransferCompleted TransferState = "COMPLETED"
	TransferCancelled TransferState = "CANCELLED"
	TransferFailed    TransferState = "FAILED"
)

// Participant mirrors a registered supply-chain actor. Identity is the
// stable handle; Address tracks the currently bound signing key and is
// rewritten when the registry re-points an identity.
type Participant struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Identity  string    `gorm:"size:64;uniqueIndex"`
	Address   string    `gorm:"size:64;uniqueIndex"`
	Role      string    `gorm:"size:32;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Product mirrors ledger produce state together with the operational
// metadata the ledger does not carry. Quantity is the ledger-confirmed
// stock; Available subtracts quantity reserved by in-flight transfers and
// is restored when a transfer cancels or fails.
type Product struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	LedgerID          string    `gorm:"size:66;uniqueIndex"`
	Batch             string    `gorm:"size:128;index"`
	Kind              string    `gorm:"size:64"`
	Origin            string    `gorm:"size:128"`
	ProducedAt        time.Time
	Quantity          uint64 `gorm:"not null"`
	Available         uint64 `gorm:"not null"`
	OwnerIdentity     string `gorm:"size:64;index"`
	Status            string `gorm:"size:32;index"`
	PriceWei          string `gorm:"size:80"`
	StorageConditions string `gorm:"size:256"`
	TransportMode     string `gorm:"size:64"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// OwnershipRecord is an append-only row per confirmed ownership change.
type OwnershipRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProductID     uuid.UUID `gorm:"type:uuid;index"`
	LedgerID      string    `gorm:"size:66;index"`
	FromIdentity  string    `gorm:"size:64"`
	ToIdentity    string    `gorm:"size:64"`
	Quantity      uint64    `gorm:"not null"`
	LedgerTxHash  string    `gorm:"size:66;index"`
	TransferredAt time.Time
	CreatedAt     time.Time
}

// Transfer tracks one ownership-transfer request across submission and
// settlement. LedgerTxHash is recorded before the outcome is known so an
// interrupted run can resume the receipt check instead of resubmitting.
type Transfer struct {
	ID                uuid.UUID     `gorm:"type:uuid;primaryKey"`
	ProductID         uuid.UUID     `gorm:"type:uuid;index"`
	LedgerID          string        `gorm:"size:66;index"`
	FromIdentity      string        `gorm:"size:64;index"`
	FromRole          string        `gorm:"size:32"`
	ToIdentity        string        `gorm:"size:64;index"`
	ToRole            string        `gorm:"size:32"`
	Quantity          uint64        `gorm:"not null"`
	State             TransferState `gorm:"size:32;index"`
	LastAction        string        `gorm:"size:16"`
	LedgerTxHash      string        `gorm:"size:66;index"`
	RevertReason      string        `gorm:"size:64"`
	FragmentLedgerID  string        `gorm:"size:66"`
	AcceptedAt        *time.Time
	CompletedAt       *time.Time
	NextCheckAt       *time.Time `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Cursor stores the last ledger event sequence applied by the watcher.
type Cursor struct {
	Name      string `gorm:"primaryKey;size:64"`
	Sequence  int64  `gorm:"not null"`
	UpdatedAt time.Time
}

// Open reports whether the transfer still awaits a terminal state.
func (t Transfer) Open() bool {
	return t.State == TransferPending
}

// Migrate applies the schema for all mirror tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Participant{},
		&Product{},
		&OwnershipRecord{},
		&Transfer{},
		&Cursor{},
	)
}
