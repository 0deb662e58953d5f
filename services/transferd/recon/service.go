package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agrichain/native/common"
	"agrichain/native/produce"
	"agrichain/native/transfer"
	"agrichain/observability"
	"agrichain/services/transferd/ledger"
	"agrichain/services/transferd/models"
	"agrichain/services/transferd/submit"
)

// ErrStale is returned when the mirror's view of a transfer has been
// overtaken by the ledger: the pending slot was settled or replaced before
// this request reached it. Callers should re-read status and retry against
// fresh state rather than repeating the same call.
var ErrStale = errors.New("recon: transfer state is stale")

// ErrTransferNotFound is returned for unknown transfer references.
var ErrTransferNotFound = errors.New("recon: transfer not found")

// Transfer actions recorded on the mirror row.
const (
	actionInitiate = "initiate"
	actionAccept   = "accept"
	actionCancel   = "cancel"
)

// Service reconciles the mirror database with the ledger. Every mutating
// call follows reserve-then-submit: the mirror row is written first, the
// ledger transaction is submitted, and the mirror is settled from the
// receipt. The ledger stays authoritative throughout; the mirror only ever
// converges towards it.
type Service struct {
	db      *gorm.DB
	client  ledger.Client
	sub     Submitter
	log     *slog.Logger
	metrics *observability.TransferdMetrics

	now          func() time.Time
	recheckDelay time.Duration
}

// Submitter hands signed calls to the ledger and waits for their receipts.
type Submitter interface {
	Submit(ctx context.Context, identity string, call ledger.Call) (submit.Outcome, error)
}

// New constructs the reconciliation service.
func New(db *gorm.DB, client ledger.Client, sub Submitter, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:           db,
		client:       client,
		sub:          sub,
		log:          log,
		metrics:      observability.Transferd(),
		now:          time.Now,
		recheckDelay: 30 * time.Second,
	}
}

// SetNowFunc overrides the clock, primarily for tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetRecheckDelay adjusts how long an unresolved transfer waits before the
// scheduler re-checks its receipt.
func (s *Service) SetRecheckDelay(d time.Duration) {
	if d > 0 {
		s.recheckDelay = d
	}
}

// InitiateRequest opens an ownership transfer for part or all of a product.
// FromRole and ToRole are the parties' declared supply-chain roles; when
// omitted, the roles on file for the mirrored participants are used.
type InitiateRequest struct {
	ProductID string
	From      string
	FromRole  string
	To        string
	ToRole    string
	Quantity  uint64
}

// TransferView is the externally visible snapshot of a mirror transfer.
type TransferView struct {
	Ref          uuid.UUID `json:"ref"`
	ProductID    string    `json:"productId"`
	From         string    `json:"from"`
	FromRole     string    `json:"fromRole,omitempty"`
	To           string    `json:"to"`
	ToRole       string    `json:"toRole,omitempty"`
	Quantity     uint64    `json:"quantity"`
	State        string    `json:"state"`
	TxHash       string    `json:"txHash,omitempty"`
	RevertReason string    `json:"revertReason,omitempty"`
	FragmentID   string    `json:"fragmentId,omitempty"`
	Unresolved   bool      `json:"unresolved,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`
}

func viewOf(t *models.Transfer) *TransferView {
	view := &TransferView{
		Ref:          t.ID,
		ProductID:    t.LedgerID,
		From:         t.FromIdentity,
		FromRole:     t.FromRole,
		To:           t.ToIdentity,
		ToRole:       t.ToRole,
		Quantity:     t.Quantity,
		State:        string(t.State),
		TxHash:       t.LedgerTxHash,
		RevertReason: t.RevertReason,
		FragmentID:   t.FragmentLedgerID,
		Unresolved:   t.State == models.TransferPending && t.NextCheckAt != nil,
		CreatedAt:    t.CreatedAt,
	}
	if t.CompletedAt != nil {
		view.CompletedAt = *t.CompletedAt
	}
	return view
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// InitiateTransfer reserves quantity on the mirror, opens the pending slot
// on the ledger and records the outcome. A revert releases the reservation
// and surfaces the protocol reason; an unknown outcome leaves the row
// pending with a scheduled re-check.
func (s *Service) InitiateTransfer(ctx context.Context, req InitiateRequest) (*TransferView, error) {
	started := s.now()
	req.From = normalizeIdentity(req.From)
	req.To = normalizeIdentity(req.To)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProductID == "" || req.From == "" || req.To == "" {
		return nil, common.NewProtocolError(common.ReasonInvalidArgument, "product, from and to are required")
	}
	if req.From == req.To {
		return nil, common.NewProtocolError(common.ReasonSelfTransfer, "sender and recipient identities match")
	}
	if req.Quantity == 0 {
		return nil, common.NewProtocolError(common.ReasonInvalidQuantity, "quantity must be positive")
	}
	req.FromRole = strings.ToLower(strings.TrimSpace(req.FromRole))
	req.ToRole = strings.ToLower(strings.TrimSpace(req.ToRole))
	for _, role := range []string{req.FromRole, req.ToRole} {
		if role != "" && !models.ValidRole(role) {
			return nil, common.NewProtocolError(common.ReasonInvalidArgument, "unknown participant role "+role)
		}
	}

	row := models.Transfer{
		ID:           uuid.New(),
		FromIdentity: req.From,
		FromRole:     req.FromRole,
		ToIdentity:   req.To,
		ToRole:       req.ToRole,
		Quantity:     req.Quantity,
		State:        models.TransferPending,
		LastAction:   actionInitiate,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var product models.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, "ledger_id = ?", req.ProductID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return common.NewProtocolError(common.ReasonNotFound, "product not mirrored")
			}
			return err
		}
		if product.OwnerIdentity != req.From {
			return common.NewProtocolError(common.ReasonNotOwner, "sender does not own the product")
		}
		if product.Available < req.Quantity {
			return common.NewProtocolError(common.ReasonInvalidQuantity, "quantity exceeds available stock")
		}
		var open int64
		if err := tx.Model(&models.Transfer{}).
			Where("ledger_id = ? AND state = ?", req.ProductID, models.TransferPending).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return common.NewProtocolError(common.ReasonTransferAlreadyPending, "a transfer is already open for this product")
		}
		product.Available -= req.Quantity
		if err := tx.Save(&product).Error; err != nil {
			return err
		}
		if err := resolveRoles(tx, &row); err != nil {
			return err
		}
		row.ProductID = product.ID
		row.LedgerID = product.LedgerID
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, err
	}

	outcome, err := s.sub.Submit(ctx, req.From, ledger.Call{
		Method: "transfer_initiate",
		Params: map[string]string{
			"productId": req.ProductID,
			"recipient": req.To,
			"quantity":  strconv.FormatUint(req.Quantity, 10),
		},
	})
	if err != nil {
		relErr := s.releaseReservation(&row, "")
		if relErr != nil {
			s.log.Error("release reservation after submit error", slog.Any("error", relErr))
		}
		return nil, err
	}
	defer s.metrics.ObserveLatency(actionInitiate, s.now().Sub(started))

	switch outcome.Status {
	case submit.StatusSuccess:
		row.LedgerTxHash = outcome.TxHash
		if err := s.db.Model(&row).Updates(map[string]interface{}{
			"ledger_tx_hash": outcome.TxHash,
			"next_check_at":  nil,
		}).Error; err != nil {
			return nil, err
		}
		return viewOf(&row), nil
	case submit.StatusReverted:
		if err := s.releaseReservation(&row, string(outcome.Reason)); err != nil {
			return nil, err
		}
		return nil, common.NewProtocolError(outcome.Reason, "initiate reverted")
	default:
		if err := s.markUnresolved(&row, outcome.TxHash); err != nil {
			return nil, err
		}
		return viewOf(&row), nil
	}
}

// AcceptTransfer settles a pending transfer as the recipient. Re-accepting
// a completed transfer is a no-op returning the settled view. If the ledger
// slot was already cleared, the mirror is settled from ledger state when the
// ownership change is visible, and ErrStale is returned otherwise.
func (s *Service) AcceptTransfer(ctx context.Context, ref uuid.UUID, caller string) (*TransferView, error) {
	started := s.now()
	caller = normalizeIdentity(caller)
	row, err := s.loadTransfer(ref)
	if err != nil {
		return nil, err
	}
	switch row.State {
	case models.TransferCompleted:
		return viewOf(row), nil
	case models.TransferCancelled, models.TransferFailed:
		return nil, common.NewProtocolError(common.ReasonNoPendingTransfer, "transfer is closed")
	}
	if caller != row.ToIdentity {
		return nil, common.NewProtocolError(common.ReasonNotRecipient, "caller is not the designated recipient")
	}

	pending, err := s.client.PendingTransfer(ctx, row.LedgerID)
	if err != nil {
		return nil, fmt.Errorf("recon: read pending slot: %w", err)
	}
	if pending == nil {
		settled, err := s.settleFromLedger(ctx, row)
		if err != nil {
			return nil, err
		}
		if settled {
			return viewOf(row), nil
		}
		return nil, ErrStale
	}

	outcome, err := s.sub.Submit(ctx, caller, ledger.Call{
		Method: "transfer_accept",
		Params: map[string]string{"productId": row.LedgerID},
	})
	if err != nil {
		return nil, err
	}
	defer s.metrics.ObserveLatency(actionAccept, s.now().Sub(started))

	switch outcome.Status {
	case submit.StatusSuccess:
		fragmentID, fragmentQty := fragmentFromLogs(outcome.Receipt)
		if err := s.applyAccept(row, outcome.TxHash, fragmentID, fragmentQty); err != nil {
			return nil, err
		}
		return viewOf(row), nil
	case submit.StatusReverted:
		if err := s.releaseReservation(row, string(outcome.Reason)); err != nil {
			return nil, err
		}
		if outcome.Reason == common.ReasonStaleTransfer {
			return nil, ErrStale
		}
		return nil, common.NewProtocolError(outcome.Reason, "accept reverted")
	default:
		row.LastAction = actionAccept
		if err := s.db.Model(row).Update("last_action", actionAccept).Error; err != nil {
			return nil, err
		}
		if err := s.markUnresolved(row, outcome.TxHash); err != nil {
			return nil, err
		}
		return viewOf(row), nil
	}
}

// CancelTransfer withdraws a pending transfer as its initiator and restores
// the reserved quantity. Cancelling an already-cancelled transfer is a
// no-op; cancelling one the recipient accepted underneath returns ErrStale.
func (s *Service) CancelTransfer(ctx context.Context, ref uuid.UUID, caller string) (*TransferView, error) {
	started := s.now()
	caller = normalizeIdentity(caller)
	row, err := s.loadTransfer(ref)
	if err != nil {
		return nil, err
	}
	switch row.State {
	case models.TransferCancelled:
		return viewOf(row), nil
	case models.TransferCompleted:
		return nil, ErrStale
	case models.TransferFailed:
		return nil, common.NewProtocolError(common.ReasonNoPendingTransfer, "transfer is closed")
	}
	if caller != row.FromIdentity {
		return nil, common.NewProtocolError(common.ReasonNotInitiator, "caller did not initiate this transfer")
	}

	pending, err := s.client.PendingTransfer(ctx, row.LedgerID)
	if err != nil {
		return nil, fmt.Errorf("recon: read pending slot: %w", err)
	}
	if pending == nil {
		product, err := s.client.ProductGet(ctx, row.LedgerID)
		if err != nil {
			return nil, fmt.Errorf("recon: read product: %w", err)
		}
		fromAddr, err := s.client.ResolveIdentity(ctx, row.FromIdentity)
		if err != nil {
			return nil, fmt.Errorf("recon: resolve initiator: %w", err)
		}
		if product != nil && product.Owner != fromAddr {
			return nil, ErrStale
		}
		if err := s.applyCancel(row, ""); err != nil {
			return nil, err
		}
		return viewOf(row), nil
	}

	outcome, err := s.sub.Submit(ctx, caller, ledger.Call{
		Method: "transfer_cancel",
		Params: map[string]string{"productId": row.LedgerID},
	})
	if err != nil {
		return nil, err
	}
	defer s.metrics.ObserveLatency(actionCancel, s.now().Sub(started))

	switch outcome.Status {
	case submit.StatusSuccess:
		if err := s.applyCancel(row, outcome.TxHash); err != nil {
			return nil, err
		}
		return viewOf(row), nil
	case submit.StatusReverted:
		// The slot stayed open or was settled by someone else; the
		// reservation is not released until the true outcome is known.
		if outcome.Reason == common.ReasonNoPendingTransfer || outcome.Reason == common.ReasonStaleTransfer {
			return nil, ErrStale
		}
		return nil, common.NewProtocolError(outcome.Reason, "cancel reverted")
	default:
		row.LastAction = actionCancel
		if err := s.db.Model(row).Update("last_action", actionCancel).Error; err != nil {
			return nil, err
		}
		if err := s.markUnresolved(row, outcome.TxHash); err != nil {
			return nil, err
		}
		return viewOf(row), nil
	}
}

// TransferStatus returns the current mirror view of a transfer.
func (s *Service) TransferStatus(_ context.Context, ref uuid.UUID) (*TransferView, error) {
	row, err := s.loadTransfer(ref)
	if err != nil {
		return nil, err
	}
	return viewOf(row), nil
}

// resolveRoles fills missing declared roles from the participant mirror and
// records freshly declared ones back onto it, so later transfers inherit
// them without re-declaration.
func resolveRoles(tx *gorm.DB, row *models.Transfer) error {
	pairs := []struct {
		identity string
		role     *string
	}{
		{row.FromIdentity, &row.FromRole},
		{row.ToIdentity, &row.ToRole},
	}
	for _, p := range pairs {
		var participant models.Participant
		err := tx.First(&participant, "identity = ?", p.identity).Error
		switch {
		case err == nil:
			if *p.role == "" {
				*p.role = participant.Role
			} else if participant.Role != *p.role {
				if err := tx.Model(&participant).Update("role", *p.role).Error; err != nil {
					return err
				}
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			// The watcher has not mirrored the binding yet; the declared
			// role still lands on the transfer row.
		default:
			return err
		}
	}
	return nil
}

func (s *Service) loadTransfer(ref uuid.UUID) (*models.Transfer, error) {
	var row models.Transfer
	if err := s.db.First(&row, "id = ?", ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &row, nil
}

// releaseReservation marks the transfer failed and returns its reserved
// quantity to the product's available stock.
func (s *Service) releaseReservation(row *models.Transfer, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var fresh models.Transfer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&fresh, "id = ?", row.ID).Error; err != nil {
			return err
		}
		if fresh.State != models.TransferPending {
			*row = fresh
			return nil
		}
		var product models.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, "id = ?", fresh.ProductID).Error; err != nil {
			return err
		}
		product.Available += fresh.Quantity
		if product.Available > product.Quantity {
			product.Available = product.Quantity
		}
		if err := tx.Save(&product).Error; err != nil {
			return err
		}
		fresh.State = models.TransferFailed
		fresh.RevertReason = reason
		fresh.NextCheckAt = nil
		if err := tx.Save(&fresh).Error; err != nil {
			return err
		}
		*row = fresh
		return nil
	})
}

func (s *Service) markUnresolved(row *models.Transfer, txHash string) error {
	next := s.now().Add(s.recheckDelay)
	err := s.db.Model(row).Updates(map[string]interface{}{
		"ledger_tx_hash": txHash,
		"next_check_at":  next,
	}).Error
	if err != nil {
		return err
	}
	row.LedgerTxHash = txHash
	row.NextCheckAt = &next
	s.publishUnresolvedCount()
	return nil
}

func (s *Service) publishUnresolvedCount() {
	var n int64
	if err := s.db.Model(&models.Transfer{}).
		Where("state = ? AND next_check_at IS NOT NULL", models.TransferPending).
		Count(&n).Error; err != nil {
		return
	}
	s.metrics.SetUnresolved(int(n))
}

// applyAccept settles the mirror after a successful accept: ownership and
// quantities move, the fragment minted by a partial settlement is mirrored,
// and an ownership record is appended.
func (s *Service) applyAccept(row *models.Transfer, txHash, fragmentID string, fragmentQty uint64) error {
	now := s.now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var fresh models.Transfer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&fresh, "id = ?", row.ID).Error; err != nil {
			return err
		}
		if fresh.State == models.TransferCompleted {
			*row = fresh
			return nil
		}
		var product models.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, "id = ?", fresh.ProductID).Error; err != nil {
			return err
		}
		if fragmentID == "" {
			product.OwnerIdentity = fresh.ToIdentity
			product.Available = product.Quantity
		} else {
			product.Quantity -= fresh.Quantity
			if product.Available > product.Quantity {
				product.Available = product.Quantity
			}
			fragment := models.Product{
				ID:                uuid.New(),
				LedgerID:          fragmentID,
				Batch:             product.Batch,
				Kind:              product.Kind,
				Origin:            product.Origin,
				ProducedAt:        product.ProducedAt,
				Quantity:          fragmentQty,
				Available:         fragmentQty,
				OwnerIdentity:     fresh.ToIdentity,
				Status:            product.Status,
				PriceWei:          product.PriceWei,
				StorageConditions: product.StorageConditions,
				TransportMode:     product.TransportMode,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fragment).Error; err != nil {
				return err
			}
		}
		if err := tx.Save(&product).Error; err != nil {
			return err
		}
		record := models.OwnershipRecord{
			ID:            uuid.New(),
			ProductID:     fresh.ProductID,
			LedgerID:      fresh.LedgerID,
			FromIdentity:  fresh.FromIdentity,
			ToIdentity:    fresh.ToIdentity,
			Quantity:      fresh.Quantity,
			LedgerTxHash:  txHash,
			TransferredAt: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		fresh.State = models.TransferCompleted
		fresh.LastAction = actionAccept
		fresh.LedgerTxHash = txHash
		fresh.FragmentLedgerID = fragmentID
		fresh.AcceptedAt = &now
		fresh.CompletedAt = &now
		fresh.NextCheckAt = nil
		if err := tx.Save(&fresh).Error; err != nil {
			return err
		}
		*row = fresh
		return nil
	})
	if err != nil {
		return err
	}
	s.publishUnresolvedCount()
	return nil
}

// applyCancel marks the transfer cancelled and restores the reservation.
func (s *Service) applyCancel(row *models.Transfer, txHash string) error {
	now := s.now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var fresh models.Transfer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&fresh, "id = ?", row.ID).Error; err != nil {
			return err
		}
		if fresh.State == models.TransferCancelled {
			*row = fresh
			return nil
		}
		var product models.Product
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, "id = ?", fresh.ProductID).Error; err != nil {
			return err
		}
		product.Available += fresh.Quantity
		if product.Available > product.Quantity {
			product.Available = product.Quantity
		}
		if err := tx.Save(&product).Error; err != nil {
			return err
		}
		fresh.State = models.TransferCancelled
		fresh.LastAction = actionCancel
		if txHash != "" {
			fresh.LedgerTxHash = txHash
		}
		fresh.CompletedAt = &now
		fresh.NextCheckAt = nil
		if err := tx.Save(&fresh).Error; err != nil {
			return err
		}
		*row = fresh
		return nil
	})
	if err != nil {
		return err
	}
	s.publishUnresolvedCount()
	return nil
}

// settleFromLedger reconciles a transfer whose ledger slot is already
// cleared. It settles the mirror when the ownership change is visible on
// the ledger and reports whether it did. Only a full settlement is
// detectable this way: a partial one mints a fragment whose identifier only
// the accepted event carries, so those fall through to ErrStale here and the
// watcher converges them once it reaches the event.
func (s *Service) settleFromLedger(ctx context.Context, row *models.Transfer) (bool, error) {
	product, err := s.client.ProductGet(ctx, row.LedgerID)
	if err != nil {
		return false, fmt.Errorf("recon: read product: %w", err)
	}
	if product == nil {
		return false, nil
	}
	toAddr, err := s.client.ResolveIdentity(ctx, row.ToIdentity)
	if err != nil {
		return false, fmt.Errorf("recon: resolve recipient: %w", err)
	}
	if product.Owner == toAddr {
		// Full settlement landed without this process observing the
		// receipt; converge the mirror.
		return true, s.applyAccept(row, row.LedgerTxHash, "", 0)
	}
	return false, nil
}

func fragmentFromLogs(receipt *ledger.Receipt) (string, uint64) {
	if receipt == nil {
		return "", 0
	}
	for _, evt := range receipt.Logs {
		switch evt.Type {
		case transfer.EventTypeAccepted, transfer.EventTypeOwnershipChanged:
			if id := evt.Attributes["fragmentId"]; id != "" {
				qty, _ := strconv.ParseUint(evt.Attributes["quantity"], 10, 64)
				return id, qty
			}
		case produce.EventTypeCreated:
			if id := evt.Attributes["id"]; id != "" {
				qty, _ := strconv.ParseUint(evt.Attributes["quantity"], 10, 64)
				return id, qty
			}
		}
	}
	return "", 0
}
