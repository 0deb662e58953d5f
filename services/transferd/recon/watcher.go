package recon

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agrichain/native/produce"
	"agrichain/native/registry"
	"agrichain/native/transfer"
	"agrichain/services/transferd/ledger"
	"agrichain/services/transferd/models"
)

const watcherCursor = "ledger-events"

// Watcher tails the ledger event stream and folds it into the mirror. It
// covers state this process did not cause itself: products created by other
// submitters, registry bindings and transfers settled from elsewhere.
type Watcher struct {
	db       *gorm.DB
	client   ledger.Client
	svc      *Service
	log      *slog.Logger
	interval time.Duration
	batch    int
}

// NewWatcher constructs a watcher over the shared mirror database.
func NewWatcher(db *gorm.DB, client ledger.Client, svc *Service, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		db:       db,
		client:   client,
		svc:      svc,
		log:      log,
		interval: 5 * time.Second,
		batch:    200,
	}
}

// SetInterval overrides the polling cadence.
func (w *Watcher) SetInterval(d time.Duration) {
	if d > 0 {
		w.interval = d
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Poll(ctx); err != nil {
			w.log.Error("event poll failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches one batch of events past the stored cursor and applies them.
// The cursor only advances past events that were applied, so a crash replays
// rather than skips. Every application is idempotent.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	cursor, err := w.loadCursor()
	if err != nil {
		return 0, err
	}
	events, err := w.client.Events(ctx, cursor, w.batch)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, evt := range events {
		if err := w.apply(ctx, evt); err != nil {
			w.log.Error("apply ledger event",
				slog.Int64("sequence", evt.Sequence),
				slog.String("type", evt.Type),
				slog.Any("error", err),
			)
			break
		}
		cursor = evt.Sequence
		applied++
	}
	if applied > 0 {
		if err := w.saveCursor(cursor); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (w *Watcher) loadCursor() (int64, error) {
	var row models.Cursor
	err := w.db.First(&row, "name = ?", watcherCursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Sequence, nil
}

func (w *Watcher) saveCursor(seq int64) error {
	return w.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"sequence", "updated_at"}),
	}).Create(&models.Cursor{Name: watcherCursor, Sequence: seq, UpdatedAt: time.Now()}).Error
}

func (w *Watcher) apply(ctx context.Context, evt ledger.Event) error {
	switch evt.Type {
	case registry.EventTypeRegistered:
		return w.applyRegistered(evt)
	case produce.EventTypeCreated:
		return w.applyProductCreated(ctx, evt)
	case produce.EventTypeStatusChanged:
		return w.applyStatusChanged(evt)
	case transfer.EventTypeAccepted:
		return w.applyTransferSettled(evt, true)
	case transfer.EventTypeCancelled:
		return w.applyTransferSettled(evt, false)
	default:
		return nil
	}
}

// applyRegistered upserts the participant binding. A re-registration of an
// identity under a new address rewrites the address column.
func (w *Watcher) applyRegistered(evt ledger.Event) error {
	identity := strings.ToLower(strings.TrimSpace(evt.Attributes["identity"]))
	address := strings.TrimSpace(evt.Attributes["address"])
	if identity == "" || address == "" {
		return nil
	}
	return w.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"address", "updated_at"}),
	}).Create(&models.Participant{
		ID:       uuid.New(),
		Identity: identity,
		Address:  address,
	}).Error
}

func (w *Watcher) applyProductCreated(ctx context.Context, evt ledger.Event) error {
	ledgerID := strings.TrimSpace(evt.Attributes["id"])
	if ledgerID == "" {
		return nil
	}
	var existing models.Product
	err := w.db.First(&existing, "ledger_id = ?", ledgerID).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	quantity, _ := strconv.ParseUint(evt.Attributes["quantity"], 10, 64)
	producedAt, _ := strconv.ParseInt(evt.Attributes["producedAt"], 10, 64)
	owner := evt.Attributes["owner"]
	identity, err := w.client.IdentityOf(ctx, owner)
	if err != nil {
		return err
	}
	if identity == "" {
		identity = strings.ToLower(owner)
	}
	return w.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.Product{
		ID:            uuid.New(),
		LedgerID:      ledgerID,
		Batch:         evt.Attributes["batch"],
		Kind:          evt.Attributes["kind"],
		Origin:        evt.Attributes["origin"],
		ProducedAt:    time.Unix(producedAt, 0).UTC(),
		Quantity:      quantity,
		Available:     quantity,
		OwnerIdentity: identity,
		Status:        evt.Attributes["status"],
		PriceWei:      evt.Attributes["price"],
	}).Error
}

func (w *Watcher) applyStatusChanged(evt ledger.Event) error {
	ledgerID := strings.TrimSpace(evt.Attributes["id"])
	status := strings.TrimSpace(evt.Attributes["status"])
	if ledgerID == "" || status == "" {
		return nil
	}
	return w.db.Model(&models.Product{}).
		Where("ledger_id = ?", ledgerID).
		Update("status", status).Error
}

// applyTransferSettled closes the mirror transfer matching a settlement
// event. Transfers this process already settled from the receipt are left
// untouched by the idempotent apply helpers.
func (w *Watcher) applyTransferSettled(evt ledger.Event, accepted bool) error {
	ledgerID := strings.TrimSpace(evt.Attributes["productId"])
	if ledgerID == "" {
		return nil
	}
	var row models.Transfer
	err := w.db.
		Where("ledger_id = ? AND state = ?", ledgerID, models.TransferPending).
		Order("created_at ASC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if accepted {
		fragmentID := evt.Attributes["fragmentId"]
		var fragmentQty uint64
		if fragmentID != "" {
			fragmentQty, _ = strconv.ParseUint(evt.Attributes["quantity"], 10, 64)
		}
		return w.svc.applyAccept(&row, evt.TxHash, fragmentID, fragmentQty)
	}
	return w.svc.applyCancel(&row, evt.TxHash)
}
