package recon

import (
	"context"
	"log/slog"

	"agrichain/services/transferd/ledger"
	"agrichain/services/transferd/models"
)

// ResolveStuck re-checks transfers whose last submission ended without a
// receipt. It settles each one from the ledger's answer and reports how many
// reached a resolution. Transfers still lacking a receipt are pushed out to
// the next check window; nothing is ever resubmitted here.
func (s *Service) ResolveStuck(ctx context.Context) (int, error) {
	var rows []models.Transfer
	now := s.now()
	err := s.db.
		Where("state = ? AND next_check_at IS NOT NULL AND next_check_at <= ?", models.TransferPending, now).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	resolved := 0
	for i := range rows {
		ok, err := s.resolveOne(ctx, &rows[i])
		if err != nil {
			s.log.Error("resolve stuck transfer",
				slog.String("ref", rows[i].ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		if ok {
			resolved++
		}
	}
	s.publishUnresolvedCount()
	return resolved, nil
}

func (s *Service) resolveOne(ctx context.Context, row *models.Transfer) (bool, error) {
	if row.LedgerTxHash == "" {
		// No hash was ever recorded, so the transaction cannot have
		// reached the node. The reservation is safe to release.
		return true, s.releaseReservation(row, "")
	}
	receipt, err := s.client.TransactionReceipt(ctx, row.LedgerTxHash)
	if err != nil {
		return false, err
	}
	if receipt == nil {
		pending, err := s.client.PendingTransfer(ctx, row.LedgerID)
		if err != nil {
			return false, err
		}
		if pending != nil && row.LastAction == actionInitiate {
			// The slot is open on the ledger, so the initiate landed
			// even though the receipt is not yet retrievable.
			return true, s.clearRecheck(row)
		}
		return false, s.pushRecheck(row)
	}
	switch receipt.Status {
	case ledger.ReceiptSuccess:
		switch row.LastAction {
		case actionAccept:
			fragmentID, fragmentQty := fragmentFromLogs(receipt)
			return true, s.applyAccept(row, row.LedgerTxHash, fragmentID, fragmentQty)
		case actionCancel:
			return true, s.applyCancel(row, row.LedgerTxHash)
		default:
			return true, s.clearRecheck(row)
		}
	case ledger.ReceiptReverted:
		if row.LastAction == actionCancel {
			// A failed cancel leaves the slot as it was; the transfer
			// stays pending for the recipient or a later cancel.
			return true, s.clearRecheck(row)
		}
		return true, s.releaseReservation(row, receipt.RevertReason)
	default:
		return false, s.pushRecheck(row)
	}
}

func (s *Service) clearRecheck(row *models.Transfer) error {
	if err := s.db.Model(row).Update("next_check_at", nil).Error; err != nil {
		return err
	}
	row.NextCheckAt = nil
	return nil
}

func (s *Service) pushRecheck(row *models.Transfer) error {
	next := s.now().Add(s.recheckDelay)
	if err := s.db.Model(row).Update("next_check_at", next).Error; err != nil {
		return err
	}
	row.NextCheckAt = &next
	return nil
}
