package submit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agrichain/crypto"
	"agrichain/native/common"
	"agrichain/services/transferd/ledger"
)

type fakeClient struct {
	ledger.Client

	txCount     uint64
	txCountErr  error
	gas         uint64
	submitErr   error
	submitted   []ledger.SignedTx
	receipts    map[string]*ledger.Receipt
	receiptHits int
}

func (f *fakeClient) TransactionCount(ctx context.Context, address string) (uint64, error) {
	return f.txCount, f.txCountErr
}

func (f *fakeClient) EstimateGas(ctx context.Context, call ledger.Call) (uint64, error) {
	return f.gas, nil
}

func (f *fakeClient) SubmitTransaction(ctx context.Context, tx ledger.SignedTx) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, tx)
	return fmt.Sprintf("0xtx%d", len(f.submitted)), nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	f.receiptHits++
	return f.receipts[txHash], nil
}

func quickOpts() Options {
	return Options{ReceiptTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}
}

func newTestSubmitter(t *testing.T, client ledger.Client) *Submitter {
	t.Helper()
	s := NewSubmitter(client, quickOpts(), nil)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, s.RegisterKey("farm.sol", key))
	return s
}

func TestSubmitSuccessIncrementsNonce(t *testing.T) {
	client := &fakeClient{
		txCount: 5,
		gas:     40_000,
		receipts: map[string]*ledger.Receipt{
			"0xtx1": {TxHash: "0xtx1", Status: ledger.ReceiptSuccess, Height: 12},
			"0xtx2": {TxHash: "0xtx2", Status: ledger.ReceiptSuccess, Height: 13},
		},
	}
	s := newTestSubmitter(t, client)

	out, err := s.Submit(context.Background(), "farm.sol", ledger.Call{Method: "transfer_initiate"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, out.Status)
	require.True(t, out.Settled())

	out, err = s.Submit(context.Background(), "farm.sol", ledger.Call{Method: "transfer_initiate"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, out.Status)

	require.Len(t, client.submitted, 2)
	require.Equal(t, uint64(5), client.submitted[0].Nonce)
	require.Equal(t, uint64(6), client.submitted[1].Nonce)
	// 40000 estimate with the default 20% margin.
	require.Equal(t, uint64(48_000), client.submitted[0].GasLimit)
}

func TestSubmitRevertedCarriesReason(t *testing.T) {
	client := &fakeClient{
		gas: 40_000,
		receipts: map[string]*ledger.Receipt{
			"0xtx1": {TxHash: "0xtx1", Status: ledger.ReceiptReverted, RevertReason: "NOT_OWNER"},
		},
	}
	s := newTestSubmitter(t, client)

	out, err := s.Submit(context.Background(), "farm.sol", ledger.Call{Method: "transfer_initiate"})
	require.NoError(t, err)
	require.Equal(t, StatusReverted, out.Status)
	require.Equal(t, common.ReasonNotOwner, out.Reason)
}

func TestSubmitFailureResetsNonce(t *testing.T) {
	client := &fakeClient{
		txCount:   3,
		gas:       40_000,
		submitErr: fmt.Errorf("connection refused"),
	}
	s := newTestSubmitter(t, client)

	_, err := s.Submit(context.Background(), "farm.sol", ledger.Call{Method: "transfer_accept"})
	require.Error(t, err)

	// The node accepted a competing transaction in the meantime, so the
	// refreshed count differs from a locally incremented value.
	client.submitErr = nil
	client.txCount = 9
	client.receipts = map[string]*ledger.Receipt{
		"0xtx1": {TxHash: "0xtx1", Status: ledger.ReceiptSuccess},
	}

	out, err := s.Submit(context.Background(), "farm.sol", ledger.Call{Method: "transfer_accept"})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, uint64(9), client.submitted[0].Nonce)
}

func TestSubmitUnknownAfterDeadline(t *testing.T) {
	client := &fakeClient{gas: 40_000, receipts: map[string]*ledger.Receipt{}}
	s := newTestSubmitter(t, client)

	out, err := s.Submit(context.Background(), "farm.sol", ledger.Call{Method: "transfer_cancel"})
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, out.Status)
	require.Equal(t, "0xtx1", out.TxHash)
	require.False(t, out.Settled())
	// One submission only: the deadline never triggers a resubmit.
	require.Len(t, client.submitted, 1)
	require.Greater(t, client.receiptHits, 1)
}

func TestSubmitUnregisteredIdentity(t *testing.T) {
	s := NewSubmitter(&fakeClient{}, quickOpts(), nil)
	_, err := s.Submit(context.Background(), "ghost.id", ledger.Call{Method: "transfer_initiate"})
	require.Error(t, err)
}

func TestAwaitReceiptResolvesLater(t *testing.T) {
	client := &fakeClient{receipts: map[string]*ledger.Receipt{
		"0xold": {TxHash: "0xold", Status: ledger.ReceiptSuccess, Height: 40},
	}}
	s := NewSubmitter(client, quickOpts(), nil)

	out := s.AwaitReceipt(context.Background(), "0xold")
	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, uint64(40), out.Receipt.Height)
}

func TestSubmitCancelledContextYieldsUnknown(t *testing.T) {
	client := &fakeClient{gas: 40_000, receipts: map[string]*ledger.Receipt{}}
	s := NewSubmitter(client, Options{ReceiptTimeout: 10 * time.Second, PollInterval: 5 * time.Millisecond}, nil)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	require.NoError(t, s.RegisterKey("farm.sol", key))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out, err := s.Submit(ctx, "farm.sol", ledger.Call{Method: "transfer_initiate"})
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, out.Status)
	require.Equal(t, "0xtx1", out.TxHash)
	// The hand-off happened, so the hash must survive for a later re-check.
	require.Len(t, client.submitted, 1)
}
