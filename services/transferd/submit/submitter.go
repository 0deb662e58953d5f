package submit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"agrichain/crypto"
	"agrichain/native/common"
	"agrichain/observability"
	"agrichain/services/transferd/ledger"
)

// Outcome statuses for a submitted transaction.
const (
	StatusSuccess  = "success"
	StatusReverted = "reverted"
	StatusUnknown  = "unknown"
)

// Outcome is the classified result of one submission attempt. Unknown means
// the transaction left this process but no receipt arrived before the
// deadline; the caller must re-check by hash rather than resubmit, since the
// transaction may still land.
type Outcome struct {
	Status  string
	TxHash  string
	Reason  common.Reason
	Receipt *ledger.Receipt
}

// Settled reports whether the ledger produced a terminal answer.
func (o Outcome) Settled() bool {
	return o.Status == StatusSuccess || o.Status == StatusReverted
}

// Options tune submission behaviour. Zero values fall back to defaults.
type Options struct {
	GasMarginPercent uint64
	GasPrice         string
	ReceiptTimeout   time.Duration
	PollInterval     time.Duration
}

func (o Options) withDefaults() Options {
	if o.GasMarginPercent == 0 {
		o.GasMarginPercent = 20
	}
	if strings.TrimSpace(o.GasPrice) == "" {
		o.GasPrice = "1000000000"
	}
	if o.ReceiptTimeout <= 0 {
		o.ReceiptTimeout = 90 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	return o
}

// lane serialises submissions for one signing identity so nonces stay
// strictly increasing. known is dropped after any failed hand-off to the
// node, forcing a fresh tx_count read before the next attempt.
type lane struct {
	mu    sync.Mutex
	nonce uint64
	known bool
}

// Submitter signs and submits ledger calls for a set of local identities and
// waits for their receipts.
type Submitter struct {
	client  ledger.Client
	opts    Options
	log     *slog.Logger
	metrics *observability.TransferdMetrics

	mu    sync.Mutex
	keys  map[string]*crypto.PrivateKey
	lanes map[string]*lane
}

// NewSubmitter constructs a submitter over the given ledger client.
func NewSubmitter(client ledger.Client, opts Options, log *slog.Logger) *Submitter {
	if log == nil {
		log = slog.Default()
	}
	return &Submitter{
		client:  client,
		opts:    opts.withDefaults(),
		log:     log,
		metrics: observability.Transferd(),
		keys:    make(map[string]*crypto.PrivateKey),
		lanes:   make(map[string]*lane),
	}
}

// RegisterKey binds a signing key to an identity handle. Submissions for
// unregistered identities fail fast.
func (s *Submitter) RegisterKey(identity string, key *crypto.PrivateKey) error {
	trimmed := strings.ToLower(strings.TrimSpace(identity))
	if trimmed == "" {
		return fmt.Errorf("submit: identity required")
	}
	if key == nil {
		return fmt.Errorf("submit: key required for %s", trimmed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[trimmed] = key
	return nil
}

func (s *Submitter) laneFor(identity string) (*lane, *crypto.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[identity]
	if !ok {
		return nil, nil, fmt.Errorf("submit: no signing key for identity %s", identity)
	}
	ln, ok := s.lanes[identity]
	if !ok {
		ln = &lane{}
		s.lanes[identity] = ln
	}
	return ln, key, nil
}

// Submit signs the call as the given identity, hands it to the node and
// waits for the receipt. The returned outcome is success, reverted with the
// protocol reason, or unknown after the receipt deadline. Only a submission
// that never reached the node returns an error instead of an outcome: once
// the node acknowledged the hand-off the transaction may land regardless of
// what happens here, so every later failure mode (deadline, cancelled
// context) surfaces as an unknown outcome carrying the hash.
func (s *Submitter) Submit(ctx context.Context, identity string, call ledger.Call) (Outcome, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	ln, key, err := s.laneFor(identity)
	if err != nil {
		return Outcome{}, err
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()

	if !ln.known {
		count, err := s.client.TransactionCount(ctx, key.PubKey().Address().Hex())
		if err != nil {
			return Outcome{}, fmt.Errorf("submit: read nonce for %s: %w", identity, err)
		}
		ln.nonce = count
		ln.known = true
	}

	gas, err := s.client.EstimateGas(ctx, call)
	if err != nil {
		return Outcome{}, fmt.Errorf("submit: estimate gas: %w", err)
	}
	limit := gas + gas*s.opts.GasMarginPercent/100

	tx := ledger.Tx{
		Nonce:    ln.nonce,
		GasLimit: limit,
		GasPrice: s.opts.GasPrice,
		Method:   call.Method,
		Params:   call.Params,
	}
	signed, err := ledger.Sign(tx, key)
	if err != nil {
		return Outcome{}, err
	}

	txHash, err := s.client.SubmitTransaction(ctx, signed)
	if err != nil {
		ln.known = false
		s.metrics.RecordSubmission(call.Method, "submit_error")
		return Outcome{}, fmt.Errorf("submit: hand off %s: %w", call.Method, err)
	}
	ln.nonce++

	s.log.Info("transaction submitted",
		slog.String("identity", identity),
		slog.String("signer", crypto.EncodeAddress(key.PubKey().Address())),
		slog.String("method", call.Method),
		slog.String("txHash", txHash),
		slog.Uint64("nonce", tx.Nonce),
	)

	outcome := s.AwaitReceipt(ctx, txHash)
	s.metrics.RecordSubmission(call.Method, outcome.Status)
	if outcome.Status == StatusReverted {
		s.metrics.RecordRevert(string(outcome.Reason))
	}
	return outcome, nil
}

// AwaitReceipt polls for the receipt of an already-submitted transaction
// until the configured deadline. It is also used to resolve transfers left
// unknown by an earlier run. A cancelled context yields an unknown outcome,
// not an error: the transaction already left this process.
func (s *Submitter) AwaitReceipt(ctx context.Context, txHash string) Outcome {
	deadline := time.Now().Add(s.opts.ReceiptTimeout)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			s.log.Warn("receipt poll failed", slog.String("txHash", txHash), slog.Any("error", err))
		} else if receipt != nil {
			switch receipt.Status {
			case ledger.ReceiptSuccess:
				return Outcome{Status: StatusSuccess, TxHash: txHash, Receipt: receipt}
			case ledger.ReceiptReverted:
				reason, ok := common.ReasonFromCode(receipt.RevertReason)
				if !ok {
					reason = common.Reason(receipt.RevertReason)
				}
				return Outcome{
					Status:  StatusReverted,
					TxHash:  txHash,
					Reason:  reason,
					Receipt: receipt,
				}
			default:
				s.log.Warn("receipt with unrecognised status",
					slog.String("txHash", txHash),
					slog.String("status", receipt.Status),
				)
			}
		}
		if time.Now().After(deadline) {
			return Outcome{Status: StatusUnknown, TxHash: txHash}
		}
		select {
		case <-ctx.Done():
			return Outcome{Status: StatusUnknown, TxHash: txHash}
		case <-ticker.C:
		}
	}
}
