// Package settlement implements the settlement driver: it picks up
// netted batches, builds the on-chain settlement payload, submits
// it through an at-most-once idempotent call, and marks the batch settled
// on success.
package settlement

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/config"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/logging"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/metrics"
	"github.com/LabsX402/phantom-paradox-sub002/internal/store"
	"github.com/LabsX402/phantom-paradox-sub002/internal/walletkey"
)

// Chain is the RPC boundary to the on-chain settlement program. Submit
// must be idempotent under idempotencyKey: resubmitting an
// already-applied payload must return ErrAlreadyApplied rather than
// double-spending on chain.
type Chain interface {
	Submit(ctx context.Context, idempotencyKey string, payload []byte) (txSignature string, err error)
}

// ErrAlreadyApplied is returned by a Chain implementation when the
// idempotency key has already been observed on chain.
var ErrAlreadyApplied = fmt.Errorf("settlement: batch already applied on chain")

// Payload is the canonical on-chain settlement instruction body for one
// batch: a numeric batch projection, the settled items
// and net cash deltas restricted to valid on-chain addresses, and the
// authority's signature over the whole thing.
type Payload struct {
	BatchIDNumeric      uint32
	BatchHash           [32]byte
	Items               []*model.SettledItem
	Deltas              []*model.NetCashDelta
	RoyaltyLamports     int64
	ProtocolFeeLamports int64
	AuthoritySig        []byte
}

// Encode produces the canonical byte serialization submitted to Chain.
// Royalties and protocol fees are carried as explicit zero fields: this
// engine nets trades only and never computes marketplace fees.
func (p *Payload) Encode() []byte {
	var sb strings.Builder
	sb.WriteString("batch:")
	sb.WriteString(strconv.FormatUint(uint64(p.BatchIDNumeric), 10))
	sb.WriteString("|hash:")
	sb.WriteString(fmt.Sprintf("%x", p.BatchHash))
	sb.WriteString("|items:")
	for _, it := range p.Items {
		sb.WriteString(it.ItemID)
		sb.WriteByte('=')
		sb.WriteString(it.FinalOwner)
		sb.WriteByte(';')
	}
	sb.WriteString("|deltas:")
	for _, d := range p.Deltas {
		sb.WriteString(d.OwnerPubkey)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatInt(d.DeltaLamports, 10))
		sb.WriteByte(';')
	}
	sb.WriteString("|royalty:")
	sb.WriteString(strconv.FormatInt(p.RoyaltyLamports, 10))
	sb.WriteString("|fee:")
	sb.WriteString(strconv.FormatInt(p.ProtocolFeeLamports, 10))
	return []byte(sb.String())
}

// Driver drives one batch at a time through payload construction,
// signing, submission with bounded exponential backoff, and the
// terminal MarkBatchSettled write.
type Driver struct {
	store     store.Store
	chain     Chain
	authority *walletkey.Authority
	cfg       config.SettlementConfig
	log       *logging.Logger
	metrics   *metrics.Metrics
	sleep     func(time.Duration)
}

// New builds a Driver. authority signs every payload submitted on chain;
// it is a distinct secp256k1 key from the ed25519 session keys admission
// verifies.
func New(s store.Store, chain Chain, authority *walletkey.Authority, cfg config.SettlementConfig, log *logging.Logger, m *metrics.Metrics) *Driver {
	return &Driver{
		store:     s,
		chain:     chain,
		authority: authority,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		sleep:     time.Sleep,
	}
}

// RunOnce settles the oldest unsettled batch meeting the configured
// minimum size, if any. ok=false with err=nil means there is nothing to
// settle right now.
func (d *Driver) RunOnce(ctx context.Context) (ok bool, err error) {
	batch, found, err := d.store.FindOldestUnsettledBatch(ctx, d.cfg.MinBatchSize)
	if err != nil {
		return false, errs.SettlementWrap(err, errs.OpBuildPayload, "failed to find oldest unsettled batch")
	}
	if !found {
		return false, nil
	}
	return true, d.SettleBatch(ctx, batch)
}

// SettleBatch carries one batch from NETTED through SUBMITTING to
// SETTLED, retrying transient on-chain failures with exponential backoff
// up to cfg.MaxRetries attempts. A transient failure leaves the batch
// NETTED for the next poll to retry.
func (d *Driver) SettleBatch(ctx context.Context, batch *model.NettingBatch) error {
	start := time.Now()

	// Re-read the row before submitting: a concurrent driver (or an
	// operator retry racing the poller) may have settled this batch after
	// the caller selected it. A settled row must never produce a second
	// on-chain transaction.
	current, err := d.store.GetBatch(ctx, batch.BatchID)
	if err != nil {
		return errs.SettlementWrap(err, errs.OpRetrySettlement, "failed to re-read batch before submit")
	}
	if current != nil && current.Settled {
		d.recordOutcome("already_settled", start)
		return nil
	}

	payload, err := d.buildPayload(ctx, batch)
	if err != nil {
		return errs.SettlementWrap(err, errs.OpBuildPayload, "failed to build settlement payload")
	}

	sig, err := d.submitWithRetry(ctx, batch.BatchID, payload)
	if err != nil {
		d.recordOutcome("failed", start)
		return err
	}

	if err := d.store.MarkBatchSettled(ctx, batch.BatchID, sig); err != nil {
		if errs.IsStoreError(err, errs.StoreErrAlreadySettled) {
			d.recordOutcome("already_settled", start)
			return nil
		}
		d.recordOutcome("mark_failed", start)
		return errs.SettlementWrap(err, errs.OpMarkSettled, "failed to mark batch settled")
	}

	if d.metrics != nil {
		d.metrics.RecordBatchSettled()
	}
	d.recordOutcome("settled", start)
	if d.log != nil {
		d.log.Info("batch settled", "batch_id", batch.BatchID, "tx_signature", sig)
	}
	return nil
}

func (d *Driver) recordOutcome(outcome string, start time.Time) {
	if d.metrics != nil {
		d.metrics.RecordSettlementAttempt(outcome, time.Since(start))
	}
}

// buildPayload assembles and signs the on-chain instruction body for
// batch, filtering items and deltas to addresses that parse as plausible
// on-chain addresses. Off-chain-only owners, e.g. marketplace escrow
// placeholders, are dropped from the payload but remain in the Store's
// record of the batch.
func (d *Driver) buildPayload(ctx context.Context, batch *model.NettingBatch) (*Payload, error) {
	items, err := d.store.GetSettledItems(ctx, batch.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load settled items: %w", err)
	}
	deltas, err := d.store.GetNetCashDeltas(ctx, batch.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load net cash deltas: %w", err)
	}

	onChainItems := make([]*model.SettledItem, 0, len(items))
	for _, it := range items {
		if walletkey.IsValidOnChainAddress(it.FinalOwner) {
			onChainItems = append(onChainItems, it)
		}
	}
	onChainDeltas := make([]*model.NetCashDelta, 0, len(deltas))
	for _, dl := range deltas {
		if dl.DeltaLamports != 0 && walletkey.IsValidOnChainAddress(dl.OwnerPubkey) {
			onChainDeltas = append(onChainDeltas, dl)
		}
	}

	numeric := walletkey.ProjectBatchID(batch.BatchID)
	if err := d.store.ReserveBatchProjection(ctx, numeric, batch.BatchID); err != nil {
		return nil, fmt.Errorf("reserve batch projection: %w", err)
	}

	payload := &Payload{
		BatchIDNumeric: numeric,
		BatchHash:      batch.BatchHash,
		Items:          onChainItems,
		Deltas:         onChainDeltas,
	}

	digest := sha256.Sum256(payload.Encode())
	sig, err := d.authority.SignPayload(digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	payload.AuthoritySig = sig
	return payload, nil
}

// submitWithRetry submits payload, retrying transient Chain errors with
// exponential backoff up to cfg.MaxRetries attempts. A resubmission the
// chain reports as already-applied is treated as success.
func (d *Driver) submitWithRetry(ctx context.Context, batchID string, payload *Payload) (string, error) {
	backoff := time.Duration(d.cfg.BackoffInitialMs) * time.Millisecond
	backoffCap := time.Duration(d.cfg.BackoffCapMs) * time.Millisecond

	maxAttempts := d.cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sig, err := d.chain.Submit(ctx, batchID, payload.Encode())
		if err == nil {
			return sig, nil
		}
		if err == ErrAlreadyApplied {
			return sig, nil
		}
		if errs.IsSettlementError(err, errs.SettlementErrPermanentChain) {
			if d.log != nil {
				d.log.Error("settlement submission permanently failed, not retrying", "batch_id", batchID, "attempt", attempt, "error", err.Error())
			}
			if d.metrics != nil {
				d.metrics.RecordBatchQuarantined()
			}
			return "", err
		}

		lastErr = err
		if d.log != nil {
			d.log.Warn("settlement submission attempt failed", "batch_id", batchID, "attempt", attempt, "error", err.Error())
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		d.sleep(backoff)
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}

	return "", errs.SettlementWrap(lastErr, errs.OpSubmitBatch,
		fmt.Sprintf("on-chain submission failed after %d attempts", maxAttempts))
}
