// Package netting implements the batch netting engine: it loads a window
// of pending intents, runs the linear netting pass that
// collapses per-item ownership chains and per-wallet cash deltas, derives
// the batch's commitment hash, and persists the result atomically.
package netting

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/logging"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/metrics"
	"github.com/LabsX402/phantom-paradox-sub002/internal/store"
)

// Params is the batch formation policy for one RunOnce call.
type Params struct {
	MinIntentsPerBatch int
	MaxIntentsPerBatch int
	BatchWindowSeconds int64
}

// Engine runs the linear netting algorithm on trigger. It holds no
// cross-call state: the item-ownership and cash-delta working maps live
// only for the duration of one RunOnce pass.
type Engine struct {
	store   store.Store
	log     *logging.Logger
	metrics *metrics.Metrics
	clock   func() int64
	newID   func() string
}

// New builds an Engine bound to s.
func New(s store.Store, log *logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:   s,
		log:     log,
		metrics: m,
		clock:   func() int64 { return time.Now().Unix() },
		newID:   func() string { return uuid.New().String() },
	}
}

// Result summarizes one completed netting pass, returned to the caller
// (operator CLI, scheduler, tests) and mirrored into the Store.
type Result struct {
	Batch            *model.NettingBatch
	SettledItems     []*model.SettledItem
	NetDeltas        []*model.NetCashDelta
	CompressionRatio float64
}

// RunOnce loads pending intents and, if the formation policy in params is
// met, nets and persists one batch. ok=false with err=nil means no batch
// was formed because fewer than MinIntentsPerBatch intents are pending
// and the window hasn't elapsed.
func (e *Engine) RunOnce(ctx context.Context, params Params) (result *Result, ok bool, err error) {
	return e.runOnce(ctx, params, false)
}

// ForceClose closes the currently pending window into a batch regardless
// of min_intents/window_seconds, backing the operator's
// force-close-current-batch verb. It still requires at least one pending
// intent.
func (e *Engine) ForceClose(ctx context.Context, maxIntents int) (result *Result, ok bool, err error) {
	return e.runOnce(ctx, Params{MinIntentsPerBatch: 1, MaxIntentsPerBatch: maxIntents}, true)
}

func (e *Engine) runOnce(ctx context.Context, params Params, forced bool) (*Result, bool, error) {
	start := time.Now()

	intents, err := e.store.LoadPendingIntents(ctx, params.MaxIntentsPerBatch)
	if err != nil {
		return nil, false, errs.NettingWrap(err, errs.OpFormBatch, "failed to load pending intents")
	}
	if len(intents) == 0 {
		return nil, false, nil
	}

	if !forced {
		windowElapsed := false
		if params.BatchWindowSeconds > 0 {
			windowElapsed = e.clock()-intents[0].CreatedAt >= params.BatchWindowSeconds
		}
		if len(intents) < params.MinIntentsPerBatch && !windowElapsed {
			return nil, false, nil
		}
	}

	owners, deltaMap, consumed := runLinearNetting(intents)

	settledItems := make([]*model.SettledItem, 0, len(owners))
	for itemID, owner := range owners {
		settledItems = append(settledItems, &model.SettledItem{ItemID: itemID, FinalOwner: owner})
	}
	sort.Slice(settledItems, func(i, j int) bool { return settledItems[i].ItemID < settledItems[j].ItemID })

	netDeltas := make([]*model.NetCashDelta, 0, len(deltaMap))
	var deltaSum int64
	for owner, d := range deltaMap {
		deltaSum += d
		if d == 0 {
			continue
		}
		netDeltas = append(netDeltas, &model.NetCashDelta{OwnerPubkey: owner, DeltaLamports: d})
	}
	sort.Slice(netDeltas, func(i, j int) bool { return netDeltas[i].OwnerPubkey < netDeltas[j].OwnerPubkey })

	// The cash-delta map always sums to zero by construction. A nonzero
	// sum means the Store or
	// admission let a corrupt intent stream through; abort rather than
	// persist it.
	if deltaSum != 0 {
		return nil, false, errs.NewNettingError(errs.NettingErrDeltaSumNotZero,
			fmt.Sprintf("net cash deltas sum to %d lamports, expected 0", deltaSum))
	}
	if len(settledItems) == 0 {
		return nil, false, errs.NewNettingError(errs.NettingErrEmptyBatchAfterForm,
			"every intent in the formed batch was stale-in-batch; no items settled")
	}

	batchID := e.newID()
	now := e.clock()

	for _, it := range settledItems {
		it.BatchID = batchID
	}
	for _, d := range netDeltas {
		d.BatchID = batchID
	}

	hash := CommitmentHash(settledItems, netDeltas, len(intents), len(settledItems))

	batch := &model.NettingBatch{
		BatchID:         batchID,
		CreatedAt:       now,
		NettedAt:        now,
		Settled:         false,
		BatchHash:       hash,
		IntentIDs:       intentIDs(intents),
		NumIntents:      len(intents),
		NumItemsSettled: len(settledItems),
		NumWallets:      len(netDeltas),
	}

	if err := e.store.PersistBatchAtomically(ctx, batch, settledItems, netDeltas, consumed); err != nil {
		return nil, false, errs.NettingWrap(err, errs.OpPersistBatch, "failed to persist netted batch")
	}

	ratio := 0.0
	if len(settledItems) > 0 {
		ratio = float64(len(intents)) / float64(len(settledItems))
	}

	if e.metrics != nil {
		e.metrics.RecordBatchFormed(len(intents), len(settledItems), len(netDeltas), time.Since(start))
	}
	if e.log != nil {
		e.log.Info("batch netted",
			"batch_id", batchID,
			"num_intents", len(intents),
			"num_items_settled", len(settledItems),
			"num_wallets", len(netDeltas),
			"compression_ratio", ratio,
			"forced", forced,
		)
	}

	return &Result{Batch: batch, SettledItems: settledItems, NetDeltas: netDeltas, CompressionRatio: ratio}, true, nil
}

// runLinearNetting is the single O(N) pass over the formed intent list:
// it walks intents in order, maintaining the item-ownership and
// cash-delta maps, and returns the final state of both plus the set of
// intent ids consumed by this batch. Stale-in-batch intents are included
// in the consumed set, marked Invalid, so they never reappear in a later
// batch.
func runLinearNetting(intents []*model.TradeIntent) (owners map[string]string, deltas map[string]int64, consumed []store.ConsumedIntent) {
	owners = make(map[string]string, len(intents))
	deltas = make(map[string]int64, len(intents))
	consumed = make([]store.ConsumedIntent, 0, len(intents))

	for _, t := range intents {
		current, touched := owners[t.ItemID]
		if !touched {
			owners[t.ItemID] = t.From
			current = t.From
		}

		if current != t.From {
			// Stale within this batch: the item was already transferred
			// away from t.From by an earlier intent in the same pass.
			consumed = append(consumed, store.ConsumedIntent{ID: t.ID, Invalid: true})
			continue
		}

		owners[t.ItemID] = t.To
		deltas[t.From] += int64(t.AmountLamports)
		deltas[t.To] -= int64(t.AmountLamports)
		consumed = append(consumed, store.ConsumedIntent{ID: t.ID, Invalid: false})
	}
	return owners, deltas, consumed
}

func intentIDs(intents []*model.TradeIntent) []string {
	ids := make([]string, len(intents))
	for i, t := range intents {
		ids[i] = t.ID
	}
	return ids
}

// CommitmentHash computes the 32-byte batch commitment. items and deltas
// MUST already be sorted ascending by item_id / owner_pubkey
// respectively; the caller owns that ordering. The exact
// separator/encoding choice below is this implementation's half of the
// on-chain contract and must never change independently of the
// settlement program's verifier.
func CommitmentHash(items []*model.SettledItem, deltas []*model.NetCashDelta, numIntents, numItemsSettled int) [32]byte {
	var sb strings.Builder
	sb.WriteString("items:")
	for _, it := range items {
		sb.WriteString(it.ItemID)
		sb.WriteByte('=')
		sb.WriteString(it.FinalOwner)
		sb.WriteByte(';')
	}
	sb.WriteString("|deltas:")
	for _, d := range deltas {
		sb.WriteString(d.OwnerPubkey)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatInt(d.DeltaLamports, 10))
		sb.WriteByte(';')
	}
	sb.WriteString("|num_intents:")
	sb.WriteString(strconv.Itoa(numIntents))
	sb.WriteString("|num_items_settled:")
	sb.WriteString(strconv.Itoa(numItemsSettled))
	return sha256.Sum256([]byte(sb.String()))
}
