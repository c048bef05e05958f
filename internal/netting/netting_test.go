package netting

import (
	"context"
	"sort"
	"strconv"
	"testing"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
	"github.com/LabsX402/phantom-paradox-sub002/internal/store"
)

// fakeStore is a minimal in-memory store.Store covering only what the
// netting engine touches: loading pending intents and persisting a
// batch atomically.
type fakeStore struct {
	pending  []*model.TradeIntent
	batch    *model.NettingBatch
	items    []*model.SettledItem
	deltas   []*model.NetCashDelta
	consumed []store.ConsumedIntent
}

func (f *fakeStore) InsertIntent(ctx context.Context, intent *model.TradeIntent) error { return nil }

func (f *fakeStore) LoadPendingIntents(ctx context.Context, max int) ([]*model.TradeIntent, error) {
	if max < len(f.pending) {
		return f.pending[:max], nil
	}
	return f.pending, nil
}

func (f *fakeStore) HasConflictingPending(ctx context.Context, itemID, from string) (bool, error) {
	return false, nil
}
func (f *fakeStore) HasNonce(ctx context.Context, sessionPubkey string, nonce uint64) (bool, error) {
	return false, nil
}
func (f *fakeStore) HasIntent(ctx context.Context, id string) (bool, error) {
	return false, nil
}
func (f *fakeStore) SessionVolume(ctx context.Context, sessionPubkey string) (uint64, error) {
	return 0, nil
}

func (f *fakeStore) PersistBatchAtomically(ctx context.Context, batch *model.NettingBatch, settledItems []*model.SettledItem, netDeltas []*model.NetCashDelta, consumed []store.ConsumedIntent) error {
	f.batch = batch
	f.items = settledItems
	f.deltas = netDeltas
	f.consumed = consumed
	return nil
}

func (f *fakeStore) MarkBatchSettled(ctx context.Context, batchID, txSignature string) error {
	return nil
}
func (f *fakeStore) FindOldestUnsettledBatch(ctx context.Context, minIntents int) (*model.NettingBatch, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) GetBatch(ctx context.Context, batchID string) (*model.NettingBatch, error) {
	return f.batch, nil
}
func (f *fakeStore) GetSettledItems(ctx context.Context, batchID string) ([]*model.SettledItem, error) {
	return f.items, nil
}
func (f *fakeStore) GetNetCashDeltas(ctx context.Context, batchID string) ([]*model.NetCashDelta, error) {
	return f.deltas, nil
}
func (f *fakeStore) ReserveBatchProjection(ctx context.Context, projection uint32, batchID string) error {
	return nil
}
func (f *fakeStore) LoadSessionPolicies(ctx context.Context) ([]*model.SessionKeyPolicy, error) {
	return nil, nil
}
func (f *fakeStore) SaveSessionPolicy(ctx context.Context, p *model.SessionKeyPolicy) error {
	return nil
}
func (f *fakeStore) DeleteSessionPolicy(ctx context.Context, sessionPubkey string) error {
	return nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func mkIntent(id, itemID, from, to string, amount uint64, createdAt int64) *model.TradeIntent {
	return &model.TradeIntent{
		ID: id, SessionPubkey: "s-" + id, OwnerPubkey: from, ItemID: itemID,
		From: from, To: to, AmountLamports: amount, Nonce: 1,
		CreatedAt: createdAt, IntentType: model.IntentTrade,
	}
}

func deltaByOwner(deltas []*model.NetCashDelta) map[string]int64 {
	out := make(map[string]int64, len(deltas))
	for _, d := range deltas {
		out[d.OwnerPubkey] = d.DeltaLamports
	}
	return out
}

// A chain A→B→C→D on one item collapses to final owner D, with only the
// endpoints carrying a non-zero delta.
func TestRunOnceTriangleCollapse(t *testing.T) {
	fs := &fakeStore{pending: []*model.TradeIntent{
		mkIntent("t1", "X", "A", "B", 10, 100),
		mkIntent("t2", "X", "B", "C", 10, 101),
		mkIntent("t3", "X", "C", "D", 10, 102),
	}}
	eng := New(fs, nil, nil)

	result, ok, err := eng.RunOnce(context.Background(), Params{MinIntentsPerBatch: 1, MaxIntentsPerBatch: 10})
	if err != nil || !ok {
		t.Fatalf("expected batch formed, got ok=%v err=%v", ok, err)
	}
	if len(result.SettledItems) != 1 || result.SettledItems[0].FinalOwner != "D" {
		t.Fatalf("expected item X settled to D, got %+v", result.SettledItems)
	}
	deltas := deltaByOwner(result.NetDeltas)
	if deltas["A"] != 10 || deltas["D"] != -10 {
		t.Fatalf("expected A:+10 D:-10, got %+v", deltas)
	}
	if _, ok := deltas["B"]; ok {
		t.Fatalf("B should net to zero and be omitted, got %+v", deltas)
	}
	if _, ok := deltas["C"]; ok {
		t.Fatalf("C should net to zero and be omitted, got %+v", deltas)
	}
	for _, c := range fs.consumed {
		if c.Invalid {
			t.Fatalf("no intent should be marked stale in a clean chain, got %+v", fs.consumed)
		}
	}
}

// A→B then B→A then A→C is a legitimate chain, not a conflict: every
// intent's from matches the item's current owner at its turn.
func TestRunOnceReversalNoStale(t *testing.T) {
	fs := &fakeStore{pending: []*model.TradeIntent{
		mkIntent("t1", "X", "A", "B", 5, 100),
		mkIntent("t2", "X", "B", "A", 5, 101),
		mkIntent("t3", "X", "A", "C", 5, 102),
	}}
	eng := New(fs, nil, nil)

	result, ok, err := eng.RunOnce(context.Background(), Params{MinIntentsPerBatch: 1, MaxIntentsPerBatch: 10})
	if err != nil || !ok {
		t.Fatalf("expected batch formed, got ok=%v err=%v", ok, err)
	}
	if result.SettledItems[0].FinalOwner != "C" {
		t.Fatalf("expected item X settled to C, got %+v", result.SettledItems)
	}
	deltas := deltaByOwner(result.NetDeltas)
	if deltas["A"] != 5 || deltas["C"] != -5 {
		t.Fatalf("expected A:+5 C:-5, got %+v", deltas)
	}
	for _, c := range fs.consumed {
		if c.Invalid {
			t.Fatalf("no intent should be marked stale, got %+v", fs.consumed)
		}
	}
}

// Genuine stale-in-batch: a second sell of the same item by a different
// "current owner" than the chain produced is dropped and marked invalid.
func TestRunOnceDropsStaleInBatch(t *testing.T) {
	fs := &fakeStore{pending: []*model.TradeIntent{
		mkIntent("t1", "X", "A", "B", 5, 100),
		mkIntent("t2", "X", "A", "C", 7, 101), // stale: X now owned by B, not A
	}}
	eng := New(fs, nil, nil)

	result, ok, err := eng.RunOnce(context.Background(), Params{MinIntentsPerBatch: 1, MaxIntentsPerBatch: 10})
	if err != nil || !ok {
		t.Fatalf("expected batch formed, got ok=%v err=%v", ok, err)
	}
	if result.SettledItems[0].FinalOwner != "B" {
		t.Fatalf("expected item X settled to B, got %+v", result.SettledItems)
	}
	deltas := deltaByOwner(result.NetDeltas)
	if deltas["A"] != 5 || deltas["B"] != -5 {
		t.Fatalf("expected A:+5 B:-5, got %+v", deltas)
	}
	var staleFound bool
	for _, c := range fs.consumed {
		if c.ID == "t2" && c.Invalid {
			staleFound = true
		}
	}
	if !staleFound {
		t.Fatal("expected t2 to be consumed-and-dropped as stale-in-batch")
	}
	// The stale intent is still part of num_intents (consumed-and-dropped
	// policy: it never reappears in a later batch).
	if fs.batch.NumIntents != 2 {
		t.Fatalf("expected num_intents=2 including the dropped intent, got %d", fs.batch.NumIntents)
	}
	if fs.batch.NumItemsSettled != 1 {
		t.Fatalf("expected num_items_settled=1, got %d", fs.batch.NumItemsSettled)
	}
}

// Below min_intents and no window: no batch formed.
func TestRunOnceBelowMinNoWindow(t *testing.T) {
	fs := &fakeStore{pending: []*model.TradeIntent{
		mkIntent("t1", "X", "A", "B", 5, 100),
	}}
	eng := New(fs, nil, nil)

	_, ok, err := eng.RunOnce(context.Background(), Params{MinIntentsPerBatch: 5, MaxIntentsPerBatch: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no batch formed below min_intents with no elapsed window")
	}
}

// ForceClose bypasses min_intents.
func TestForceCloseBypassesMin(t *testing.T) {
	fs := &fakeStore{pending: []*model.TradeIntent{
		mkIntent("t1", "X", "A", "B", 5, 100),
	}}
	eng := New(fs, nil, nil)

	_, ok, err := eng.ForceClose(context.Background(), 10)
	if err != nil || !ok {
		t.Fatalf("expected forced batch, got ok=%v err=%v", ok, err)
	}
}

// Many chains across many items and wallets: deltas still conserve and
// each item settles exactly once.
func TestRunOnceManyItemsConservesDeltas(t *testing.T) {
	var intents []*model.TradeIntent
	createdAt := int64(1000)
	for i := 0; i < 50; i++ {
		item := itemName(i)
		a, b, c := walletName(i, 0), walletName(i, 1), walletName(i, 2)
		intents = append(intents,
			mkIntent(idName(i, 0), item, a, b, 7, createdAt),
			mkIntent(idName(i, 1), item, b, c, 7, createdAt+1),
		)
		createdAt += 2
	}
	fs := &fakeStore{pending: intents}
	eng := New(fs, nil, nil)

	result, ok, err := eng.RunOnce(context.Background(), Params{MinIntentsPerBatch: 1, MaxIntentsPerBatch: 1000})
	if err != nil || !ok {
		t.Fatalf("expected batch formed, got ok=%v err=%v", ok, err)
	}
	if len(result.SettledItems) != 50 {
		t.Fatalf("expected 50 settled items, got %d", len(result.SettledItems))
	}
	var sum int64
	for _, d := range result.NetDeltas {
		sum += d.DeltaLamports
	}
	if sum != 0 {
		t.Fatalf("expected deltas to sum to zero, got %d", sum)
	}
	if len(result.NetDeltas) > 100 {
		t.Fatalf("expected at most 100 non-zero delta rows, got %d", len(result.NetDeltas))
	}
}

func itemName(i int) string      { return "item-" + strconv.Itoa(i) }
func walletName(i, n int) string { return "wallet-" + strconv.Itoa(i) + "-" + strconv.Itoa(n) }
func idName(i, n int) string     { return "intent-" + strconv.Itoa(i) + "-" + strconv.Itoa(n) }

// Recomputing the hash from persisted (sorted) rows reproduces the
// stored value byte for byte.
func TestCommitmentHashRoundTrip(t *testing.T) {
	fs := &fakeStore{pending: []*model.TradeIntent{
		mkIntent("t1", "X", "A", "B", 10, 100),
		mkIntent("t2", "Y", "C", "D", 5, 101),
	}}
	eng := New(fs, nil, nil)

	result, ok, err := eng.RunOnce(context.Background(), Params{MinIntentsPerBatch: 1, MaxIntentsPerBatch: 10})
	if err != nil || !ok {
		t.Fatalf("expected batch formed, got ok=%v err=%v", ok, err)
	}

	items, _ := fs.GetSettledItems(context.Background(), result.Batch.BatchID)
	deltas, _ := fs.GetNetCashDeltas(context.Background(), result.Batch.BatchID)
	sort.Slice(items, func(i, j int) bool { return items[i].ItemID < items[j].ItemID })
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].OwnerPubkey < deltas[j].OwnerPubkey })

	recomputed := CommitmentHash(items, deltas, result.Batch.NumIntents, result.Batch.NumItemsSettled)
	if recomputed != result.Batch.BatchHash {
		t.Fatalf("recomputed hash %x does not match stored hash %x", recomputed, result.Batch.BatchHash)
	}
}

func TestCommitmentHashDeterministic(t *testing.T) {
	items := []*model.SettledItem{{ItemID: "a", FinalOwner: "w1"}, {ItemID: "b", FinalOwner: "w2"}}
	deltas := []*model.NetCashDelta{{OwnerPubkey: "w1", DeltaLamports: 10}, {OwnerPubkey: "w2", DeltaLamports: -10}}

	h1 := CommitmentHash(items, deltas, 5, 2)
	h2 := CommitmentHash(items, deltas, 5, 2)
	if h1 != h2 {
		t.Fatal("expected identical inputs to produce identical hashes")
	}

	h3 := CommitmentHash(items, deltas, 6, 2)
	if h1 == h3 {
		t.Fatal("expected different num_intents to change the hash")
	}
}

func TestRunOnceNoIntentsReturnsFalse(t *testing.T) {
	fs := &fakeStore{}
	eng := New(fs, nil, nil)
	_, ok, err := eng.RunOnce(context.Background(), Params{MinIntentsPerBatch: 1, MaxIntentsPerBatch: 10})
	if err != nil || ok {
		t.Fatalf("expected no batch with empty pending set, got ok=%v err=%v", ok, err)
	}
}

func TestRunOnceWindowElapsedFormsUndersizedBatch(t *testing.T) {
	fs := &fakeStore{pending: []*model.TradeIntent{
		mkIntent("t1", "X", "A", "B", 5, 1),
	}}
	eng := New(fs, nil, nil)
	eng.clock = func() int64 { return 1000 }

	_, ok, err := eng.RunOnce(context.Background(), Params{MinIntentsPerBatch: 5, MaxIntentsPerBatch: 10, BatchWindowSeconds: 30})
	if err != nil || !ok {
		t.Fatalf("expected window-elapsed batch formed, got ok=%v err=%v", ok, err)
	}
}
