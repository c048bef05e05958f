package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/config"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
	"github.com/LabsX402/phantom-paradox-sub002/internal/store"
	"github.com/LabsX402/phantom-paradox-sub002/internal/walletkey"
)

// fakeStore is a minimal in-memory store.Store covering what the
// settlement driver touches.
type fakeStore struct {
	batches     map[string]*model.NettingBatch
	items       map[string][]*model.SettledItem
	deltas      map[string][]*model.NetCashDelta
	projections map[uint32]string
	settleCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:     map[string]*model.NettingBatch{},
		items:       map[string][]*model.SettledItem{},
		deltas:      map[string][]*model.NetCashDelta{},
		projections: map[uint32]string{},
	}
}

func (f *fakeStore) InsertIntent(ctx context.Context, intent *model.TradeIntent) error { return nil }
func (f *fakeStore) LoadPendingIntents(ctx context.Context, max int) ([]*model.TradeIntent, error) {
	return nil, nil
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
	f.batches[batch.BatchID] = batch
	f.items[batch.BatchID] = settledItems
	f.deltas[batch.BatchID] = netDeltas
	return nil
}

func (f *fakeStore) MarkBatchSettled(ctx context.Context, batchID, txSignature string) error {
	f.settleCalls++
	b, ok := f.batches[batchID]
	if !ok {
		return errs.NewStoreError(errs.StoreErrFatal, "unknown batch")
	}
	if b.Settled {
		if b.TxSignature == txSignature {
			return nil
		}
		return errs.NewStoreError(errs.StoreErrAlreadySettled, "batch already settled with a different signature")
	}
	b.Settled = true
	b.TxSignature = txSignature
	b.SettledAt = 1
	return nil
}

func (f *fakeStore) FindOldestUnsettledBatch(ctx context.Context, minIntents int) (*model.NettingBatch, bool, error) {
	for _, b := range f.batches {
		if !b.Settled && b.NumIntents >= minIntents {
			return b, true, nil
		}
	}
	return nil, false, nil
}
func (f *fakeStore) GetBatch(ctx context.Context, batchID string) (*model.NettingBatch, error) {
	return f.batches[batchID], nil
}
func (f *fakeStore) GetSettledItems(ctx context.Context, batchID string) ([]*model.SettledItem, error) {
	return f.items[batchID], nil
}
func (f *fakeStore) GetNetCashDeltas(ctx context.Context, batchID string) ([]*model.NetCashDelta, error) {
	return f.deltas[batchID], nil
}
func (f *fakeStore) ReserveBatchProjection(ctx context.Context, projection uint32, batchID string) error {
	if existing, ok := f.projections[projection]; ok && existing != batchID {
		return errs.NewStoreError(errs.StoreErrFatal, "batch projection collision")
	}
	f.projections[projection] = batchID
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

// fakeChain simulates the on-chain RPC boundary.
type fakeChain struct {
	failTimes     int
	permanentFail bool
	submitted     map[string]string
	calls         int
}

func newFakeChain() *fakeChain {
	return &fakeChain{submitted: map[string]string{}}
}

func (c *fakeChain) Submit(ctx context.Context, idempotencyKey string, payload []byte) (string, error) {
	c.calls++
	if sig, ok := c.submitted[idempotencyKey]; ok {
		return sig, ErrAlreadyApplied
	}
	if c.permanentFail {
		return "", errs.NewSettlementError(errs.SettlementErrPermanentChain, "authority signature rejected")
	}
	if c.failTimes > 0 {
		c.failTimes--
		return "", context.DeadlineExceeded
	}
	sig := "sig-" + idempotencyKey
	c.submitted[idempotencyKey] = sig
	return sig, nil
}

func testConfig() config.SettlementConfig {
	return config.SettlementConfig{
		Enabled:          true,
		MaxRetries:       3,
		BackoffInitialMs: 1,
		BackoffCapMs:     4,
		MinBatchSize:     1,
		PollInterval:     time.Millisecond,
	}
}

func testBatch(id string, items []*model.SettledItem, deltas []*model.NetCashDelta) *model.NettingBatch {
	return &model.NettingBatch{
		BatchID:         id,
		CreatedAt:       1,
		NettedAt:        1,
		NumIntents:      len(items) + len(deltas),
		NumItemsSettled: len(items),
		NumWallets:      len(deltas),
	}
}

func newTestDriver(t *testing.T, s store.Store, chain Chain) *Driver {
	t.Helper()
	authority, err := walletkey.NewAuthority()
	if err != nil {
		t.Fatalf("failed to generate authority: %v", err)
	}
	d := New(s, chain, authority, testConfig(), nil, nil)
	d.sleep = func(time.Duration) {}
	return d
}

// MarkBatchSettled with the same signature
// succeeds on a repeat call; a different signature is rejected as
// AlreadySettled, and a resubmission never hits the chain twice for an
// already-applied batch.
func TestSettleBatchIdempotent(t *testing.T) {
	s := newFakeStore()
	items := []*model.SettledItem{{BatchID: "b1", ItemID: "X", FinalOwner: "4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi"}}
	deltas := []*model.NetCashDelta{{BatchID: "b1", OwnerPubkey: "4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi", DeltaLamports: 0}}
	batch := testBatch("b1", items, deltas)
	s.batches["b1"] = batch
	s.items["b1"] = items
	s.deltas["b1"] = deltas

	chain := newFakeChain()
	d := newTestDriver(t, s, chain)

	if err := d.SettleBatch(context.Background(), batch); err != nil {
		t.Fatalf("first settlement failed: %v", err)
	}
	if !batch.Settled {
		t.Fatal("expected batch marked settled")
	}
	firstSig := batch.TxSignature

	// Re-running settlement on the already-settled batch must not submit
	// to chain again and must not error.
	if err := d.SettleBatch(context.Background(), batch); err != nil {
		t.Fatalf("idempotent re-settlement failed: %v", err)
	}
	if batch.TxSignature != firstSig {
		t.Fatalf("expected signature unchanged, got %q vs %q", batch.TxSignature, firstSig)
	}

	// Directly exercise the store's AlreadySettled rejection path for a
	// differing signature.
	if err := s.MarkBatchSettled(context.Background(), "b1", "some-other-signature"); !errs.IsStoreError(err, errs.StoreErrAlreadySettled) {
		t.Fatalf("expected AlreadySettled for a differing signature, got %v", err)
	}
}

func TestSettleBatchRetriesTransientFailures(t *testing.T) {
	s := newFakeStore()
	items := []*model.SettledItem{{BatchID: "b1", ItemID: "X", FinalOwner: "4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi"}}
	batch := testBatch("b1", items, nil)
	s.batches["b1"] = batch
	s.items["b1"] = items

	chain := newFakeChain()
	chain.failTimes = 2
	d := newTestDriver(t, s, chain)

	if err := d.SettleBatch(context.Background(), batch); err != nil {
		t.Fatalf("expected eventual success after transient failures, got %v", err)
	}
	if chain.calls != 3 {
		t.Fatalf("expected 3 submission attempts, got %d", chain.calls)
	}
	if !batch.Settled {
		t.Fatal("expected batch settled after retries succeed")
	}
}

func TestSettleBatchExhaustsRetries(t *testing.T) {
	s := newFakeStore()
	items := []*model.SettledItem{{BatchID: "b1", ItemID: "X", FinalOwner: "4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi"}}
	batch := testBatch("b1", items, nil)
	s.batches["b1"] = batch
	s.items["b1"] = items

	chain := newFakeChain()
	chain.failTimes = 10
	d := newTestDriver(t, s, chain)

	err := d.SettleBatch(context.Background(), batch)
	if err == nil {
		t.Fatal("expected failure after exhausting all retries")
	}
	if chain.calls != testConfig().MaxRetries {
		t.Fatalf("expected %d attempts, got %d", testConfig().MaxRetries, chain.calls)
	}
	if batch.Settled {
		t.Fatal("batch should remain unsettled after exhausted retries")
	}
}

// TestSettleBatchFailsFastOnPermanentChainError confirms a permanent
// classification (e.g. authority-signature rejection) is not retried and
// quarantines the batch on the first attempt.
func TestSettleBatchFailsFastOnPermanentChainError(t *testing.T) {
	s := newFakeStore()
	items := []*model.SettledItem{{BatchID: "b1", ItemID: "X", FinalOwner: "4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi"}}
	batch := testBatch("b1", items, nil)
	s.batches["b1"] = batch
	s.items["b1"] = items

	chain := newFakeChain()
	chain.permanentFail = true
	d := newTestDriver(t, s, chain)

	err := d.SettleBatch(context.Background(), batch)
	if err == nil {
		t.Fatal("expected failure on permanent chain error")
	}
	if !errs.IsSettlementError(err, errs.SettlementErrPermanentChain) {
		t.Fatalf("expected permanent-chain error, got %v", err)
	}
	if chain.calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a permanent failure, got %d", chain.calls)
	}
	if batch.Settled {
		t.Fatal("batch should remain unsettled after a permanent failure")
	}
}

func TestRunOnceNoUnsettledBatches(t *testing.T) {
	s := newFakeStore()
	chain := newFakeChain()
	d := newTestDriver(t, s, chain)

	ok, err := d.RunOnce(context.Background())
	if err != nil || ok {
		t.Fatalf("expected nothing to settle, got ok=%v err=%v", ok, err)
	}
}

func TestBuildPayloadFiltersOffChainAddresses(t *testing.T) {
	s := newFakeStore()
	items := []*model.SettledItem{
		{BatchID: "b1", ItemID: "X", FinalOwner: "4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi"},
		{BatchID: "b1", ItemID: "Y", FinalOwner: "escrow-placeholder"},
	}
	deltas := []*model.NetCashDelta{
		{BatchID: "b1", OwnerPubkey: "4vJ9JU1bJJE96FWSJKvHsmmFADCg4gpZQff4P3bkLKi", DeltaLamports: 10},
		{BatchID: "b1", OwnerPubkey: "escrow-placeholder", DeltaLamports: -10},
	}
	batch := testBatch("b1", items, deltas)
	s.batches["b1"] = batch
	s.items["b1"] = items
	s.deltas["b1"] = deltas

	d := newTestDriver(t, s, newFakeChain())
	payload, err := d.buildPayload(context.Background(), batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payload.Items) != 1 {
		t.Fatalf("expected 1 on-chain item, got %d", len(payload.Items))
	}
	if len(payload.Deltas) != 1 {
		t.Fatalf("expected 1 on-chain delta, got %d", len(payload.Deltas))
	}
	if payload.RoyaltyLamports != 0 || payload.ProtocolFeeLamports != 0 {
		t.Fatal("expected royalty/fee fields to stay zero")
	}
}
