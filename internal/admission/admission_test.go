package admission

import (
	"context"
	"strconv"
	"testing"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
	"github.com/LabsX402/phantom-paradox-sub002/internal/policy"
	"github.com/LabsX402/phantom-paradox-sub002/internal/store"
	"github.com/LabsX402/phantom-paradox-sub002/internal/walletkey"
)

// memStore is a minimal in-memory store.Store fake for admission tests.
type memStore struct {
	intents   map[string]*model.TradeIntent
	nonces    map[string]bool
	conflicts map[string]bool
	volume    map[string]uint64
	policies  map[string]*model.SessionKeyPolicy
}

func newMemStore() *memStore {
	return &memStore{
		intents:   map[string]*model.TradeIntent{},
		nonces:    map[string]bool{},
		conflicts: map[string]bool{},
		volume:    map[string]uint64{},
		policies:  map[string]*model.SessionKeyPolicy{},
	}
}

func (m *memStore) InsertIntent(ctx context.Context, intent *model.TradeIntent) error {
	if _, ok := m.intents[intent.ID]; ok {
		return errs.NewStoreError(errs.StoreErrDuplicateID, "dup id")
	}
	nonceKey := intent.SessionPubkey + ":" + strconv.FormatUint(intent.Nonce, 10)
	if m.nonces[nonceKey] {
		return errs.NewStoreError(errs.StoreErrDuplicateNonce, "dup nonce")
	}
	conflictKey := intent.ItemID + ":" + intent.From
	if m.conflicts[conflictKey] {
		return errs.NewAdmissionError(errs.AdmissionErrConflictingPending, "conflict")
	}
	m.intents[intent.ID] = intent
	m.nonces[nonceKey] = true
	m.conflicts[conflictKey] = true
	m.volume[intent.SessionPubkey] += intent.AmountLamports
	return nil
}

func (m *memStore) LoadPendingIntents(ctx context.Context, max int) ([]*model.TradeIntent, error) {
	return nil, nil
}
func (m *memStore) HasConflictingPending(ctx context.Context, itemID, from string) (bool, error) {
	return m.conflicts[itemID+":"+from], nil
}
func (m *memStore) HasNonce(ctx context.Context, sessionPubkey string, nonce uint64) (bool, error) {
	return m.nonces[sessionPubkey+":"+strconv.FormatUint(nonce, 10)], nil
}
func (m *memStore) HasIntent(ctx context.Context, id string) (bool, error) {
	_, ok := m.intents[id]
	return ok, nil
}
func (m *memStore) SessionVolume(ctx context.Context, sessionPubkey string) (uint64, error) {
	return m.volume[sessionPubkey], nil
}
func (m *memStore) PersistBatchAtomically(ctx context.Context, batch *model.NettingBatch, settledItems []*model.SettledItem, netDeltas []*model.NetCashDelta, consumed []store.ConsumedIntent) error {
	return nil
}
func (m *memStore) MarkBatchSettled(ctx context.Context, batchID, txSignature string) error {
	return nil
}
func (m *memStore) FindOldestUnsettledBatch(ctx context.Context, minIntents int) (*model.NettingBatch, bool, error) {
	return nil, false, nil
}
func (m *memStore) GetBatch(ctx context.Context, batchID string) (*model.NettingBatch, error) {
	return nil, nil
}
func (m *memStore) GetSettledItems(ctx context.Context, batchID string) ([]*model.SettledItem, error) {
	return nil, nil
}
func (m *memStore) GetNetCashDeltas(ctx context.Context, batchID string) ([]*model.NetCashDelta, error) {
	return nil, nil
}
func (m *memStore) ReserveBatchProjection(ctx context.Context, projection uint32, batchID string) error {
	return nil
}
func (m *memStore) LoadSessionPolicies(ctx context.Context) ([]*model.SessionKeyPolicy, error) {
	out := make([]*model.SessionKeyPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	return out, nil
}
func (m *memStore) SaveSessionPolicy(ctx context.Context, p *model.SessionKeyPolicy) error {
	m.policies[p.SessionPubkey] = p
	return nil
}
func (m *memStore) DeleteSessionPolicy(ctx context.Context, sessionPubkey string) error {
	delete(m.policies, sessionPubkey)
	return nil
}
func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func setup(t *testing.T, requireSig bool) (*Controller, *memStore) {
	t.Helper()
	s := newMemStore()
	reg := policy.New(s)
	ctrl := New(s, reg, requireSig)
	return ctrl, s
}

func baseIntent(session string) *model.TradeIntent {
	return &model.TradeIntent{
		ID:             "intent-1",
		SessionPubkey:  session,
		OwnerPubkey:    "owner-1",
		ItemID:         "item-1",
		From:           "owner-1",
		To:             "buyer-1",
		AmountLamports: 100,
		Nonce:          1,
		CreatedAt:      1000,
		IntentType:     model.IntentTrade,
	}
}

func TestSubmitIntentRejectsUnknownSession(t *testing.T) {
	ctrl, _ := setup(t, false)
	err := ctrl.SubmitIntent(context.Background(), baseIntent("ghost-session"))
	if !errs.IsAdmissionError(err, errs.AdmissionErrUnknownOrExpired) {
		t.Fatalf("expected unknown-session rejection, got %v", err)
	}
}

func TestSubmitIntentAcceptsValidIntent(t *testing.T) {
	s := newMemStore()
	reg := policy.New(s)
	reg.Register(context.Background(), &model.SessionKeyPolicy{
		OwnerPubkey:       "owner-1",
		SessionPubkey:     "session-1",
		MaxVolumeLamports: 1_000_000,
		CreatedAt:         1,
		ExpiresAt:         9_999_999_999,
		AllowedActions:    []model.IntentType{model.IntentTrade},
	})
	ctrl := New(s, reg, false)

	if err := ctrl.SubmitIntent(context.Background(), baseIntent("session-1")); err != nil {
		t.Fatalf("expected acceptance, got %v", err)
	}
	if _, ok := s.intents["intent-1"]; !ok {
		t.Fatal("expected intent to be persisted")
	}
}

func TestSubmitIntentRejectsDisallowedAction(t *testing.T) {
	s := newMemStore()
	reg := policy.New(s)
	reg.Register(context.Background(), &model.SessionKeyPolicy{
		OwnerPubkey:       "owner-1",
		SessionPubkey:     "session-1",
		MaxVolumeLamports: 1_000_000,
		CreatedAt:         1,
		ExpiresAt:         9_999_999_999,
		AllowedActions:    []model.IntentType{model.IntentBid},
	})
	ctrl := New(s, reg, false)

	err := ctrl.SubmitIntent(context.Background(), baseIntent("session-1"))
	if !errs.IsAdmissionError(err, errs.AdmissionErrActionNotAllowed) {
		t.Fatalf("expected action-not-allowed rejection, got %v", err)
	}
}

func TestSubmitIntentRejectsVolumeCapExceeded(t *testing.T) {
	s := newMemStore()
	reg := policy.New(s)
	reg.Register(context.Background(), &model.SessionKeyPolicy{
		OwnerPubkey:       "owner-1",
		SessionPubkey:     "session-1",
		MaxVolumeLamports: 50,
		CreatedAt:         1,
		ExpiresAt:         9_999_999_999,
		AllowedActions:    []model.IntentType{model.IntentTrade},
	})
	ctrl := New(s, reg, false)

	err := ctrl.SubmitIntent(context.Background(), baseIntent("session-1"))
	if !errs.IsAdmissionError(err, errs.AdmissionErrVolumeCapExceeded) {
		t.Fatalf("expected volume-cap rejection, got %v", err)
	}
}

func TestSubmitIntentRejectsConflictingPending(t *testing.T) {
	s := newMemStore()
	reg := policy.New(s)
	reg.Register(context.Background(), &model.SessionKeyPolicy{
		OwnerPubkey:       "owner-1",
		SessionPubkey:     "session-1",
		MaxVolumeLamports: 1_000_000,
		CreatedAt:         1,
		ExpiresAt:         9_999_999_999,
		AllowedActions:    []model.IntentType{model.IntentTrade},
	})
	ctrl := New(s, reg, false)

	first := baseIntent("session-1")
	if err := ctrl.SubmitIntent(context.Background(), first); err != nil {
		t.Fatalf("expected first intent accepted, got %v", err)
	}

	second := baseIntent("session-1")
	second.ID = "intent-2"
	second.Nonce = 2
	err := ctrl.SubmitIntent(context.Background(), second)
	if !errs.IsAdmissionError(err, errs.AdmissionErrConflictingPending) {
		t.Fatalf("expected conflicting-pending rejection, got %v", err)
	}
}

func TestSubmitIntentRejectsMalformed(t *testing.T) {
	ctrl, _ := setup(t, false)
	intent := baseIntent("session-1")
	intent.ItemID = ""
	err := ctrl.SubmitIntent(context.Background(), intent)
	if !errs.IsAdmissionError(err, errs.AdmissionErrMalformedIntent) {
		t.Fatalf("expected malformed rejection, got %v", err)
	}
}

func withTradePolicy(s *memStore) *policy.Registry {
	reg := policy.New(s)
	reg.Register(context.Background(), &model.SessionKeyPolicy{
		OwnerPubkey:       "owner-1",
		SessionPubkey:     "session-1",
		MaxVolumeLamports: 1_000_000,
		CreatedAt:         1,
		ExpiresAt:         9_999_999_999,
		AllowedActions:    []model.IntentType{model.IntentTrade},
	})
	return reg
}

func TestSubmitIntentRejectsZeroAmount(t *testing.T) {
	ctrl, _ := setup(t, false)
	intent := baseIntent("session-1")
	intent.AmountLamports = 0
	err := ctrl.SubmitIntent(context.Background(), intent)
	if !errs.IsAdmissionError(err, errs.AdmissionErrMalformedIntent) {
		t.Fatalf("expected malformed rejection for zero amount, got %v", err)
	}
}

func TestSubmitIntentRejectsFromNotOwner(t *testing.T) {
	ctrl, _ := setup(t, false)
	intent := baseIntent("session-1")
	intent.From = "someone-else"
	err := ctrl.SubmitIntent(context.Background(), intent)
	if !errs.IsAdmissionError(err, errs.AdmissionErrMalformedIntent) {
		t.Fatalf("expected malformed rejection for from != owner_pubkey, got %v", err)
	}
}

func TestSubmitIntentRejectsFromEqualsTo(t *testing.T) {
	ctrl, _ := setup(t, false)
	intent := baseIntent("session-1")
	intent.To = intent.From
	err := ctrl.SubmitIntent(context.Background(), intent)
	if !errs.IsAdmissionError(err, errs.AdmissionErrMalformedIntent) {
		t.Fatalf("expected malformed rejection for from == to, got %v", err)
	}
}

// Resubmitting the identical intent must be rejected as a duplicate id,
// not misreported as a conflicting-pending intent: the duplicate checks
// run ahead of the conflict check.
func TestSubmitIntentDuplicateIDReportsDuplicateNotConflict(t *testing.T) {
	s := newMemStore()
	ctrl := New(s, withTradePolicy(s), false)

	first := baseIntent("session-1")
	if err := ctrl.SubmitIntent(context.Background(), first); err != nil {
		t.Fatalf("expected first submission accepted, got %v", err)
	}

	second := baseIntent("session-1")
	err := ctrl.SubmitIntent(context.Background(), second)
	if !errs.IsAdmissionError(err, errs.AdmissionErrDuplicateID) {
		t.Fatalf("expected duplicate-id rejection, got %v", err)
	}
}

func TestSubmitIntentRejectsDuplicateNonce(t *testing.T) {
	s := newMemStore()
	ctrl := New(s, withTradePolicy(s), false)

	first := baseIntent("session-1")
	if err := ctrl.SubmitIntent(context.Background(), first); err != nil {
		t.Fatalf("expected first submission accepted, got %v", err)
	}

	second := baseIntent("session-1")
	second.ID = "intent-2"
	second.ItemID = "item-2"
	err := ctrl.SubmitIntent(context.Background(), second)
	if !errs.IsAdmissionError(err, errs.AdmissionErrDuplicateNonce) {
		t.Fatalf("expected duplicate-nonce rejection, got %v", err)
	}
}

// TestSubmitIntentDisallowedActionBeatsBadSignature confirms the policy
// action check runs before signature verification.
func TestSubmitIntentDisallowedActionBeatsBadSignature(t *testing.T) {
	s := newMemStore()
	reg := policy.New(s)
	reg.Register(context.Background(), &model.SessionKeyPolicy{
		OwnerPubkey:       "owner-1",
		SessionPubkey:     "session-1",
		MaxVolumeLamports: 1_000_000,
		CreatedAt:         1,
		ExpiresAt:         9_999_999_999,
		AllowedActions:    []model.IntentType{model.IntentBid},
	})
	ctrl := New(s, reg, true)

	intent := baseIntent("session-1")
	intent.Signature = []byte("not-a-valid-signature")
	err := ctrl.SubmitIntent(context.Background(), intent)
	if !errs.IsAdmissionError(err, errs.AdmissionErrActionNotAllowed) {
		t.Fatalf("expected action-not-allowed rejection ahead of signature check, got %v", err)
	}
}

func TestSubmitIntentVerifiesSignature(t *testing.T) {
	pub, priv, err := walletkey.GenerateSessionKeypair()
	if err != nil {
		t.Fatalf("failed to generate session keypair: %v", err)
	}

	s := newMemStore()
	reg := policy.New(s)
	reg.Register(context.Background(), &model.SessionKeyPolicy{
		OwnerPubkey:       "owner-1",
		SessionPubkey:     pub,
		MaxVolumeLamports: 1_000_000,
		CreatedAt:         1,
		ExpiresAt:         9_999_999_999,
		AllowedActions:    []model.IntentType{model.IntentTrade},
	})
	ctrl := New(s, reg, true)

	intent := baseIntent(pub)
	intent.Signature = walletkey.Sign(priv, intent.SignableData())
	if err := ctrl.SubmitIntent(context.Background(), intent); err != nil {
		t.Fatalf("expected correctly signed intent accepted, got %v", err)
	}

	tampered := baseIntent(pub)
	tampered.ID = "intent-2"
	tampered.ItemID = "item-2"
	tampered.Nonce = 2
	tampered.Signature = walletkey.Sign(priv, tampered.SignableData())
	tampered.AmountLamports = 999 // signed over 100
	err = ctrl.SubmitIntent(context.Background(), tampered)
	if !errs.IsAdmissionError(err, errs.AdmissionErrBadSignature) {
		t.Fatalf("expected bad-signature rejection for tampered amount, got %v", err)
	}
}
