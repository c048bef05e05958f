package policy

import (
	"context"
	"testing"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
)

type fakeSource struct {
	policies map[string]*model.SessionKeyPolicy
}

func newFakeSource() *fakeSource { return &fakeSource{policies: make(map[string]*model.SessionKeyPolicy)} }

func (f *fakeSource) LoadSessionPolicies(ctx context.Context) ([]*model.SessionKeyPolicy, error) {
	out := make([]*model.SessionKeyPolicy, 0, len(f.policies))
	for _, p := range f.policies {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeSource) SaveSessionPolicy(ctx context.Context, p *model.SessionKeyPolicy) error {
	f.policies[p.SessionPubkey] = p
	return nil
}

func (f *fakeSource) DeleteSessionPolicy(ctx context.Context, sessionPubkey string) error {
	delete(f.policies, sessionPubkey)
	return nil
}

func testPolicy(session string, expiresAt int64) *model.SessionKeyPolicy {
	return &model.SessionKeyPolicy{
		OwnerPubkey:       "owner-1",
		SessionPubkey:     session,
		MaxVolumeLamports: 1_000_000,
		CreatedAt:         1000,
		ExpiresAt:         expiresAt,
		AllowedActions:    []model.IntentType{model.IntentTrade},
	}
}

func TestRegistryLookupMissing(t *testing.T) {
	r := New(newFakeSource())
	if _, ok := r.Lookup("nope"); ok {
		t.Fatal("expected lookup miss on empty registry")
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	src := newFakeSource()
	r := New(src)
	r.nowFunc = func() int64 { return 2000 }

	p := testPolicy("session-a", 3000)
	if err := r.Register(context.Background(), p); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, ok := r.Lookup("session-a")
	if !ok {
		t.Fatal("expected live policy to be found")
	}
	if got.SessionPubkey != "session-a" {
		t.Fatalf("unexpected policy returned: %+v", got)
	}
	if _, ok := src.policies["session-a"]; !ok {
		t.Fatal("expected policy to be persisted to source")
	}
}

func TestRegistryExpiredPolicyNotReturned(t *testing.T) {
	r := New(newFakeSource())
	r.nowFunc = func() int64 { return 5000 }

	p := testPolicy("session-b", 4000) // already expired relative to nowFunc
	if err := r.Register(context.Background(), p); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := r.Lookup("session-b"); ok {
		t.Fatal("expired policy must never be returned")
	}
}

func TestRegistryLoadFromSourceSkipsExpired(t *testing.T) {
	src := newFakeSource()
	src.policies["live"] = testPolicy("live", 9000)
	src.policies["dead"] = testPolicy("dead", 1)

	r := New(src)
	r.nowFunc = func() int64 { return 5000 }

	if err := r.LoadFromSource(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := r.Lookup("live"); !ok {
		t.Fatal("expected live policy to load")
	}
	if _, ok := r.Lookup("dead"); ok {
		t.Fatal("expected expired policy to be excluded on load")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 live policy, got %d", r.Len())
	}
}

func TestRegistryRevoke(t *testing.T) {
	src := newFakeSource()
	r := New(src)
	r.nowFunc = func() int64 { return 100 }

	p := testPolicy("session-c", 9000)
	if err := r.Register(context.Background(), p); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Revoke(context.Background(), "session-c"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, ok := r.Lookup("session-c"); ok {
		t.Fatal("expected revoked policy to be gone")
	}
}
