// Package policy implements the Session Policy Registry: an in-memory,
// read-mostly table of delegated-key authorizations consulted by
// admission on every intent.
package policy

import (
	"context"
	"sync"
	"time"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
)

// Source loads the durable policy set at startup, mirroring the Store's
// registered policies. The loaded set may include expired policies;
// LoadFromSource drops them.
type Source interface {
	LoadSessionPolicies(ctx context.Context) ([]*model.SessionKeyPolicy, error)
	SaveSessionPolicy(ctx context.Context, p *model.SessionKeyPolicy) error
	DeleteSessionPolicy(ctx context.Context, sessionPubkey string) error
}

// Registry is the in-memory map from session_pubkey to policy. Lookups
// are O(1) and never return an expired entry.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[string]*model.SessionKeyPolicy
	source  Source
	nowFunc func() int64
}

// New creates an empty registry. Call LoadFromSource during startup
// before serving admission traffic.
func New(source Source) *Registry {
	return &Registry{
		byKey:   make(map[string]*model.SessionKeyPolicy),
		source:  source,
		nowFunc: func() int64 { return time.Now().Unix() },
	}
}

// LoadFromSource refreshes the in-memory table from the Store. It must
// run during startup, before admission traffic is served.
func (r *Registry) LoadFromSource(ctx context.Context) error {
	policies, err := r.source.LoadSessionPolicies(ctx)
	if err != nil {
		return errs.StoreWrap(err, "LoadSessionPolicies", "failed to load session policies")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[string]*model.SessionKeyPolicy, len(policies))
	now := r.nowFunc()
	for _, p := range policies {
		if p.ExpiresAt > now {
			r.byKey[p.SessionPubkey] = p
		}
	}
	return nil
}

// Register validates and persists a new (or replacement) policy, then
// makes it visible to lookups.
func (r *Registry) Register(ctx context.Context, p *model.SessionKeyPolicy) error {
	if p.ExpiresAt <= p.CreatedAt {
		return errs.NewAdmissionError(errs.AdmissionErrMalformedIntent, "policy expires_at must be after created_at")
	}
	if err := r.source.SaveSessionPolicy(ctx, p); err != nil {
		return errs.StoreWrap(err, "SaveSessionPolicy", "failed to persist session policy")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[p.SessionPubkey] = p
	return nil
}

// Revoke removes a policy from both the in-memory table and the Store.
func (r *Registry) Revoke(ctx context.Context, sessionPubkey string) error {
	if err := r.source.DeleteSessionPolicy(ctx, sessionPubkey); err != nil {
		return errs.StoreWrap(err, "DeleteSessionPolicy", "failed to delete session policy")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, sessionPubkey)
	return nil
}

// Lookup returns the live policy for sessionPubkey, or ok=false if none
// exists or it has expired.
func (r *Registry) Lookup(sessionPubkey string) (*model.SessionKeyPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.byKey[sessionPubkey]
	if !exists {
		return nil, false
	}
	if p.ExpiresAt <= r.nowFunc() {
		return nil, false
	}
	return p, true
}

// Len returns the number of live policies currently held, for diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
