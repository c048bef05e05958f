// Package store defines the durable persistence contract for intents,
// batches, settled items, and net cash deltas, and its Redis-backed
// implementation.
package store

import (
	"context"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
)

// Store is the durable persistence boundary. Every write that must be
// atomic is expressed as a single method so the implementation can bind
// it to one backend transaction.
type Store interface {
	// InsertIntent commits intent, or fails with a store.DuplicateId /
	// store.DuplicateNonce class errs.Error on a uniqueness collision.
	InsertIntent(ctx context.Context, intent *model.TradeIntent) error

	// LoadPendingIntents returns up to max intents not yet assigned to
	// any batch, ordered by created_at ascending then id ascending.
	LoadPendingIntents(ctx context.Context, max int) ([]*model.TradeIntent, error)

	// HasConflictingPending reports whether a pending (unbatched) intent
	// already exists for the same item_id with the same from owner.
	HasConflictingPending(ctx context.Context, itemID, from string) (bool, error)

	// HasNonce reports whether (sessionPubkey, nonce) has already been used.
	HasNonce(ctx context.Context, sessionPubkey string, nonce uint64) (bool, error)

	// HasIntent reports whether an intent with this id has already been
	// admitted.
	HasIntent(ctx context.Context, id string) (bool, error)

	// SessionVolume returns the cumulative accepted amount for a session,
	// across all accepted intents, settled or not.
	SessionVolume(ctx context.Context, sessionPubkey string) (uint64, error)

	// PersistBatchAtomically writes the batch row, all settled items, all
	// net deltas, and marks every consumed intent (valid or stale-and-
	// dropped) as belonging to batch, in one transaction.
	PersistBatchAtomically(ctx context.Context, batch *model.NettingBatch, settledItems []*model.SettledItem, netDeltas []*model.NetCashDelta, consumed []ConsumedIntent) error

	// MarkBatchSettled sets settled=true/tx_signature/settled_at. It is
	// idempotent when called again with the same signature, and fails
	// with errs.StoreErrAlreadySettled when called with a different one.
	MarkBatchSettled(ctx context.Context, batchID, txSignature string) error

	// FindOldestUnsettledBatch returns the oldest batch with
	// settled=false and num_intents >= minIntents, or ok=false if none.
	FindOldestUnsettledBatch(ctx context.Context, minIntents int) (batch *model.NettingBatch, ok bool, err error)

	// GetBatch returns a batch by id, for the operator query surface.
	GetBatch(ctx context.Context, batchID string) (*model.NettingBatch, error)
	GetSettledItems(ctx context.Context, batchID string) ([]*model.SettledItem, error)
	GetNetCashDeltas(ctx context.Context, batchID string) ([]*model.NetCashDelta, error)

	// ReserveBatchProjection atomically claims the lossy 32-bit
	// projection for batchID, failing if another batch already holds it.
	ReserveBatchProjection(ctx context.Context, projection uint32, batchID string) error

	// LoadSessionPolicies / SaveSessionPolicy / DeleteSessionPolicy
	// implement policy.Source for the Session Policy Registry.
	LoadSessionPolicies(ctx context.Context) ([]*model.SessionKeyPolicy, error)
	SaveSessionPolicy(ctx context.Context, p *model.SessionKeyPolicy) error
	DeleteSessionPolicy(ctx context.Context, sessionPubkey string) error

	Ping(ctx context.Context) error
	Close() error
}

// ConsumedIntent is one intent folded into a batch by the netting pass:
// either settled normally, or marked stale-in-batch and dropped so it
// never reappears in a later batch.
type ConsumedIntent struct {
	ID      string
	Invalid bool
}
