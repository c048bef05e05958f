// internal/store/redis_store.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
	"github.com/LabsX402/phantom-paradox-sub002/internal/walletkey"
)

const (
	keyIntent        = "intent:"
	keyNonce         = "nonce:"
	keyPendingZSet   = "pending:zset"
	keyConflict      = "pending:conflict:"
	keySessionVolume = "sessionvolume:"
	keyBatch         = "batch:"
	keyBatchItems    = "batch:items:"
	keyBatchDeltas   = "batch:deltas:"
	keyUnsettledZSet = "unsettled:zset"
	keyBatchProj     = "batchproj:"
	keyPolicy        = "policy:"
	keyPoliciesSet   = "policies:set"
)

// insertIntentScript atomically enforces the three uniqueness/conflict
// invariants the Store owns and, if all pass, writes the intent and its
// indices in one round trip.
var insertIntentScript = redis.NewScript(`
local intentKey = KEYS[1]
local nonceKey = KEYS[2]
local conflictKey = KEYS[3]
local volumeKey = KEYS[4]

if redis.call("EXISTS", intentKey) == 1 then
	return "DUPLICATE_ID"
end
if redis.call("EXISTS", nonceKey) == 1 then
	return "DUPLICATE_NONCE"
end
if redis.call("EXISTS", conflictKey) == 1 then
	return "CONFLICT"
end

redis.call("SET", intentKey, ARGV[1])
redis.call("SET", nonceKey, "1")
redis.call("SET", conflictKey, ARGV[2])
redis.call("ZADD", KEYS[5], tonumber(ARGV[3]), ARGV[2])
redis.call("INCRBY", volumeKey, ARGV[4])
return "OK"
`)

// persistBatchScript implements persist_batch_atomically: the batch row,
// every settled item, every net delta, and every consumed intent's
// updated row are written in one transaction, or none are.
var persistBatchScript = redis.NewScript(`
local batchID = ARGV[1]
local batchKey = "batch:" .. batchID

if redis.call("EXISTS", batchKey) == 1 then
	return "ALREADY_EXISTS"
end
if redis.call("SETNX", "batchproj:" .. ARGV[6], batchID) == 0 then
	return "PROJECTION_COLLISION"
end

redis.call("SET", batchKey, ARGV[2])

local items = cjson.decode(ARGV[3])
for _, it in ipairs(items) do
	redis.call("HSET", "batch:items:" .. batchID, it.item_id, it.final_owner)
end

local deltas = cjson.decode(ARGV[4])
for _, d in ipairs(deltas) do
	redis.call("HSET", "batch:deltas:" .. batchID, d.owner_pubkey, tostring(d.delta_lamports))
end

local consumed = cjson.decode(ARGV[5])
for _, c in ipairs(consumed) do
	redis.call("SET", "intent:" .. c.id, c.intent_json)
	redis.call("ZREM", "pending:zset", c.id)
	redis.call("DEL", "pending:conflict:" .. c.item_id .. ":" .. c.from)
end

redis.call("ZADD", "unsettled:zset", ARGV[7], batchID)
return "OK"
`)

// markBatchSettledScript implements the idempotent settlement marker: a
// repeat call with the same signature is a no-op, a different signature
// is rejected, so at most one signature is ever bound to a batch.
var markBatchSettledScript = redis.NewScript(`
local batchKey = "batch:" .. ARGV[1]
local raw = redis.call("GET", batchKey)
if not raw then
	return "NOT_FOUND"
end

local batch = cjson.decode(raw)
if batch.settled then
	if batch.tx_signature == ARGV[2] then
		return "OK"
	end
	return "ALREADY_SETTLED"
end

batch.settled = true
batch.tx_signature = ARGV[2]
batch.settled_at = tonumber(ARGV[3])
redis.call("SET", batchKey, cjson.encode(batch))
redis.call("ZREM", "unsettled:zset", ARGV[1])
return "OK"
`)

// RedisStore is the Redis-backed durable Store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and verifies reachability before returning.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errs.StoreWrap(err, "Connect", fmt.Sprintf("failed to connect to redis at %s", addr))
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) InsertIntent(ctx context.Context, intent *model.TradeIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return errs.StoreWrap(err, errs.OpInsertIntent, "failed to serialize intent")
	}

	nonceKey := keyNonce + intent.SessionPubkey + ":" + strconv.FormatUint(intent.Nonce, 10)
	conflictKey := keyConflict + intent.ItemID + ":" + intent.From

	res, err := insertIntentScript.Run(ctx, s.client,
		[]string{keyIntent + intent.ID, nonceKey, conflictKey, keySessionVolume + intent.SessionPubkey, keyPendingZSet},
		string(data), intent.ID, intent.CreatedAt, intent.AmountLamports,
	).Result()
	if err != nil {
		return errs.StoreWrap(err, errs.OpInsertIntent, "insert_intent transaction failed")
	}

	switch res.(string) {
	case "OK":
		return nil
	case "DUPLICATE_ID":
		return errs.NewStoreError(errs.StoreErrDuplicateID, "intent id already used")
	case "DUPLICATE_NONCE":
		return errs.NewStoreError(errs.StoreErrDuplicateNonce, "(session_pubkey, nonce) already used")
	case "CONFLICT":
		return errs.NewAdmissionError(errs.AdmissionErrConflictingPending, "item already has a pending sell from this owner")
	default:
		return errs.NewStoreError(errs.StoreErrFatal, fmt.Sprintf("unexpected insert_intent result: %v", res))
	}
}

func (s *RedisStore) LoadPendingIntents(ctx context.Context, max int) ([]*model.TradeIntent, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyPendingZSet, &redis.ZRangeBy{
		Min: "-inf", Max: "+inf", Offset: 0, Count: int64(max),
	}).Result()
	if err != nil {
		return nil, errs.StoreWrap(err, errs.OpLoadPendingIntents, "failed to range pending intents")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyIntent + id
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.StoreWrap(err, errs.OpLoadPendingIntents, "failed to fetch pending intents")
	}

	out := make([]*model.TradeIntent, 0, len(raws))
	for _, r := range raws {
		if r == nil {
			continue
		}
		var intent model.TradeIntent
		if err := json.Unmarshal([]byte(r.(string)), &intent); err != nil {
			return nil, errs.StoreWrap(err, errs.OpLoadPendingIntents, "failed to decode pending intent")
		}
		out = append(out, &intent)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *RedisStore) HasConflictingPending(ctx context.Context, itemID, from string) (bool, error) {
	n, err := s.client.Exists(ctx, keyConflict+itemID+":"+from).Result()
	if err != nil {
		return false, errs.StoreWrap(err, errs.OpInsertIntent, "failed to check conflicting pending intent")
	}
	return n == 1, nil
}

func (s *RedisStore) HasNonce(ctx context.Context, sessionPubkey string, nonce uint64) (bool, error) {
	n, err := s.client.Exists(ctx, keyNonce+sessionPubkey+":"+strconv.FormatUint(nonce, 10)).Result()
	if err != nil {
		return false, errs.StoreWrap(err, errs.OpInsertIntent, "failed to check nonce")
	}
	return n == 1, nil
}

func (s *RedisStore) HasIntent(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, keyIntent+id).Result()
	if err != nil {
		return false, errs.StoreWrap(err, errs.OpInsertIntent, "failed to check intent id")
	}
	return n == 1, nil
}

func (s *RedisStore) SessionVolume(ctx context.Context, sessionPubkey string) (uint64, error) {
	v, err := s.client.Get(ctx, keySessionVolume+sessionPubkey).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errs.StoreWrap(err, errs.OpInsertIntent, "failed to read session volume")
	}
	return v, nil
}

type settledItemArg struct {
	ItemID     string `json:"item_id"`
	FinalOwner string `json:"final_owner"`
}

type netDeltaArg struct {
	OwnerPubkey   string `json:"owner_pubkey"`
	DeltaLamports int64  `json:"delta_lamports"`
}

type consumedArg struct {
	ID         string `json:"id"`
	IntentJSON string `json:"intent_json"`
	ItemID     string `json:"item_id"`
	From       string `json:"from"`
}

func (s *RedisStore) PersistBatchAtomically(ctx context.Context, batch *model.NettingBatch, settledItems []*model.SettledItem, netDeltas []*model.NetCashDelta, consumed []ConsumedIntent) error {
	batchJSON, err := json.Marshal(batch)
	if err != nil {
		return errs.StoreWrap(err, errs.OpPersistBatchAtomically, "failed to serialize batch")
	}

	items := make([]settledItemArg, len(settledItems))
	for i, it := range settledItems {
		items[i] = settledItemArg{ItemID: it.ItemID, FinalOwner: it.FinalOwner}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return errs.StoreWrap(err, errs.OpPersistBatchAtomically, "failed to serialize settled items")
	}

	deltas := make([]netDeltaArg, len(netDeltas))
	for i, d := range netDeltas {
		deltas[i] = netDeltaArg{OwnerPubkey: d.OwnerPubkey, DeltaLamports: d.DeltaLamports}
	}
	deltasJSON, err := json.Marshal(deltas)
	if err != nil {
		return errs.StoreWrap(err, errs.OpPersistBatchAtomically, "failed to serialize net deltas")
	}

	consumedArgs := make([]consumedArg, 0, len(consumed))
	for _, c := range consumed {
		raw, err := s.client.Get(ctx, keyIntent+c.ID).Result()
		if err != nil {
			return errs.StoreWrap(err, errs.OpPersistBatchAtomically, "failed to load consumed intent "+c.ID)
		}
		var intent model.TradeIntent
		if err := json.Unmarshal([]byte(raw), &intent); err != nil {
			return errs.StoreWrap(err, errs.OpPersistBatchAtomically, "failed to decode consumed intent "+c.ID)
		}
		intent.BatchID = &batch.BatchID
		intent.Invalid = c.Invalid
		updated, err := json.Marshal(&intent)
		if err != nil {
			return errs.StoreWrap(err, errs.OpPersistBatchAtomically, "failed to re-serialize consumed intent "+c.ID)
		}
		consumedArgs = append(consumedArgs, consumedArg{ID: c.ID, IntentJSON: string(updated), ItemID: intent.ItemID, From: intent.From})
	}
	consumedJSON, err := json.Marshal(consumedArgs)
	if err != nil {
		return errs.StoreWrap(err, errs.OpPersistBatchAtomically, "failed to serialize consumed set")
	}

	projection := walletkey.ProjectBatchID(batch.BatchID)

	res, err := persistBatchScript.Run(ctx, s.client, nil,
		batch.BatchID, string(batchJSON), string(itemsJSON), string(deltasJSON), string(consumedJSON),
		strconv.FormatUint(uint64(projection), 10), batch.CreatedAt,
	).Result()
	if err != nil {
		return errs.StoreWrap(err, errs.OpPersistBatchAtomically, "persist_batch_atomically transaction failed")
	}

	switch res.(string) {
	case "OK":
		return nil
	case "ALREADY_EXISTS":
		return errs.NewStoreError(errs.StoreErrFatal, "batch id already persisted")
	case "PROJECTION_COLLISION":
		return errs.NewStoreError(errs.StoreErrFatal, "batch id projection collides with an existing batch")
	default:
		return errs.NewStoreError(errs.StoreErrFatal, fmt.Sprintf("unexpected persist_batch_atomically result: %v", res))
	}
}

func (s *RedisStore) MarkBatchSettled(ctx context.Context, batchID, txSignature string) error {
	res, err := markBatchSettledScript.Run(ctx, s.client, nil, batchID, txSignature, time.Now().Unix()).Result()
	if err != nil {
		return errs.StoreWrap(err, errs.OpMarkBatchSettled, "mark_batch_settled transaction failed")
	}

	switch res.(string) {
	case "OK":
		return nil
	case "NOT_FOUND":
		return errs.NewStoreError(errs.StoreErrFatal, "batch not found")
	case "ALREADY_SETTLED":
		return errs.NewStoreError(errs.StoreErrAlreadySettled, "batch already settled with a different signature")
	default:
		return errs.NewStoreError(errs.StoreErrFatal, fmt.Sprintf("unexpected mark_batch_settled result: %v", res))
	}
}

func (s *RedisStore) FindOldestUnsettledBatch(ctx context.Context, minIntents int) (*model.NettingBatch, bool, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyUnsettledZSet, &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, false, errs.StoreWrap(err, errs.OpFindOldestUnsettled, "failed to range unsettled batches")
	}
	for _, id := range ids {
		batch, err := s.GetBatch(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !batch.Settled && batch.NumIntents >= minIntents {
			return batch, true, nil
		}
	}
	return nil, false, nil
}

func (s *RedisStore) GetBatch(ctx context.Context, batchID string) (*model.NettingBatch, error) {
	raw, err := s.client.Get(ctx, keyBatch+batchID).Result()
	if err == redis.Nil {
		return nil, errs.NewStoreError(errs.StoreErrFatal, "batch not found")
	}
	if err != nil {
		return nil, errs.StoreWrap(err, "GetBatch", "failed to load batch")
	}
	var batch model.NettingBatch
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		return nil, errs.StoreWrap(err, "GetBatch", "failed to decode batch")
	}
	return &batch, nil
}

func (s *RedisStore) GetSettledItems(ctx context.Context, batchID string) ([]*model.SettledItem, error) {
	m, err := s.client.HGetAll(ctx, keyBatchItems+batchID).Result()
	if err != nil {
		return nil, errs.StoreWrap(err, "GetSettledItems", "failed to load settled items")
	}
	out := make([]*model.SettledItem, 0, len(m))
	for item, owner := range m {
		out = append(out, &model.SettledItem{BatchID: batchID, ItemID: item, FinalOwner: owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (s *RedisStore) GetNetCashDeltas(ctx context.Context, batchID string) ([]*model.NetCashDelta, error) {
	m, err := s.client.HGetAll(ctx, keyBatchDeltas+batchID).Result()
	if err != nil {
		return nil, errs.StoreWrap(err, "GetNetCashDeltas", "failed to load net cash deltas")
	}
	out := make([]*model.NetCashDelta, 0, len(m))
	for owner, deltaStr := range m {
		delta, err := strconv.ParseInt(deltaStr, 10, 64)
		if err != nil {
			return nil, errs.StoreWrap(err, "GetNetCashDeltas", "failed to parse delta for "+owner)
		}
		out = append(out, &model.NetCashDelta{BatchID: batchID, OwnerPubkey: owner, DeltaLamports: delta})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerPubkey < out[j].OwnerPubkey })
	return out, nil
}

// ReserveBatchProjection is idempotent for the same (projection, batchID)
// pair: PersistBatchAtomically already reserves this key at netting time,
// so the settlement driver's own call on every (re)submission attempt must
// not fail just because the key is its own prior reservation. It only
// fails when a *different* batchID holds the projection.
func (s *RedisStore) ReserveBatchProjection(ctx context.Context, projection uint32, batchID string) error {
	key := keyBatchProj + strconv.FormatUint(uint64(projection), 10)
	ok, err := s.client.SetNX(ctx, key, batchID, 0).Result()
	if err != nil {
		return errs.StoreWrap(err, "ReserveBatchProjection", "failed to reserve batch projection")
	}
	if ok {
		return nil
	}
	holder, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return errs.StoreWrap(err, "ReserveBatchProjection", "failed to read batch projection holder")
	}
	if holder == batchID {
		return nil
	}
	return errs.NewStoreError(errs.StoreErrFatal, "batch id projection collides with an existing batch")
}

func (s *RedisStore) LoadSessionPolicies(ctx context.Context) ([]*model.SessionKeyPolicy, error) {
	sessions, err := s.client.SMembers(ctx, keyPoliciesSet).Result()
	if err != nil {
		return nil, errs.StoreWrap(err, "LoadSessionPolicies", "failed to list session policies")
	}
	out := make([]*model.SessionKeyPolicy, 0, len(sessions))
	for _, session := range sessions {
		raw, err := s.client.Get(ctx, keyPolicy+session).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, errs.StoreWrap(err, "LoadSessionPolicies", "failed to load policy "+session)
		}
		var p model.SessionKeyPolicy
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, errs.StoreWrap(err, "LoadSessionPolicies", "failed to decode policy "+session)
		}
		out = append(out, &p)
	}
	return out, nil
}

func (s *RedisStore) SaveSessionPolicy(ctx context.Context, p *model.SessionKeyPolicy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errs.StoreWrap(err, "SaveSessionPolicy", "failed to serialize policy")
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyPolicy+p.SessionPubkey, data, 0)
	pipe.SAdd(ctx, keyPoliciesSet, p.SessionPubkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.StoreWrap(err, "SaveSessionPolicy", "failed to persist policy")
	}
	return nil
}

func (s *RedisStore) DeleteSessionPolicy(ctx context.Context, sessionPubkey string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyPolicy+sessionPubkey)
	pipe.SRem(ctx, keyPoliciesSet, sessionPubkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.StoreWrap(err, "DeleteSessionPolicy", "failed to delete policy")
	}
	return nil
}
