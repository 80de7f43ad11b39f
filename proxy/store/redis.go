package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doublewordai/silt/proxy/observability"
	"github.com/redis/go-redis/v9"
)

// Request records live in Redis hashes so the payload and result bytes are
// stored verbatim: the Lua scripts below only touch the scalar fields and
// never re-encode client JSON.
//
// CRITICAL: every multi-step transition is a single Lua script. Redis runs
// scripts atomically, which is what the exactly-once drain and the
// write-before-publish ordering rest on.

const registerScript = `
-- KEYS[1] = request hash, KEYS[2] = pending list
-- ARGV[1] = payload, ARGV[2] = now, ARGV[3] = ttl secs, ARGV[4] = idempotency key
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("HSET", KEYS[1],
	"status", "queued",
	"payload", ARGV[1],
	"created_at", ARGV[2],
	"updated_at", ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
redis.call("RPUSH", KEYS[2], ARGV[4])
return 1
`

const drainScript = `
-- KEYS[1] = pending list
local members = redis.call("LRANGE", KEYS[1], 0, -1)
redis.call("DEL", KEYS[1])
return members
`

const dispatchScript = `
-- KEYS[1] = request hash
-- ARGV[1] = batch id, ARGV[2] = now, ARGV[3] = ttl secs
local status = redis.call("HGET", KEYS[1], "status")
if not status then
	return -1
end
if status ~= "queued" then
	return 0
end
redis.call("HSET", KEYS[1],
	"status", "dispatched",
	"batch_id", ARGV[1],
	"updated_at", ARGV[2])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
return 1
`

const processingScript = `
-- KEYS[1] = request hash
-- ARGV[1] = now, ARGV[2] = ttl secs
local status = redis.call("HGET", KEYS[1], "status")
if not status then
	return -1
end
if status ~= "dispatched" then
	return 0
end
redis.call("HSET", KEYS[1], "status", "processing", "updated_at", ARGV[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
return 1
`

// terminalScript writes the terminal state and publishes the wake in one
// atomic step, so a subscriber woken by the publish always reads the
// terminal record. Already-terminal records are never touched.
const terminalScript = `
-- KEYS[1] = request hash, KEYS[2] = archive list
-- ARGV[1] = terminal status, ARGV[2] = field (result/error), ARGV[3] = value
-- ARGV[4] = now, ARGV[5] = ttl secs, ARGV[6] = wake channel
-- ARGV[7] = archive flag, ARGV[8] = idempotency key
local status = redis.call("HGET", KEYS[1], "status")
if not status then
	return -1
end
if status == "completed" or status == "failed" then
	return 0
end
redis.call("HSET", KEYS[1],
	"status", ARGV[1],
	ARGV[2], ARGV[3],
	"updated_at", ARGV[4])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[5]))
if ARGV[7] == "1" then
	redis.call("RPUSH", KEYS[2], ARGV[8])
end
redis.call("PUBLISH", ARGV[6], ARGV[1])
return 1
`

// RedisStore implements Store over Redis.
type RedisStore struct {
	client *redis.Client

	// Whether terminal writes enqueue keys for the Postgres archive tier.
	archiveEnabled bool

	// Preloaded Lua script SHAs for atomic operations
	registerSHA   string
	drainSHA      string
	dispatchSHA   string
	processingSHA string
	terminalSHA   string
}

// NewRedisStore connects, verifies the connection, and preloads the Lua
// scripts so per-call traffic is EVALSHA only.
func NewRedisStore(addr, password string, db int, archiveEnabled bool) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	s := &RedisStore{client: client, archiveEnabled: archiveEnabled}

	for _, load := range []struct {
		script string
		sha    *string
	}{
		{registerScript, &s.registerSHA},
		{drainScript, &s.drainSHA},
		{dispatchScript, &s.dispatchSHA},
		{processingScript, &s.processingSHA},
		{terminalScript, &s.terminalSHA},
	} {
		sha, err := client.ScriptLoad(ctx, load.script).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to preload script: %w", err)
		}
		*load.sha = sha
	}

	return s, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// eval runs a preloaded script, reloading it once if Redis restarted and
// lost the script cache (NOSCRIPT).
func (s *RedisStore) eval(ctx context.Context, sha *string, script string, keys []string, args ...interface{}) (interface{}, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := s.client.EvalSha(ctx, *sha, keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		newSHA, loadErr := s.client.ScriptLoad(ctx, script).Result()
		if loadErr != nil {
			return nil, loadErr
		}
		*sha = newSHA
		res, err = s.client.EvalSha(ctx, *sha, keys, args...).Result()
	}
	return res, err
}

func ttlSecs() int {
	return int(RecordTTL.Seconds())
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// GetRequest loads a record; nil when the key is unknown.
func (s *RedisStore) GetRequest(ctx context.Context, key string) (*RequestRecord, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	fields, err := s.client.HGetAll(ctx, RequestKey(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &RequestRecord{
		Key:       key,
		Status:    RequestStatus(fields["status"]),
		Payload:   json.RawMessage(fields["payload"]),
		BatchID:   fields["batch_id"],
		CreatedAt: parseTime(fields["created_at"]),
		UpdatedAt: parseTime(fields["updated_at"]),
	}
	if v, ok := fields["result"]; ok && v != "" {
		rec.Result = json.RawMessage(v)
	}
	if v, ok := fields["error"]; ok && v != "" {
		var reqErr RequestError
		if err := json.Unmarshal([]byte(v), &reqErr); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stored error for %s: %w", key, err)
		}
		rec.Error = &reqErr
	}
	return rec, nil
}

// RegisterNew creates the queued record and indexes it, atomically.
func (s *RedisStore) RegisterNew(ctx context.Context, key string, payload []byte) (bool, error) {
	res, err := s.eval(ctx, &s.registerSHA, registerScript,
		[]string{RequestKey(key), PendingKey},
		string(payload), now(), ttlSecs(), key,
	)
	if err != nil {
		return false, fmt.Errorf("failed to register %s: %w", key, err)
	}
	created, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected register result type: %T", res)
	}
	return created == 1, nil
}

// DrainPending atomically takes the whole pending index.
func (s *RedisStore) DrainPending(ctx context.Context) ([]string, error) {
	res, err := s.eval(ctx, &s.drainSHA, drainScript, []string{PendingKey})
	if err != nil {
		return nil, fmt.Errorf("failed to drain pending index: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected drain result type: %T", res)
	}
	keys := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			keys = append(keys, str)
		}
	}
	return keys, nil
}

// TransitionToDispatched flips each key queued -> dispatched. Keys that
// fail the precondition are skipped and returned to the caller.
func (s *RedisStore) TransitionToDispatched(ctx context.Context, keys []string, batchID string) ([]string, error) {
	var skipped []string
	ts := now()
	for _, key := range keys {
		res, err := s.eval(ctx, &s.dispatchSHA, dispatchScript,
			[]string{RequestKey(key)},
			batchID, ts, ttlSecs(),
		)
		if err != nil {
			return skipped, fmt.Errorf("failed to dispatch %s: %w", key, err)
		}
		if v, ok := res.(int64); !ok || v != 1 {
			skipped = append(skipped, key)
		}
	}
	return skipped, nil
}

func (s *RedisStore) terminal(ctx context.Context, key, status, field string, value []byte) error {
	res, err := s.eval(ctx, &s.terminalSHA, terminalScript,
		[]string{RequestKey(key), ArchiveQueueKey},
		status, field, string(value), now(), ttlSecs(), WakeChannel(key),
		boolFlag(s.archiveEnabled), key,
	)
	if err != nil {
		return fmt.Errorf("failed terminal write for %s: %w", key, err)
	}
	if v, ok := res.(int64); ok && v == -1 {
		return fmt.Errorf("terminal write for unknown key %s", key)
	}
	return nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// CompleteRequest stores the result and publishes the wake. No-op if the
// record is already terminal.
func (s *RedisStore) CompleteRequest(ctx context.Context, key string, result []byte) error {
	return s.terminal(ctx, key, string(StatusCompleted), "result", result)
}

// FailRequest stores the failure reason and publishes the wake. No-op if
// the record is already terminal.
func (s *RedisStore) FailRequest(ctx context.Context, key string, reqErr RequestError) error {
	data, err := json.Marshal(reqErr)
	if err != nil {
		return fmt.Errorf("failed to marshal error for %s: %w", key, err)
	}
	return s.terminal(ctx, key, string(StatusFailed), "error", data)
}

// --- Batch Operations ---

func (s *RedisStore) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	data, err := s.client.Get(ctx, BatchKey(batchID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var rec BatchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch %s: %w", batchID, err)
	}
	return &rec, nil
}

func (s *RedisStore) putBatch(ctx context.Context, rec *BatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal batch %s: %w", rec.BatchID, err)
	}
	return s.client.Set(ctx, BatchKey(rec.BatchID), data, RecordTTL).Err()
}

// CreateBatch writes the record and adds the id to the active set.
func (s *RedisStore) CreateBatch(ctx context.Context, batchID string, keys []string, inputFileID string) error {
	rec := &BatchRecord{
		BatchID:     batchID,
		Status:      BatchSubmitted,
		RequestKeys: keys,
		InputFileID: inputFileID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.putBatch(ctx, rec); err != nil {
		return err
	}
	return s.client.SAdd(ctx, ActiveBatchesKey, batchID).Err()
}

// UpdateBatch advances the record. Terminal statuses leave the active set.
func (s *RedisStore) UpdateBatch(ctx context.Context, batchID string, status BatchStatus, outputFileID string) error {
	rec, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("batch not found: %s", batchID)
	}
	rec.Status = status
	rec.LastPolledAt = time.Now().UTC()
	if outputFileID != "" {
		rec.OutputFileID = outputFileID
	}
	if err := s.putBatch(ctx, rec); err != nil {
		return err
	}
	if status.Terminal() {
		return s.client.SRem(ctx, ActiveBatchesKey, batchID).Err()
	}
	return nil
}

// SetProcessing advances the batch and all its dispatched members.
// Members already past dispatched are left alone, so repeated calls are
// harmless.
func (s *RedisStore) SetProcessing(ctx context.Context, batchID string) error {
	rec, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("batch not found: %s", batchID)
	}
	ts := now()
	for _, key := range rec.RequestKeys {
		if _, err := s.eval(ctx, &s.processingSHA, processingScript,
			[]string{RequestKey(key)}, ts, ttlSecs(),
		); err != nil {
			return fmt.Errorf("failed to advance %s to processing: %w", key, err)
		}
	}
	if rec.Status == BatchSubmitted {
		return s.UpdateBatch(ctx, batchID, BatchInProgress, "")
	}
	return nil
}

func (s *RedisStore) ActiveBatches(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, ActiveBatchesKey).Result()
}

func (s *RedisStore) ForgetBatch(ctx context.Context, batchID string) error {
	return s.client.SRem(ctx, ActiveBatchesKey, batchID).Err()
}

func (s *RedisStore) PendingDepth(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, PendingKey).Result()
}

// --- Archive Operations ---

func (s *RedisStore) DrainArchiveQueue(ctx context.Context, max int64) ([]string, error) {
	keys, err := s.client.LPopCount(ctx, ArchiveQueueKey, int(max)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return keys, err
}

func (s *RedisStore) RequeueArchive(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	return s.client.RPush(ctx, ArchiveQueueKey, members...).Err()
}

// --- Pub/Sub ---

type redisSubscription struct {
	pubsub *redis.PubSub
	wake   chan struct{}
}

func (r *redisSubscription) Wake() <-chan struct{} { return r.wake }

func (r *redisSubscription) Close() error { return r.pubsub.Close() }

// Subscribe opens the wake channel for a key. The returned subscription is
// confirmed before this returns, so a caller that subscribes and then
// re-reads the record cannot miss a terminal transition.
func (s *RedisStore) Subscribe(ctx context.Context, key string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, WakeChannel(key))

	// Wait for the subscription confirmation; without this the publish
	// could race ahead of the SUBSCRIBE hitting the server.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe for %s: %w", key, err)
	}

	sub := &redisSubscription{pubsub: pubsub, wake: make(chan struct{}, 1)}
	go func() {
		for range pubsub.Channel() {
			select {
			case sub.wake <- struct{}{}:
			default: // Coalesce; the waiter re-reads the record anyway.
			}
		}
		close(sub.wake)
	}()
	return sub, nil
}
