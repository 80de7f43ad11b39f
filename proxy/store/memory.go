package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and single-process
// development. It honors the same atomicity and publish-on-terminal
// contract as the Redis implementation.
type MemoryStore struct {
	mu             sync.Mutex
	requests       map[string]*RequestRecord
	batches        map[string]*BatchRecord
	pending        []string
	active         map[string]bool
	archiveQueue   []string
	archiveEnabled bool
	subscribers    map[string][]*memorySubscription
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*RequestRecord),
		batches:     make(map[string]*BatchRecord),
		active:      make(map[string]bool),
		subscribers: make(map[string][]*memorySubscription),
	}
}

// SetArchiveEnabled toggles archive queueing on terminal writes.
func (s *MemoryStore) SetArchiveEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiveEnabled = enabled
}

func copyRecord(r *RequestRecord) *RequestRecord {
	cp := *r
	if r.Error != nil {
		errCopy := *r.Error
		cp.Error = &errCopy
	}
	return &cp
}

func (s *MemoryStore) GetRequest(ctx context.Context, key string) (*RequestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[key]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) RegisterNew(ctx context.Context, key string, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[key]; exists {
		return false, nil
	}
	now := time.Now().UTC()
	s.requests[key] = &RequestRecord{
		Key:       key,
		Status:    StatusQueued,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.pending = append(s.pending, key)
	return true, nil
}

func (s *MemoryStore) DrainPending(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.pending
	s.pending = nil
	return drained, nil
}

func (s *MemoryStore) TransitionToDispatched(ctx context.Context, keys []string, batchID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var skipped []string
	for _, key := range keys {
		rec, ok := s.requests[key]
		if !ok || rec.Status != StatusQueued {
			skipped = append(skipped, key)
			continue
		}
		rec.Status = StatusDispatched
		rec.BatchID = batchID
		rec.UpdatedAt = time.Now().UTC()
	}
	return skipped, nil
}

// terminal applies fn to a non-terminal record and publishes the wake
// while still holding the lock, mirroring the atomic Redis script.
func (s *MemoryStore) terminal(key string, fn func(*RequestRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[key]
	if !ok {
		return fmt.Errorf("terminal write for unknown key %s", key)
	}
	if rec.Status.Terminal() {
		return nil
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	if s.archiveEnabled {
		s.archiveQueue = append(s.archiveQueue, key)
	}
	for _, sub := range s.subscribers[key] {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) CompleteRequest(ctx context.Context, key string, result []byte) error {
	return s.terminal(key, func(rec *RequestRecord) {
		rec.Status = StatusCompleted
		rec.Result = append(json.RawMessage(nil), result...)
	})
}

func (s *MemoryStore) FailRequest(ctx context.Context, key string, reqErr RequestError) error {
	return s.terminal(key, func(rec *RequestRecord) {
		rec.Status = StatusFailed
		errCopy := reqErr
		rec.Error = &errCopy
	})
}

// --- Batch Operations ---

func (s *MemoryStore) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[batchID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.RequestKeys = append([]string(nil), rec.RequestKeys...)
	return &cp, nil
}

func (s *MemoryStore) CreateBatch(ctx context.Context, batchID string, keys []string, inputFileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batchID] = &BatchRecord{
		BatchID:     batchID,
		Status:      BatchSubmitted,
		RequestKeys: append([]string(nil), keys...),
		InputFileID: inputFileID,
		CreatedAt:   time.Now().UTC(),
	}
	s.active[batchID] = true
	return nil
}

func (s *MemoryStore) UpdateBatch(ctx context.Context, batchID string, status BatchStatus, outputFileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch not found: %s", batchID)
	}
	rec.Status = status
	rec.LastPolledAt = time.Now().UTC()
	if outputFileID != "" {
		rec.OutputFileID = outputFileID
	}
	if status.Terminal() {
		delete(s.active, batchID)
	}
	return nil
}

func (s *MemoryStore) SetProcessing(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch not found: %s", batchID)
	}
	for _, key := range rec.RequestKeys {
		req, ok := s.requests[key]
		if ok && req.Status == StatusDispatched {
			req.Status = StatusProcessing
			req.UpdatedAt = time.Now().UTC()
		}
	}
	if rec.Status == BatchSubmitted {
		rec.Status = BatchInProgress
		rec.LastPolledAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) ActiveBatches(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) ForgetBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, batchID)
	return nil
}

func (s *MemoryStore) PendingDepth(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending)), nil
}

// --- Archive Operations ---

func (s *MemoryStore) DrainArchiveQueue(ctx context.Context, max int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.archiveQueue))
	if n > max {
		n = max
	}
	drained := append([]string(nil), s.archiveQueue[:n]...)
	s.archiveQueue = s.archiveQueue[n:]
	return drained, nil
}

func (s *MemoryStore) RequeueArchive(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiveQueue = append(s.archiveQueue, keys...)
	return nil
}

// --- Pub/Sub ---

type memorySubscription struct {
	store *MemoryStore
	key   string
	wake  chan struct{}
}

func (m *memorySubscription) Wake() <-chan struct{} { return m.wake }

func (m *memorySubscription) Close() error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	subs := m.store.subscribers[m.key]
	for i, sub := range subs {
		if sub == m {
			m.store.subscribers[m.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, key string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &memorySubscription{store: s, key: key, wake: make(chan struct{}, 1)}
	s.subscribers[key] = append(s.subscribers[key], sub)
	return sub, nil
}
