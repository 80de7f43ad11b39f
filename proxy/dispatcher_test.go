package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/doublewordai/silt/proxy/store"
	"github.com/doublewordai/silt/proxy/upstream"
)

// fakeBatchAPI records calls and returns scripted responses.
type fakeBatchAPI struct {
	mu sync.Mutex

	uploads     [][]upstream.InputLine
	uploadErr   error
	created     []string
	createErr   error
	batches     map[string]*upstream.Batch
	getErr      error
	results     map[string][]upstream.ResultLine
	downloadErr error
}

func newFakeBatchAPI() *fakeBatchAPI {
	return &fakeBatchAPI{
		batches: make(map[string]*upstream.Batch),
		results: make(map[string][]upstream.ResultLine),
	}
}

func (f *fakeBatchAPI) UploadBatchFile(ctx context.Context, lines []upstream.InputLine) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, lines)
	return fmt.Sprintf("file-%d", len(f.uploads)), nil
}

func (f *fakeBatchAPI) CreateBatch(ctx context.Context, inputFileID string) (*upstream.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	id := fmt.Sprintf("batch-%d", len(f.created)+1)
	f.created = append(f.created, id)
	batch := &upstream.Batch{ID: id, Status: upstream.BatchStatusValidating, InputFileID: inputFileID}
	f.batches[id] = batch
	return batch, nil
}

func (f *fakeBatchAPI) GetBatch(ctx context.Context, batchID string) (*upstream.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	batch, ok := f.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("unknown batch %s", batchID)
	}
	cp := *batch
	return &cp, nil
}

func (f *fakeBatchAPI) DownloadResults(ctx context.Context, fileID string) ([]upstream.ResultLine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.results[fileID], nil
}

func (f *fakeBatchAPI) setStatus(batchID, status, outputFileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[batchID].Status = status
	f.batches[batchID].OutputFileID = outputFileID
}

func register(t *testing.T, s store.Store, key, payload string) {
	t.Helper()
	created, err := s.RegisterNew(context.Background(), key, []byte(payload))
	if err != nil || !created {
		t.Fatalf("failed to register %s: created=%v err=%v", key, created, err)
	}
}

func TestDispatcherSubmitsDrainedRequests(t *testing.T) {
	s := store.NewMemoryStore()
	api := newFakeBatchAPI()
	d := NewDispatcher(s, api, time.Minute, 100)
	ctx := context.Background()

	register(t, s, "key-1", `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	register(t, s, "key-2", `{"model":"gpt-4o","messages":[{"role":"user","content":"yo"}]}`)

	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(api.uploads) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(api.uploads))
	}
	lines := api.uploads[0]
	if len(lines) != 2 {
		t.Fatalf("expected 2 input lines, got %d", len(lines))
	}
	if lines[0].CustomID != "key-1" || lines[0].Method != "POST" || lines[0].URL != "/v1/chat/completions" {
		t.Errorf("unexpected input line: %+v", lines[0])
	}

	for _, key := range []string{"key-1", "key-2"} {
		rec, _ := s.GetRequest(ctx, key)
		if rec.Status != store.StatusDispatched {
			t.Errorf("%s should be dispatched, got %s", key, rec.Status)
		}
		if rec.BatchID != "batch-1" {
			t.Errorf("%s should carry batch-1, got %q", key, rec.BatchID)
		}
	}

	batch, _ := s.GetBatch(ctx, "batch-1")
	if batch == nil {
		t.Fatal("batch record should exist")
	}
	if len(batch.RequestKeys) != 2 || batch.InputFileID != "file-1" {
		t.Errorf("unexpected batch record: %+v", batch)
	}

	// Nothing left pending.
	depth, _ := s.PendingDepth(ctx)
	if depth != 0 {
		t.Errorf("pending index should be empty after dispatch, got %d", depth)
	}
}

func TestDispatcherEmptyTickIsNoop(t *testing.T) {
	s := store.NewMemoryStore()
	api := newFakeBatchAPI()
	d := NewDispatcher(s, api, time.Minute, 100)

	if err := d.tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(api.uploads) != 0 {
		t.Errorf("no upload expected for an empty queue, got %d", len(api.uploads))
	}
}

func TestDispatcherUploadFailureFailsKeysTerminally(t *testing.T) {
	s := store.NewMemoryStore()
	api := newFakeBatchAPI()
	api.uploadErr = errors.New("connection refused")
	d := NewDispatcher(s, api, time.Minute, 100)
	ctx := context.Background()

	register(t, s, "key-1", `{}`)

	sub, err := s.Subscribe(ctx, "key-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	rec, _ := s.GetRequest(ctx, "key-1")
	if rec.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", rec.Status)
	}
	if rec.Error == nil || rec.Error.Kind != store.ErrKindDispatchFailed {
		t.Errorf("expected dispatch_failed, got %+v", rec.Error)
	}

	// The waiter must have been woken; nothing is silently re-queued.
	select {
	case <-sub.Wake():
	default:
		t.Error("terminal dispatch failure should wake the waiter")
	}
	depth, _ := s.PendingDepth(ctx)
	if depth != 0 {
		t.Errorf("failed keys must not be re-queued, depth=%d", depth)
	}
}

func TestDispatcherCreateFailureFailsKeysTerminally(t *testing.T) {
	s := store.NewMemoryStore()
	api := newFakeBatchAPI()
	api.createErr = errors.New("upstream returned 500")
	d := NewDispatcher(s, api, time.Minute, 100)
	ctx := context.Background()

	register(t, s, "key-1", `{}`)
	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	rec, _ := s.GetRequest(ctx, "key-1")
	if rec.Status != store.StatusFailed || rec.Error == nil || rec.Error.Kind != store.ErrKindDispatchFailed {
		t.Errorf("expected terminal dispatch_failed, got %+v", rec)
	}
}

func TestDispatcherSplitsAtBatchCap(t *testing.T) {
	s := store.NewMemoryStore()
	api := newFakeBatchAPI()
	d := NewDispatcher(s, api, time.Minute, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		register(t, s, fmt.Sprintf("key-%d", i), `{}`)
	}

	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(api.uploads) != 3 {
		t.Fatalf("5 keys with cap 2 should yield 3 uploads, got %d", len(api.uploads))
	}
	sizes := []int{len(api.uploads[0]), len(api.uploads[1]), len(api.uploads[2])}
	if sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("unexpected split sizes %v", sizes)
	}
}

func TestDispatcherSkipsAlreadyTerminalKeys(t *testing.T) {
	s := store.NewMemoryStore()
	api := newFakeBatchAPI()
	d := NewDispatcher(s, api, time.Minute, 100)
	ctx := context.Background()

	register(t, s, "done", `{}`)
	register(t, s, "live", `{}`)
	// The key went terminal between registration and the drain.
	if err := s.FailRequest(ctx, "done", store.RequestError{Kind: store.ErrKindDispatchFailed, Message: "given up"}); err != nil {
		t.Fatalf("FailRequest failed: %v", err)
	}

	if err := d.tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	if len(api.uploads) != 1 || len(api.uploads[0]) != 1 {
		t.Fatalf("expected a single-line upload, got %+v", api.uploads)
	}
	if api.uploads[0][0].CustomID != "live" {
		t.Errorf("terminal key leaked into the batch: %+v", api.uploads[0])
	}
}
