package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/doublewordai/silt/proxy/observability"
	"github.com/doublewordai/silt/proxy/store"
	"github.com/doublewordai/silt/proxy/upstream"
)

// batchAPI is the slice of the upstream client the workers need. Tests
// substitute a fake.
type batchAPI interface {
	UploadBatchFile(ctx context.Context, lines []upstream.InputLine) (string, error)
	CreateBatch(ctx context.Context, inputFileID string) (*upstream.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*upstream.Batch, error)
	DownloadResults(ctx context.Context, fileID string) ([]upstream.ResultLine, error)
}

// Dispatcher drains the pending index every batch window and turns it into
// upstream batch submissions. Multiple dispatcher instances are safe: the
// drain is atomic in the store, so each queued key is seen by exactly one
// tick.
type Dispatcher struct {
	store    store.Store
	upstream batchAPI
	window   time.Duration
	maxBatch int
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s store.Store, api batchAPI, window time.Duration, maxBatch int) *Dispatcher {
	return &Dispatcher{store: s, upstream: api, window: window, maxBatch: maxBatch}
}

// Run executes the dispatch loop until the context ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.window)
	defer ticker.Stop()

	log.Printf("Dispatcher: started (window %s, max %d requests per batch)", d.window, d.maxBatch)

	for {
		select {
		case <-ctx.Done():
			log.Println("Dispatcher: stopped")
			return
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				log.Printf("Dispatcher: tick failed: %v", err)
			}
		}
	}
}

// tick drains the queue and submits it, splitting at the batch size cap.
// A drain error leaves the index untouched for the next tick.
func (d *Dispatcher) tick(ctx context.Context) error {
	keys, err := d.store.DrainPending(ctx)
	if err != nil {
		return fmt.Errorf("drain failed: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	log.Printf("Dispatcher: drained %d queued request(s)", len(keys))

	for start := 0; start < len(keys); start += d.maxBatch {
		end := start + d.maxBatch
		if end > len(keys) {
			end = len(keys)
		}
		d.submit(ctx, keys[start:end])
	}
	return nil
}

// submit builds the JSONL input for one batch, uploads it, creates the
// upstream batch, and flips the members to dispatched.
//
// Once keys are drained they no longer exist in any index, so a failed
// upload or create must not strand them: the keys are failed terminally
// with DispatchFailed and their waiters woken, rather than silently
// re-queued.
func (d *Dispatcher) submit(ctx context.Context, keys []string) {
	lines := make([]upstream.InputLine, 0, len(keys))
	members := make([]string, 0, len(keys))
	for _, key := range keys {
		rec, err := d.store.GetRequest(ctx, key)
		if err != nil {
			d.failKeys(ctx, []string{key}, "record")
			continue
		}
		if rec == nil {
			// Expired between registration and drain; nothing to answer.
			log.Printf("Dispatcher: drained key %s has no record, skipping", key)
			continue
		}
		if rec.Status != store.StatusQueued {
			log.Printf("Dispatcher: drained key %s is %s, skipping", key, rec.Status)
			continue
		}
		lines = append(lines, upstream.InputLine{
			CustomID: key,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body:     rec.Payload,
		})
		members = append(members, key)
	}
	if len(members) == 0 {
		return
	}

	fileID, err := d.upstream.UploadBatchFile(ctx, lines)
	if err != nil {
		log.Printf("Dispatcher: file upload failed for %d request(s): %v", len(members), err)
		observability.DispatchFailures.WithLabelValues("upload").Inc()
		d.failKeys(ctx, members, fmt.Sprintf("batch input upload failed: %v", err))
		return
	}

	batch, err := d.upstream.CreateBatch(ctx, fileID)
	if err != nil {
		log.Printf("Dispatcher: batch creation failed for file %s: %v", fileID, err)
		observability.DispatchFailures.WithLabelValues("create").Inc()
		d.failKeys(ctx, members, fmt.Sprintf("batch creation failed: %v", err))
		return
	}

	// The upstream batch now exists; the record write must land or the
	// poller will never learn about it. Retry briefly before giving up.
	if err := d.createBatchRecord(ctx, batch.ID, members, fileID); err != nil {
		log.Printf("Dispatcher: failed to persist batch %s: %v", batch.ID, err)
		observability.DispatchFailures.WithLabelValues("record").Inc()
		d.failKeys(ctx, members, fmt.Sprintf("failed to persist batch record: %v", err))
		return
	}

	skipped, err := d.store.TransitionToDispatched(ctx, members, batch.ID)
	if err != nil {
		log.Printf("Dispatcher: dispatch transition error for batch %s: %v", batch.ID, err)
	}
	for _, key := range skipped {
		log.Printf("Dispatcher: key %s no longer queued, left as-is in batch %s", key, batch.ID)
	}

	observability.BatchesDispatched.Inc()
	observability.RequestsDispatched.Add(float64(len(members) - len(skipped)))
	log.Printf("Dispatcher: submitted batch %s with %d request(s)", batch.ID, len(members))
}

func (d *Dispatcher) createBatchRecord(ctx context.Context, batchID string, keys []string, fileID string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = d.store.CreateBatch(ctx, batchID, keys, fileID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	return err
}

// failKeys writes a terminal DispatchFailed on every key, waking waiters.
func (d *Dispatcher) failKeys(ctx context.Context, keys []string, message string) {
	for _, key := range keys {
		err := d.store.FailRequest(ctx, key, store.RequestError{
			Kind:    store.ErrKindDispatchFailed,
			Message: message,
		})
		if err != nil {
			log.Printf("Dispatcher: failed to mark %s as failed: %v", key, err)
			continue
		}
		observability.RequestsTerminal.WithLabelValues(string(store.ErrKindDispatchFailed)).Inc()
	}
}
