package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/doublewordai/silt/proxy/observability"
	"github.com/doublewordai/silt/proxy/store"
	"github.com/doublewordai/silt/proxy/upstream"
)

// Poller advances all non-terminal batches every poll interval. It is safe
// to re-run on the same batch: terminal writes on request and batch
// records ignore already-terminal state, so a crash mid-batch or a second
// poller instance never produces duplicate wakeups.
type Poller struct {
	store    store.Store
	upstream batchAPI
	interval time.Duration
}

// NewPoller creates a Poller.
func NewPoller(s store.Store, api batchAPI, interval time.Duration) *Poller {
	return &Poller{store: s, upstream: api, interval: interval}
}

// Run polls immediately (cold-start resume of in-flight batches), then on
// every tick until the context ends.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("Poller: started (interval %s)", p.interval)

	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("Poller: stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	observability.PollCycles.Inc()

	batchIDs, err := p.store.ActiveBatches(ctx)
	if err != nil {
		log.Printf("Poller: failed to list active batches: %v", err)
		return
	}

	for _, batchID := range batchIDs {
		if err := p.pollBatch(ctx, batchID); err != nil {
			// Leave the batch in the active set; the next tick retries.
			log.Printf("Poller: batch %s: %v", batchID, err)
		}
	}
}

func (p *Poller) pollBatch(ctx context.Context, batchID string) error {
	rec, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load failed: %w", err)
	}
	if rec == nil {
		// Record expired under the active-set entry; drop the orphan.
		log.Printf("Poller: batch %s has no record, forgetting", batchID)
		return p.store.ForgetBatch(ctx, batchID)
	}

	batch, err := p.upstream.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("status fetch failed: %w", err)
	}

	switch batch.Status {
	case upstream.BatchStatusValidating:
		return p.store.UpdateBatch(ctx, batchID, rec.Status, "")

	case upstream.BatchStatusInProgress, upstream.BatchStatusFinalizing:
		return p.store.SetProcessing(ctx, batchID)

	case upstream.BatchStatusCompleted:
		return p.finishBatch(ctx, rec, batch)

	case upstream.BatchStatusFailed:
		log.Printf("Poller: batch %s failed upstream", batchID)
		p.failMembers(ctx, rec.RequestKeys, store.RequestError{
			Kind:    store.ErrKindBatchFailed,
			Message: "upstream batch failed",
		})
		return p.store.UpdateBatch(ctx, batchID, store.BatchFailed, "")

	case upstream.BatchStatusExpired:
		log.Printf("Poller: batch %s expired upstream", batchID)
		p.failMembers(ctx, rec.RequestKeys, store.RequestError{
			Kind:    store.ErrKindBatchExpired,
			Message: "upstream batch expired before completion",
		})
		return p.store.UpdateBatch(ctx, batchID, store.BatchExpired, "")

	case upstream.BatchStatusCancelled:
		// Nothing here cancels batches; treat an external cancel as failure.
		log.Printf("Poller: batch %s was cancelled upstream", batchID)
		p.failMembers(ctx, rec.RequestKeys, store.RequestError{
			Kind:    store.ErrKindBatchFailed,
			Message: "upstream batch was cancelled",
		})
		return p.store.UpdateBatch(ctx, batchID, store.BatchFailed, "")

	default:
		return fmt.Errorf("unknown upstream status %q", batch.Status)
	}
}

// finishBatch downloads the output, writes a terminal state for every line
// in file order, then fails any member the output never mentioned.
func (p *Poller) finishBatch(ctx context.Context, rec *store.BatchRecord, batch *upstream.Batch) error {
	if batch.OutputFileID == "" {
		log.Printf("Poller: batch %s completed without an output file", rec.BatchID)
		p.failMembers(ctx, rec.RequestKeys, store.RequestError{
			Kind:    store.ErrKindMissingOutput,
			Message: "upstream batch completed without an output file",
		})
		return p.store.UpdateBatch(ctx, rec.BatchID, store.BatchCompleted, "")
	}

	lines, err := p.upstream.DownloadResults(ctx, batch.OutputFileID)
	if err != nil {
		return fmt.Errorf("output download failed: %w", err)
	}

	members := make(map[string]bool, len(rec.RequestKeys))
	for _, key := range rec.RequestKeys {
		members[key] = true
	}

	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		if !members[line.CustomID] {
			log.Printf("Poller: batch %s output references unknown key %s", rec.BatchID, line.CustomID)
			continue
		}
		seen[line.CustomID] = true
		p.settleLine(ctx, line)
	}

	for _, key := range rec.RequestKeys {
		if seen[key] {
			continue
		}
		log.Printf("Poller: batch %s output is missing key %s", rec.BatchID, key)
		p.failKey(ctx, key, store.RequestError{
			Kind:    store.ErrKindMissingOutput,
			Message: "request missing from upstream batch output",
		})
	}

	log.Printf("Poller: batch %s completed with %d result line(s)", rec.BatchID, len(lines))
	return p.store.UpdateBatch(ctx, rec.BatchID, store.BatchCompleted, batch.OutputFileID)
}

// settleLine writes the terminal outcome for one output line.
func (p *Poller) settleLine(ctx context.Context, line upstream.ResultLine) {
	switch {
	case line.Error != nil:
		p.failKey(ctx, line.CustomID, store.RequestError{
			Kind:       store.ErrKindUpstreamError,
			Message:    line.Error.Message,
			StatusCode: 400,
		})

	case line.Response == nil:
		p.failKey(ctx, line.CustomID, store.RequestError{
			Kind:    store.ErrKindUpstreamError,
			Message: "output line carried neither response nor error",
		})

	case line.Response.StatusCode >= 400:
		p.failKey(ctx, line.CustomID, store.RequestError{
			Kind:       store.ErrKindUpstreamError,
			Message:    upstreamErrorMessage(line.Response.Body),
			StatusCode: line.Response.StatusCode,
		})

	default:
		if err := p.store.CompleteRequest(ctx, line.CustomID, line.Response.Body); err != nil {
			log.Printf("Poller: failed to complete %s: %v", line.CustomID, err)
			return
		}
		observability.RequestsTerminal.WithLabelValues("completed").Inc()
	}
}

func (p *Poller) failKey(ctx context.Context, key string, reqErr store.RequestError) {
	if err := p.store.FailRequest(ctx, key, reqErr); err != nil {
		log.Printf("Poller: failed to fail %s: %v", key, err)
		return
	}
	observability.RequestsTerminal.WithLabelValues(string(reqErr.Kind)).Inc()
}

func (p *Poller) failMembers(ctx context.Context, keys []string, reqErr store.RequestError) {
	for _, key := range keys {
		p.failKey(ctx, key, reqErr)
	}
}

// upstreamErrorMessage digs the message out of an upstream error body,
// falling back to the raw body.
func upstreamErrorMessage(body json.RawMessage) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(body)
}
