package main

import (
	"context"
	"log"
	"time"

	"github.com/doublewordai/silt/proxy/archive"
	"github.com/doublewordai/silt/proxy/observability"
	"github.com/doublewordai/silt/proxy/store"
)

const (
	archiveFlushInterval = time.Minute
	archiveFlushSize     = 500
)

// Archiver moves terminal records from the store's archive queue into the
// Postgres retention tier. Terminal writes enqueue keys; this worker
// drains them in batches. A failed flush requeues the keys, so records
// are never lost short of the 48 hour hot TTL.
type Archiver struct {
	store   store.Store
	archive *archive.PostgresArchive
}

// NewArchiver creates an Archiver.
func NewArchiver(s store.Store, a *archive.PostgresArchive) *Archiver {
	return &Archiver{store: s, archive: a}
}

// Run flushes on an interval until the context ends.
func (ar *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(archiveFlushInterval)
	defer ticker.Stop()

	log.Printf("Archiver: started (every %s, up to %d records per flush)", archiveFlushInterval, archiveFlushSize)

	for {
		select {
		case <-ctx.Done():
			log.Println("Archiver: stopped")
			return
		case <-ticker.C:
			ar.flush(ctx)
		}
	}
}

func (ar *Archiver) flush(ctx context.Context) {
	for {
		keys, err := ar.store.DrainArchiveQueue(ctx, archiveFlushSize)
		if err != nil {
			log.Printf("Archiver: drain failed: %v", err)
			return
		}
		if len(keys) == 0 {
			return
		}

		records := make([]*store.RequestRecord, 0, len(keys))
		for _, key := range keys {
			rec, err := ar.store.GetRequest(ctx, key)
			if err != nil {
				log.Printf("Archiver: read failed for %s: %v", key, err)
				ar.requeue(ctx, []string{key})
				continue
			}
			if rec == nil {
				// Expired before we got here; nothing left to keep.
				continue
			}
			records = append(records, rec)
		}
		if len(records) == 0 {
			continue
		}

		if err := ar.archive.ArchiveRecords(ctx, records); err != nil {
			log.Printf("Archiver: flush of %d record(s) failed, requeueing: %v", len(records), err)
			observability.ArchiveFlushFailures.Inc()
			requeueKeys := make([]string, len(records))
			for i, rec := range records {
				requeueKeys[i] = rec.Key
			}
			ar.requeue(ctx, requeueKeys)
			return
		}

		observability.ArchivedRecords.Add(float64(len(records)))
		log.Printf("Archiver: flushed %d record(s)", len(records))

		if int64(len(keys)) < archiveFlushSize {
			return
		}
	}
}

func (ar *Archiver) requeue(ctx context.Context, keys []string) {
	if err := ar.store.RequeueArchive(ctx, keys); err != nil {
		log.Printf("Archiver: requeue of %d key(s) failed: %v", len(keys), err)
	}
}
