package store

import (
	"context"
	"time"
)

// RecordTTL is how long any record survives after its last write. Every
// write refreshes it.
const RecordTTL = 48 * time.Hour

// Subscription is a live wake-topic subscription for one request key.
// Wake delivers (coalesced) notifications; the channel is closed when the
// subscription ends. Subscribers must re-read the record after subscribing
// and after every wake — the message itself carries no state.
type Subscription interface {
	Wake() <-chan struct{}
	Close() error
}

// Store is the typed view over the shared state store. It is the only
// authoritative state in the system; no component may cache record state
// across operations.
//
// Atomicity contract: RegisterNew, DrainPending, TransitionToDispatched,
// CompleteRequest and FailRequest must each be a single atomic store
// operation. The terminal writes publish to the key's wake channel exactly
// when the state actually changed, after the write is visible.
type Store interface {
	// Request Operations
	GetRequest(ctx context.Context, key string) (*RequestRecord, error)

	// RegisterNew creates a queued record and appends the key to the
	// pending index, only if no record exists. Returns false when the key
	// was already registered.
	RegisterNew(ctx context.Context, key string, payload []byte) (bool, error)

	// DrainPending atomically hands the whole pending index to the caller.
	// Concurrent producers append to a fresh empty index.
	DrainPending(ctx context.Context) ([]string, error)

	// TransitionToDispatched flips each key from queued to dispatched and
	// stamps the batch id. Keys failing the queued precondition are
	// skipped and returned.
	TransitionToDispatched(ctx context.Context, keys []string, batchID string) (skipped []string, err error)

	// CompleteRequest / FailRequest write the terminal state. Already
	// terminal records are left untouched and no wake is published.
	CompleteRequest(ctx context.Context, key string, result []byte) error
	FailRequest(ctx context.Context, key string, reqErr RequestError) error

	// Batch Operations
	GetBatch(ctx context.Context, batchID string) (*BatchRecord, error)
	CreateBatch(ctx context.Context, batchID string, keys []string, inputFileID string) error

	// UpdateBatch advances a batch's status, stamps last_polled_at, and
	// drops terminal batches from the active set. An empty outputFileID
	// leaves the stored one alone.
	UpdateBatch(ctx context.Context, batchID string, status BatchStatus, outputFileID string) error

	// SetProcessing advances the batch and all its dispatched members to
	// processing. Idempotent.
	SetProcessing(ctx context.Context, batchID string) error

	// ActiveBatches lists non-terminal batch ids.
	ActiveBatches(ctx context.Context) ([]string, error)

	// ForgetBatch removes an id from the active set without touching the
	// batch record. Used when the record itself has expired.
	ForgetBatch(ctx context.Context, batchID string) error

	// Subscribe opens the wake topic for a key.
	Subscribe(ctx context.Context, key string) (Subscription, error)

	// PendingDepth reports the current length of the pending index.
	PendingDepth(ctx context.Context) (int64, error)

	// Archive Operations
	// Terminal writes enqueue keys for the archive tier when enabled.
	DrainArchiveQueue(ctx context.Context, max int64) ([]string, error)
	RequeueArchive(ctx context.Context, keys []string) error
}
