// Package gate implements the idempotency gate: the single decision point
// for whether an inbound key registers a new request, attaches to an
// in-flight one, or gets a cached terminal result.
package gate

import (
	"context"
	"errors"

	"github.com/doublewordai/silt/proxy/observability"
	"github.com/doublewordai/silt/proxy/store"
)

// ErrMissingKey is returned when the caller supplied no idempotency key.
var ErrMissingKey = errors.New("missing idempotency key")

// Decision classifies the gate's answer for a key.
type Decision int

const (
	// Accepted: no prior record existed; a queued record is now registered.
	Accepted Decision = iota
	// Wait: a non-terminal record exists; subscribe and wait for it.
	Wait
	// Return: a terminal record exists; serve it without further work.
	Return
)

// Outcome carries the decision and, for Wait/Return, the existing record.
type Outcome struct {
	Decision Decision
	Record   *store.RequestRecord
}

// Gate decides admission per idempotency key against the shared store.
type Gate struct {
	store store.Store
}

// New creates a Gate over the given store.
func New(s store.Store) *Gate {
	return &Gate{store: s}
}

// Admit runs the gate for one (key, payload) pair.
//
// The first-seen payload is authoritative: if a record already exists, the
// payload presented here is ignored, so client retries with a rebuilt body
// still attach to the original request. Within the retention window the
// same key always resolves to the same terminal value.
func (g *Gate) Admit(ctx context.Context, key string, payload []byte) (Outcome, error) {
	if key == "" {
		return Outcome{}, ErrMissingKey
	}

	rec, err := g.store.GetRequest(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if rec != nil {
		return attach(rec), nil
	}

	created, err := g.store.RegisterNew(ctx, key, payload)
	if err != nil {
		return Outcome{}, err
	}
	if !created {
		// Lost the registration race; whoever won owns the payload.
		rec, err = g.store.GetRequest(ctx, key)
		if err != nil {
			return Outcome{}, err
		}
		if rec == nil {
			// Registered record expired between the two reads. Vanishingly
			// rare outside of a TTL boundary; treat as a store hiccup.
			return Outcome{}, errors.New("record vanished during registration")
		}
		return attach(rec), nil
	}

	observability.RequestsRegistered.Inc()
	return Outcome{Decision: Accepted}, nil
}

func attach(rec *store.RequestRecord) Outcome {
	if rec.Status.Terminal() {
		observability.RequestsAttached.WithLabelValues("return").Inc()
		return Outcome{Decision: Return, Record: rec}
	}
	observability.RequestsAttached.WithLabelValues("wait").Inc()
	return Outcome{Decision: Wait, Record: rec}
}
