package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/doublewordai/silt/proxy/gate"
	"github.com/doublewordai/silt/proxy/observability"
	"github.com/doublewordai/silt/proxy/store"
)

// IdempotencyKeyHeader is the required request header tying retries,
// reconnects, and duplicates to one request record.
const IdempotencyKeyHeader = "Idempotency-Key"

// recheckInterval bounds how stale a waiting handler can get if a wake
// message is lost; the handler re-reads the record this often regardless.
const recheckInterval = 30 * time.Second

// API carries the HTTP handlers and their dependencies.
type API struct {
	store       store.Store
	gate        *gate.Gate
	maxLifetime time.Duration

	// waiters counts handlers currently parked on a wake topic; read by
	// the ops stream hub.
	waiters atomic.Int64
}

// NewAPI creates the API surface.
func NewAPI(s store.Store, g *gate.Gate, maxLifetime time.Duration) *API {
	return &API{store: s, gate: g, maxLifetime: maxLifetime}
}

// errorEnvelope is the OpenAI-style error response shape.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{Type: errType, Message: message}})
}

// handleChatCompletions is the one client-facing route. The response may
// stay open for hours; transport keepalive (configured on the listener)
// keeps intermediaries from dropping it, and no application bytes are
// written until the terminal result is known.
func (a *API) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "Method not allowed")
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing_idempotency_key",
			"The "+IdempotencyKeyHeader+" header is required")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "Failed to read request body")
		return
	}

	outcome, err := a.gate.Admit(r.Context(), key, payload)
	if err != nil {
		if errors.Is(err, gate.ErrMissingKey) {
			writeError(w, http.StatusBadRequest, "missing_idempotency_key",
				"The "+IdempotencyKeyHeader+" header is required")
			return
		}
		log.Printf("Handler: gate failed for %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "State store unavailable")
		return
	}

	if outcome.Decision == gate.Return {
		a.respondTerminal(w, outcome.Record)
		return
	}

	log.Printf("Handler: waiting on %s (decision=%d)", key, outcome.Decision)
	a.waitForTerminal(w, r, key)
}

// waitForTerminal parks the handler on the key's wake topic until the
// record is terminal, the handler lifetime expires, or the client goes
// away. Subscribe happens before the re-read: a terminal transition that
// slipped in between gate and subscribe is caught by the read, and one
// that lands after is caught by the wake.
func (a *API) waitForTerminal(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	start := time.Now()

	a.waiters.Add(1)
	observability.ActiveWaiters.Inc()
	defer func() {
		a.waiters.Add(-1)
		observability.ActiveWaiters.Dec()
		observability.HandlerWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	sub, err := a.store.Subscribe(ctx, key)
	if err != nil {
		log.Printf("Handler: subscribe failed for %s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "store_unavailable", "State store unavailable")
		return
	}
	defer sub.Close()

	// Read-after-subscribe: without this, a terminal write between the
	// gate and the subscribe would leave us waiting forever.
	if done := a.respondIfTerminal(ctx, w, key); done {
		return
	}

	recheck := time.NewTicker(recheckInterval)
	defer recheck.Stop()
	lifetime := time.NewTimer(a.maxLifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client disconnected. The record lives on; a reconnect with
			// the same key resumes exactly where this left off.
			log.Printf("Handler: client for %s disconnected after %s", key, time.Since(start).Round(time.Second))
			return

		case <-sub.Wake():
			if done := a.respondIfTerminal(ctx, w, key); done {
				return
			}

		case <-recheck.C:
			if done := a.respondIfTerminal(ctx, w, key); done {
				return
			}

		case <-lifetime.C:
			log.Printf("Handler: %s exceeded max lifetime %s, returning soft timeout", key, a.maxLifetime)
			writeError(w, http.StatusGatewayTimeout, "handler_timeout",
				"Request is still processing; reconnect with the same "+IdempotencyKeyHeader+" to resume waiting")
			return
		}
	}
}

// respondIfTerminal re-reads the record and responds when it is terminal.
func (a *API) respondIfTerminal(ctx context.Context, w http.ResponseWriter, key string) bool {
	rec, err := a.store.GetRequest(ctx, key)
	if err != nil {
		log.Printf("Handler: re-read failed for %s: %v", key, err)
		return false // Transient; the next wake or recheck retries.
	}
	if rec == nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable", "Request record expired while waiting")
		return true
	}
	if !rec.Status.Terminal() {
		return false
	}
	a.respondTerminal(w, rec)
	return true
}

// respondTerminal serializes a terminal record as the upstream-shaped
// response: the stored result body verbatim on success, the error
// envelope on failure.
func (a *API) respondTerminal(w http.ResponseWriter, rec *store.RequestRecord) {
	if rec.Status == store.StatusCompleted {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(rec.Result)
		return
	}

	reqErr := rec.Error
	if reqErr == nil {
		// Terminal-failed with no stored reason should be unreachable.
		writeError(w, http.StatusBadGateway, "upstream_error", "Request failed with no stored reason")
		return
	}
	writeError(w, failureStatus(reqErr), string(reqErr.Kind), reqErr.Message)
}

// failureStatus maps a stored failure to the client-facing HTTP status.
func failureStatus(reqErr *store.RequestError) int {
	if reqErr.Kind == store.ErrKindUpstreamError &&
		reqErr.StatusCode >= 400 && reqErr.StatusCode < 600 {
		return reqErr.StatusCode
	}
	return http.StatusBadGateway
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
