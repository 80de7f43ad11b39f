package store

import (
	"encoding/json"
	"time"
)

// RequestStatus tracks a request along its lifecycle. Transitions are
// monotonic: queued -> dispatched -> processing -> (completed | failed).
type RequestStatus string

const (
	StatusQueued     RequestStatus = "queued"
	StatusDispatched RequestStatus = "dispatched"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorKind classifies why a request ended up failed.
type ErrorKind string

const (
	ErrKindDispatchFailed ErrorKind = "dispatch_failed"
	ErrKindBatchFailed    ErrorKind = "batch_failed"
	ErrKindBatchExpired   ErrorKind = "batch_expired"
	ErrKindMissingOutput  ErrorKind = "missing_output"
	ErrKindUpstreamError  ErrorKind = "upstream_error"
)

// RequestError is the structured failure reason stored on a failed record.
// StatusCode carries the upstream per-line HTTP status when one exists.
type RequestError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
}

// RequestRecord is the authoritative state of one idempotency key.
// Payload holds the original request body verbatim so dispatch is
// deterministic across restarts.
type RequestRecord struct {
	Key       string          `json:"key"`
	Status    RequestStatus   `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	BatchID   string          `json:"batch_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RequestError   `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BatchStatus tracks an upstream batch submission.
type BatchStatus string

const (
	BatchSubmitted  BatchStatus = "submitted"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchExpired    BatchStatus = "expired"
)

// Terminal reports whether the batch status is final.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchExpired
}

// BatchRecord is one upstream batch submission and its member keys.
type BatchRecord struct {
	BatchID      string      `json:"batch_id"`
	Status       BatchStatus `json:"status"`
	RequestKeys  []string    `json:"request_keys"`
	InputFileID  string      `json:"input_file_id"`
	OutputFileID string      `json:"output_file_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	LastPolledAt time.Time   `json:"last_polled_at"`
}
