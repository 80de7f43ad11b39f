// Package upstream is the client for the OpenAI-compatible Batch API:
// file upload, batch create/retrieve, and output download.
package upstream

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/doublewordai/silt/proxy/observability"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public OpenAI API base.
const DefaultBaseURL = "https://api.openai.com/v1"

// Upstream batch statuses as reported by the Batch API.
const (
	BatchStatusValidating = "validating"
	BatchStatusInProgress = "in_progress"
	BatchStatusFinalizing = "finalizing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
	BatchStatusExpired    = "expired"
	BatchStatusCancelled  = "cancelled"
)

// InputLine is one JSONL line of a batch input file. CustomID carries the
// request's idempotency key so results can be routed back.
type InputLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// Batch is the upstream batch object, reduced to the fields we use.
type Batch struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	InputFileID  string `json:"input_file_id"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
	CreatedAt    int64  `json:"created_at"`
}

// ResultResponse is the per-line response envelope in an output file.
type ResultResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// ResultError is the per-line error shape for requests the upstream
// rejected without producing a response.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResultLine is one JSONL line of a batch output file.
type ResultLine struct {
	CustomID string          `json:"custom_id"`
	Response *ResultResponse `json:"response"`
	Error    *ResultError    `json:"error"`
}

type fileUploadResponse struct {
	ID string `json:"id"`
}

type createBatchRequest struct {
	InputFileID      string `json:"input_file_id"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`
}

// Client talks to the upstream Batch API. All calls share one pacing
// limiter so a large active-batch set cannot stampede the upstream quota.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
}

// NewClient builds a client. rps bounds the sustained request rate against
// the upstream; bursts of one extra call are allowed.
func NewClient(baseURL, apiKey string, rps float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 120 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (c *Client) do(ctx context.Context, operation string, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observability.UpstreamLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	return resp, err
}

// readError drains an error response into a bounded message.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// UploadBatchFile serializes the lines to JSONL and uploads them with
// purpose=batch, returning the file id.
func (c *Client) UploadBatchFile(ctx context.Context, lines []InputLine) (string, error) {
	var content bytes.Buffer
	enc := json.NewEncoder(&content)
	enc.SetEscapeHTML(false) // payload bytes must pass through unchanged
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			return "", fmt.Errorf("failed to encode batch line %s: %w", line.CustomID, err)
		}
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", fmt.Sprintf("batch_%s.jsonl", randomSuffix()))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(content.Bytes()); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &form)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.do(ctx, "upload", req)
	if err != nil {
		return "", fmt.Errorf("file upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("file upload failed: %w", readError(resp))
	}

	var upload fileUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&upload); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return upload.ID, nil
}

// CreateBatch submits a batch for /v1/chat/completions over the uploaded
// file, with the standard 24h completion window.
func (c *Client) CreateBatch(ctx context.Context, inputFileID string) (*Batch, error) {
	payload, err := json.Marshal(createBatchRequest{
		InputFileID:      inputFileID,
		Endpoint:         "/v1/chat/completions",
		CompletionWindow: "24h",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, "create", req)
	if err != nil {
		return nil, fmt.Errorf("batch creation failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("batch creation failed: %w", readError(resp))
	}

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	return &batch, nil
}

// GetBatch retrieves the current state of a batch.
func (c *Client) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batches/"+batchID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, "retrieve", req)
	if err != nil {
		return nil, fmt.Errorf("batch retrieval failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("batch retrieval failed: %w", readError(resp))
	}

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	return &batch, nil
}

// DownloadResults fetches an output (or error) file and parses its JSONL
// lines. Blank lines are skipped; a malformed line aborts the download so
// the poller retries the whole file next tick.
func (c *Client) DownloadResults(ctx context.Context, fileID string) ([]ResultLine, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, "download", req)
	if err != nil {
		return nil, fmt.Errorf("result download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("result download failed: %w", readError(resp))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}

	var lines []ResultLine
	for _, raw := range strings.Split(string(body), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var line ResultLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			return nil, fmt.Errorf("malformed result line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func randomSuffix() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return fmt.Sprintf("%x", b)
}
