package syncengine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// DeltaOperation is the wire form of one queued mutation: only the changed
// fields travel, never whole entities.
type DeltaOperation struct {
	OperationID string                 `json:"operation_id"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Mutation    MutationType           `json:"mutation"`
	Fields      map[string]FieldChange `json:"fields,omitempty"`
	BaseVersion int64                  `json:"base_version"`
	DeviceID    string                 `json:"device_id"`
	CreatedAt   time.Time              `json:"created_at"`
}

// DeltaBatch groups operations for one upload. Checksum covers the
// operations in order so the server can reject a corrupted batch.
type DeltaBatch struct {
	BatchID    string           `json:"batch_id"`
	DeviceID   string           `json:"device_id"`
	Operations []DeltaOperation `json:"operations"`
	Checksum   string           `json:"checksum"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NewDeltaBatch builds a batch from queued operations and seals it with
// a checksum.
func NewDeltaBatch(deviceID string, ops []*Operation) (*DeltaBatch, error) {
	batch := &DeltaBatch{
		BatchID:    uuid.NewString(),
		DeviceID:   deviceID,
		Operations: make([]DeltaOperation, 0, len(ops)),
		CreatedAt:  time.Now(),
	}
	for _, op := range ops {
		batch.Operations = append(batch.Operations, DeltaOperation{
			OperationID: op.ID,
			EntityType:  op.EntityType,
			EntityID:    op.EntityID,
			Mutation:    op.Mutation,
			Fields:      op.Fields,
			BaseVersion: op.BaseVersion,
			DeviceID:    op.DeviceID,
			CreatedAt:   op.CreatedAt,
		})
	}
	sum, err := batchChecksum(batch.Operations)
	if err != nil {
		return nil, err
	}
	batch.Checksum = sum
	return batch, nil
}

func batchChecksum(ops []DeltaOperation) (string, error) {
	h := sha256.New()
	for _, op := range ops {
		data, err := canonicalJSON(map[string]any{
			"operation_id": op.OperationID,
			"entity_type":  op.EntityType,
			"entity_id":    op.EntityID,
			"mutation":     string(op.Mutation),
			"base_version": op.BaseVersion,
		})
		if err != nil {
			return "", err
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// OutcomeStatus is the server's verdict on one operation.
type OutcomeStatus string

const (
	// OutcomeCommitted means the server applied the operation.
	OutcomeCommitted OutcomeStatus = "committed"
	// OutcomeConflict means the entity changed since the base version.
	OutcomeConflict OutcomeStatus = "conflict"
	// OutcomeError means the server failed to apply the operation.
	OutcomeError OutcomeStatus = "error"
)

// Outcome is the per-operation result of a batch upload. On conflict the
// server returns its current state so resolution can run locally without
// another round trip.
type Outcome struct {
	OperationID   string         `json:"operation_id"`
	Status        OutcomeStatus  `json:"status"`
	NewVersion    int64          `json:"new_version,omitempty"`
	RemoteState   map[string]any `json:"remote_state,omitempty"`
	RemoteVersion int64          `json:"remote_version,omitempty"`
	RemoteDevice  string         `json:"remote_device,omitempty"`
	RemoteAt      time.Time      `json:"remote_at,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Transport uploads delta batches to the sync backend.
type Transport interface {
	Send(ctx context.Context, batch *DeltaBatch) ([]Outcome, error)
}

// HTTPTransport ships batches over HTTP as JSON, snappy-compressed when
// the payload is large enough to benefit.
type HTTPTransport struct {
	config TransportConfig
	client HTTPDoer
}

// NewHTTPTransport creates a transport. A nil client uses a default
// http.Client with the configured timeout.
func NewHTTPTransport(config TransportConfig, client HTTPDoer) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	if config.Compress == nil {
		config.Compress = Bool(true)
	}
	return &HTTPTransport{config: config, client: client}
}

type batchResponse struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Send uploads one batch and returns per-operation outcomes.
func (t *HTTPTransport) Send(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeUnknown, "encode batch", "", err)
	}

	compressed := false
	if *t.config.Compress && len(body) >= t.config.MinCompressBytes {
		body = snappy.Encode(nil, body)
		compressed = true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, newSyncError(SyncErrorTypeUnknown, "build request", "", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-Checksum", batch.Checksum)
	req.Header.Set("X-Device-ID", batch.DeviceID)
	if t.config.AuthHeader != nil {
		if v := t.config.AuthHeader(); v != "" {
			req.Header.Set("Authorization", v)
		}
	}
	if compressed {
		req.Header.Set("Content-Encoding", "snappy")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, newSyncError(SyncErrorTypeTransient, "send batch", "", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, newSyncError(SyncErrorTypeTransient, "read response", "", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, newSyncError(SyncErrorTypeTransient,
			fmt.Sprintf("server returned %d", resp.StatusCode), "", nil)
	default:
		return nil, newSyncError(SyncErrorTypeRejected,
			fmt.Sprintf("server rejected batch: %d %s", resp.StatusCode, bytes.TrimSpace(data)), "", nil)
	}

	if resp.Header.Get("Content-Encoding") == "snappy" {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return nil, newSyncError(SyncErrorTypeTransient, "decompress response", "", err)
		}
	}

	var parsed batchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, newSyncError(SyncErrorTypeTransient, "decode response", "", err)
	}
	if len(parsed.Outcomes) != len(batch.Operations) {
		return nil, newSyncError(SyncErrorTypeTransient,
			fmt.Sprintf("got %d outcomes for %d operations", len(parsed.Outcomes), len(batch.Operations)), "", nil)
	}
	return parsed.Outcomes, nil
}

// DiffFields computes the field-level changes between two entity states.
// Fields present in before but absent in after diff to a nil After.
func DiffFields(before, after map[string]any) map[string]FieldChange {
	changes := make(map[string]FieldChange)
	for name, newVal := range after {
		oldVal, existed := before[name]
		if existed && valueEqual(oldVal, newVal) {
			continue
		}
		changes[name] = FieldChange{Before: oldVal, After: newVal}
	}
	for name, oldVal := range before {
		if _, still := after[name]; !still {
			changes[name] = FieldChange{Before: oldVal, After: nil}
		}
	}
	return changes
}
