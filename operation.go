package syncengine

import (
	"time"

	"github.com/google/uuid"
)

// MutationType identifies the kind of local mutation an operation carries.
type MutationType string

const (
	// MutationCreate inserts a new entity.
	MutationCreate MutationType = "create"
	// MutationUpdate changes fields on an existing entity.
	MutationUpdate MutationType = "update"
	// MutationDelete removes an entity.
	MutationDelete MutationType = "delete"
)

// OperationStatus tracks an operation through its lifecycle.
type OperationStatus int

const (
	// StatusPending means the operation is waiting to be synced.
	StatusPending OperationStatus = iota
	// StatusInFlight means the operation is part of an active sync cycle.
	StatusInFlight
	// StatusCommitted means the remote store accepted the operation.
	StatusCommitted
	// StatusConflicted means the remote store rejected the operation with a
	// version conflict; resolution is in progress or deferred.
	StatusConflicted
	// StatusFailed means the last attempt failed with a retryable error.
	StatusFailed
	// StatusDeadLettered means the retry budget is exhausted. Terminal until
	// a caller explicitly resets the operation.
	StatusDeadLettered
)

func (s OperationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusCommitted:
		return "committed"
	case StatusConflicted:
		return "conflicted"
	case StatusFailed:
		return "failed"
	case StatusDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Priority orders operations within the queue. Lower values dequeue first.
type Priority int

const (
	// PriorityCritical is reserved for corrective operations produced by
	// conflict resolution.
	PriorityCritical Priority = iota
	// PriorityHigh is for user-visible balance-affecting mutations.
	PriorityHigh
	// PriorityNormal is the default tier.
	PriorityNormal
	// PriorityLow is for cosmetic mutations (tags, colors, ordering).
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// FieldChange records the before and after value of a single field.
type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Operation is a pending local mutation awaiting synchronization.
type Operation struct {
	ID          string                 `json:"id"`
	EntityType  string                 `json:"entity_type"`
	EntityID    string                 `json:"entity_id"`
	Mutation    MutationType           `json:"mutation"`
	Fields      map[string]FieldChange `json:"fields,omitempty"`
	BaseVersion int64                  `json:"base_version"`
	Priority    Priority               `json:"priority"`
	Status      OperationStatus        `json:"status"`
	RetryCount  int                    `json:"retry_count"`
	DeviceID    string                 `json:"device_id"`
	LastError   string                 `json:"last_error,omitempty"`

	// Sequence orders operations within a priority tier (FIFO).
	Sequence int64 `json:"sequence"`

	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// NewOperation creates a pending operation with a fresh ID.
func NewOperation(entityType, entityID string, mutation MutationType, fields map[string]FieldChange) *Operation {
	now := time.Now()
	return &Operation{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Mutation:   mutation,
		Fields:     fields,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// EntityKey returns the type-qualified entity identifier.
func (op *Operation) EntityKey() string {
	return op.EntityType + "/" + op.EntityID
}

// AfterValues returns the post-mutation value of every changed field.
func (op *Operation) AfterValues() map[string]any {
	out := make(map[string]any, len(op.Fields))
	for name, fc := range op.Fields {
		out[name] = fc.After
	}
	return out
}

// Clone returns a deep-enough copy for snapshot reads: the field map is
// copied, field values are shared (treated as immutable once enqueued).
func (op *Operation) Clone() *Operation {
	cp := *op
	if op.Fields != nil {
		cp.Fields = make(map[string]FieldChange, len(op.Fields))
		for k, v := range op.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

// VersionStamp is the per-entity monotonic version used for optimistic
// concurrency. No two commits for the same entity ever share a version.
type VersionStamp struct {
	EntityType         string    `json:"entity_type"`
	EntityID           string    `json:"entity_id"`
	Version            int64     `json:"version"`
	LastModifiedDevice string    `json:"last_modified_device"`
	LastModifiedAt     time.Time `json:"last_modified_at"`
}

// DeviceIdentity describes a device participating in sync for the account.
type DeviceIdentity struct {
	ID         string    `json:"id"`
	LastSeenAt time.Time `json:"last_seen_at"`
	IsMaster   bool      `json:"is_master"`
}

// EntityState is a point-in-time snapshot of an entity's synced fields.
// It is the unit the delta protocol diffs against and the integrity
// validator verifies.
type EntityState struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Fields     map[string]any `json:"fields"`
	Version    int64          `json:"version"`
	Checksum   string         `json:"checksum,omitempty"`
}

// Clone returns a copy with its own field map.
func (s *EntityState) Clone() *EntityState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Fields = make(map[string]any, len(s.Fields))
	for k, v := range s.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// ApplyChanges returns a new state with the given field values overlaid.
func (s *EntityState) ApplyChanges(changes map[string]any) *EntityState {
	out := s.Clone()
	for k, v := range changes {
		out.Fields[k] = v
	}
	return out
}

// SyncSession records telemetry for one scheduler cycle. Diagnostics only;
// never consulted for correctness.
type SyncSession struct {
	ID                  string        `json:"id"`
	StartedAt           time.Time     `json:"started_at"`
	EndedAt             time.Time     `json:"ended_at"`
	Quality             LinkQuality   `json:"quality"`
	BytesSent           int64         `json:"bytes_sent"`
	BytesReceived       int64         `json:"bytes_received"`
	OperationsProcessed int           `json:"operations_processed"`
	Committed           int           `json:"committed"`
	Conflicts           int           `json:"conflicts"`
	Failures            int           `json:"failures"`
	Duration            time.Duration `json:"duration"`
	Error               string        `json:"error,omitempty"`
}

// SyncEventType identifies events emitted to the status reporter.
type SyncEventType string

const (
	EventCycleStarted        SyncEventType = "cycle_started"
	EventCycleCompleted      SyncEventType = "cycle_completed"
	EventOperationCommitted  SyncEventType = "operation_committed"
	EventOperationDeadLetter SyncEventType = "operation_dead_lettered"
	EventConflictDetected    SyncEventType = "conflict_detected"
	EventConflictResolved    SyncEventType = "conflict_resolved"
	EventConflictDeferred    SyncEventType = "conflict_deferred"
	EventIntegrityRepair     SyncEventType = "integrity_repair"
	EventAuditCompleted      SyncEventType = "audit_completed"
	EventNetworkOnline       SyncEventType = "network_online"
	EventNetworkOffline      SyncEventType = "network_offline"
)

// SyncEvent is delivered to OnSyncEvent subscribers.
type SyncEvent struct {
	Type        SyncEventType `json:"type"`
	EntityType  string        `json:"entity_type,omitempty"`
	EntityID    string        `json:"entity_id,omitempty"`
	OperationID string        `json:"operation_id,omitempty"`
	ConflictID  string        `json:"conflict_id,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	At          time.Time     `json:"at"`
}
