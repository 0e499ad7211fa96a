package syncengine

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Severity ranks how dangerous it is to auto-resolve a conflict.
type Severity int

const (
	// SeverityLow covers cosmetic fields (tags, colors, ordering).
	SeverityLow Severity = iota
	// SeverityMedium covers descriptive fields (names, notes).
	SeverityMedium
	// SeverityHigh covers structural fields (dates, categories, links).
	SeverityHigh
	// SeverityCritical covers monetary fields. Never auto-resolved unless
	// the configured ceiling explicitly allows it.
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ConflictCategory classifies the nature of a divergence.
type ConflictCategory string

const (
	CategoryData         ConflictCategory = "data"
	CategorySchema       ConflictCategory = "schema"
	CategoryPermission   ConflictCategory = "permission"
	CategoryBusinessRule ConflictCategory = "business_rule"
)

// ConflictStatus tracks a conflict through its lifecycle.
type ConflictStatus int

const (
	// ConflictDetected is the initial state after classification.
	ConflictDetected ConflictStatus = iota
	// ConflictAutoResolving means an automatic strategy is being applied.
	ConflictAutoResolving
	// ConflictPendingUser means resolution awaits explicit user input.
	ConflictPendingUser
	// ConflictResolved means a merged value has been produced.
	ConflictResolved
	// ConflictArchived is terminal; the record is immutable history.
	ConflictArchived
)

func (s ConflictStatus) String() string {
	switch s {
	case ConflictDetected:
		return "detected"
	case ConflictAutoResolving:
		return "auto_resolving"
	case ConflictPendingUser:
		return "pending_user_input"
	case ConflictResolved:
		return "resolved"
	case ConflictArchived:
		return "archived"
	default:
		return "unknown"
	}
}

// FieldConflict records a single field where local and remote both diverged
// from base and from each other.
type FieldConflict struct {
	Field       string   `json:"field"`
	LocalValue  any      `json:"local_value"`
	BaseValue   any      `json:"base_value"`
	RemoteValue any      `json:"remote_value"`
	Severity    Severity `json:"severity"`
}

// Resolution records how a conflict was settled.
type Resolution struct {
	Strategy     StrategyKind   `json:"strategy"`
	MergedFields map[string]any `json:"merged_fields"`
	Confidence   float64        `json:"confidence"`
	ResolvedAt   time.Time      `json:"resolved_at"`
	ResolvedBy   string         `json:"resolved_by"` // "auto" or "user"
}

// ConflictRecord aggregates every conflicting field of one entity so the
// resolution engine can evaluate the conflict holistically. At most one
// open record exists per entity; resolved records are append-only history.
type ConflictRecord struct {
	ID            string           `json:"id"`
	EntityType    string           `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	Fields        []FieldConflict  `json:"fields"`
	Severity      Severity         `json:"severity"`
	Category      ConflictCategory `json:"category"`
	Status        ConflictStatus   `json:"status"`
	LocalVersion  int64            `json:"local_version"`
	RemoteVersion int64            `json:"remote_version"`
	DetectedAt    time.Time        `json:"detected_at"`
	Resolution    *Resolution      `json:"resolution,omitempty"`

	// OperationID is the queued operation parked behind this conflict.
	OperationID string `json:"operation_id,omitempty"`
	// Merged is the auto-merged state resolution starts from: every
	// non-conflicting change from both sides already applied.
	Merged map[string]any `json:"merged,omitempty"`
	// RemoteState is the server's full state at detection time, kept so
	// resolution can compute the corrective delta without a round trip.
	RemoteState map[string]any `json:"remote_state,omitempty"`

	LocalModifiedAt  time.Time `json:"local_modified_at"`
	RemoteModifiedAt time.Time `json:"remote_modified_at"`
	LocalDevice      string    `json:"local_device,omitempty"`
	RemoteDevice     string    `json:"remote_device,omitempty"`
}

// Open reports whether the record still awaits resolution.
func (c *ConflictRecord) Open() bool {
	return c.Status == ConflictDetected || c.Status == ConflictAutoResolving || c.Status == ConflictPendingUser
}

// ConflictField returns the FieldConflict for a field name, if any.
func (c *ConflictRecord) ConflictField(name string) *FieldConflict {
	for i := range c.Fields {
		if c.Fields[i].Field == name {
			return &c.Fields[i]
		}
	}
	return nil
}

// ThreeWayResult is the outcome of classifying local/base/remote states.
type ThreeWayResult struct {
	// Merged holds the union of non-conflicting changes from both sides,
	// keyed by field. Convergent edits appear once.
	Merged map[string]any

	// Conflict is non-nil when at least one field truly conflicts.
	Conflict *ConflictRecord
}

// ConflictDetector classifies divergence between local, base and remote
// entity states.
type ConflictDetector struct {
	sensitivity     map[string]Severity
	defaultSeverity Severity

	// magnitudeBump raises severity one tier when numeric divergence
	// between local and remote exceeds this fraction of the base value.
	magnitudeBump float64
}

// NewConflictDetector creates a detector with the given per-field
// sensitivity table. Fields absent from the table get defaultSeverity.
func NewConflictDetector(sensitivity map[string]Severity, defaultSeverity Severity) *ConflictDetector {
	if sensitivity == nil {
		sensitivity = DefaultFieldSensitivity()
	}
	return &ConflictDetector{
		sensitivity:     sensitivity,
		defaultSeverity: defaultSeverity,
		magnitudeBump:   0.5,
	}
}

// DefaultFieldSensitivity returns the static classification for the
// personal-finance entity fields.
func DefaultFieldSensitivity() map[string]Severity {
	return map[string]Severity{
		"balance":        SeverityCritical,
		"amount":         SeverityCritical,
		"principal":      SeverityCritical,
		"interest_rate":  SeverityCritical,
		"target_amount":  SeverityHigh,
		"current_amount": SeverityHigh,
		"due_date":       SeverityHigh,
		"target_date":    SeverityHigh,
		"account_type":   SeverityHigh,
		"currency":       SeverityHigh,
		"name":           SeverityMedium,
		"description":    SeverityMedium,
		"notes":          SeverityMedium,
		"institution":    SeverityMedium,
		"tag":            SeverityLow,
		"tags":           SeverityLow,
		"color":          SeverityLow,
		"icon":           SeverityLow,
		"sort_order":     SeverityLow,
	}
}

// FieldSeverity returns the configured severity for a field, bumped one
// tier when both values are numeric and the divergence is large relative
// to the base value.
func (d *ConflictDetector) FieldSeverity(field string, localVal, baseVal, remoteVal any) Severity {
	sev, ok := d.sensitivity[field]
	if !ok {
		sev = d.defaultSeverity
	}

	lf, lok := toFloat(localVal)
	rf, rok := toFloat(remoteVal)
	if lok && rok && sev < SeverityCritical {
		div := math.Abs(lf - rf)
		ref := math.Abs(lf)
		if bf, bok := toFloat(baseVal); bok && bf != 0 {
			ref = math.Abs(bf)
		}
		if ref > 0 && div/ref >= d.magnitudeBump {
			sev++
		}
	}
	return sev
}

// Classify applies the three-way algorithm per changed field:
//
//  1. local == remote: convergent edit, no conflict, value adopted.
//  2. only one side differs from base: that side wins, no conflict.
//  3. both differ from base and from each other: true per-field conflict.
//
// Returns nil when local, base and remote are all identical.
func (d *ConflictDetector) Classify(local, base, remote *EntityState) *ThreeWayResult {
	if local == nil || remote == nil {
		return nil
	}

	merged := make(map[string]any)
	var conflicts []FieldConflict

	baseFields := map[string]any{}
	if base != nil {
		baseFields = base.Fields
	}

	for _, field := range unionFieldNames(local.Fields, remote.Fields, baseFields) {
		lv, lok := local.Fields[field]
		rv, rok := remote.Fields[field]
		bv := baseFields[field]

		// Field absent on a side is treated as its base value: absence is
		// "no local change", not a delete.
		if !lok {
			lv = bv
		}
		if !rok {
			rv = bv
		}

		localChanged := !valueEqual(lv, bv)
		remoteChanged := !valueEqual(rv, bv)

		switch {
		case !localChanged && !remoteChanged:
			// Untouched on both sides.
		case valueEqual(lv, rv):
			// Convergent edit: both sides arrived at the same value.
			merged[field] = lv
		case localChanged && !remoteChanged:
			merged[field] = lv
		case remoteChanged && !localChanged:
			merged[field] = rv
		default:
			conflicts = append(conflicts, FieldConflict{
				Field:       field,
				LocalValue:  lv,
				BaseValue:   bv,
				RemoteValue: rv,
				Severity:    d.FieldSeverity(field, lv, bv, rv),
			})
		}
	}

	result := &ThreeWayResult{Merged: merged}
	if len(conflicts) > 0 {
		record := &ConflictRecord{
			ID:            uuid.NewString(),
			EntityType:    local.EntityType,
			EntityID:      local.EntityID,
			Fields:        conflicts,
			Severity:      maxFieldSeverity(conflicts),
			Category:      CategoryData,
			Status:        ConflictDetected,
			LocalVersion:  local.Version,
			RemoteVersion: remote.Version,
			DetectedAt:    time.Now(),
		}
		result.Conflict = record
	} else if len(merged) == 0 {
		return nil
	}
	return result
}

func maxFieldSeverity(fields []FieldConflict) Severity {
	max := SeverityLow
	for _, f := range fields {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

func unionFieldNames(maps ...map[string]any) []string {
	seen := make(map[string]bool)
	var names []string
	for _, m := range maps {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}
