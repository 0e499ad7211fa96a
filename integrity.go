package syncengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CanonicalChecksum hashes entity fields over their canonical JSON form:
// keys sorted, numbers normalized. Equal states hash equal regardless of
// map iteration order or which device produced them.
func CanonicalChecksum(fields map[string]any) (string, error) {
	data, err := canonicalJSON(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FieldType constrains what a schema field accepts.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeNumber    FieldType = "number"
	FieldTypeBool      FieldType = "bool"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeAny       FieldType = "any"
)

// FieldSchema validates one entity field.
type FieldSchema struct {
	Type     FieldType
	Required bool
	Min      *float64
	Max      *float64
	MaxLen   int
}

// EntitySchema validates whole entities of one type.
type EntitySchema struct {
	EntityType string
	Fields     map[string]FieldSchema
	// AllowUnknown permits fields the schema does not name.
	AllowUnknown bool
}

// AuditReport summarizes a full-state integrity sweep.
type AuditReport struct {
	StartedAt     time.Time
	Duration      time.Duration
	EntitiesSeen  int
	Corrupt       []string
	SchemaFailed  []string
	AggregateHash string
}

// Clean reports whether the audit found no problems.
func (r *AuditReport) Clean() bool {
	return len(r.Corrupt) == 0 && len(r.SchemaFailed) == 0
}

// IntegrityValidator guards stored entity state: checksum verification on
// commit, schema validation on enqueue, quarantine of corrupt entities
// and repair from archived known-good snapshots.
type IntegrityValidator struct {
	config  IntegrityConfig
	store   *SQLiteStore
	backend SnapshotBackend

	mu          sync.RWMutex
	schemas     map[string]EntitySchema
	quarantined map[string]string
}

// NewIntegrityValidator creates a validator. backend may be nil; repair
// then has no archive to restore from and corrupt entities can only be
// acknowledged.
func NewIntegrityValidator(config IntegrityConfig, store *SQLiteStore, backend SnapshotBackend) *IntegrityValidator {
	if config.VerifyOnCommit == nil {
		config.VerifyOnCommit = Bool(true)
	}
	return &IntegrityValidator{
		config:      config,
		store:       store,
		backend:     backend,
		schemas:     make(map[string]EntitySchema),
		quarantined: make(map[string]string),
	}
}

// RegisterSchema installs validation rules for an entity type.
func (v *IntegrityValidator) RegisterSchema(schema EntitySchema) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[schema.EntityType] = schema
}

// ValidateFields checks fields against the registered schema for the
// entity type. No schema means no constraints.
func (v *IntegrityValidator) ValidateFields(entityType string, fields map[string]any) error {
	v.mu.RLock()
	schema, ok := v.schemas[entityType]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	for name, fs := range schema.Fields {
		val, present := fields[name]
		if !present || val == nil {
			if fs.Required {
				return fmt.Errorf("%s: required field %q missing: %w", entityType, name, ErrSchemaValidation)
			}
			continue
		}
		if err := validateField(name, val, fs); err != nil {
			return fmt.Errorf("%s: %w", entityType, err)
		}
	}
	if !schema.AllowUnknown {
		for name := range fields {
			if _, known := schema.Fields[name]; !known {
				return fmt.Errorf("%s: unknown field %q: %w", entityType, name, ErrSchemaValidation)
			}
		}
	}
	return nil
}

func validateField(name string, val any, fs FieldSchema) error {
	switch fs.Type {
	case FieldTypeString:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("field %q: expected string: %w", name, ErrSchemaValidation)
		}
		if fs.MaxLen > 0 && len(s) > fs.MaxLen {
			return fmt.Errorf("field %q: length %d exceeds %d: %w", name, len(s), fs.MaxLen, ErrSchemaValidation)
		}
	case FieldTypeNumber:
		f, ok := toFloat(val)
		if !ok {
			return fmt.Errorf("field %q: expected number: %w", name, ErrSchemaValidation)
		}
		if fs.Min != nil && f < *fs.Min {
			return fmt.Errorf("field %q: %v below minimum %v: %w", name, f, *fs.Min, ErrSchemaValidation)
		}
		if fs.Max != nil && f > *fs.Max {
			return fmt.Errorf("field %q: %v above maximum %v: %w", name, f, *fs.Max, ErrSchemaValidation)
		}
	case FieldTypeBool:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %q: expected bool: %w", name, ErrSchemaValidation)
		}
	case FieldTypeTimestamp:
		switch tv := val.(type) {
		case string:
			if _, err := time.Parse(time.RFC3339, tv); err != nil {
				return fmt.Errorf("field %q: bad timestamp: %w", name, ErrSchemaValidation)
			}
		case time.Time:
		default:
			return fmt.Errorf("field %q: expected timestamp: %w", name, ErrSchemaValidation)
		}
	}
	return nil
}

// VerifyCommit gates remote-confirmed state before it replaces the local
// snapshot: schema validation plus checksum verification. Disabled by
// setting VerifyOnCommit to false.
func (v *IntegrityValidator) VerifyCommit(state *EntityState) error {
	if !*v.config.VerifyOnCommit {
		return nil
	}
	if err := v.ValidateFields(state.EntityType, state.Fields); err != nil {
		return err
	}
	return v.VerifyState(state)
}

// AuditInterval returns the configured periodic audit interval; 0 means
// the periodic audit is disabled.
func (v *IntegrityValidator) AuditInterval() time.Duration {
	return v.config.AuditInterval
}

// VerifyState recomputes a state's checksum and compares it to the stored
// one.
func (v *IntegrityValidator) VerifyState(state *EntityState) error {
	sum, err := CanonicalChecksum(state.Fields)
	if err != nil {
		return err
	}
	if sum != state.Checksum {
		return fmt.Errorf("%s: checksum %s, recomputed %s: %w",
			entityKey(state.EntityType, state.EntityID), state.Checksum, sum, ErrCorruptEntity)
	}
	return nil
}

// Verify checks the stored snapshot for an entity. A mismatch quarantines
// the entity: further mutations are rejected until repair or acknowledge.
func (v *IntegrityValidator) Verify(ctx context.Context, entityType, entityID string) error {
	state, err := v.store.GetSnapshot(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	if err := v.VerifyState(state); err != nil {
		v.quarantine(entityType, entityID, err.Error())
		return err
	}
	return nil
}

func (v *IntegrityValidator) quarantine(entityType, entityID, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.quarantined[entityKey(entityType, entityID)] = reason
}

// IsQuarantined reports whether an entity is blocked pending repair.
func (v *IntegrityValidator) IsQuarantined(entityType, entityID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.quarantined[entityKey(entityType, entityID)]
	return ok
}

// Quarantined returns the entity keys currently quarantined, sorted.
func (v *IntegrityValidator) Quarantined() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.quarantined))
	for k := range v.quarantined {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Repair restores a quarantined entity from the most recent archived
// known-good snapshot and lifts the quarantine.
func (v *IntegrityValidator) Repair(ctx context.Context, entityType, entityID string) error {
	if !v.IsQuarantined(entityType, entityID) {
		return fmt.Errorf("%s is not quarantined", entityKey(entityType, entityID))
	}
	if v.backend == nil {
		return fmt.Errorf("no snapshot archive configured for %s: %w",
			entityKey(entityType, entityID), ErrEntityQuarantined)
	}

	state, err := v.backend.Fetch(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("no archived snapshot for %s: %w",
			entityKey(entityType, entityID), ErrEntityQuarantined)
	}
	if err := v.VerifyState(state); err != nil {
		return fmt.Errorf("archived snapshot is itself corrupt: %w", err)
	}

	if err := v.store.SaveSnapshot(ctx, state); err != nil {
		return err
	}
	v.release(entityType, entityID)
	return nil
}

// Acknowledge accepts an entity's current field values as correct,
// recomputing the checksum in place and lifting the quarantine. Used when
// no archived snapshot exists.
func (v *IntegrityValidator) Acknowledge(ctx context.Context, entityType, entityID string) error {
	state, err := v.store.GetSnapshot(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("no snapshot for %s", entityKey(entityType, entityID))
	}
	sum, err := CanonicalChecksum(state.Fields)
	if err != nil {
		return err
	}
	state.Checksum = sum
	if err := v.store.SaveSnapshot(ctx, state); err != nil {
		return err
	}
	v.release(entityType, entityID)
	return nil
}

func (v *IntegrityValidator) release(entityType, entityID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.quarantined, entityKey(entityType, entityID))
}

// Archive stores a verified snapshot in the archive backend for later
// repair. No-op without a backend.
func (v *IntegrityValidator) Archive(ctx context.Context, state *EntityState) error {
	if v.backend == nil {
		return nil
	}
	if err := v.VerifyState(state); err != nil {
		return err
	}
	return v.backend.Store(ctx, state)
}

// Audit sweeps every stored snapshot: verifies checksums, re-validates
// schemas and computes an aggregate hash over all entity checksums in key
// order. Two devices with identical state produce identical aggregates.
func (v *IntegrityValidator) Audit(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{StartedAt: time.Now()}

	states, err := v.store.ListSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	for _, state := range states {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.EntitiesSeen++
		key := entityKey(state.EntityType, state.EntityID)

		if err := v.VerifyState(state); err != nil {
			report.Corrupt = append(report.Corrupt, key)
			v.quarantine(state.EntityType, state.EntityID, err.Error())
		} else if err := v.ValidateFields(state.EntityType, state.Fields); err != nil {
			report.SchemaFailed = append(report.SchemaFailed, key)
		}

		h.Write([]byte(key))
		h.Write([]byte(state.Checksum))
	}

	report.AggregateHash = hex.EncodeToString(h.Sum(nil))
	report.Duration = time.Since(report.StartedAt)
	if !report.Clean() {
		return report, fmt.Errorf("audit found %d corrupt, %d schema failures: %w",
			len(report.Corrupt), len(report.SchemaFailed), ErrCorruptEntity)
	}
	return report, nil
}
