package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// StrategyKind identifies how a conflict was resolved.
type StrategyKind string

const (
	// StrategyBusinessRule means a registered domain rule decided.
	StrategyBusinessRule StrategyKind = "business_rule"
	// StrategyPreference means the learned preference scorer decided.
	StrategyPreference StrategyKind = "learned_preference"
	// StrategyLastWriteWins picks the side modified most recently.
	StrategyLastWriteWins StrategyKind = "last_write_wins"
	// StrategyLocalWins always keeps the local value.
	StrategyLocalWins StrategyKind = "local_wins"
	// StrategyRemoteWins always keeps the remote value.
	StrategyRemoteWins StrategyKind = "remote_wins"
	// StrategyManual means the user chose the final values.
	StrategyManual StrategyKind = "manual"
)

// lwwConfidence is the fixed confidence assigned to timestamp-based picks.
// High enough to clear the default floor, low enough that a stricter floor
// routes them to the user.
const lwwConfidence = 0.85

// BusinessRule resolves whole conflicts for entity types it understands.
// Rules run first in the strategy chain and their verdicts are final.
type BusinessRule interface {
	Name() string
	Applies(rec *ConflictRecord) bool
	// Resolve returns the final field values. ok=false passes the
	// conflict down the chain.
	Resolve(rec *ConflictRecord) (merged map[string]any, ok bool, err error)
}

// PreferenceScorer predicts which side the user would keep, based on
// their past manual choices.
type PreferenceScorer interface {
	// Score returns true to keep the local value, with a confidence in
	// [0,1]. Confidence 0 means no opinion.
	Score(entityType, field string) (chooseLocal bool, confidence float64)
	// RecordChoice feeds back a manual decision.
	RecordChoice(ctx context.Context, entityType, field string, choseLocal bool) error
}

// historyMinSamples is how many recorded choices a field needs before the
// scorer voices an opinion.
const historyMinSamples = 3

type prefCount struct {
	Local  int `json:"local"`
	Remote int `json:"remote"`
}

// HistoryScorer is a PreferenceScorer backed by per-field choice counts
// persisted in the store.
type HistoryScorer struct {
	store *SQLiteStore

	mu     sync.RWMutex
	counts map[string]*prefCount
}

const prefHistoryKey = "resolution_preferences"

// NewHistoryScorer loads recorded choices from the store.
func NewHistoryScorer(ctx context.Context, store *SQLiteStore) (*HistoryScorer, error) {
	s := &HistoryScorer{store: store, counts: make(map[string]*prefCount)}
	raw, err := store.GetMeta(ctx, prefHistoryKey)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.counts); err != nil {
			return nil, fmt.Errorf("corrupt preference history: %w", err)
		}
	}
	return s, nil
}

func prefKey(entityType, field string) string {
	return entityType + "." + field
}

// Score implements PreferenceScorer.
func (s *HistoryScorer) Score(entityType, field string) (bool, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counts[prefKey(entityType, field)]
	if !ok {
		return false, 0
	}
	total := c.Local + c.Remote
	if total < historyMinSamples {
		return false, 0
	}
	if c.Local >= c.Remote {
		return true, float64(c.Local) / float64(total)
	}
	return false, float64(c.Remote) / float64(total)
}

// RecordChoice implements PreferenceScorer.
func (s *HistoryScorer) RecordChoice(ctx context.Context, entityType, field string, choseLocal bool) error {
	s.mu.Lock()
	key := prefKey(entityType, field)
	c, ok := s.counts[key]
	if !ok {
		c = &prefCount{}
		s.counts[key] = c
	}
	if choseLocal {
		c.Local++
	} else {
		c.Remote++
	}
	raw, err := json.Marshal(s.counts)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.store.SetMeta(ctx, prefHistoryKey, string(raw))
}

// ResolutionEngine runs the strategy chain over detected conflicts:
// business rules, then the learned preference scorer, then the configured
// static strategy. Anything below the confidence floor or above the
// severity ceiling is deferred to the user.
type ResolutionEngine struct {
	config   ResolutionConfig
	store    *SQLiteStore
	queue    *OperationQueue
	scorer   PreferenceScorer
	deviceID string

	// tieBreak decides equal-timestamp last-write-wins races.
	// Returns true when the local side wins.
	tieBreak func(rec *ConflictRecord) bool

	mu          sync.Mutex
	rules       []BusinessRule
	entityLocks map[string]*sync.Mutex
}

// NewResolutionEngine creates an engine. scorer may be nil to disable
// preference learning; tieBreak may be nil to fall back to comparing
// device IDs.
func NewResolutionEngine(config ResolutionConfig, store *SQLiteStore, queue *OperationQueue, scorer PreferenceScorer, deviceID string, tieBreak func(rec *ConflictRecord) bool) *ResolutionEngine {
	if tieBreak == nil {
		tieBreak = func(rec *ConflictRecord) bool {
			return rec.LocalDevice < rec.RemoteDevice
		}
	}
	return &ResolutionEngine{
		config:      config,
		store:       store,
		queue:       queue,
		scorer:      scorer,
		deviceID:    deviceID,
		tieBreak:    tieBreak,
		entityLocks: make(map[string]*sync.Mutex),
	}
}

// RegisterRule appends a business rule to the chain. Rules run in
// registration order; the first that applies and resolves wins.
func (e *ResolutionEngine) RegisterRule(rule BusinessRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
}

func (e *ResolutionEngine) lockEntity(key string) *sync.Mutex {
	e.mu.Lock()
	l, ok := e.entityLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.entityLocks[key] = l
	}
	e.mu.Unlock()
	return l
}

// Resolve attempts automatic resolution of an open conflict. On success
// the record is marked Resolved, the parked operation is absorbed and a
// corrective operation is enqueued at critical priority carrying the
// merged result. ErrResolutionDeferred means the conflict now awaits
// user input.
func (e *ResolutionEngine) Resolve(ctx context.Context, rec *ConflictRecord) (*Resolution, error) {
	l := e.lockEntity(entityKey(rec.EntityType, rec.EntityID))
	l.Lock()
	defer l.Unlock()

	if !rec.Open() {
		return nil, fmt.Errorf("conflict %s is %d, not open", rec.ID, rec.Status)
	}

	rec.Status = ConflictAutoResolving
	if err := e.store.UpdateConflict(ctx, rec); err != nil {
		return nil, err
	}

	merged, strategy, confidence, err := e.decide(rec)
	if err != nil {
		return nil, err
	}

	if merged == nil || rec.Severity > e.config.AutoSeverityCeiling || confidence < e.config.ConfidenceFloor {
		return nil, e.deferResolution(ctx, rec)
	}
	return e.commit(ctx, rec, merged, strategy, confidence, "auto")
}

// decide runs the strategy chain and returns the proposed final state.
// A nil merged map means no strategy produced an answer.
func (e *ResolutionEngine) decide(rec *ConflictRecord) (map[string]any, StrategyKind, float64, error) {
	e.mu.Lock()
	rules := make([]BusinessRule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	for _, rule := range rules {
		if !rule.Applies(rec) {
			continue
		}
		merged, ok, err := rule.Resolve(rec)
		if err != nil {
			return nil, "", 0, fmt.Errorf("business rule %s: %w", rule.Name(), err)
		}
		if ok {
			return merged, StrategyBusinessRule, 1.0, nil
		}
	}

	merged := make(map[string]any, len(rec.Merged))
	for k, v := range rec.Merged {
		merged[k] = v
	}

	strategy := StrategyLastWriteWins
	confidence := 1.0
	usedPreference := false
	for _, fc := range rec.Fields {
		chooseLocal, conf := e.scoreField(rec, fc)
		if conf > 0 {
			usedPreference = true
		} else {
			chooseLocal, conf = e.staticPick(rec)
		}
		if chooseLocal {
			merged[fc.Field] = fc.LocalValue
		} else {
			merged[fc.Field] = fc.RemoteValue
		}
		if conf < confidence {
			confidence = conf
		}
	}
	if usedPreference {
		strategy = StrategyPreference
	} else if e.config.DefaultStrategy != "" {
		strategy = e.config.DefaultStrategy
	}
	return merged, strategy, confidence, nil
}

func (e *ResolutionEngine) scoreField(rec *ConflictRecord, fc FieldConflict) (bool, float64) {
	if e.scorer == nil {
		return false, 0
	}
	return e.scorer.Score(rec.EntityType, fc.Field)
}

// staticPick applies the configured fallback strategy to a whole record.
func (e *ResolutionEngine) staticPick(rec *ConflictRecord) (chooseLocal bool, confidence float64) {
	switch e.config.DefaultStrategy {
	case StrategyLocalWins:
		return true, 1.0
	case StrategyRemoteWins:
		return false, 1.0
	default:
		return e.lastWriteWins(rec), lwwConfidence
	}
}

// lastWriteWins picks the side modified most recently; equal timestamps
// fall through to the tie-break chain.
func (e *ResolutionEngine) lastWriteWins(rec *ConflictRecord) bool {
	switch {
	case rec.LocalModifiedAt.After(rec.RemoteModifiedAt):
		return true
	case rec.RemoteModifiedAt.After(rec.LocalModifiedAt):
		return false
	default:
		return e.tieBreak(rec)
	}
}

func (e *ResolutionEngine) deferResolution(ctx context.Context, rec *ConflictRecord) error {
	rec.Status = ConflictPendingUser
	if err := e.store.UpdateConflict(ctx, rec); err != nil {
		return err
	}
	return fmt.Errorf("conflict %s needs user input: %w", rec.ID, ErrResolutionDeferred)
}

// ResolveManually applies user-chosen final values to a deferred conflict
// and feeds each per-field choice back to the preference scorer.
func (e *ResolutionEngine) ResolveManually(ctx context.Context, conflictID string, chosen map[string]any) (*Resolution, error) {
	rec, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	l := e.lockEntity(entityKey(rec.EntityType, rec.EntityID))
	l.Lock()
	defer l.Unlock()

	if !rec.Open() {
		return nil, fmt.Errorf("conflict %s already resolved", rec.ID)
	}

	merged := make(map[string]any, len(rec.Merged))
	for k, v := range rec.Merged {
		merged[k] = v
	}
	for _, fc := range rec.Fields {
		val, ok := chosen[fc.Field]
		if !ok {
			return nil, fmt.Errorf("no value chosen for conflicted field %q", fc.Field)
		}
		merged[fc.Field] = val
		if e.scorer != nil {
			switch {
			case valueEqual(val, fc.LocalValue):
				if err := e.scorer.RecordChoice(ctx, rec.EntityType, fc.Field, true); err != nil {
					return nil, err
				}
			case valueEqual(val, fc.RemoteValue):
				if err := e.scorer.RecordChoice(ctx, rec.EntityType, fc.Field, false); err != nil {
					return nil, err
				}
			}
			// A hand-typed third value trains nothing.
		}
	}
	return e.commit(ctx, rec, merged, StrategyManual, 1.0, "user")
}

// commit finalizes a resolution: persists the record, absorbs the parked
// operation, rebases the local snapshot onto the remote state and
// enqueues the corrective delta.
func (e *ResolutionEngine) commit(ctx context.Context, rec *ConflictRecord, merged map[string]any, strategy StrategyKind, confidence float64, by string) (*Resolution, error) {
	res := &Resolution{
		Strategy:     strategy,
		MergedFields: merged,
		Confidence:   confidence,
		ResolvedAt:   time.Now(),
		ResolvedBy:   by,
	}
	rec.Resolution = res
	rec.Status = ConflictResolved
	if err := e.store.UpdateConflict(ctx, rec); err != nil {
		return nil, err
	}

	if rec.OperationID != "" {
		if err := e.queue.Absorb(ctx, rec.OperationID); err != nil && !errors.Is(err, ErrOperationNotFound) {
			return nil, err
		}
	}

	// The remote state becomes the new base; the corrective operation
	// carries only what the merge changes on top of it.
	checksum, err := CanonicalChecksum(rec.RemoteState)
	if err != nil {
		return nil, err
	}
	if err := e.store.SaveSnapshot(ctx, &EntityState{
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Fields:     rec.RemoteState,
		Version:    rec.RemoteVersion,
		Checksum:   checksum,
	}); err != nil {
		return nil, err
	}

	corrective := DiffFields(rec.RemoteState, merged)
	if len(corrective) == 0 {
		// The merge converged on the server's state; nothing to send.
		if err := e.store.AdvanceVersion(ctx, rec.EntityType, rec.EntityID, rec.RemoteVersion, rec.RemoteDevice); err != nil && !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		return res, nil
	}

	op := NewOperation(rec.EntityType, rec.EntityID, MutationUpdate, corrective)
	op.BaseVersion = rec.RemoteVersion
	op.Priority = PriorityCritical
	op.DeviceID = e.deviceID
	if _, err := e.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}
	return res, nil
}

// ResolveBatch attempts resolution of open conflicts. An empty category
// matches every conflict. An empty strategy runs the normal chain; naming
// one forces it on every matched conflict, bypassing the confidence floor
// and severity ceiling, for bulk actions the user explicitly asked for.
// Deferred conflicts are counted, not treated as failures.
func (e *ResolutionEngine) ResolveBatch(ctx context.Context, category ConflictCategory, strategy StrategyKind) (resolved, deferred int, err error) {
	switch strategy {
	case "", StrategyLocalWins, StrategyRemoteWins, StrategyLastWriteWins:
	default:
		return 0, 0, fmt.Errorf("strategy %q cannot drive batch resolution", strategy)
	}

	recs, err := e.store.OpenConflicts(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range recs {
		if category != "" && rec.Category != category {
			continue
		}
		var rerr error
		if strategy == "" {
			_, rerr = e.Resolve(ctx, rec)
		} else {
			_, rerr = e.resolveWith(ctx, rec, strategy)
		}
		if rerr != nil {
			if errors.Is(rerr, ErrResolutionDeferred) {
				deferred++
				continue
			}
			return resolved, deferred, rerr
		}
		resolved++
	}
	return resolved, deferred, nil
}

// resolveWith forces a single strategy on an open conflict.
func (e *ResolutionEngine) resolveWith(ctx context.Context, rec *ConflictRecord, strategy StrategyKind) (*Resolution, error) {
	l := e.lockEntity(entityKey(rec.EntityType, rec.EntityID))
	l.Lock()
	defer l.Unlock()

	if !rec.Open() {
		return nil, fmt.Errorf("conflict %s is %d, not open", rec.ID, rec.Status)
	}

	rec.Status = ConflictAutoResolving
	if err := e.store.UpdateConflict(ctx, rec); err != nil {
		return nil, err
	}

	var chooseLocal bool
	switch strategy {
	case StrategyLocalWins:
		chooseLocal = true
	case StrategyRemoteWins:
		chooseLocal = false
	case StrategyLastWriteWins:
		chooseLocal = e.lastWriteWins(rec)
	}

	merged := make(map[string]any, len(rec.Merged))
	for k, v := range rec.Merged {
		merged[k] = v
	}
	for _, fc := range rec.Fields {
		if chooseLocal {
			merged[fc.Field] = fc.LocalValue
		} else {
			merged[fc.Field] = fc.RemoteValue
		}
	}
	return e.commit(ctx, rec, merged, strategy, 1.0, "auto")
}

// ArchiveResolved moves Resolved records to the immutable Archived state.
func (e *ResolutionEngine) ArchiveResolved(ctx context.Context) error {
	recs, err := e.store.ConflictsByStatus(ctx, ConflictResolved)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		rec.Status = ConflictArchived
		if err := e.store.UpdateConflict(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
