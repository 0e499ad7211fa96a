package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncScheduler drives sync cycles: dequeue a quality-sized batch, ship
// it, route each outcome through commit, conflict resolution or retry,
// then record the session. At most one cycle runs at a time.
type SyncScheduler struct {
	config    SchedulerConfig
	queue     *OperationQueue
	store     *SQLiteStore
	transport Transport
	network   *NetworkMonitor
	detector  *ConflictDetector
	engine    *ResolutionEngine
	validator *IntegrityValidator
	breaker   *CircuitBreaker
	deviceID  string
	events    func(SyncEvent)

	cycleMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	wakeCh  chan struct{}
}

// NewSyncScheduler wires a scheduler. events may be nil.
func NewSyncScheduler(config SchedulerConfig, queue *OperationQueue, store *SQLiteStore, transport Transport, network *NetworkMonitor, detector *ConflictDetector, engine *ResolutionEngine, validator *IntegrityValidator, deviceID string, events func(SyncEvent)) *SyncScheduler {
	if events == nil {
		events = func(SyncEvent) {}
	}
	return &SyncScheduler{
		config:    config,
		queue:     queue,
		store:     store,
		transport: transport,
		network:   network,
		detector:  detector,
		engine:    engine,
		validator: validator,
		breaker:   NewCircuitBreaker(5, 30*time.Second),
		deviceID:  deviceID,
		events:    events,
		wakeCh:    make(chan struct{}, 1),
	}
}

func (s *SyncScheduler) emit(ev SyncEvent) {
	ev.At = time.Now()
	s.events(ev)
}

// Wake requests a cycle outside the regular interval, for example when
// the remote notifier reports changes. Coalesces with any pending wake.
func (s *SyncScheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// RunCycle executes one full sync cycle. Returns ErrOffline when there
// is no connectivity and ErrCycleActive when another cycle holds the
// lock. Canceling the context returns in-flight operations to Pending
// without charging retries.
func (s *SyncScheduler) RunCycle(ctx context.Context) (*SyncSession, error) {
	if !s.network.Online() {
		return nil, ErrOffline
	}
	if !s.cycleMu.TryLock() {
		return nil, ErrCycleActive
	}
	defer s.cycleMu.Unlock()

	if s.config.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.CycleTimeout)
		defer cancel()
	}

	quality := s.network.Quality()
	session := &SyncSession{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Quality:   quality,
	}
	s.emit(SyncEvent{Type: EventCycleStarted, Detail: quality.String()})

	err := s.runCycle(ctx, session)

	session.EndedAt = time.Now()
	session.Duration = session.EndedAt.Sub(session.StartedAt)
	if err != nil {
		session.Error = err.Error()
	}
	if saveErr := s.store.SaveSession(context.WithoutCancel(ctx), session); saveErr != nil && err == nil {
		err = saveErr
	}
	s.emit(SyncEvent{Type: EventCycleCompleted, Detail: fmt.Sprintf("committed=%d conflicts=%d failures=%d", session.Committed, session.Conflicts, session.Failures)})
	return session, err
}

func (s *SyncScheduler) runCycle(ctx context.Context, session *SyncSession) error {
	ops, err := s.queue.DequeueBatch(ctx, s.config.BatchSizeFor(session.Quality))
	if err != nil {
		return err
	}
	session.OperationsProcessed = len(ops)

	if len(ops) > 0 {
		if err := s.pushBatch(ctx, session, ops); err != nil {
			return err
		}
	}

	// Conflicts from this or earlier cycles get another resolution pass.
	if s.engine != nil {
		if _, _, rerr := s.engine.ResolveBatch(ctx, "", ""); rerr != nil && !errors.Is(rerr, ErrResolutionDeferred) {
			return rerr
		}
		if aerr := s.engine.ArchiveResolved(ctx); aerr != nil {
			return aerr
		}
	}
	return nil
}

func (s *SyncScheduler) pushBatch(ctx context.Context, session *SyncSession, ops []*Operation) error {
	batch, err := NewDeltaBatch(s.deviceID, ops)
	if err != nil {
		s.releaseAll(ctx, ops)
		return err
	}

	var outcomes []Outcome
	sendErr := s.breaker.Execute(func() error {
		var err error
		outcomes, err = s.transport.Send(ctx, batch)
		return err
	})
	if sendErr != nil {
		if ctx.Err() != nil {
			// Canceled mid-flight: the attempt never completed, so it
			// does not count against retry budgets.
			s.releaseAll(context.WithoutCancel(ctx), ops)
			return newSyncError(SyncErrorTypeCanceled, "cycle canceled", "", ctx.Err())
		}
		if errors.Is(sendErr, ErrCircuitOpen) {
			// The breaker refused before anything went on the wire. No
			// attempt was made, so no retry is charged.
			s.releaseAll(ctx, ops)
			return sendErr
		}
		for _, op := range ops {
			if ferr := s.queue.MarkFailed(ctx, op.ID, sendErr); ferr != nil {
				return ferr
			}
			session.Failures++
		}
		return sendErr
	}

	byID := make(map[string]*Operation, len(ops))
	for _, op := range ops {
		byID[op.ID] = op
	}

	for _, outcome := range outcomes {
		op, ok := byID[outcome.OperationID]
		if !ok {
			return newSyncError(SyncErrorTypeUnknown,
				fmt.Sprintf("outcome for unknown operation %s", outcome.OperationID), "", nil)
		}
		switch outcome.Status {
		case OutcomeCommitted:
			if err := s.handleCommitted(ctx, session, op, outcome); err != nil {
				return err
			}
		case OutcomeConflict:
			if err := s.handleConflict(ctx, session, op, outcome); err != nil {
				return err
			}
			session.Conflicts++
		default:
			cause := newSyncError(SyncErrorTypeTransient, outcome.Error, op.ID, nil)
			if err := s.queue.MarkFailed(ctx, op.ID, cause); err != nil {
				return err
			}
			session.Failures++
			if dead, gerr := s.queue.Get(op.ID); gerr == nil && dead.Status == StatusDeadLettered {
				s.emit(SyncEvent{Type: EventOperationDeadLetter, EntityType: op.EntityType, EntityID: op.EntityID, OperationID: op.ID, Detail: outcome.Error})
			}
		}
	}
	return nil
}

func (s *SyncScheduler) releaseAll(ctx context.Context, ops []*Operation) {
	for _, op := range ops {
		_ = s.queue.Release(ctx, op.ID)
	}
}

// handleCommitted advances local state after the server applied an
// operation: new snapshot, new version stamp, archive copy, and the
// operation leaves the queue. A committed delete removes the snapshot and
// version stamp outright so no stale state feeds later diffs or audits.
func (s *SyncScheduler) handleCommitted(ctx context.Context, session *SyncSession, op *Operation, outcome Outcome) error {
	if op.Mutation == MutationDelete {
		if err := s.store.DeleteSnapshot(ctx, op.EntityType, op.EntityID); err != nil {
			return err
		}
		if err := s.queue.MarkCommitted(ctx, op.ID); err != nil {
			return err
		}
		session.Committed++
		s.emit(SyncEvent{Type: EventOperationCommitted, EntityType: op.EntityType, EntityID: op.EntityID, OperationID: op.ID})
		return nil
	}

	base, err := s.store.GetSnapshot(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	if base == nil {
		base = &EntityState{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Fields:     map[string]any{},
		}
	}
	state := base.ApplyChanges(op.AfterValues())
	state.Version = outcome.NewVersion
	state.Checksum, err = CanonicalChecksum(state.Fields)
	if err != nil {
		return err
	}
	if s.validator != nil {
		if s.validator.IsQuarantined(op.EntityType, op.EntityID) {
			return fmt.Errorf("%s: %w", op.EntityKey(), ErrEntityQuarantined)
		}
		if verr := s.validator.VerifyCommit(state); verr != nil {
			// The confirmed state fails its own schema: committing it
			// would poison the snapshot, so the operation dead-letters.
			cause := newSyncError(SyncErrorTypeRejected, "commit verification failed", op.ID, verr)
			if ferr := s.queue.MarkFailed(ctx, op.ID, cause); ferr != nil {
				return ferr
			}
			session.Failures++
			s.emit(SyncEvent{Type: EventOperationDeadLetter, EntityType: op.EntityType, EntityID: op.EntityID, OperationID: op.ID, Detail: verr.Error()})
			return nil
		}
	}
	if err := s.store.SaveSnapshot(ctx, state); err != nil {
		return err
	}
	if s.validator != nil {
		if err := s.validator.Archive(ctx, state); err != nil {
			// Archive is belt and braces; a failed upload must not
			// stall the queue.
			s.emit(SyncEvent{Type: EventIntegrityRepair, EntityType: op.EntityType, EntityID: op.EntityID, Detail: "archive failed: " + err.Error()})
		}
	}

	if err := s.store.AdvanceVersion(ctx, op.EntityType, op.EntityID, outcome.NewVersion, s.deviceID); err != nil && !errors.Is(err, ErrVersionConflict) {
		return err
	}
	if err := s.queue.MarkCommitted(ctx, op.ID); err != nil {
		return err
	}
	session.Committed++
	s.emit(SyncEvent{Type: EventOperationCommitted, EntityType: op.EntityType, EntityID: op.EntityID, OperationID: op.ID})
	return nil
}

// handleConflict runs three-way classification against the server's
// state. A clean merge re-enqueues the combined delta immediately; a
// real conflict is logged and handed to the resolution engine.
func (s *SyncScheduler) handleConflict(ctx context.Context, session *SyncSession, op *Operation, outcome Outcome) error {
	base, err := s.store.GetSnapshot(ctx, op.EntityType, op.EntityID)
	if err != nil {
		return err
	}
	baseFields := map[string]any{}
	baseVersion := int64(0)
	if base != nil {
		baseFields = base.Fields
		baseVersion = base.Version
	}

	if op.Mutation == MutationDelete {
		return s.handleDeleteConflict(ctx, op, outcome, baseFields, baseVersion)
	}

	local := &EntityState{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Fields:     overlayFields(baseFields, op.AfterValues()),
		Version:    baseVersion,
	}
	remote := &EntityState{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Fields:     outcome.RemoteState,
		Version:    outcome.RemoteVersion,
	}

	result := s.detector.Classify(local, &EntityState{EntityType: op.EntityType, EntityID: op.EntityID, Fields: baseFields}, remote)
	if result == nil {
		// Convergent: the server already holds what this operation wanted.
		remoteChecksum, cerr := CanonicalChecksum(remote.Fields)
		if cerr != nil {
			return cerr
		}
		remote.Checksum = remoteChecksum
		if err := s.store.SaveSnapshot(ctx, remote); err != nil {
			return err
		}
		if err := s.store.AdvanceVersion(ctx, op.EntityType, op.EntityID, outcome.RemoteVersion, outcome.RemoteDevice); err != nil && !errors.Is(err, ErrVersionConflict) {
			return err
		}
		return s.queue.MarkCommitted(ctx, op.ID)
	}

	fullMerged := overlayFields(baseFields, result.Merged)

	if result.Conflict == nil {
		// Non-overlapping changes merge automatically: rebase onto the
		// remote state and send the combined delta at high priority.
		return s.autoMerge(ctx, op, remote, fullMerged)
	}

	rec := result.Conflict
	rec.OperationID = op.ID
	rec.Merged = fullMerged
	rec.RemoteState = remote.Fields
	rec.LocalModifiedAt = op.CreatedAt
	rec.RemoteModifiedAt = outcome.RemoteAt
	rec.LocalDevice = op.DeviceID
	rec.RemoteDevice = outcome.RemoteDevice

	if err := s.queue.MarkConflicted(ctx, op.ID); err != nil {
		return err
	}
	if err := s.store.AppendConflict(ctx, rec); err != nil {
		return err
	}
	s.emit(SyncEvent{Type: EventConflictDetected, EntityType: op.EntityType, EntityID: op.EntityID, OperationID: op.ID, ConflictID: rec.ID, Detail: rec.Severity.String()})

	if s.engine != nil {
		if _, rerr := s.engine.Resolve(ctx, rec); rerr != nil {
			if errors.Is(rerr, ErrResolutionDeferred) {
				s.emit(SyncEvent{Type: EventConflictDeferred, EntityType: op.EntityType, EntityID: op.EntityID, ConflictID: rec.ID})
				return nil
			}
			return rerr
		}
		s.emit(SyncEvent{Type: EventConflictResolved, EntityType: op.EntityType, EntityID: op.EntityID, ConflictID: rec.ID})
	}
	return nil
}

// handleDeleteConflict handles a delete rejected for version skew. When
// the remote state still matches our base the entity merely moved version
// numbers, so the delete is rebased and retried. When the remote actually
// changed, dropping the delete silently would lose user intent: every
// remotely changed field is recorded as a conflict, at High severity or
// above so it reaches the user rather than auto-resolving.
func (s *SyncScheduler) handleDeleteConflict(ctx context.Context, op *Operation, outcome Outcome, baseFields map[string]any, baseVersion int64) error {
	changed := DiffFields(baseFields, outcome.RemoteState)
	if len(changed) == 0 {
		remote := &EntityState{
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
			Fields:     outcome.RemoteState,
			Version:    outcome.RemoteVersion,
		}
		checksum, err := CanonicalChecksum(remote.Fields)
		if err != nil {
			return err
		}
		remote.Checksum = checksum
		if err := s.store.SaveSnapshot(ctx, remote); err != nil {
			return err
		}
		if err := s.advanceQuiet(ctx, op.EntityType, op.EntityID, outcome.RemoteVersion, outcome.RemoteDevice); err != nil {
			return err
		}
		if err := s.queue.MarkConflicted(ctx, op.ID); err != nil {
			return err
		}
		if err := s.queue.Absorb(ctx, op.ID); err != nil {
			return err
		}
		next := NewOperation(op.EntityType, op.EntityID, MutationDelete, nil)
		next.BaseVersion = outcome.RemoteVersion
		next.Priority = PriorityHigh
		next.DeviceID = s.deviceID
		_, err = s.queue.Enqueue(ctx, next)
		return err
	}

	fields := make([]FieldConflict, 0, len(changed))
	severity := SeverityHigh
	for name, change := range changed {
		sev := s.detector.FieldSeverity(name, nil, change.Before, change.After)
		if sev < SeverityHigh {
			sev = SeverityHigh
		}
		if sev > severity {
			severity = sev
		}
		fields = append(fields, FieldConflict{
			Field:       name,
			LocalValue:  nil,
			BaseValue:   change.Before,
			RemoteValue: change.After,
			Severity:    sev,
		})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })

	rec := &ConflictRecord{
		ID:               uuid.NewString(),
		EntityType:       op.EntityType,
		EntityID:         op.EntityID,
		Fields:           fields,
		Severity:         severity,
		Category:         CategoryData,
		Status:           ConflictDetected,
		LocalVersion:     baseVersion,
		RemoteVersion:    outcome.RemoteVersion,
		DetectedAt:       time.Now(),
		OperationID:      op.ID,
		Merged:           outcome.RemoteState,
		RemoteState:      outcome.RemoteState,
		LocalModifiedAt:  op.CreatedAt,
		RemoteModifiedAt: outcome.RemoteAt,
		LocalDevice:      op.DeviceID,
		RemoteDevice:     outcome.RemoteDevice,
	}

	if err := s.queue.MarkConflicted(ctx, op.ID); err != nil {
		return err
	}
	if err := s.store.AppendConflict(ctx, rec); err != nil {
		return err
	}
	s.emit(SyncEvent{Type: EventConflictDetected, EntityType: op.EntityType, EntityID: op.EntityID, OperationID: op.ID, ConflictID: rec.ID, Detail: rec.Severity.String()})

	if s.engine != nil {
		if _, rerr := s.engine.Resolve(ctx, rec); rerr != nil {
			if errors.Is(rerr, ErrResolutionDeferred) {
				s.emit(SyncEvent{Type: EventConflictDeferred, EntityType: op.EntityType, EntityID: op.EntityID, ConflictID: rec.ID})
				return nil
			}
			return rerr
		}
		s.emit(SyncEvent{Type: EventConflictResolved, EntityType: op.EntityType, EntityID: op.EntityID, ConflictID: rec.ID})
	}
	return nil
}

// autoMerge rebases a cleanly merged operation onto the remote state.
func (s *SyncScheduler) autoMerge(ctx context.Context, op *Operation, remote *EntityState, merged map[string]any) error {
	checksum, err := CanonicalChecksum(remote.Fields)
	if err != nil {
		return err
	}
	remote.Checksum = checksum
	if err := s.store.SaveSnapshot(ctx, remote); err != nil {
		return err
	}

	if err := s.queue.MarkConflicted(ctx, op.ID); err != nil {
		return err
	}
	if err := s.queue.Absorb(ctx, op.ID); err != nil {
		return err
	}

	corrective := DiffFields(remote.Fields, merged)
	if len(corrective) == 0 {
		return s.advanceQuiet(ctx, op.EntityType, op.EntityID, remote.Version, "")
	}
	next := NewOperation(op.EntityType, op.EntityID, MutationUpdate, corrective)
	next.BaseVersion = remote.Version
	next.Priority = PriorityHigh
	next.DeviceID = s.deviceID
	_, err = s.queue.Enqueue(ctx, next)
	return err
}

func (s *SyncScheduler) advanceQuiet(ctx context.Context, entityType, entityID string, version int64, device string) error {
	err := s.store.AdvanceVersion(ctx, entityType, entityID, version, device)
	if err != nil && !errors.Is(err, ErrVersionConflict) {
		return err
	}
	return nil
}

// Start launches the background loop: interval ticks, explicit wakes and
// offline-to-online edges each trigger a cycle.
func (s *SyncScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	netCh := s.network.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.SyncInterval)
		defer ticker.Stop()

		var auditC <-chan time.Time
		if s.validator != nil {
			if interval := s.validator.AuditInterval(); interval > 0 {
				auditTicker := time.NewTicker(interval)
				defer auditTicker.Stop()
				auditC = auditTicker.C
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-auditC:
				s.runAudit(ctx)
				continue
			case <-ticker.C:
			case <-s.wakeCh:
			case state := <-netCh:
				if state.Online {
					s.emit(SyncEvent{Type: EventNetworkOnline, Detail: state.Quality.String()})
				} else {
					s.emit(SyncEvent{Type: EventNetworkOffline})
					continue
				}
			}

			if _, err := s.RunCycle(ctx); err != nil {
				if errors.Is(err, ErrOffline) || errors.Is(err, ErrCycleActive) || errors.Is(err, context.Canceled) {
					continue
				}
				// Failed cycles retry on the next trigger; backoff is
				// handled per operation.
			}
		}
	}()
}

// runAudit sweeps stored snapshots on the configured audit interval.
// Corrupt entities are quarantined by the audit itself; the event carries
// the aggregate hash, or the failure detail.
func (s *SyncScheduler) runAudit(ctx context.Context) {
	report, err := s.validator.Audit(ctx)
	if err != nil {
		detail := err.Error()
		if report != nil {
			detail = fmt.Sprintf("corrupt=%d schema_failed=%d", len(report.Corrupt), len(report.SchemaFailed))
		}
		s.emit(SyncEvent{Type: EventAuditCompleted, Detail: detail})
		return
	}
	s.emit(SyncEvent{Type: EventAuditCompleted, Detail: report.AggregateHash})
}

// Stop halts the background loop and waits for any running cycle.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()

	s.cycleMu.Lock()
	s.cycleMu.Unlock()
}

// overlayFields returns base with overlay applied, leaving base intact.
func overlayFields(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
