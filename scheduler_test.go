package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport records batches and answers with a programmable response.
type fakeTransport struct {
	mu      sync.Mutex
	batches []*DeltaBatch
	respond func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error)
}

func (f *fakeTransport) Send(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(ctx, batch)
	}
	return commitAll(batch), nil
}

func (f *fakeTransport) sent() []*DeltaBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*DeltaBatch, len(f.batches))
	copy(out, f.batches)
	return out
}

// commitAll acknowledges every operation at base+1.
func commitAll(batch *DeltaBatch) []Outcome {
	outcomes := make([]Outcome, 0, len(batch.Operations))
	for _, op := range batch.Operations {
		outcomes = append(outcomes, Outcome{
			OperationID: op.OperationID,
			Status:      OutcomeCommitted,
			NewVersion:  op.BaseVersion + 1,
		})
	}
	return outcomes
}

type eventLog struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (l *eventLog) record(ev SyncEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(t SyncEventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

type schedFixture struct {
	store     *SQLiteStore
	queue     *OperationQueue
	network   *NetworkMonitor
	backend   *MemorySnapshotBackend
	validator *IntegrityValidator
	transport *fakeTransport
	sched     *SyncScheduler
	events    *eventLog
}

func newTestScheduler(t *testing.T, maxRetries int, respond func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error)) *schedFixture {
	t.Helper()
	ctx := context.Background()

	store := newTestStore(t)
	queue, err := NewOperationQueue(ctx, store, QueueConfig{
		MaxRetries:      maxRetries,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      time.Millisecond,
		CoalesceUpdates: Bool(true),
	}, "device-a")
	if err != nil {
		t.Fatalf("NewOperationQueue: %v", err)
	}

	def := DefaultConfig("unused")
	network := NewNetworkMonitor(def.Network)
	network.SetOnline(true)

	scorer, err := NewHistoryScorer(ctx, store)
	if err != nil {
		t.Fatalf("NewHistoryScorer: %v", err)
	}
	engine := NewResolutionEngine(def.Resolution, store, queue, scorer, "device-a", nil)

	backend := NewMemorySnapshotBackend()
	validator := NewIntegrityValidator(def.Integrity, store, backend)

	transport := &fakeTransport{respond: respond}
	events := &eventLog{}

	cfg := def.Scheduler
	cfg.CycleTimeout = 5 * time.Second
	sched := NewSyncScheduler(cfg, queue, store, transport, network,
		NewConflictDetector(nil, SeverityMedium), engine, validator, "device-a", events.record)

	return &schedFixture{
		store:     store,
		queue:     queue,
		network:   network,
		backend:   backend,
		validator: validator,
		transport: transport,
		sched:     sched,
		events:    events,
	}
}

// seedBase installs an entity snapshot and matching version stamp so
// subsequent operations have something to rebase against.
func (f *schedFixture) seedBase(t *testing.T, entityType, entityID string, fields map[string]any, version int64) {
	t.Helper()
	ctx := context.Background()
	checksum, err := CanonicalChecksum(fields)
	if err != nil {
		t.Fatalf("CanonicalChecksum: %v", err)
	}
	if err := f.store.SaveSnapshot(ctx, &EntityState{
		EntityType: entityType,
		EntityID:   entityID,
		Fields:     fields,
		Version:    version,
		Checksum:   checksum,
	}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := f.store.AdvanceVersion(ctx, entityType, entityID, version, "device-a"); err != nil {
		t.Fatalf("AdvanceVersion: %v", err)
	}
}

func (f *schedFixture) enqueue(t *testing.T, op *Operation) *Operation {
	t.Helper()
	op.DeviceID = "device-a"
	queued, err := f.queue.Enqueue(context.Background(), op)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return queued
}

func TestSchedulerCommitCycle(t *testing.T) {
	f := newTestScheduler(t, 2, nil)
	ctx := context.Background()

	f.enqueue(t, NewOperation("account", "acc-1", MutationCreate, map[string]FieldChange{
		"name":    {After: "Checking"},
		"balance": {After: 1500.0},
	}))

	session, err := f.sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if session.Committed != 1 {
		t.Fatalf("Committed = %d, want 1", session.Committed)
	}
	if f.queue.Depth() != 0 {
		t.Fatalf("queue depth = %d after commit, want 0", f.queue.Depth())
	}

	snap, err := f.store.GetSnapshot(ctx, "account", "acc-1")
	if err != nil || snap == nil {
		t.Fatalf("GetSnapshot: %v, %v", snap, err)
	}
	if snap.Version != 1 {
		t.Errorf("snapshot version = %d, want 1", snap.Version)
	}
	if snap.Fields["name"] != "Checking" || snap.Fields["balance"] != 1500.0 {
		t.Errorf("snapshot fields = %v", snap.Fields)
	}
	if snap.Checksum == "" {
		t.Error("snapshot checksum is empty")
	}

	stamp, err := f.store.GetVersionStamp(ctx, "account", "acc-1")
	if err != nil || stamp == nil {
		t.Fatalf("GetVersionStamp: %v, %v", stamp, err)
	}
	if stamp.Version != 1 {
		t.Errorf("version stamp = %d, want 1", stamp.Version)
	}

	archived, err := f.backend.Fetch(ctx, "account", "acc-1")
	if err != nil || archived == nil {
		t.Fatalf("archive copy missing: %v, %v", archived, err)
	}

	sessions, err := f.store.RecentSessions(ctx, 5)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("RecentSessions = %d, %v; want 1 session", len(sessions), err)
	}

	for _, want := range []SyncEventType{EventCycleStarted, EventOperationCommitted, EventCycleCompleted} {
		if !f.events.has(want) {
			t.Errorf("missing event %s", want)
		}
	}
}

func TestSchedulerOfflineRefusesCycle(t *testing.T) {
	f := newTestScheduler(t, 2, nil)
	f.network.SetOnline(false)

	if _, err := f.sched.RunCycle(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("RunCycle offline = %v, want ErrOffline", err)
	}
}

func TestSchedulerTransportFailureKeepsOpsPending(t *testing.T) {
	f := newTestScheduler(t, 2, func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		return nil, newSyncError(SyncErrorTypeTransient, "upstream unavailable", "", nil)
	})
	ctx := context.Background()

	op := f.enqueue(t, NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"name": {Before: "Old", After: "New"},
	}))

	session, err := f.sched.RunCycle(ctx)
	if err == nil {
		t.Fatal("RunCycle succeeded despite transport failure")
	}
	if session.Failures != 1 {
		t.Errorf("session.Failures = %d, want 1", session.Failures)
	}

	got, err := f.queue.Get(op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
}

func TestSchedulerCancelReleasesWithoutRetryCharge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newTestScheduler(t, 2, func(sendCtx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		cancel()
		return nil, context.Canceled
	})

	op := f.enqueue(t, NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"name": {Before: "Old", After: "New"},
	}))

	if _, err := f.sched.RunCycle(ctx); err == nil {
		t.Fatal("RunCycle succeeded despite cancellation")
	}

	got, err := f.queue.Get(op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 for canceled cycle", got.RetryCount)
	}
}

func TestSchedulerErrorOutcomeDeadLetters(t *testing.T) {
	f := newTestScheduler(t, 0, func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		outcomes := make([]Outcome, 0, len(batch.Operations))
		for _, op := range batch.Operations {
			outcomes = append(outcomes, Outcome{
				OperationID: op.OperationID,
				Status:      OutcomeError,
				Error:       "constraint violation",
			})
		}
		return outcomes, nil
	})
	ctx := context.Background()

	op := f.enqueue(t, NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"name": {Before: "Old", After: "New"},
	}))

	session, err := f.sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if session.Failures != 1 {
		t.Errorf("session.Failures = %d, want 1", session.Failures)
	}

	got, err := f.queue.Get(op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusDeadLettered {
		t.Errorf("status = %s, want dead_lettered", got.Status)
	}
	if !f.events.has(EventOperationDeadLetter) {
		t.Error("missing dead-letter event")
	}
	if dead := f.queue.DeadLetters(); len(dead) != 1 {
		t.Errorf("DeadLetters = %d, want 1", len(dead))
	}
}

func TestSchedulerConflictAutoResolved(t *testing.T) {
	remoteAt := time.Now().Add(-time.Hour)
	respond := func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		outcomes := make([]Outcome, 0, len(batch.Operations))
		for _, op := range batch.Operations {
			outcomes = append(outcomes, Outcome{
				OperationID:   op.OperationID,
				Status:        OutcomeConflict,
				RemoteState:   map[string]any{"notes": "remote note", "balance": 100.0},
				RemoteVersion: 2,
				RemoteDevice:  "device-b",
				RemoteAt:      remoteAt,
			})
		}
		return outcomes, nil
	}
	f := newTestScheduler(t, 2, respond)
	ctx := context.Background()

	f.seedBase(t, "account", "acc-1", map[string]any{"notes": "old", "balance": 100.0}, 1)
	op := NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"notes": {Before: "old", After: "local note"},
	})
	op.BaseVersion = 1
	f.enqueue(t, op)

	session, err := f.sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if session.Conflicts != 1 {
		t.Errorf("session.Conflicts = %d, want 1", session.Conflicts)
	}

	// Local edit is newer, severity is medium: last-write-wins auto-resolves
	// and the cycle archives the record.
	history, err := f.store.ConflictHistory(ctx, "account", "acc-1")
	if err != nil || len(history) != 1 {
		t.Fatalf("ConflictHistory = %d, %v; want 1 record", len(history), err)
	}
	rec := history[0]
	if rec.Status != ConflictArchived {
		t.Errorf("conflict status = %s, want archived", rec.Status)
	}
	if rec.Resolution == nil || rec.Resolution.Strategy != StrategyLastWriteWins {
		t.Errorf("resolution = %+v, want last_write_wins", rec.Resolution)
	}

	// The parked operation was absorbed into a critical corrective delta
	// rebased onto the remote version.
	if _, err := f.queue.Get(op.ID); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("parked operation still present: %v", err)
	}
	var corrective *Operation
	for _, pending := range f.queue.DeadLetters() {
		t.Errorf("unexpected dead letter %s", pending.ID)
	}
	batch2, err := f.queue.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	if len(batch2) != 1 {
		t.Fatalf("corrective batch = %d ops, want 1", len(batch2))
	}
	corrective = batch2[0]
	if corrective.Priority != PriorityCritical {
		t.Errorf("corrective priority = %s, want critical", corrective.Priority)
	}
	if corrective.BaseVersion != 2 {
		t.Errorf("corrective base version = %d, want 2", corrective.BaseVersion)
	}
	if fc, ok := corrective.Fields["notes"]; !ok || fc.After != "local note" {
		t.Errorf("corrective fields = %v, want notes -> local note", corrective.Fields)
	}

	// The snapshot rebased onto the server's state.
	snap, err := f.store.GetSnapshot(ctx, "account", "acc-1")
	if err != nil || snap == nil {
		t.Fatalf("GetSnapshot: %v, %v", snap, err)
	}
	if snap.Version != 2 || snap.Fields["notes"] != "remote note" {
		t.Errorf("snapshot = v%d %v, want v2 with remote note", snap.Version, snap.Fields)
	}

	if !f.events.has(EventConflictDetected) || !f.events.has(EventConflictResolved) {
		t.Error("missing conflict detection/resolution events")
	}
}

func TestSchedulerCriticalConflictDeferred(t *testing.T) {
	respond := func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		outcomes := make([]Outcome, 0, len(batch.Operations))
		for _, op := range batch.Operations {
			outcomes = append(outcomes, Outcome{
				OperationID:   op.OperationID,
				Status:        OutcomeConflict,
				RemoteState:   map[string]any{"balance": 900.0},
				RemoteVersion: 2,
				RemoteDevice:  "device-b",
				RemoteAt:      time.Now(),
			})
		}
		return outcomes, nil
	}
	f := newTestScheduler(t, 2, respond)
	ctx := context.Background()

	f.seedBase(t, "account", "acc-1", map[string]any{"balance": 100.0}, 1)
	op := NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"balance": {Before: 100.0, After: 250.0},
	})
	op.BaseVersion = 1
	f.enqueue(t, op)

	if _, err := f.sched.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	open, err := f.store.OpenConflicts(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("OpenConflicts = %d, %v; want 1", len(open), err)
	}
	if open[0].Status != ConflictPendingUser {
		t.Errorf("conflict status = %s, want pending_user_input", open[0].Status)
	}
	if open[0].Severity != SeverityCritical {
		t.Errorf("severity = %s, want critical", open[0].Severity)
	}

	got, err := f.queue.Get(op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusConflicted {
		t.Errorf("operation status = %s, want conflicted", got.Status)
	}
	if !f.events.has(EventConflictDeferred) {
		t.Error("missing conflict-deferred event")
	}
}

func TestSchedulerAutoMergeRebasesNonOverlappingEdits(t *testing.T) {
	respond := func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		outcomes := make([]Outcome, 0, len(batch.Operations))
		for _, op := range batch.Operations {
			outcomes = append(outcomes, Outcome{
				OperationID:   op.OperationID,
				Status:        OutcomeConflict,
				RemoteState:   map[string]any{"notes": "old", "color": "red"},
				RemoteVersion: 2,
				RemoteDevice:  "device-b",
				RemoteAt:      time.Now(),
			})
		}
		return outcomes, nil
	}
	f := newTestScheduler(t, 2, respond)
	ctx := context.Background()

	f.seedBase(t, "account", "acc-1", map[string]any{"notes": "old", "color": "blue"}, 1)
	op := NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"notes": {Before: "old", After: "new"},
	})
	op.BaseVersion = 1
	f.enqueue(t, op)

	if _, err := f.sched.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Disjoint edits merge without a conflict record.
	open, err := f.store.OpenConflicts(ctx)
	if err != nil {
		t.Fatalf("OpenConflicts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("OpenConflicts = %d, want 0", len(open))
	}

	snap, err := f.store.GetSnapshot(ctx, "account", "acc-1")
	if err != nil || snap == nil {
		t.Fatalf("GetSnapshot: %v, %v", snap, err)
	}
	if snap.Version != 2 || snap.Fields["color"] != "red" {
		t.Errorf("snapshot = v%d %v, want remote state at v2", snap.Version, snap.Fields)
	}

	batch2, err := f.queue.DequeueBatch(ctx, 10)
	if err != nil || len(batch2) != 1 {
		t.Fatalf("DequeueBatch = %d ops, %v; want rebased corrective", len(batch2), err)
	}
	corrective := batch2[0]
	if corrective.Priority != PriorityHigh {
		t.Errorf("corrective priority = %s, want high", corrective.Priority)
	}
	if corrective.BaseVersion != 2 {
		t.Errorf("corrective base version = %d, want 2", corrective.BaseVersion)
	}
	if fc, ok := corrective.Fields["notes"]; !ok || fc.After != "new" {
		t.Errorf("corrective fields = %v, want only the local notes edit", corrective.Fields)
	}
	if _, ok := corrective.Fields["color"]; ok {
		t.Error("corrective carries the remote color edit")
	}
}

func TestSchedulerConvergentEditCommitsQuietly(t *testing.T) {
	respond := func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		outcomes := make([]Outcome, 0, len(batch.Operations))
		for _, op := range batch.Operations {
			outcomes = append(outcomes, Outcome{
				OperationID:   op.OperationID,
				Status:        OutcomeConflict,
				RemoteState:   map[string]any{"notes": "same"},
				RemoteVersion: 2,
				RemoteDevice:  "device-b",
				RemoteAt:      time.Now(),
			})
		}
		return outcomes, nil
	}
	f := newTestScheduler(t, 2, respond)
	ctx := context.Background()

	f.seedBase(t, "account", "acc-1", map[string]any{"notes": "same"}, 1)
	f.enqueue(t, NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"notes": {Before: "old", After: "same"},
	}))

	if _, err := f.sched.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if f.queue.Depth() != 0 {
		t.Errorf("queue depth = %d, want 0 for convergent edit", f.queue.Depth())
	}
	stamp, err := f.store.GetVersionStamp(ctx, "account", "acc-1")
	if err != nil || stamp == nil {
		t.Fatalf("GetVersionStamp: %v, %v", stamp, err)
	}
	if stamp.Version != 2 {
		t.Errorf("version stamp = %d, want 2", stamp.Version)
	}
}

func TestSchedulerOpenBreakerReleasesBatch(t *testing.T) {
	f := newTestScheduler(t, 10, func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		return nil, newSyncError(SyncErrorTypeTransient, "connection refused", "", nil)
	})
	ctx := context.Background()

	op := f.enqueue(t, NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"name": {Before: "Old", After: "New"},
	}))

	// Five failed sends trip the breaker.
	for i := 0; i < 5; i++ {
		if _, err := f.sched.RunCycle(ctx); err == nil {
			t.Fatalf("cycle %d succeeded against a failing transport", i+1)
		}
		time.Sleep(5 * time.Millisecond) // let the backoff window lapse
	}
	if got := len(f.transport.sent()); got != 5 {
		t.Fatalf("sent = %d batches, want 5 before the breaker opens", got)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := f.sched.RunCycle(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("RunCycle with open breaker = %v, want ErrCircuitOpen", err)
	}
	if got := len(f.transport.sent()); got != 5 {
		t.Errorf("open breaker still reached the transport: %d sends", got)
	}

	got, err := f.queue.Get(op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending; the breaker rejection is not an attempt", got.Status)
	}
	if got.RetryCount != 5 {
		t.Errorf("retry count = %d, want 5; breaker rejection must not charge a retry", got.RetryCount)
	}
}

func TestSchedulerCommitVerificationDeadLetters(t *testing.T) {
	f := newTestScheduler(t, 2, nil)
	ctx := context.Background()

	f.validator.RegisterSchema(EntitySchema{
		EntityType: "account",
		Fields:     map[string]FieldSchema{"balance": {Type: FieldTypeNumber}},
	})

	// The operation enters the queue directly, the way a schema change
	// mid-flight would leave one behind.
	op := f.enqueue(t, NewOperation("account", "acc-1", MutationCreate, map[string]FieldChange{
		"balance": {After: "not a number"},
	}))

	session, err := f.sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if session.Committed != 0 {
		t.Errorf("session.Committed = %d, want 0", session.Committed)
	}

	got, err := f.queue.Get(op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusDeadLettered {
		t.Errorf("status = %s, want dead_lettered for a state failing its schema", got.Status)
	}
	snap, err := f.store.GetSnapshot(ctx, "account", "acc-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap != nil {
		t.Error("invalid state must not be committed to the snapshot")
	}
	if !f.events.has(EventOperationDeadLetter) {
		t.Error("missing dead-letter event")
	}
}

func TestSchedulerPeriodicAudit(t *testing.T) {
	f := newTestScheduler(t, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One good snapshot and one whose checksum no longer matches.
	f.seedBase(t, "account", "acc-ok", map[string]any{"balance": 10.0}, 1)
	if err := f.store.SaveSnapshot(ctx, &EntityState{
		EntityType: "account",
		EntityID:   "acc-bad",
		Fields:     map[string]any{"balance": 1.0},
		Version:    1,
		Checksum:   "deadbeef",
	}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	cfg := DefaultConfig("unused")
	cfg.Integrity.AuditInterval = 20 * time.Millisecond
	validator := NewIntegrityValidator(cfg.Integrity, f.store, f.backend)
	events := &eventLog{}
	sched := NewSyncScheduler(cfg.Scheduler, f.queue, f.store, f.transport, f.network,
		NewConflictDetector(nil, SeverityMedium), nil, validator, "device-a", events.record)

	sched.Start(ctx)
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !events.has(EventAuditCompleted) {
		if time.Now().After(deadline) {
			t.Fatal("periodic audit never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !validator.IsQuarantined("account", "acc-bad") {
		t.Error("audit should quarantine the corrupt entity")
	}
	if validator.IsQuarantined("account", "acc-ok") {
		t.Error("audit quarantined a healthy entity")
	}
}

func TestSchedulerCommittedDeleteRemovesSnapshot(t *testing.T) {
	f := newTestScheduler(t, 2, nil)
	ctx := context.Background()

	f.seedBase(t, "account", "acc-1", map[string]any{"name": "Checking"}, 3)
	op := NewOperation("account", "acc-1", MutationDelete, nil)
	op.BaseVersion = 3
	f.enqueue(t, op)

	session, err := f.sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if session.Committed != 1 {
		t.Fatalf("session.Committed = %d, want 1", session.Committed)
	}

	snap, err := f.store.GetSnapshot(ctx, "account", "acc-1")
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snap != nil {
		t.Errorf("committed delete left a snapshot behind: %v", snap.Fields)
	}
	stamp, err := f.store.GetVersionStamp(ctx, "account", "acc-1")
	if err != nil {
		t.Fatalf("GetVersionStamp: %v", err)
	}
	if stamp != nil {
		t.Errorf("committed delete left a version stamp at %d", stamp.Version)
	}
	if f.queue.Depth() != 0 {
		t.Errorf("queue depth = %d, want 0", f.queue.Depth())
	}
}

func TestSchedulerDeleteRebasesWhenRemoteUnchanged(t *testing.T) {
	respond := func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		outcomes := make([]Outcome, 0, len(batch.Operations))
		for _, op := range batch.Operations {
			outcomes = append(outcomes, Outcome{
				OperationID:   op.OperationID,
				Status:        OutcomeConflict,
				RemoteState:   map[string]any{"name": "Checking"},
				RemoteVersion: 2,
				RemoteDevice:  "device-b",
				RemoteAt:      time.Now(),
			})
		}
		return outcomes, nil
	}
	f := newTestScheduler(t, 2, respond)
	ctx := context.Background()

	f.seedBase(t, "account", "acc-1", map[string]any{"name": "Checking"}, 1)
	op := NewOperation("account", "acc-1", MutationDelete, nil)
	op.BaseVersion = 1
	f.enqueue(t, op)

	if _, err := f.sched.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Version skew only: no conflict record, the delete gets rebased.
	open, err := f.store.OpenConflicts(ctx)
	if err != nil {
		t.Fatalf("OpenConflicts: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("OpenConflicts = %d, want 0", len(open))
	}

	batch, err := f.queue.DequeueBatch(ctx, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("DequeueBatch = %d ops, %v; want the rebased delete", len(batch), err)
	}
	rebased := batch[0]
	if rebased.Mutation != MutationDelete {
		t.Errorf("mutation = %s, want delete", rebased.Mutation)
	}
	if rebased.BaseVersion != 2 {
		t.Errorf("base version = %d, want 2", rebased.BaseVersion)
	}
	if rebased.Priority != PriorityHigh {
		t.Errorf("priority = %s, want high", rebased.Priority)
	}
}

func TestSchedulerDeleteAgainstRemoteEditRecordsConflict(t *testing.T) {
	respond := func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		outcomes := make([]Outcome, 0, len(batch.Operations))
		for _, op := range batch.Operations {
			outcomes = append(outcomes, Outcome{
				OperationID:   op.OperationID,
				Status:        OutcomeConflict,
				RemoteState:   map[string]any{"name": "Renamed"},
				RemoteVersion: 2,
				RemoteDevice:  "device-b",
				RemoteAt:      time.Now(),
			})
		}
		return outcomes, nil
	}
	f := newTestScheduler(t, 2, respond)
	ctx := context.Background()

	f.seedBase(t, "account", "acc-1", map[string]any{"name": "Checking"}, 1)
	op := NewOperation("account", "acc-1", MutationDelete, nil)
	op.BaseVersion = 1
	f.enqueue(t, op)

	session, err := f.sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if session.Conflicts != 1 {
		t.Errorf("session.Conflicts = %d, want 1", session.Conflicts)
	}

	// The user's delete must not vanish: a conflict record reaches the
	// user instead of the remote edit silently winning.
	open, err := f.store.OpenConflicts(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("OpenConflicts = %d, %v; want 1", len(open), err)
	}
	rec := open[0]
	if rec.Status != ConflictPendingUser {
		t.Errorf("conflict status = %s, want pending_user_input", rec.Status)
	}
	if rec.Severity < SeverityHigh {
		t.Errorf("severity = %s, want at least high", rec.Severity)
	}
	if len(rec.Fields) != 1 || rec.Fields[0].Field != "name" {
		t.Fatalf("conflict fields = %+v, want the renamed field", rec.Fields)
	}
	if rec.Fields[0].LocalValue != nil {
		t.Errorf("local side of a delete is nil, got %v", rec.Fields[0].LocalValue)
	}
	if rec.Fields[0].RemoteValue != "Renamed" {
		t.Errorf("remote value = %v, want Renamed", rec.Fields[0].RemoteValue)
	}

	got, err := f.queue.Get(op.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusConflicted {
		t.Errorf("operation status = %s, want conflicted", got.Status)
	}
	if !f.events.has(EventConflictDetected) || !f.events.has(EventConflictDeferred) {
		t.Error("missing conflict detection/deferral events")
	}
}

func TestSchedulerDuplicateCommitIsIdempotent(t *testing.T) {
	f := newTestScheduler(t, 2, nil)
	ctx := context.Background()

	f.seedBase(t, "account", "acc-1", map[string]any{"name": "Old"}, 1)
	op := NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"name": {Before: "Old", After: "New"},
	})
	op.BaseVersion = 1
	f.enqueue(t, op)

	if _, err := f.sched.RunCycle(ctx); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	first, err := f.store.GetSnapshot(ctx, "account", "acc-1")
	if err != nil || first == nil {
		t.Fatalf("GetSnapshot: %v, %v", first, err)
	}

	// The same delta arrives again, as after a lost acknowledgement.
	dup := NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"name": {Before: "Old", After: "New"},
	})
	dup.BaseVersion = 1
	f.enqueue(t, dup)
	if _, err := f.sched.RunCycle(ctx); err != nil {
		t.Fatalf("replay cycle: %v", err)
	}

	second, err := f.store.GetSnapshot(ctx, "account", "acc-1")
	if err != nil || second == nil {
		t.Fatalf("GetSnapshot: %v, %v", second, err)
	}
	if second.Version != first.Version {
		t.Errorf("version changed on replay: %d then %d", first.Version, second.Version)
	}
	if second.Checksum != first.Checksum {
		t.Errorf("checksum changed on replay: %s then %s", first.Checksum, second.Checksum)
	}
	if second.Fields["name"] != "New" {
		t.Errorf("fields drifted on replay: %v", second.Fields)
	}
	stamp, err := f.store.GetVersionStamp(ctx, "account", "acc-1")
	if err != nil || stamp == nil {
		t.Fatalf("GetVersionStamp: %v, %v", stamp, err)
	}
	if stamp.Version != first.Version {
		t.Errorf("version stamp = %d, want %d", stamp.Version, first.Version)
	}
	if f.queue.Depth() != 0 {
		t.Errorf("queue depth = %d, want 0", f.queue.Depth())
	}
}

func TestSchedulerSingleCycleAtATime(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newTestScheduler(t, 2, func(ctx context.Context, batch *DeltaBatch) ([]Outcome, error) {
		close(entered)
		<-release
		return commitAll(batch), nil
	})
	ctx := context.Background()

	f.enqueue(t, NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"name": {Before: "Old", After: "New"},
	}))

	done := make(chan error, 1)
	go func() {
		_, err := f.sched.RunCycle(ctx)
		done <- err
	}()
	<-entered

	if _, err := f.sched.RunCycle(ctx); !errors.Is(err, ErrCycleActive) {
		t.Errorf("concurrent RunCycle = %v, want ErrCycleActive", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
}

func TestSchedulerBatchSizeTracksLinkQuality(t *testing.T) {
	f := newTestScheduler(t, 2, nil)
	ctx := context.Background()

	// Median RTT of 900ms lands in the poor bucket: one operation per cycle.
	for i := 0; i < 5; i++ {
		f.network.ReportSample(900 * time.Millisecond)
	}
	if got := f.network.Quality(); got != QualityPoor {
		t.Fatalf("quality = %s, want poor", got)
	}

	for _, id := range []string{"acc-1", "acc-2", "acc-3"} {
		f.enqueue(t, NewOperation("account", id, MutationUpdate, map[string]FieldChange{
			"name": {Before: "Old", After: "New " + id},
		}))
	}

	session, err := f.sched.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if session.OperationsProcessed != 1 {
		t.Errorf("processed = %d, want 1 on a poor link", session.OperationsProcessed)
	}
	if f.queue.Depth() != 2 {
		t.Errorf("queue depth = %d, want 2 remaining", f.queue.Depth())
	}

	batches := f.transport.sent()
	if len(batches) != 1 || len(batches[0].Operations) != 1 {
		t.Errorf("sent %d batches, want 1 batch of 1 op", len(batches))
	}
}

func TestSchedulerWakeTriggersCycle(t *testing.T) {
	f := newTestScheduler(t, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.enqueue(t, NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"name": {Before: "Old", After: "New"},
	}))

	f.sched.Start(ctx)
	defer f.sched.Stop()
	f.sched.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for f.queue.Depth() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue not drained after wake")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !f.events.has(EventCycleCompleted) {
		t.Error("missing cycle-completed event")
	}
}

func TestSchedulerOnlineEdgeTriggersCycle(t *testing.T) {
	f := newTestScheduler(t, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.network.SetOnline(false)
	f.enqueue(t, NewOperation("account", "acc-1", MutationUpdate, map[string]FieldChange{
		"name": {Before: "Old", After: "New"},
	}))

	f.sched.Start(ctx)
	defer f.sched.Stop()

	f.network.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for f.queue.Depth() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue not drained after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !f.events.has(EventNetworkOnline) {
		t.Error("missing network-online event")
	}
}
