package syncengine

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Option customizes engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	transport Transport
	client    HTTPDoer
	backend   SnapshotBackend
	events    func(SyncEvent)
}

// WithTransport replaces the HTTP transport, for tests or alternate
// backends.
func WithTransport(t Transport) Option {
	return func(o *engineOptions) { o.transport = t }
}

// WithHTTPClient sets the HTTP client used by the default transport.
func WithHTTPClient(c HTTPDoer) Option {
	return func(o *engineOptions) { o.client = c }
}

// WithSnapshotBackend sets the archive used for integrity repair,
// overriding the S3 configuration.
func WithSnapshotBackend(b SnapshotBackend) Option {
	return func(o *engineOptions) { o.backend = b }
}

// WithEventHandler registers a sink for sync events. The handler runs on
// engine goroutines and must not block.
func WithEventHandler(fn func(SyncEvent)) Option {
	return func(o *engineOptions) { o.events = fn }
}

// Engine is the offline-first sync engine: a durable operation queue, a
// delta sync transport, three-way conflict detection and resolution,
// cross-device arbitration and integrity validation, driven by an
// adaptive scheduler.
//
// The engine is an embedded library. The host application records
// mutations as they happen and reports connectivity; everything else is
// background work.
type Engine struct {
	config      Config
	store       *SQLiteStore
	queue       *OperationQueue
	network     *NetworkMonitor
	detector    *ConflictDetector
	resolver    *ResolutionEngine
	coordinator *DeviceCoordinator
	validator   *IntegrityValidator
	scheduler   *SyncScheduler
	notifier    *RemoteNotifier

	mu      sync.Mutex
	started bool
	closed  bool
}

// New opens the engine against the configured state database. The
// returned engine is idle until Start.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	store, err := NewSQLiteStore(DefaultStoreConfig(cfg.Path), nil)
	if err != nil {
		return nil, err
	}

	if cfg.Encryption != nil && cfg.Encryption.Enabled {
		if len(cfg.Encryption.Salt) == 0 {
			stored, merr := store.GetMeta(ctx, "encryption_salt")
			if merr != nil {
				store.Close()
				return nil, merr
			}
			if stored != "" {
				salt, derr := hex.DecodeString(stored)
				if derr != nil {
					store.Close()
					return nil, fmt.Errorf("corrupt stored salt: %w", derr)
				}
				cfg.Encryption.Salt = salt
			}
		}
		enc, eerr := NewEncryptor(*cfg.Encryption)
		if eerr != nil {
			store.Close()
			return nil, eerr
		}
		if err := store.SetEncryptor(ctx, enc); err != nil {
			store.Close()
			return nil, err
		}
	}

	queue, err := NewOperationQueue(ctx, store, cfg.Queue, cfg.DeviceID)
	if err != nil {
		store.Close()
		return nil, err
	}

	coordinator, err := NewDeviceCoordinator(ctx, store, cfg.DeviceID)
	if err != nil {
		store.Close()
		return nil, err
	}

	scorer, err := NewHistoryScorer(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	tieBreak := func(rec *ConflictRecord) bool {
		return coordinator.BreakTie(context.Background(), rec)
	}
	resolver := NewResolutionEngine(cfg.Resolution, store, queue, scorer, cfg.DeviceID, tieBreak)

	backend := o.backend
	if backend == nil && cfg.Snapshots != nil && cfg.Snapshots.Bucket != "" {
		backend, err = NewS3SnapshotBackend(*cfg.Snapshots)
		if err != nil {
			store.Close()
			return nil, err
		}
	}
	validator := NewIntegrityValidator(cfg.Integrity, store, backend)

	transport := o.transport
	if transport == nil {
		transport = NewHTTPTransport(cfg.Transport, o.client)
	}

	network := NewNetworkMonitor(cfg.Network)
	detector := NewConflictDetector(DefaultFieldSensitivity(), SeverityMedium)

	e := &Engine{
		config:      cfg,
		store:       store,
		queue:       queue,
		network:     network,
		detector:    detector,
		resolver:    resolver,
		coordinator: coordinator,
		validator:   validator,
	}
	e.scheduler = NewSyncScheduler(cfg.Scheduler, queue, store, transport, network, detector, resolver, validator, cfg.DeviceID, o.events)

	if cfg.Notifier != nil && cfg.Notifier.Enabled {
		e.notifier = NewRemoteNotifier(*cfg.Notifier, func(RemoteNotice) {
			e.scheduler.Wake()
		})
	}
	return e, nil
}

// Start launches the background scheduler and, when configured, the
// remote-change notifier.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	e.scheduler.Start(ctx)
	if e.notifier != nil {
		e.notifier.Start(ctx)
	}
}

// Close stops background work and closes the state database. Queued
// operations stay durable and resume on the next open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.started = false
	e.mu.Unlock()

	if started {
		if e.notifier != nil {
			e.notifier.Stop()
		}
		e.scheduler.Stop()
	}
	return e.store.Close()
}

// RecordMutation captures a local change as a queued operation. before
// is the entity state prior to the change (nil for creates), after the
// state the user produced (nil for deletes). Only changed fields are
// queued; a no-op change returns nil without queueing.
func (e *Engine) RecordMutation(ctx context.Context, entityType, entityID string, before, after map[string]any) (*Operation, error) {
	if e.validator.IsQuarantined(entityType, entityID) {
		return nil, fmt.Errorf("%s: %w", entityKey(entityType, entityID), ErrEntityQuarantined)
	}

	var mutation MutationType
	switch {
	case before == nil && after == nil:
		return nil, fmt.Errorf("mutation for %s changes nothing", entityKey(entityType, entityID))
	case before == nil:
		mutation = MutationCreate
	case after == nil:
		mutation = MutationDelete
	default:
		mutation = MutationUpdate
	}

	if after != nil {
		if err := e.validator.ValidateFields(entityType, after); err != nil {
			return nil, err
		}
	}

	var changes map[string]FieldChange
	if mutation != MutationDelete {
		changes = DiffFields(before, after)
		if len(changes) == 0 {
			return nil, nil
		}
	}

	op := NewOperation(entityType, entityID, mutation, changes)
	op.DeviceID = e.config.DeviceID
	if stamp, err := e.store.GetVersionStamp(ctx, entityType, entityID); err != nil {
		return nil, err
	} else if stamp != nil {
		op.BaseVersion = stamp.Version
	}

	// Enqueue may coalesce into an earlier pending update; the returned
	// operation is the one actually in the queue.
	return e.queue.Enqueue(ctx, op)
}

// Sync runs one synchronous cycle immediately.
func (e *Engine) Sync(ctx context.Context) (*SyncSession, error) {
	return e.scheduler.RunCycle(ctx)
}

// SetOnline reports a connectivity change from the host platform. Coming
// online triggers an immediate cycle when the scheduler is running.
func (e *Engine) SetOnline(online bool) {
	e.network.SetOnline(online)
}

// ReportSample feeds a round-trip time observation into quality scoring.
func (e *Engine) ReportSample(rtt time.Duration) {
	e.network.ReportSample(rtt)
}

// NetworkState returns connectivity and link quality.
func (e *Engine) NetworkState() NetworkState {
	return e.network.State()
}

// QueueStats returns queue occupancy by status.
func (e *Engine) QueueStats() QueueStats {
	return e.queue.Stats()
}

// DeadLetters returns operations that exhausted their retries.
func (e *Engine) DeadLetters() []*Operation {
	return e.queue.DeadLetters()
}

// RetryDeadLetters reinstates dead-lettered operations with a fresh
// retry budget.
func (e *Engine) RetryDeadLetters(ctx context.Context) (int, error) {
	return e.queue.ResetDeadLettered(ctx)
}

// PendingConflicts returns conflicts awaiting automatic or manual
// resolution, oldest first.
func (e *Engine) PendingConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	return e.store.OpenConflicts(ctx)
}

// ConflictHistory returns the full audit trail for one entity.
func (e *Engine) ConflictHistory(ctx context.Context, entityType, entityID string) ([]*ConflictRecord, error) {
	return e.store.ConflictHistory(ctx, entityType, entityID)
}

// ResolveConflict applies user-chosen values to a deferred conflict.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, chosen map[string]any) (*Resolution, error) {
	return e.resolver.ResolveManually(ctx, conflictID, chosen)
}

// ResolveConflicts runs batch resolution over open conflicts. An empty
// category matches all; a named strategy is forced instead of running the
// normal chain. Returns counts of resolved and deferred conflicts.
func (e *Engine) ResolveConflicts(ctx context.Context, category ConflictCategory, strategy StrategyKind) (resolved, deferred int, err error) {
	return e.resolver.ResolveBatch(ctx, category, strategy)
}

// RegisterSchema installs validation rules for an entity type.
func (e *Engine) RegisterSchema(schema EntitySchema) {
	e.validator.RegisterSchema(schema)
}

// RegisterBusinessRule adds a domain rule to the resolution chain.
func (e *Engine) RegisterBusinessRule(rule BusinessRule) {
	e.resolver.RegisterRule(rule)
}

// RegisterTieBreakRule adds a device arbitration rule.
func (e *Engine) RegisterTieBreakRule(rule TieBreakRule) {
	e.coordinator.RegisterTieBreakRule(rule)
}

// Audit sweeps all stored state for corruption and schema drift.
func (e *Engine) Audit(ctx context.Context) (*AuditReport, error) {
	return e.validator.Audit(ctx)
}

// Quarantined lists entities blocked pending repair.
func (e *Engine) Quarantined() []string {
	return e.validator.Quarantined()
}

// RepairEntity restores a quarantined entity from the snapshot archive.
func (e *Engine) RepairEntity(ctx context.Context, entityType, entityID string) error {
	return e.validator.Repair(ctx, entityType, entityID)
}

// AcknowledgeEntity accepts a quarantined entity's current state.
func (e *Engine) AcknowledgeEntity(ctx context.Context, entityType, entityID string) error {
	return e.validator.Acknowledge(ctx, entityType, entityID)
}

// Devices lists every device known for this account.
func (e *Engine) Devices(ctx context.Context) ([]*DeviceIdentity, error) {
	return e.store.ListDevices(ctx)
}

// PromoteMaster moves the master flag to the given device.
func (e *Engine) PromoteMaster(ctx context.Context, deviceID string) error {
	return e.coordinator.PromoteMaster(ctx, deviceID)
}

// RecentSessions returns cycle telemetry, newest first.
func (e *Engine) RecentSessions(ctx context.Context, limit int) ([]*SyncSession, error) {
	return e.store.RecentSessions(ctx, limit)
}
