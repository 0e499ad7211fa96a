package syncengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// OperationQueue is the durable queue of local mutations awaiting sync.
// Every state change is written through to the store before it is visible,
// so a crash never loses an acknowledged enqueue.
type OperationQueue struct {
	config   QueueConfig
	store    *SQLiteStore
	deviceID string

	mu   sync.RWMutex
	ops  map[string]*Operation
	seq  int64
	now  func() time.Time
}

// NewOperationQueue opens the queue, rebuilding in-memory state from the
// store. Operations left InFlight by a crash are returned to Pending.
func NewOperationQueue(ctx context.Context, store *SQLiteStore, config QueueConfig, deviceID string) (*OperationQueue, error) {
	if config.CoalesceUpdates == nil {
		config.CoalesceUpdates = Bool(true)
	}
	q := &OperationQueue{
		config:   config,
		store:    store,
		deviceID: deviceID,
		ops:      make(map[string]*Operation),
		now:      time.Now,
	}

	loaded, err := store.LoadOperations(ctx)
	if err != nil {
		return nil, err
	}
	for _, op := range loaded {
		if op.Status == StatusInFlight {
			op.Status = StatusPending
			op.UpdatedAt = q.now()
			if err := store.SaveOperation(ctx, op); err != nil {
				return nil, err
			}
		}
		q.ops[op.ID] = op
	}

	seq, err := store.MaxSequence(ctx)
	if err != nil {
		return nil, err
	}
	q.seq = seq
	return q, nil
}

// Enqueue adds an operation to the queue and returns the surviving
// operation. Consecutive Pending updates to the same entity coalesce into
// one operation: the earliest Before of each field is kept and the latest
// After wins, and the returned operation is the absorbing one, not the
// caller's. Coalescing never crosses mutation types.
func (q *OperationQueue) Enqueue(ctx context.Context, op *Operation) (*Operation, error) {
	if err := ValidateEntityType(op.EntityType); err != nil {
		return nil, err
	}
	if err := ValidateEntityID(op.EntityID); err != nil {
		return nil, err
	}
	for field := range op.Fields {
		if err := ValidateFieldName(field); err != nil {
			return nil, err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if op.Mutation == MutationUpdate && *q.config.CoalesceUpdates {
		if target := q.coalesceTargetLocked(op); target != nil {
			merged := target.Clone()
			for field, change := range op.Fields {
				prior, ok := merged.Fields[field]
				if ok {
					change.Before = prior.Before
				}
				merged.Fields[field] = change
			}
			if op.Priority < merged.Priority {
				merged.Priority = op.Priority
			}
			merged.UpdatedAt = q.now()
			if err := q.store.SaveOperation(ctx, merged); err != nil {
				return nil, err
			}
			q.ops[merged.ID] = merged
			return merged.Clone(), nil
		}
	}

	if q.config.MaxDepth > 0 && len(q.ops) >= q.config.MaxDepth {
		return nil, fmt.Errorf("queue depth %d at limit: %w", len(q.ops), ErrQueueFull)
	}

	q.seq++
	op.Sequence = q.seq
	op.Status = StatusPending
	if op.DeviceID == "" {
		op.DeviceID = q.deviceID
	}
	now := q.now()
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	if err := q.store.SaveOperation(ctx, op); err != nil {
		return nil, err
	}
	q.ops[op.ID] = op.Clone()
	return op, nil
}

// coalesceTargetLocked finds the Pending update for the same entity, if any.
func (q *OperationQueue) coalesceTargetLocked(op *Operation) *Operation {
	for _, existing := range q.ops {
		if existing.Status == StatusPending &&
			existing.Mutation == MutationUpdate &&
			existing.EntityType == op.EntityType &&
			existing.EntityID == op.EntityID {
			return existing
		}
	}
	return nil
}

// DequeueBatch returns up to limit operations ready to send, ordered by
// priority then enqueue sequence, and marks them InFlight. Operations
// whose backoff window has not elapsed are skipped, as is any entity that
// already has an operation in flight.
func (q *OperationQueue) DequeueBatch(ctx context.Context, limit int) ([]*Operation, error) {
	if limit <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	busy := make(map[string]bool)
	for _, op := range q.ops {
		if op.Status == StatusInFlight {
			busy[op.EntityKey()] = true
		}
	}

	now := q.now()
	var ready []*Operation
	for _, op := range q.ops {
		if op.Status != StatusPending {
			continue
		}
		if !op.NextAttemptAt.IsZero() && op.NextAttemptAt.After(now) {
			continue
		}
		if busy[op.EntityKey()] {
			continue
		}
		ready = append(ready, op)
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].Sequence < ready[j].Sequence
	})

	if len(ready) > limit {
		ready = ready[:limit]
	}

	batch := make([]*Operation, 0, len(ready))
	for _, op := range ready {
		if busy[op.EntityKey()] {
			continue
		}
		busy[op.EntityKey()] = true
		op.Status = StatusInFlight
		op.UpdatedAt = now
		if err := q.store.SaveOperation(ctx, op); err != nil {
			return nil, err
		}
		batch = append(batch, op.Clone())
	}
	return batch, nil
}

// Release returns an InFlight operation to Pending without charging a
// retry. Used when a cycle is canceled before the server answered.
func (q *OperationQueue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != StatusInFlight {
		return nil
	}
	op.Status = StatusPending
	op.UpdatedAt = q.now()
	return q.store.SaveOperation(ctx, op)
}

// MarkCommitted removes a successfully synced operation.
func (q *OperationQueue) MarkCommitted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ops[id]; !ok {
		return ErrOperationNotFound
	}
	if err := q.store.DeleteOperation(ctx, id); err != nil {
		return err
	}
	delete(q.ops, id)
	return nil
}

// MarkFailed records a failed attempt. Transient failures return the
// operation to Pending with exponential backoff; a non-transient failure
// or exhausted retries dead-letters it.
func (q *OperationQueue) MarkFailed(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return ErrOperationNotFound
	}

	op.RetryCount++
	op.UpdatedAt = q.now()
	if cause != nil {
		op.LastError = cause.Error()
	}

	if !IsTransient(cause) || op.RetryCount >= q.config.MaxRetries {
		op.Status = StatusDeadLettered
		op.NextAttemptAt = time.Time{}
	} else {
		op.Status = StatusPending
		op.NextAttemptAt = q.now().Add(retryDelay(op.RetryCount, q.config.BaseBackoff, q.config.MaxBackoff, q.config.Jitter))
	}
	return q.store.SaveOperation(ctx, op)
}

// MarkConflicted parks an operation pending conflict resolution. It stays
// out of dequeues until the resolution absorbs or reinstates it.
func (q *OperationQueue) MarkConflicted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	op.Status = StatusConflicted
	op.UpdatedAt = q.now()
	return q.store.SaveOperation(ctx, op)
}

// Absorb removes a conflicted operation whose intent has been folded into
// a corrective operation.
func (q *OperationQueue) Absorb(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != StatusConflicted {
		return fmt.Errorf("operation %s is %s, not conflicted", id, op.Status)
	}
	if err := q.store.DeleteOperation(ctx, id); err != nil {
		return err
	}
	delete(q.ops, id)
	return nil
}

// ResetDeadLettered returns every dead-lettered operation to Pending with
// a fresh retry budget. Returns the number reinstated.
func (q *OperationQueue) ResetDeadLettered(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, op := range q.ops {
		if op.Status != StatusDeadLettered {
			continue
		}
		op.Status = StatusPending
		op.RetryCount = 0
		op.LastError = ""
		op.NextAttemptAt = time.Time{}
		op.UpdatedAt = q.now()
		if err := q.store.SaveOperation(ctx, op); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Get returns a copy of an operation by ID.
func (q *OperationQueue) Get(id string) (*Operation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	op, ok := q.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

// QueueStats summarizes queue occupancy by status.
type QueueStats struct {
	Pending      int
	InFlight     int
	Conflicted   int
	DeadLettered int
}

// Depth returns the total number of queued operations.
func (q *OperationQueue) Depth() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ops)
}

// Stats returns per-status counts.
func (q *OperationQueue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var stats QueueStats
	for _, op := range q.ops {
		switch op.Status {
		case StatusPending:
			stats.Pending++
		case StatusInFlight:
			stats.InFlight++
		case StatusConflicted:
			stats.Conflicted++
		case StatusDeadLettered:
			stats.DeadLettered++
		}
	}
	return stats
}

// DeadLetters returns copies of all dead-lettered operations.
func (q *OperationQueue) DeadLetters() []*Operation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*Operation
	for _, op := range q.ops {
		if op.Status == StatusDeadLettered {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
