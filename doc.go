// Package syncengine provides an embedded offline-first synchronization
// engine for client applications that must stay fully usable without
// connectivity.
//
// Local mutations are captured as field-level operations in a durable
// SQLite-backed queue and shipped to the backend as compressed delta
// batches when the network allows. Concurrent edits are detected with a
// three-way merge against the last-synced snapshot and resolved through a
// strategy chain of business rules, learned user preferences and static
// precedence, with anything uncertain deferred to the user.
//
// # Basic Usage
//
// Open an engine and start background sync:
//
//	eng, err := syncengine.New(ctx, syncengine.DefaultConfig("sync.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//	eng.Start(ctx)
//
// Record changes as the user makes them:
//
//	op, err := eng.RecordMutation(ctx, "account", "acc-1",
//	    map[string]any{"balance": 100.0},
//	    map[string]any{"balance": 250.0})
//
// Report connectivity from the host platform:
//
//	eng.SetOnline(true)
//	eng.ReportSample(40 * time.Millisecond)
//
// Handle conflicts the engine could not settle on its own:
//
//	pending, _ := eng.PendingConflicts(ctx)
//	for _, rec := range pending {
//	    eng.ResolveConflict(ctx, rec.ID, chooseValues(rec))
//	}
//
// # Features
//
// Queueing & Transport:
//   - Durable operation queue with coalescing and priority ordering
//   - Exponential backoff with jitter and a dead letter state
//   - Field-level delta batches, snappy-compressed, checksummed
//   - Link quality scoring that adapts batch size to the network
//
// Conflict Handling:
//   - Three-way classification against last-synced snapshots
//   - Field sensitivity severity scoring for financial data
//   - Business rule, preference and last-write-wins strategies
//   - Deterministic cross-device tie breaking with a master flag
//   - Append-only conflict audit trail
//
// Integrity & Recovery:
//   - Canonical JSON checksums verified on every commit
//   - Schema validation and entity quarantine
//   - Repair from archived snapshots (in-memory or S3)
//   - Full-state audits with device-comparable aggregate hashes
//   - Optional AES-256-GCM encryption at rest
package syncengine
