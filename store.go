package syncengine

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// StoreConfig configures the local state store.
type StoreConfig struct {
	// Path to the SQLite database file.
	Path string

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	Synchronous string

	// MaxConnections is the max number of database connections.
	MaxConnections int
}

// DefaultStoreConfig returns default configuration.
func DefaultStoreConfig(path string) StoreConfig {
	return StoreConfig{
		Path:           path,
		BusyTimeout:    5000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		MaxConnections: 4,
	}
}

// SQLiteStore persists all durable sync state: the operation queue, version
// stamps, the last-synced entity snapshots, the append-only conflict audit
// log, device identities and sync sessions.
type SQLiteStore struct {
	db        *sql.DB
	config    StoreConfig
	encryptor *Encryptor
	mu        sync.RWMutex
	closed    bool

	// Prepared statements for hot paths
	insertOp *sql.Stmt
	deleteOp *sql.Stmt
	selectOp *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) the local state database.
// When enc is non-nil, operation payloads, snapshots and conflict records
// are encrypted at rest.
func NewSQLiteStore(config StoreConfig, enc *Encryptor) (*SQLiteStore, error) {
	if config.Path == "" {
		return nil, errors.New("store path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 4
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	s := &SQLiteStore{
		db:        db,
		config:    config,
		encryptor: enc,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	// Persist the key derivation salt so the key can be re-derived next open.
	if enc != nil {
		if err := s.SetMeta(context.Background(), "encryption_salt", hex.EncodeToString(enc.Salt())); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		-- Pending local mutations (the durable operation queue)
		CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			mutation TEXT NOT NULL,
			fields BLOB,
			base_version INTEGER NOT NULL DEFAULT 0,
			priority INTEGER NOT NULL DEFAULT 2,
			status INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			device_id TEXT,
			last_error TEXT,
			seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			next_attempt_at INTEGER NOT NULL DEFAULT 0
		);

		-- Per-entity monotonic versions
		CREATE TABLE IF NOT EXISTS version_stamps (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			last_modified_device TEXT,
			last_modified_at INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);

		-- Last-synced (known-good) entity state
		CREATE TABLE IF NOT EXISTS entity_snapshots (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			fields BLOB,
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);

		-- Append-only conflict audit trail
		CREATE TABLE IF NOT EXISTS conflict_log (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			severity INTEGER NOT NULL,
			category TEXT NOT NULL,
			status INTEGER NOT NULL,
			payload BLOB NOT NULL,
			detected_at INTEGER NOT NULL
		);

		-- Devices participating in sync for this account
		CREATE TABLE IF NOT EXISTS device_identities (
			id TEXT PRIMARY KEY,
			last_seen_at INTEGER NOT NULL,
			is_master INTEGER NOT NULL DEFAULT 0
		);

		-- Cycle telemetry
		CREATE TABLE IF NOT EXISTS sync_sessions (
			id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			started_at INTEGER NOT NULL
		);

		-- Engine metadata (salt, counters)
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(entity_type, entity_id);
		CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status, priority, seq);
		CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflict_log(entity_type, entity_id, status);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sync_sessions(started_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.insertOp, err = s.db.Prepare(`
		INSERT OR REPLACE INTO operations
			(id, entity_type, entity_id, mutation, fields, base_version, priority,
			 status, retry_count, device_id, last_error, seq, created_at, updated_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare operation insert: %w", err)
	}

	s.deleteOp, err = s.db.Prepare(`DELETE FROM operations WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare operation delete: %w", err)
	}

	s.selectOp, err = s.db.Prepare(`
		SELECT id, entity_type, entity_id, mutation, fields, base_version, priority,
		       status, retry_count, device_id, last_error, seq, created_at, updated_at, next_attempt_at
		FROM operations WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare operation select: %w", err)
	}

	return nil
}

// SetEncryptor attaches an encryptor after open and persists its salt.
// Meta rows stay plaintext so the salt can be read back before the key
// is derived.
func (s *SQLiteStore) SetEncryptor(ctx context.Context, enc *Encryptor) error {
	s.mu.Lock()
	s.encryptor = enc
	s.mu.Unlock()
	if enc == nil {
		return nil
	}
	return s.SetMeta(ctx, "encryption_salt", hex.EncodeToString(enc.Salt()))
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// encodePayload serializes and optionally encrypts a payload blob.
func (s *SQLiteStore) encodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s.encryptor != nil {
		return s.encryptor.Encrypt(data)
	}
	return data, nil
}

// decodePayload decrypts (if configured) and deserializes a payload blob.
func (s *SQLiteStore) decodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if s.encryptor != nil {
		plain, err := s.encryptor.Decrypt(data)
		if err != nil {
			return err
		}
		data = plain
	}
	return json.Unmarshal(data, v)
}

// --- Operations ---

// SaveOperation inserts or updates an operation row.
func (s *SQLiteStore) SaveOperation(ctx context.Context, op *Operation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	fields, err := s.encodePayload(op.Fields)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "encode operation fields", "operations", err)
	}
	_, err = s.insertOp.ExecContext(ctx,
		op.ID, op.EntityType, op.EntityID, string(op.Mutation), fields,
		op.BaseVersion, int(op.Priority), int(op.Status), op.RetryCount,
		op.DeviceID, op.LastError, op.Sequence,
		op.CreatedAt.UnixNano(), op.UpdatedAt.UnixNano(), op.NextAttemptAt.UnixNano())
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "save operation", "operations", err)
	}
	return nil
}

// DeleteOperation removes an operation row.
func (s *SQLiteStore) DeleteOperation(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.deleteOp.ExecContext(ctx, id); err != nil {
		return newStoreError(StoreErrorTypeWrite, "delete operation", "operations", err)
	}
	return nil
}

// GetOperation loads a single operation by ID.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*Operation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.selectOp.QueryRowContext(ctx, id)
	op, err := s.scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	return op, err
}

// LoadOperations returns every persisted operation ordered by priority then
// sequence; used to rebuild the in-memory queue on startup.
func (s *SQLiteStore) LoadOperations(ctx context.Context) ([]*Operation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, mutation, fields, base_version, priority,
		       status, retry_count, device_id, last_error, seq, created_at, updated_at, next_attempt_at
		FROM operations ORDER BY priority, seq
	`)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "load operations", "operations", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := s.scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var mutation string
	var fields []byte
	var priority, status int
	var deviceID, lastError sql.NullString
	var createdAt, updatedAt, nextAttemptAt int64

	err := row.Scan(&op.ID, &op.EntityType, &op.EntityID, &mutation, &fields,
		&op.BaseVersion, &priority, &status, &op.RetryCount,
		&deviceID, &lastError, &op.Sequence, &createdAt, &updatedAt, &nextAttemptAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, newStoreError(StoreErrorTypeRead, "scan operation", "operations", err)
	}

	op.Mutation = MutationType(mutation)
	op.Priority = Priority(priority)
	op.Status = OperationStatus(status)
	op.DeviceID = deviceID.String
	op.LastError = lastError.String
	op.CreatedAt = time.Unix(0, createdAt)
	op.UpdatedAt = time.Unix(0, updatedAt)
	if nextAttemptAt > 0 {
		op.NextAttemptAt = time.Unix(0, nextAttemptAt)
	}

	if len(fields) > 0 {
		if err := s.decodePayload(fields, &op.Fields); err != nil {
			return nil, newStoreError(StoreErrorTypeCorruption, "decode operation fields", "operations", err)
		}
	}
	return &op, nil
}

// MaxSequence returns the highest sequence number assigned so far.
func (s *SQLiteStore) MaxSequence(ctx context.Context) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM operations`).Scan(&max)
	if err != nil {
		return 0, newStoreError(StoreErrorTypeRead, "max sequence", "operations", err)
	}
	return max.Int64, nil
}

// --- Version stamps ---

// GetVersionStamp returns the stamp for an entity, or nil if never synced.
func (s *SQLiteStore) GetVersionStamp(ctx context.Context, entityType, entityID string) (*VersionStamp, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var vs VersionStamp
	var modifiedAt int64
	var device sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT version, last_modified_device, last_modified_at
		FROM version_stamps WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&vs.Version, &device, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "get version stamp", "version_stamps", err)
	}
	vs.EntityType = entityType
	vs.EntityID = entityID
	vs.LastModifiedDevice = device.String
	vs.LastModifiedAt = time.Unix(0, modifiedAt)
	return &vs, nil
}

// AdvanceVersion records a committed version for an entity. The version
// must be strictly greater than the stored one; equal or lower versions
// are rejected so no two commits ever share a version.
func (s *SQLiteStore) AdvanceVersion(ctx context.Context, entityType, entityID string, version int64, device string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "begin version tx", "version_stamps", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM version_stamps WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newStoreError(StoreErrorTypeRead, "read version stamp", "version_stamps", err)
	}
	if current.Valid && version <= current.Int64 {
		return fmt.Errorf("version %d not greater than committed %d for %s: %w",
			version, current.Int64, entityKey(entityType, entityID), ErrVersionConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO version_stamps (entity_type, entity_id, version, last_modified_device, last_modified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			version = excluded.version,
			last_modified_device = excluded.last_modified_device,
			last_modified_at = excluded.last_modified_at
	`, entityType, entityID, version, device, time.Now().UnixNano())
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "advance version", "version_stamps", err)
	}
	return tx.Commit()
}

// --- Entity snapshots ---

// SaveSnapshot stores the last-synced state for an entity.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, state *EntityState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	fields, err := s.encodePayload(state.Fields)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "encode snapshot", "entity_snapshots", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entity_snapshots (entity_type, entity_id, fields, version, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			fields = excluded.fields,
			version = excluded.version,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`, state.EntityType, state.EntityID, fields, state.Version, state.Checksum, time.Now().UnixNano())
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "save snapshot", "entity_snapshots", err)
	}
	return nil
}

// DeleteSnapshot removes the stored snapshot and version stamp for an
// entity after its deletion commits remotely. Idempotent.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, entityType, entityID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM entity_snapshots WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID); err != nil {
		return newStoreError(StoreErrorTypeWrite, "delete snapshot", "entity_snapshots", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM version_stamps WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID); err != nil {
		return newStoreError(StoreErrorTypeWrite, "delete snapshot", "version_stamps", err)
	}
	return nil
}

// GetSnapshot returns the last-synced state for an entity, or nil.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, entityType, entityID string) (*EntityState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var fields []byte
	state := &EntityState{EntityType: entityType, EntityID: entityID}
	err := s.db.QueryRowContext(ctx, `
		SELECT fields, version, checksum FROM entity_snapshots
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&fields, &state.Version, &state.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "get snapshot", "entity_snapshots", err)
	}
	if err := s.decodePayload(fields, &state.Fields); err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "decode snapshot", "entity_snapshots", err)
	}
	if state.Fields == nil {
		state.Fields = map[string]any{}
	}
	return state, nil
}

// ListSnapshots returns every stored snapshot, ordered by entity key.
// Used by the full-state integrity audit.
func (s *SQLiteStore) ListSnapshots(ctx context.Context) ([]*EntityState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, fields, version, checksum
		FROM entity_snapshots ORDER BY entity_type, entity_id
	`)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "list snapshots", "entity_snapshots", err)
	}
	defer rows.Close()

	var states []*EntityState
	for rows.Next() {
		var fields []byte
		state := &EntityState{}
		if err := rows.Scan(&state.EntityType, &state.EntityID, &fields, &state.Version, &state.Checksum); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "scan snapshot", "entity_snapshots", err)
		}
		if err := s.decodePayload(fields, &state.Fields); err != nil {
			return nil, newStoreError(StoreErrorTypeCorruption, "decode snapshot", "entity_snapshots", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// --- Conflict audit log ---

// AppendConflict writes a newly detected conflict to the audit log.
// The log enforces at most one open record per entity.
func (s *SQLiteStore) AppendConflict(ctx context.Context, rec *ConflictRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	open, err := s.OpenConflictForEntity(ctx, rec.EntityType, rec.EntityID)
	if err != nil {
		return err
	}
	if open != nil {
		return fmt.Errorf("open conflict %s already exists for %s", open.ID, entityKey(rec.EntityType, rec.EntityID))
	}

	payload, err := s.encodePayload(rec)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "encode conflict", "conflict_log", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflict_log (id, entity_type, entity_id, severity, category, status, payload, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.EntityType, rec.EntityID, int(rec.Severity), string(rec.Category),
		int(rec.Status), payload, rec.DetectedAt.UnixNano())
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "append conflict", "conflict_log", err)
	}
	return nil
}

// UpdateConflict rewrites a conflict record's status and resolution.
// Archived records are immutable history and cannot be updated.
func (s *SQLiteStore) UpdateConflict(ctx context.Context, rec *ConflictRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	existing, err := s.GetConflict(ctx, rec.ID)
	if err != nil {
		return err
	}
	if existing.Status == ConflictArchived {
		return fmt.Errorf("conflict %s is archived and immutable", rec.ID)
	}

	payload, err := s.encodePayload(rec)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "encode conflict", "conflict_log", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE conflict_log SET status = ?, payload = ? WHERE id = ?
	`, int(rec.Status), payload, rec.ID)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "update conflict", "conflict_log", err)
	}
	return nil
}

// GetConflict loads a conflict record by ID.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM conflict_log WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "get conflict", "conflict_log", err)
	}
	var rec ConflictRecord
	if err := s.decodePayload(payload, &rec); err != nil {
		return nil, newStoreError(StoreErrorTypeCorruption, "decode conflict", "conflict_log", err)
	}
	return &rec, nil
}

// OpenConflicts returns every unresolved conflict, oldest first.
func (s *SQLiteStore) OpenConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	return s.queryConflicts(ctx, `
		SELECT payload FROM conflict_log
		WHERE status IN (?, ?, ?) ORDER BY detected_at
	`, int(ConflictDetected), int(ConflictAutoResolving), int(ConflictPendingUser))
}

// OpenConflictForEntity returns the open conflict for an entity, or nil.
func (s *SQLiteStore) OpenConflictForEntity(ctx context.Context, entityType, entityID string) (*ConflictRecord, error) {
	recs, err := s.queryConflicts(ctx, `
		SELECT payload FROM conflict_log
		WHERE entity_type = ? AND entity_id = ? AND status IN (?, ?, ?)
		ORDER BY detected_at LIMIT 1
	`, entityType, entityID, int(ConflictDetected), int(ConflictAutoResolving), int(ConflictPendingUser))
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// ConflictsByStatus returns every conflict in the given state, oldest first.
func (s *SQLiteStore) ConflictsByStatus(ctx context.Context, status ConflictStatus) ([]*ConflictRecord, error) {
	return s.queryConflicts(ctx, `
		SELECT payload FROM conflict_log WHERE status = ? ORDER BY detected_at
	`, int(status))
}

// ConflictHistory returns the full audit trail for an entity, oldest first.
func (s *SQLiteStore) ConflictHistory(ctx context.Context, entityType, entityID string) ([]*ConflictRecord, error) {
	return s.queryConflicts(ctx, `
		SELECT payload FROM conflict_log
		WHERE entity_type = ? AND entity_id = ? ORDER BY detected_at
	`, entityType, entityID)
}

func (s *SQLiteStore) queryConflicts(ctx context.Context, query string, args ...any) ([]*ConflictRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "query conflicts", "conflict_log", err)
	}
	defer rows.Close()

	var recs []*ConflictRecord
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "scan conflict", "conflict_log", err)
		}
		var rec ConflictRecord
		if err := s.decodePayload(payload, &rec); err != nil {
			return nil, newStoreError(StoreErrorTypeCorruption, "decode conflict", "conflict_log", err)
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// --- Device identities ---

// UpsertDevice records a device and its last-seen time.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, dev *DeviceIdentity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	master := 0
	if dev.IsMaster {
		master = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_identities (id, last_seen_at, is_master)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_seen_at = excluded.last_seen_at,
			is_master = excluded.is_master
	`, dev.ID, dev.LastSeenAt.UnixNano(), master)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "upsert device", "device_identities", err)
	}
	return nil
}

// GetDevice loads a device identity, or nil if unknown.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*DeviceIdentity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var dev DeviceIdentity
	var lastSeen int64
	var master int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, last_seen_at, is_master FROM device_identities WHERE id = ?
	`, id).Scan(&dev.ID, &lastSeen, &master)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "get device", "device_identities", err)
	}
	dev.LastSeenAt = time.Unix(0, lastSeen)
	dev.IsMaster = master == 1
	return &dev, nil
}

// ListDevices returns every known device.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*DeviceIdentity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, last_seen_at, is_master FROM device_identities ORDER BY id`)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "list devices", "device_identities", err)
	}
	defer rows.Close()

	var devices []*DeviceIdentity
	for rows.Next() {
		var dev DeviceIdentity
		var lastSeen int64
		var master int
		if err := rows.Scan(&dev.ID, &lastSeen, &master); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "scan device", "device_identities", err)
		}
		dev.LastSeenAt = time.Unix(0, lastSeen)
		dev.IsMaster = master == 1
		devices = append(devices, &dev)
	}
	return devices, rows.Err()
}

// SetMaster marks one device as master and clears the flag on all others,
// keeping isMaster unique per account.
func (s *SQLiteStore) SetMaster(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "begin master tx", "device_identities", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE device_identities SET is_master = 0`); err != nil {
		return newStoreError(StoreErrorTypeWrite, "clear master", "device_identities", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE device_identities SET is_master = 1 WHERE id = ?`, id)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "set master", "device_identities", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown device %q", id)
	}
	return tx.Commit()
}

// --- Sessions ---

// SaveSession persists cycle telemetry.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *SyncSession) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	payload, err := s.encodePayload(sess)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "encode session", "sync_sessions", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_sessions (id, payload, started_at) VALUES (?, ?, ?)
	`, sess.ID, payload, sess.StartedAt.UnixNano())
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "save session", "sync_sessions", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *SQLiteStore) RecentSessions(ctx context.Context, limit int) ([]*SyncSession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM sync_sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, newStoreError(StoreErrorTypeRead, "recent sessions", "sync_sessions", err)
	}
	defer rows.Close()

	var sessions []*SyncSession
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, newStoreError(StoreErrorTypeRead, "scan session", "sync_sessions", err)
		}
		var sess SyncSession
		if err := s.decodePayload(payload, &sess); err != nil {
			return nil, newStoreError(StoreErrorTypeCorruption, "decode session", "sync_sessions", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// --- Meta ---

// GetMeta reads an engine metadata value.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", newStoreError(StoreErrorTypeRead, "get meta", "meta", err)
	}
	return value, nil
}

// SetMeta writes an engine metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return newStoreError(StoreErrorTypeWrite, "set meta", "meta", err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.insertOp != nil {
		s.insertOp.Close()
	}
	if s.deleteOp != nil {
		s.deleteOp.Close()
	}
	if s.selectOp != nil {
		s.selectOp.Close()
	}
	return s.db.Close()
}
