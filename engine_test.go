package syncengine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestEngine(t *testing.T, transport Transport) *Engine {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "sync.db"))
	cfg.DeviceID = "device-a"
	cfg.Transport.Endpoint = "https://sync.example.com/v1"

	eng, err := New(context.Background(), cfg,
		WithTransport(transport),
		WithSnapshotBackend(NewMemorySnapshotBackend()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestEngineRecordMutation(t *testing.T) {
	eng := newTestEngine(t, &fakeTransport{})
	ctx := context.Background()

	t.Run("create", func(t *testing.T) {
		op, err := eng.RecordMutation(ctx, "account", "acc-1", nil,
			map[string]any{"name": "Checking", "balance": 1500.0})
		if err != nil {
			t.Fatalf("RecordMutation: %v", err)
		}
		if op.Mutation != MutationCreate {
			t.Errorf("mutation = %s, want create", op.Mutation)
		}
		if len(op.Fields) != 2 {
			t.Errorf("fields = %v, want both", op.Fields)
		}
	})

	t.Run("update carries only changed fields", func(t *testing.T) {
		op, err := eng.RecordMutation(ctx, "account", "acc-2",
			map[string]any{"name": "Savings", "balance": 100.0},
			map[string]any{"name": "Savings", "balance": 250.0})
		if err != nil {
			t.Fatalf("RecordMutation: %v", err)
		}
		if op.Mutation != MutationUpdate {
			t.Errorf("mutation = %s, want update", op.Mutation)
		}
		if _, ok := op.Fields["name"]; ok {
			t.Error("unchanged field queued")
		}
		if fc := op.Fields["balance"]; fc.Before != 100.0 || fc.After != 250.0 {
			t.Errorf("balance change = %+v", fc)
		}
	})

	t.Run("delete", func(t *testing.T) {
		op, err := eng.RecordMutation(ctx, "account", "acc-3",
			map[string]any{"name": "Old"}, nil)
		if err != nil {
			t.Fatalf("RecordMutation: %v", err)
		}
		if op.Mutation != MutationDelete {
			t.Errorf("mutation = %s, want delete", op.Mutation)
		}
	})

	t.Run("no-op change queues nothing", func(t *testing.T) {
		before := map[string]any{"name": "Same"}
		op, err := eng.RecordMutation(ctx, "account", "acc-4", before,
			map[string]any{"name": "Same"})
		if err != nil {
			t.Fatalf("RecordMutation: %v", err)
		}
		if op != nil {
			t.Errorf("no-op change produced operation %+v", op)
		}
	})

	t.Run("nothing at all is an error", func(t *testing.T) {
		if _, err := eng.RecordMutation(ctx, "account", "acc-5", nil, nil); err == nil {
			t.Error("nil/nil mutation accepted")
		}
	})
}

func TestEngineSchemaRejectsInvalidMutation(t *testing.T) {
	eng := newTestEngine(t, &fakeTransport{})
	ctx := context.Background()

	minBalance := -1e9
	eng.RegisterSchema(EntitySchema{
		EntityType: "account",
		Fields: map[string]FieldSchema{
			"name":    {Type: FieldTypeString, Required: true, MaxLen: 64},
			"balance": {Type: FieldTypeNumber, Min: &minBalance},
		},
		AllowUnknown: true,
	})

	if _, err := eng.RecordMutation(ctx, "account", "acc-1", nil,
		map[string]any{"balance": 100.0}); !errors.Is(err, ErrSchemaValidation) {
		t.Errorf("missing required field accepted: %v", err)
	}
	if _, err := eng.RecordMutation(ctx, "account", "acc-1", nil,
		map[string]any{"name": "Checking", "balance": "not a number"}); !errors.Is(err, ErrSchemaValidation) {
		t.Errorf("wrong type accepted: %v", err)
	}
	if _, err := eng.RecordMutation(ctx, "account", "acc-1", nil,
		map[string]any{"name": "Checking", "balance": 100.0}); err != nil {
		t.Errorf("valid mutation rejected: %v", err)
	}
}

func TestEngineEndToEndSync(t *testing.T) {
	eng := newTestEngine(t, &fakeTransport{})
	ctx := context.Background()

	if _, err := eng.RecordMutation(ctx, "account", "acc-1", nil,
		map[string]any{"name": "Checking", "balance": 1500.0}); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}

	eng.SetOnline(true)
	session, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if session.Committed != 1 {
		t.Fatalf("Committed = %d, want 1", session.Committed)
	}
	if stats := eng.QueueStats(); stats.Pending != 0 {
		t.Errorf("pending = %d after sync, want 0", stats.Pending)
	}

	// The next mutation against the entity bases off the committed version.
	op, err := eng.RecordMutation(ctx, "account", "acc-1",
		map[string]any{"name": "Checking", "balance": 1500.0},
		map[string]any{"name": "Checking", "balance": 1750.0})
	if err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}
	if op.BaseVersion != 1 {
		t.Errorf("base version = %d, want 1", op.BaseVersion)
	}

	sessions, err := eng.RecentSessions(ctx, 10)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("RecentSessions = %d, %v", len(sessions), err)
	}
}

func TestEngineOfflineSyncFails(t *testing.T) {
	eng := newTestEngine(t, &fakeTransport{})

	if _, err := eng.Sync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("Sync while offline = %v, want ErrOffline", err)
	}
}

func TestEngineQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "sync.db"))
	cfg.DeviceID = "device-a"
	cfg.Transport.Endpoint = "https://sync.example.com/v1"

	eng, err := New(ctx, cfg, WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.RecordMutation(ctx, "account", "acc-1", nil,
		map[string]any{"name": "Checking"}); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(ctx, cfg, WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if stats := reopened.QueueStats(); stats.Pending != 1 {
		t.Fatalf("pending after reopen = %d, want 1", stats.Pending)
	}
	reopened.SetOnline(true)
	session, err := reopened.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if session.Committed != 1 {
		t.Errorf("Committed = %d, want 1", session.Committed)
	}
}

func TestEngineEncryptedStateAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	build := func() Config {
		cfg := DefaultConfig(filepath.Join(dir, "sync.db"))
		cfg.DeviceID = "device-a"
		cfg.Transport.Endpoint = "https://sync.example.com/v1"
		cfg.Encryption = &EncryptionConfig{Enabled: true, KeyPassword: "correct horse"}
		return cfg
	}

	eng, err := New(ctx, build(), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := eng.RecordMutation(ctx, "account", "acc-1", nil,
		map[string]any{"name": "Checking", "balance": 1500.0}); err != nil {
		t.Fatalf("RecordMutation: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen with the password alone; the stored salt re-derives the key.
	reopened, err := New(ctx, build(), WithTransport(&fakeTransport{}))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if stats := reopened.QueueStats(); stats.Pending != 1 {
		t.Fatalf("pending after encrypted reopen = %d, want 1", stats.Pending)
	}
}

func TestEngineDeviceRegistration(t *testing.T) {
	eng := newTestEngine(t, &fakeTransport{})
	ctx := context.Background()

	devices, err := eng.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "device-a" {
		t.Fatalf("devices = %+v, want just device-a", devices)
	}
	if !devices[0].IsMaster {
		t.Error("sole device should be master")
	}
}
