package persistence

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/basket/warden/internal/state"
)

func sampleAggregate() *state.Aggregate {
	agg := state.NewAggregate()
	agg.UpsertWorkspace(state.Workspace{
		ID:          "ws-restore",
		Name:        "Restore Workspace",
		Connected:   true,
		CurrentTask: "Handle alert",
	})
	agg.UpsertThread(state.Thread{WorkspaceID: "ws-restore", ID: "thread-1", Status: state.ThreadRunning})
	agg.UpsertJob(state.Job{
		ID:            "job-1",
		WorkspaceID:   "ws-restore",
		ThreadID:      "thread-1",
		DedupeKey:     "d-1",
		Description:   "run tests",
		Status:        state.JobRunning,
		RequestedAtMs: 100,
	})
	agg.PushSignal(state.Signal{ID: "approval:ws-restore:1", Kind: state.SignalNeedsApproval, Message: "Action requires approval", CreatedAtMs: 110})
	agg.AppendChat(state.ChatMessage{ID: "chat-1", Role: state.ChatRoleSystem, Text: "Turn started", CreatedAtMs: 120}, state.DefaultChatHistoryLimit)
	return agg
}

func assertRoundTrip(t *testing.T, saved, loaded *state.Aggregate) {
	t.Helper()
	want, err := json.Marshal(saved)
	if err != nil {
		t.Fatalf("marshal saved: %v", err)
	}
	got, err := json.Marshal(loaded)
	if err != nil {
		t.Fatalf("marshal loaded: %v", err)
	}
	if string(want) != string(got) {
		t.Fatalf("round trip differs:\n%s\n---\n%s", want, got)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	agg := sampleAggregate()
	if err := store.SaveState(context.Background(), agg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertRoundTrip(t, agg, loaded)
}

func TestStoreLoadsEmptyWhenUnsaved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	loaded, err := store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Workspaces) != 0 || len(loaded.Signals) != 0 {
		t.Fatalf("fresh db should load empty aggregate: %+v", loaded)
	}
}

func TestStoreSaveOverwritesLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	first := sampleAggregate()
	if err := store.SaveState(context.Background(), first); err != nil {
		t.Fatalf("save first: %v", err)
	}

	second := sampleAggregate()
	second.UpsertWorkspace(state.Workspace{ID: "ws-2", Connected: false})
	if err := store.SaveState(context.Background(), second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	loaded, err := store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Workspaces) != 2 {
		t.Fatalf("latest snapshot should win: %+v", loaded.Workspaces)
	}
}

func TestStoreReopensExistingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.SaveState(context.Background(), sampleAggregate()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := loaded.Workspaces["ws-restore"]; !ok {
		t.Fatalf("snapshot lost across reopen: %+v", loaded.Workspaces)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := StateFilePath(t.TempDir())
	store := NewFileStore(path)

	agg := sampleAggregate()
	if err := store.SaveState(context.Background(), agg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertRoundTrip(t, agg, loaded)
}

func TestFileStoreMissingFileLoadsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing", StateFileName))
	loaded, err := store.LoadState(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Workspaces) != 0 {
		t.Fatalf("missing file should load empty aggregate: %+v", loaded)
	}
}
