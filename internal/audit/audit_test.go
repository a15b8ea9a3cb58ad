package audit

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{Dir: t.TempDir(), Enabled: true})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLogAssignsIDAndDefaults(t *testing.T) {
	store := newTestStore(t)
	rec := &Record{Action: ActionInbound, Channel: "dingtalk", SessionKey: "s1"}
	if err := store.Log(rec); err != nil {
		t.Fatalf("log: %v", err)
	}
	if rec.ID == 0 {
		t.Fatalf("expected an assigned id")
	}
	if rec.Status != "success" {
		t.Fatalf("expected default status success, got %q", rec.Status)
	}
}

func TestQueryFiltersByChannel(t *testing.T) {
	store := newTestStore(t)
	store.Log(&Record{Action: ActionInbound, Channel: "dingtalk", SessionKey: "s1"})
	store.Log(&Record{Action: ActionInbound, Channel: "feishu", SessionKey: "s2"})

	results, err := store.Query(QueryParams{Channel: "feishu"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].Channel != "feishu" {
		t.Fatalf("unexpected query results: %+v", results)
	}
}

func TestPruneDeletesOldRecords(t *testing.T) {
	store := newTestStore(t)
	old := &Record{Action: ActionInbound, Channel: "wecom", CreatedAt: time.Now().UTC().Add(-100 * 24 * time.Hour).Format(time.RFC3339Nano)}
	if err := store.Log(old); err != nil {
		t.Fatalf("log old: %v", err)
	}
	recent := &Record{Action: ActionInbound, Channel: "wecom"}
	if err := store.Log(recent); err != nil {
		t.Fatalf("log recent: %v", err)
	}

	if err := store.Prune(90); err != nil {
		t.Fatalf("prune: %v", err)
	}

	results, err := store.Query(QueryParams{Channel: "wecom"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) != 1 || results[0].ID != recent.ID {
		t.Fatalf("expected only the recent record to survive pruning, got %+v", results)
	}
}
