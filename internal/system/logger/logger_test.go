package logger

import (
	"path/filepath"
	"testing"
)

func TestNewWritesAndListsLogFile(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(Config{Dir: dir, StderrEnabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	logger := mgr.NewLogger()
	logger.Info("hello world")

	files, err := ListLogFiles(dir)
	if err != nil {
		t.Fatalf("ListLogFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected exactly one log file, got %d", len(files))
	}

	lines, err := TailFile(files[0].Path, 10)
	if err != nil {
		t.Fatalf("TailFile: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("expected at least one logged line")
	}
}

func TestQueryFileFindsSubstring(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.log")
	mgr, err := New(Config{Dir: dir, StderrEnabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mgr.NewLogger().Info("needle in a haystack")
	mgr.Close()

	files, err := ListLogFiles(dir)
	if err != nil || len(files) == 0 {
		t.Fatalf("ListLogFiles: %v", err)
	}
	path = files[0].Path

	matches, err := QueryFile(path, "NEEDLE")
	if err != nil {
		t.Fatalf("QueryFile: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one matching line, got %d", len(matches))
	}
}

func TestCleanupRemovesNothingWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	mgr, err := New(Config{Dir: dir, MaxAgeDays: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mgr.Close()

	removed, err := mgr.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected Cleanup to no-op when MaxAgeDays <= 0, removed %d", removed)
	}
}
