package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeAccount struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	canSend   bool
	blockErr  error
	unblock   chan struct{}
}

func newFakeAccount(canSend bool) *fakeAccount {
	return &fakeAccount{canSend: canSend, unblock: make(chan struct{})}
}

func (f *fakeAccount) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case <-f.unblock:
		return f.blockErr
	}
}

func (f *fakeAccount) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeAccount) CanSendActive() bool { return f.canSend }

func (f *fakeAccount) wasStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeAccount) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type recordingSink struct {
	mu        sync.Mutex
	statuses  []Status
}

func (s *recordingSink) Publish(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) snapshot() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, len(s.statuses))
	copy(out, s.statuses)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestStartAccountRunsAndPublishesRunningStatus(t *testing.T) {
	sink := &recordingSink{}
	m := New(sink)
	acct := newFakeAccount(true)

	if err := m.StartAccount("dingtalk", "acct1", acct); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, acct.wasStarted)

	if !m.IsRunning("dingtalk", "acct1") {
		t.Fatalf("expected account to be running")
	}

	statuses := sink.snapshot()
	if len(statuses) == 0 || !statuses[0].Running {
		t.Fatalf("expected an initial running status, got %+v", statuses)
	}

	m.StopAccount("dingtalk", "acct1")
}

func TestStartAccountTwiceErrors(t *testing.T) {
	m := New(nil)
	acct := newFakeAccount(false)

	if err := m.StartAccount("feishu", "acct1", acct); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.StopAccount("feishu", "acct1")

	if err := m.StartAccount("feishu", "acct1", newFakeAccount(false)); err == nil {
		t.Fatalf("expected error starting an already-running account")
	}
}

func TestStopAccountCancelsAndStops(t *testing.T) {
	m := New(nil)
	acct := newFakeAccount(false)

	if err := m.StartAccount("wecom", "acct1", acct); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, acct.wasStarted)

	if err := m.StopAccount("wecom", "acct1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if !acct.wasStopped() {
		t.Fatalf("expected Stop to have been called")
	}
	if m.IsRunning("wecom", "acct1") {
		t.Fatalf("expected account to no longer be running")
	}
}

func TestStopAccountNotRunningIsNoop(t *testing.T) {
	m := New(nil)
	if err := m.StopAccount("qqbot", "missing"); err != nil {
		t.Fatalf("expected no error stopping a non-running account, got %v", err)
	}
}

func TestReloadRestartsWithNewAccount(t *testing.T) {
	m := New(nil)
	first := newFakeAccount(false)

	if err := m.StartAccount("wecomapp", "acct1", first); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, first.wasStarted)

	second := newFakeAccount(true)
	if err := m.Reload("wecomapp", "acct1", second); err != nil {
		t.Fatalf("reload: %v", err)
	}
	waitUntil(t, time.Second, second.wasStarted)

	if !first.wasStopped() {
		t.Fatalf("expected the original account to have been stopped")
	}
	if !m.IsRunning("wecomapp", "acct1") {
		t.Fatalf("expected the reloaded account to be running")
	}

	m.StopAccount("wecomapp", "acct1")
}

func TestTaskExitErrorPublishesLastError(t *testing.T) {
	sink := &recordingSink{}
	m := New(sink)
	acct := newFakeAccount(false)
	acct.blockErr = errors.New("transport dropped")

	if err := m.StartAccount("dingtalk", "acct2", acct); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, acct.wasStarted)
	close(acct.unblock)

	waitUntil(t, time.Second, func() bool { return !m.IsRunning("dingtalk", "acct2") })

	var found bool
	for _, s := range sink.snapshot() {
		if !s.Running && s.LastError == "transport dropped" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a status carrying the task's error, got %+v", sink.snapshot())
	}
}

func TestStopAllStopsEveryTask(t *testing.T) {
	m := New(nil)
	a1 := newFakeAccount(false)
	a2 := newFakeAccount(false)

	m.StartAccount("dingtalk", "a1", a1)
	m.StartAccount("feishu", "a2", a2)
	waitUntil(t, time.Second, func() bool { return a1.wasStarted() && a2.wasStarted() })

	m.StopAll()

	if m.IsRunning("dingtalk", "a1") || m.IsRunning("feishu", "a2") {
		t.Fatalf("expected all accounts to be stopped")
	}
}
