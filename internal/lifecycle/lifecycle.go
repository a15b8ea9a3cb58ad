// Package lifecycle implements §4.L: starting, stopping, and
// reloading each (channel, accountId) ingress task independently, and
// publishing status changes to a Host-supplied sink.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is one account's current lifecycle state.
type Status struct {
	Channel       string
	AccountID     string
	Running       bool
	Configured    bool
	CanSendActive bool
	StartedAt     time.Time
	LastError     string
	UpdatedAt     time.Time
}

// StatusSink receives every status change this manager publishes.
type StatusSink interface {
	Publish(Status)
}

// Account is one channel's per-account ingress task. Start blocks
// until ctx is cancelled or the ingress loop exits on its own (e.g. a
// transport error); Stop is called once after Start returns, whether
// ctx was cancelled or the loop exited on its own, to release any
// resources Start did not clean up itself.
type Account interface {
	Start(ctx context.Context) error
	Stop()
	CanSendActive() bool
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager tracks one running task per (channel, accountId) key.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*task
	sink  StatusSink
}

// New builds a Manager that publishes status changes to sink. sink
// may be nil, in which case status changes are simply dropped.
func New(sink StatusSink) *Manager {
	return &Manager{tasks: make(map[string]*task), sink: sink}
}

func key(channel, accountID string) string {
	return channel + "|" + accountID
}

func (m *Manager) publish(s Status) {
	s.UpdatedAt = time.Now()
	if m.sink != nil {
		m.sink.Publish(s)
	}
}

// StartAccount launches acct's ingress loop in its own goroutine,
// tracked under (channel, accountId). Starting an account that is
// already running is a no-op that returns an error instead of
// silently leaking a second goroutine.
func (m *Manager) StartAccount(channel, accountID string, acct Account) error {
	k := key(channel, accountID)

	m.mu.Lock()
	if _, exists := m.tasks[k]; exists {
		m.mu.Unlock()
		return fmt.Errorf("account %s already running", k)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	m.tasks[k] = t
	m.mu.Unlock()

	m.publish(Status{Channel: channel, AccountID: accountID, Running: true, Configured: true, CanSendActive: acct.CanSendActive(), StartedAt: time.Now()})

	go func() {
		defer close(t.done)
		err := acct.Start(ctx)
		acct.Stop()

		m.mu.Lock()
		delete(m.tasks, k)
		m.mu.Unlock()

		lastErr := ""
		if err != nil && ctx.Err() == nil {
			lastErr = err.Error()
		}
		m.publish(Status{Channel: channel, AccountID: accountID, Running: false, Configured: true, LastError: lastErr})
	}()

	return nil
}

// StopAccount cancels the running task for (channel, accountId) and
// waits for its goroutine to exit. Stopping an account that is not
// running is a no-op.
func (m *Manager) StopAccount(channel, accountID string) error {
	k := key(channel, accountID)

	m.mu.Lock()
	t, exists := m.tasks[k]
	m.mu.Unlock()
	if !exists {
		return nil
	}

	t.cancel()
	<-t.done
	return nil
}

// Reload stops then restarts (channel, accountId) with a freshly
// constructed Account, the response to a config key matching this
// plug-in's reload prefixes having changed.
func (m *Manager) Reload(channel, accountID string, acct Account) error {
	if err := m.StopAccount(channel, accountID); err != nil {
		return fmt.Errorf("stop before reload: %w", err)
	}
	return m.StartAccount(channel, accountID, acct)
}

// IsRunning reports whether (channel, accountId) currently has an
// active task.
func (m *Manager) IsRunning(channel, accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[key(channel, accountID)]
	return ok
}

// StopAll cancels every running task, used on process shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}
