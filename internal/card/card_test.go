package card

import (
	"context"
	"sync"
	"testing"
)

type fakeClient struct {
	mu       sync.Mutex
	created  []CreateRequest
	streamed []UpdateRequest
	statuses []State
	failNext bool
}

func (f *fakeClient) CreateAndDeliver(ctx context.Context, req CreateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return nil
}

func (f *fakeClient) StreamingUpdate(ctx context.Context, req UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return context.DeadlineExceeded
	}
	f.streamed = append(f.streamed, req)
	return nil
}

func (f *fakeClient) SetStatus(ctx context.Context, outTrackID string, status State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func TestCreateTransitionsToCreated(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client)
	if err := s.Create(context.Background(), CreateRequest{OutTrackID: "t1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(client.created) != 1 {
		t.Fatalf("expected one create call, got %d", len(client.created))
	}
}

func TestFirstStreamPutsInputingBeforeContent(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client)
	s.Create(context.Background(), CreateRequest{OutTrackID: "t1"})

	if err := s.Stream(context.Background(), "t1", "hello", false); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(client.statuses) != 1 || client.statuses[0] != StateInputing {
		t.Fatalf("expected INPUTING status put before streaming, got %v", client.statuses)
	}
	if len(client.streamed) != 1 || client.streamed[0].Content != "hello" {
		t.Fatalf("unexpected streamed content: %v", client.streamed)
	}
}

func TestStreamAccumulatesContentAndIsFull(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client)
	s.Create(context.Background(), CreateRequest{OutTrackID: "t1"})
	s.Stream(context.Background(), "t1", "hello", false)
	s.Stream(context.Background(), "t1", " world", false)

	last := client.streamed[len(client.streamed)-1]
	if last.Content != "hello world" {
		t.Fatalf("expected accumulated content, got %q", last.Content)
	}
	if !last.IsFull {
		t.Fatalf("expected IsFull=true on every streaming update")
	}
}

func TestFinishPutsFinishedStatus(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client)
	s.Create(context.Background(), CreateRequest{OutTrackID: "t1"})
	s.Stream(context.Background(), "t1", "done", true)

	if err := s.Finish(context.Background(), "t1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if client.statuses[len(client.statuses)-1] != StateFinished {
		t.Fatalf("expected FINISHED status put last, got %v", client.statuses)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client)
	s.Create(context.Background(), CreateRequest{OutTrackID: "t1"})
	s.Stream(context.Background(), "t1", "done", true)
	s.Finish(context.Background(), "t1")

	statusesBefore := len(client.statuses)
	if err := s.Finish(context.Background(), "t1"); err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if len(client.statuses) != statusesBefore {
		t.Fatalf("expected no additional status put on double finalize, got %v", client.statuses)
	}
}

func TestFinishWithErrorMarksFailed(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client)
	s.Create(context.Background(), CreateRequest{OutTrackID: "t1"})
	s.Stream(context.Background(), "t1", "partial", false)

	if err := s.FinishWithError(context.Background(), "t1", "boom"); err != nil {
		t.Fatalf("finish with error: %v", err)
	}
	if client.statuses[len(client.statuses)-1] != StateFailed {
		t.Fatalf("expected FAILED status put, got %v", client.statuses)
	}

	if err := s.Stream(context.Background(), "t1", "more", false); err != nil {
		t.Fatalf("stream after failure should be a safe no-op, got error: %v", err)
	}
}

func TestAccumulatedContentAvailableAfterFailure(t *testing.T) {
	client := &fakeClient{}
	s := NewStreamer(client)
	s.Create(context.Background(), CreateRequest{OutTrackID: "t1"})
	s.Stream(context.Background(), "t1", "partial text", false)

	if got := s.AccumulatedContent("t1"); got != "partial text" {
		t.Fatalf("unexpected accumulated content: %q", got)
	}
}
