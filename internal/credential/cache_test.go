package credential

import (
	"context"
	"testing"
	"time"
)

func TestGetCachesUntilExpiry(t *testing.T) {
	c := NewCache()
	calls := 0
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		calls++
		return "tok", time.Hour, nil
	}

	for i := 0; i < 3; i++ {
		tok, err := c.Get(context.Background(), "corp1|1", fetch)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if tok != "tok" {
			t.Fatalf("unexpected token: %s", tok)
		}
	}
	if calls != 1 {
		t.Fatalf("expected fetch to be called once, got %d", calls)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	c := NewCache()
	calls := 0
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		calls++
		return "tok", time.Hour, nil
	}

	if _, err := c.Get(context.Background(), "k", fetch); err != nil {
		t.Fatalf("get: %v", err)
	}
	c.Invalidate("k")
	if _, err := c.Get(context.Background(), "k", fetch); err != nil {
		t.Fatalf("get: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", calls)
	}
}

func TestGetNeverReturnsExpiredToken(t *testing.T) {
	c := NewCache()
	// ttl smaller than the safety margin should still produce an
	// expiry in the past, forcing a refetch every time rather than
	// returning a token that violates now < expiresAt.
	calls := 0
	fetch := func(ctx context.Context) (string, time.Duration, error) {
		calls++
		return "tok", time.Minute, nil
	}
	c.Get(context.Background(), "k", fetch)
	c.Get(context.Background(), "k", fetch)
	if calls != 2 {
		t.Fatalf("expected every call to refetch when ttl < safety margin, got %d calls", calls)
	}
}
