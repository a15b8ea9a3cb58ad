// Package card implements the DingTalk AI card streaming state
// machine (§4.J): CREATED -> INPUTING -> FINISHED/FAILED, with a
// throttled streaming update on every state beyond creation.
package card

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wendell1224/openclaw-china/internal/gatewayerr"
)

// State is one position in the card's lifecycle.
type State string

const (
	StateNone     State = ""
	StateCreated  State = "created"
	StateInputing State = "inputing"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// throttleInterval is the minimum spacing between successive streaming
// update calls on the same card (§4.J: "≥300ms").
const throttleInterval = 300 * time.Millisecond

// CreateRequest describes a new card to deliver into a conversation.
type CreateRequest struct {
	CardTemplateID    string
	OutTrackID        string
	ConversationID    string
	SenderStaffID     string
	RobotCode         string
	ConversationType  string
	CardData          map[string]string
}

// UpdateRequest describes one streamed content update.
type UpdateRequest struct {
	OutTrackID string
	Guid       string
	Key        string
	Content    string
	IsFull     bool
	IsFinalize bool
	IsError    bool
}

// Client is the narrow surface this package needs from the DingTalk
// card API. A production implementation wraps
// github.com/alibabacloud-go/dingtalk/card_1_0; tests use a fake.
type Client interface {
	CreateAndDeliver(ctx context.Context, req CreateRequest) error
	StreamingUpdate(ctx context.Context, req UpdateRequest) error
	SetStatus(ctx context.Context, outTrackID string, status State) error
}

type cardState struct {
	state      State
	content    strings.Builder
	lastUpdate time.Time
	finalized  bool
}

// Streamer tracks one state machine per outTrackId and serializes
// updates to the same card through its throttle.
type Streamer struct {
	client Client
	mu     sync.Mutex
	cards  map[string]*cardState
}

// NewStreamer wraps client with per-card state tracking.
func NewStreamer(client Client) *Streamer {
	return &Streamer{client: client, cards: make(map[string]*cardState)}
}

func (s *Streamer) getOrCreate(outTrackID string) *cardState {
	if c, ok := s.cards[outTrackID]; ok {
		return c
	}
	c := &cardState{state: StateNone}
	s.cards[outTrackID] = c
	return c
}

// Create delivers a new card and transitions it to CREATED.
func (s *Streamer) Create(ctx context.Context, req CreateRequest) error {
	s.mu.Lock()
	c := s.getOrCreate(req.OutTrackID)
	if c.state != StateNone {
		s.mu.Unlock()
		return gatewayerr.New(gatewayerr.CardFailure, fmt.Sprintf("card %s already created", req.OutTrackID))
	}
	s.mu.Unlock()

	if err := s.client.CreateAndDeliver(ctx, req); err != nil {
		return gatewayerr.Wrap(gatewayerr.CardFailure, "create and deliver card", err)
	}

	s.mu.Lock()
	c.state = StateCreated
	s.mu.Unlock()
	return nil
}

// Stream appends content to the card's accumulated text and pushes a
// full-content streaming update. The first call for a given card
// first PUTs the INPUTING status, per §4.J. isFinalize closes the
// stream; the caller must follow it with Finish to complete the
// FINISHED status PUT.
func (s *Streamer) Stream(ctx context.Context, outTrackID, delta string, isFinalize bool) error {
	s.mu.Lock()
	c, ok := s.cards[outTrackID]
	if !ok || c.state == StateNone {
		s.mu.Unlock()
		return gatewayerr.New(gatewayerr.CardFailure, fmt.Sprintf("card %s not created", outTrackID))
	}
	if c.finalized {
		s.mu.Unlock()
		return nil
	}

	needsInputingTransition := c.state == StateCreated
	c.content.WriteString(delta)
	content := c.content.String()
	wait := throttleWait(c.lastUpdate)
	s.mu.Unlock()

	if needsInputingTransition {
		if err := s.client.SetStatus(ctx, outTrackID, StateInputing); err != nil {
			return gatewayerr.Wrap(gatewayerr.CardFailure, "set card status inputing", err)
		}
		s.mu.Lock()
		c.state = StateInputing
		s.mu.Unlock()
	} else if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := s.client.StreamingUpdate(ctx, UpdateRequest{
		OutTrackID: outTrackID,
		Guid:       newGuid(),
		Key:        "content",
		Content:    content,
		IsFull:     true,
		IsFinalize: isFinalize,
	})

	s.mu.Lock()
	c.lastUpdate = time.Now()
	if isFinalize {
		c.finalized = true
	}
	s.mu.Unlock()

	if err != nil {
		return gatewayerr.Wrap(gatewayerr.CardFailure, "stream card update", err)
	}
	return nil
}

// Finish marks the card FINISHED via a state PUT. It is idempotent:
// calling it more than once on the same card is a no-op, satisfying
// the single-writer-per-card invariant even if two goroutines race to
// close out a dispatch round.
func (s *Streamer) Finish(ctx context.Context, outTrackID string) error {
	s.mu.Lock()
	c, ok := s.cards[outTrackID]
	if !ok {
		s.mu.Unlock()
		return gatewayerr.New(gatewayerr.CardFailure, fmt.Sprintf("card %s not created", outTrackID))
	}
	if c.state == StateFinished || c.state == StateFailed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.client.SetStatus(ctx, outTrackID, StateFinished); err != nil {
		return gatewayerr.Wrap(gatewayerr.CardFailure, "set card status finished", err)
	}

	s.mu.Lock()
	c.state = StateFinished
	s.mu.Unlock()
	return nil
}

// FinishWithError implements the §4.I fallback: when card
// creation/update fails mid-stream, the card is closed out with an
// error banner instead of left dangling in INPUTING.
func (s *Streamer) FinishWithError(ctx context.Context, outTrackID, message string) error {
	s.mu.Lock()
	c, ok := s.cards[outTrackID]
	if !ok {
		s.mu.Unlock()
		return gatewayerr.New(gatewayerr.CardFailure, fmt.Sprintf("card %s not created", outTrackID))
	}
	if c.state == StateFinished || c.state == StateFailed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_ = s.client.StreamingUpdate(ctx, UpdateRequest{
		OutTrackID: outTrackID,
		Guid:       newGuid(),
		Key:        "content",
		Content:    message,
		IsFull:     true,
		IsFinalize: true,
		IsError:    true,
	})

	if err := s.client.SetStatus(ctx, outTrackID, StateFailed); err != nil {
		return gatewayerr.Wrap(gatewayerr.CardFailure, "set card status failed", err)
	}

	s.mu.Lock()
	c.state = StateFailed
	c.finalized = true
	s.mu.Unlock()
	return nil
}

// AccumulatedContent returns the full content streamed so far for
// outTrackID, used by the outbound sender's card-creation-failure
// fallback to send the accumulated text as a plain message.
func (s *Streamer) AccumulatedContent(outTrackID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[outTrackID]
	if !ok {
		return ""
	}
	return c.content.String()
}

func newGuid() string {
	return uuid.New().String()
}

func throttleWait(last time.Time) time.Duration {
	if last.IsZero() {
		return 0
	}
	elapsed := time.Since(last)
	if elapsed >= throttleInterval {
		return 0
	}
	return throttleInterval - elapsed
}
