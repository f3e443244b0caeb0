package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplexus/receptionist/agent"
	"github.com/agentplexus/receptionist/stt"
	"github.com/agentplexus/receptionist/transport"
)

// maxHistory bounds the conversation kept for the reply generator.
const maxHistory = 20

// CallSession is the state of one media stream. Its exported fields are set
// at start and never change; everything else is guarded by mu.
type CallSession struct {
	ID        string
	StreamSID string
	CallSID   string
	Params    TenantParams
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sender transport.Sender
	logger *zap.Logger

	mu          sync.Mutex
	turn        Turn
	disposed    bool
	voice       string
	replying    bool
	recognizing bool
	recognition stt.Stream
	history     []agent.Message
}

func newCallSession(ctx context.Context, start transport.Start, sender transport.Sender, logger *zap.Logger) *CallSession {
	ctx, cancel := context.WithCancel(ctx)
	s := &CallSession{
		ID:        uuid.NewString(),
		StreamSID: start.StreamSID,
		CallSID:   start.CallSID,
		Params:    ParseTenantParams(start.Parameters),
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		sender:    sender,
	}
	s.logger = logger.With(
		zap.String("session_id", s.ID),
		zap.String("stream_sid", s.StreamSID),
		zap.String("call_sid", s.CallSID),
		zap.String("tenant_id", s.Params.TenantID),
	)
	return s
}

// State returns the current turn state.
func (s *CallSession) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.State()
}

// GreetingDelivered reports whether the greeting was fully queued.
func (s *CallSession) GreetingDelivered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.GreetingDelivered()
}

// TimerPending reports whether a turn timer is armed.
func (s *CallSession) TimerPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.Pending()
}

// Disposed reports whether the session has ended.
func (s *CallSession) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Voice returns the engine voice resolved for the session.
func (s *CallSession) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// remember appends to the history and returns a copy of it. Caller holds mu.
func (s *CallSession) remember(role agent.Role, text string) []agent.Message {
	s.history = append(s.history, agent.Message{Role: role, Text: text})
	if n := len(s.history) - maxHistory; n > 0 {
		s.history = append([]agent.Message(nil), s.history[n:]...)
	}
	return append([]agent.Message(nil), s.history...)
}

// dispose ends the session. It reports false if it had already ended.
func (s *CallSession) dispose() bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	s.disposed = true
	s.turn.Disarm()
	stream := s.recognition
	s.recognition = nil
	s.mu.Unlock()

	s.cancel()
	if stream != nil {
		if err := stream.Close(); err != nil {
			s.logger.Debug("recognition close failed", zap.Error(err))
		}
	}
	return true
}
