// Package session runs the per-call conversation over a media stream: it
// plays the tenant greeting, tracks whose turn it is and hands caller audio
// to speech recognition while listening.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplexus/receptionist"
	"github.com/agentplexus/receptionist/agent"
	"github.com/agentplexus/receptionist/audio"
	"github.com/agentplexus/receptionist/ssml"
	"github.com/agentplexus/receptionist/stt"
	"github.com/agentplexus/receptionist/tenant"
	"github.com/agentplexus/receptionist/transport"
	"github.com/agentplexus/receptionist/tts"
	"github.com/agentplexus/receptionist/voice"
)

// Defaults for the handler options.
const (
	DefaultMinTurnDuration  = 3 * time.Second
	DefaultSynthesisTimeout = 10 * time.Second

	DefaultGreeting  = "Hola, gracias por llamar. ¿En qué puedo ayudarle?"
	FallbackGreeting = "Gracias por llamar. Un momento, por favor."
	ApologyMessage   = "Lo sentimos, en este momento no podemos atender su llamada. Por favor, inténtelo más tarde."
)

// Mark names sent after outbound audio.
const (
	MarkGreeting = "greeting"
	MarkReply    = "reply"
)

// ErrDuplicateStream is returned by HandleStart for a stream SID that
// already has a session.
var ErrDuplicateStream = errors.New("session: duplicate stream")

// CallController acts on the call behind a session.
type CallController interface {
	// EndWithMessage speaks message and hangs up.
	EndWithMessage(ctx context.Context, callSID, message, language string) error
	StartRecording(ctx context.Context, callSID string) error
}

var _ transport.Handler = (*Handler)(nil)

// Handler is the transport.Handler that owns every live CallSession.
type Handler struct {
	logger      *zap.Logger
	registry    *Registry
	mapper      *voice.Mapper
	synth       tts.Synthesizer
	recognizer  stt.Recognizer
	responder   agent.Responder
	transcripts tenant.TranscriptSink
	calls       CallController
	clock       Clock

	minTurn      time.Duration
	synthTimeout time.Duration
	greeting     string
	fallback     string
	apology      string

	wg sync.WaitGroup
}

// Option configures the Handler.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	mapper       *voice.Mapper
	recognizer   stt.Recognizer
	responder    agent.Responder
	transcripts  tenant.TranscriptSink
	calls        CallController
	clock        Clock
	minTurn      time.Duration
	synthTimeout time.Duration
	greeting     string
	fallback     string
	apology      string
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMapper sets the voice mapper.
func WithMapper(m *voice.Mapper) Option {
	return func(o *options) {
		o.mapper = m
	}
}

// WithRecognizer sets the speech recognizer used while listening.
func WithRecognizer(r stt.Recognizer) Option {
	return func(o *options) {
		o.recognizer = r
	}
}

// WithResponder sets the reply generator.
func WithResponder(r agent.Responder) Option {
	return func(o *options) {
		o.responder = r
	}
}

// WithTranscriptSink persists transcripts for tenants that enable it.
func WithTranscriptSink(sink tenant.TranscriptSink) Option {
	return func(o *options) {
		o.transcripts = sink
	}
}

// WithCallController sets the call controller used for recording and for
// ending calls.
func WithCallController(c CallController) Option {
	return func(o *options) {
		o.calls = c
	}
}

// WithClock replaces the wall clock for turn timers.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMinTurnDuration sets the floor of the turn-completion timer.
func WithMinTurnDuration(d time.Duration) Option {
	return func(o *options) {
		o.minTurn = d
	}
}

// WithSynthesisTimeout bounds each synthesis call.
func WithSynthesisTimeout(d time.Duration) Option {
	return func(o *options) {
		o.synthTimeout = d
	}
}

// WithGreetings overrides the default, fallback and apology texts. Empty
// values keep the defaults.
func WithGreetings(greeting, fallback, apology string) Option {
	return func(o *options) {
		o.greeting = greeting
		o.fallback = fallback
		o.apology = apology
	}
}

// New creates a Handler that synthesizes speech with synth.
func New(synth tts.Synthesizer, opts ...Option) (*Handler, error) {
	if synth == nil {
		return nil, fmt.Errorf("session: synthesizer is required")
	}
	cfg := &options{
		minTurn:      DefaultMinTurnDuration,
		synthTimeout: DefaultSynthesisTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.mapper == nil {
		cfg.mapper = voice.NewMapper(cfg.logger)
	}
	if cfg.clock == nil {
		cfg.clock = realClock{}
	}

	return &Handler{
		logger:       cfg.logger,
		registry:     NewRegistry(),
		mapper:       cfg.mapper,
		synth:        synth,
		recognizer:   cfg.recognizer,
		responder:    cfg.responder,
		transcripts:  cfg.transcripts,
		calls:        cfg.calls,
		clock:        cfg.clock,
		minTurn:      cfg.minTurn,
		synthTimeout: cfg.synthTimeout,
		greeting:     orDefault(cfg.greeting, DefaultGreeting),
		fallback:     orDefault(cfg.fallback, FallbackGreeting),
		apology:      orDefault(cfg.apology, ApologyMessage),
	}, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// Session returns the live session for streamSID.
func (h *Handler) Session(streamSID string) (*CallSession, bool) {
	return h.registry.Get(streamSID)
}

// ActiveSessions returns the number of live sessions.
func (h *Handler) ActiveSessions() int {
	return h.registry.Len()
}

// HandleStart creates the session and starts the greeting.
func (h *Handler) HandleStart(ctx context.Context, conn transport.Sender, start transport.Start) error {
	if start.StreamSID == "" {
		return fmt.Errorf("session: start without stream sid")
	}

	s := newCallSession(ctx, start, conn, h.logger)
	if !h.registry.Add(s) {
		s.cancel()
		return fmt.Errorf("%w: %s", ErrDuplicateStream, start.StreamSID)
	}
	if s.Params.TenantID == "" {
		s.logger.Warn("stream started without tenant id")
	}
	s.logger.Info("session started",
		zap.String("voice_id", s.Params.VoiceID),
		zap.String("language", s.Params.Language),
	)

	if s.Params.RecordCalls && h.calls != nil && s.CallSID != "" {
		h.spawn(func() {
			if err := h.calls.StartRecording(s.ctx, s.CallSID); err != nil {
				s.logger.Warn("failed to start recording", zap.Error(err))
			}
		})
	}

	h.spawn(func() { h.deliverGreeting(s) })
	return nil
}

// HandleMedia forwards caller audio to recognition while listening and
// drops it otherwise. Barge-in is not supported.
func (h *Handler) HandleMedia(ctx context.Context, streamSID string, media transport.Media) {
	s, ok := h.registry.Get(streamSID)
	if !ok {
		return
	}
	if media.Track != "" && media.Track != transport.TrackInbound {
		return
	}

	s.mu.Lock()
	if s.disposed || s.turn.State() != StateListening || s.recognition == nil {
		s.mu.Unlock()
		return
	}
	stream := s.recognition
	s.mu.Unlock()

	if err := stream.SendAudio(media.Payload); err != nil {
		s.logger.Debug("failed to forward audio", zap.Error(err))
	}
}

// HandleMark logs playback progress.
func (h *Handler) HandleMark(ctx context.Context, streamSID, name string) {
	if s, ok := h.registry.Get(streamSID); ok {
		s.logger.Debug("playback reached mark", zap.String("mark", name))
	}
}

// HandleStop disposes the session. Unknown or already stopped streams are
// ignored.
func (h *Handler) HandleStop(ctx context.Context, streamSID string) {
	s := h.registry.Remove(streamSID)
	if s == nil {
		h.logger.Debug("stop for unknown stream", zap.String("stream_sid", streamSID))
		return
	}
	if s.dispose() {
		s.logger.Info("session ended", zap.Duration("duration", time.Since(s.StartedAt)))
	}
}

// Close disposes every session and waits for background work to finish or
// ctx to expire.
func (h *Handler) Close(ctx context.Context) error {
	for _, s := range h.registry.Drain() {
		s.dispose()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) spawn(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

func (h *Handler) deliverGreeting(s *CallSession) {
	lang := s.Params.Language
	text := orDefault(s.Params.GreetingText, h.greeting)
	engineVoice := h.mapper.Resolve(s.Params.VoiceID, lang)

	s.mu.Lock()
	s.voice = engineVoice
	s.mu.Unlock()

	speech, err := h.synthesize(s.ctx, text, engineVoice, lang)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("greeting synthesis failed, using fallback",
			zap.String("voice", engineVoice),
			zap.String("kind", string(tts.KindOf(err))),
			zap.Error(err),
		)

		text = h.fallback
		fallbackVoice := voice.DefaultFor(lang)
		speech, err = h.synthesize(s.ctx, text, fallbackVoice, lang)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("fallback greeting failed, ending call", zap.Error(err))
			h.endCall(s)
			return
		}
		s.mu.Lock()
		s.voice = fallbackVoice
		s.mu.Unlock()
	}

	h.speak(s, speech, text, MarkGreeting, true)
}

func (h *Handler) synthesize(ctx context.Context, text, engineVoice, language string) (*tts.Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, h.synthTimeout)
	defer cancel()

	return h.synth.Synthesize(ctx, tts.Request{
		Document: ssml.Humanize(text),
		Voice:    engineVoice,
		Language: language,
	})
}

// speak takes the floor, queues speech in 20ms frames, records text as the
// assistant's utterance and arms the turn timer. It reports whether the
// audio was fully queued.
func (h *Handler) speak(s *CallSession, speech *tts.Audio, text, mark string, greeting bool) bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	if err := s.turn.Speak(); err != nil {
		s.mu.Unlock()
		s.logger.Warn("cannot speak", zap.Error(err))
		return false
	}
	s.mu.Unlock()
	s.logger.Debug("turn changed", zap.Stringer("state", StateSpeaking))

	for _, frame := range audio.Frames(speech.Data, receptionist.FrameBytes) {
		if err := s.sender.SendMedia(frame); err != nil {
			s.logger.Debug("stopped sending audio", zap.Error(err))
			return false
		}
	}
	if err := s.sender.SendMark(mark); err != nil {
		s.logger.Debug("failed to send mark", zap.Error(err))
	}
	h.saveTranscript(s, tenant.SpeakerAssistant, text)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return false
	}
	if greeting {
		s.turn.MarkGreetingDelivered()
	}
	s.remember(agent.RoleAssistant, text)
	d := max(speech.Duration(), h.minTurn)
	s.turn.Arm(h.clock, d, func(gen uint64) { h.onTurnTimer(s, gen) })
	return true
}

func (h *Handler) onTurnTimer(s *CallSession, gen uint64) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		s.logger.Debug("turn timer fired after session ended")
		return
	}
	if !s.turn.Expire(gen) {
		s.mu.Unlock()
		return
	}
	if err := s.turn.Listen(); err != nil {
		s.mu.Unlock()
		s.logger.Warn("cannot listen", zap.Error(err))
		return
	}
	open := h.recognizer != nil && !s.recognizing
	if open {
		s.recognizing = true
	}
	s.mu.Unlock()

	s.logger.Debug("turn changed", zap.Stringer("state", StateListening))
	if open {
		h.spawn(func() { h.recognize(s) })
	}
}

func (h *Handler) recognize(s *CallSession) {
	stream, err := h.recognizer.StartStream(s.ctx, stt.StreamConfig{
		Language:   s.Params.Language,
		Encoding:   "mulaw",
		SampleRate: receptionist.DefaultSampleRate,
	})
	if err != nil {
		s.logger.Warn("failed to start recognition", zap.Error(err))
		s.mu.Lock()
		s.recognizing = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		_ = stream.Close()
		return
	}
	s.recognition = stream
	s.mu.Unlock()

	for {
		select {
		case <-s.ctx.Done():
			return
		case tr, ok := <-stream.Events():
			if !ok {
				h.recognitionEnded(s, stream)
				return
			}
			h.onTranscript(s, tr)
		}
	}
}

// recognitionEnded clears a stream the recognizer closed so the next
// listening turn opens a new one. If the session is listening now the new
// stream is opened immediately.
func (h *Handler) recognitionEnded(s *CallSession, stream stt.Stream) {
	_ = stream.Close()

	s.mu.Lock()
	if s.disposed || s.recognition != stream {
		s.mu.Unlock()
		return
	}
	s.recognition = nil
	s.recognizing = false
	reopen := s.turn.State() == StateListening
	if reopen {
		s.recognizing = true
	}
	s.mu.Unlock()

	s.logger.Info("recognition stream ended", zap.Bool("reopening", reopen))
	if reopen {
		h.spawn(func() { h.recognize(s) })
	}
}

func (h *Handler) onTranscript(s *CallSession, tr stt.Transcript) {
	text := strings.TrimSpace(tr.Text)
	if !tr.IsFinal || text == "" {
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if s.turn.State() != StateListening || s.replying {
		s.mu.Unlock()
		s.logger.Debug("dropping transcript while busy", zap.String("text", text))
		return
	}
	history := s.remember(agent.RoleCaller, text)
	reply := h.responder != nil
	s.replying = reply
	s.mu.Unlock()

	s.logger.Info("caller said", zap.String("text", text))
	h.saveTranscript(s, tenant.SpeakerCaller, text)

	if reply {
		h.spawn(func() { h.reply(s, history) })
	}
}

func (h *Handler) reply(s *CallSession, history []agent.Message) {
	defer func() {
		s.mu.Lock()
		s.replying = false
		s.mu.Unlock()
	}()

	text, err := h.responder.Reply(s.ctx, agent.Turn{
		TenantID: s.Params.TenantID,
		Language: s.Params.Language,
		History:  history,
	})
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("reply generation failed", zap.Error(err))
		}
		return
	}

	speech, err := h.synthesize(s.ctx, text, s.Voice(), s.Params.Language)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("reply synthesis failed", zap.String("kind", string(tts.KindOf(err))), zap.Error(err))
		}
		return
	}

	h.speak(s, speech, text, MarkReply, false)
}

func (h *Handler) saveTranscript(s *CallSession, speaker, text string) {
	if h.transcripts == nil || !s.Params.TranscribeCalls {
		return
	}
	err := h.transcripts.SaveTranscript(context.WithoutCancel(s.ctx), tenant.Transcript{
		TenantID:  s.Params.TenantID,
		CallSID:   s.CallSID,
		StreamSID: s.StreamSID,
		Speaker:   speaker,
		Text:      text,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to save transcript", zap.Error(err))
	}
}

// endCall hangs up with a spoken apology when no greeting can be played.
func (h *Handler) endCall(s *CallSession) {
	if h.calls == nil || s.CallSID == "" {
		s.logger.Error("cannot end call without a call controller")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), h.synthTimeout)
	defer cancel()

	if err := h.calls.EndWithMessage(ctx, s.CallSID, h.apology, s.Params.Language); err != nil {
		s.logger.Error("failed to end call", zap.Error(err))
	}
}
