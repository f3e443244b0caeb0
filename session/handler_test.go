package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/agentplexus/receptionist/stt"
	"github.com/agentplexus/receptionist/tenant"
	"github.com/agentplexus/receptionist/transport"
	"github.com/agentplexus/receptionist/tts"
	"github.com/agentplexus/receptionist/voice"
)

var lolaParams = map[string]string{
	ParamTenantID:     "acme",
	ParamVoiceID:      "lola",
	ParamLanguage:     "es-ES",
	ParamGreetingText: "Hola, bienvenido",
}

func newTestHandler(t *testing.T, synth tts.Synthesizer, opts ...Option) (*Handler, *fakeClock) {
	t.Helper()

	clock := &fakeClock{}
	opts = append([]Option{WithClock(clock), WithLogger(zaptest.NewLogger(t))}, opts...)
	h, err := New(synth, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h, clock
}

func startSession(t *testing.T, h *Handler, sid string, params map[string]string) (*CallSession, *fakeSender) {
	t.Helper()

	sender := &fakeSender{}
	if err := h.HandleStart(context.Background(), sender, startEvent(sid, params)); err != nil {
		t.Fatalf("HandleStart failed: %v", err)
	}
	s, ok := h.Session(sid)
	if !ok {
		t.Fatalf("session %s not registered", sid)
	}
	return s, sender
}

func TestNewRequiresSynthesizer(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); err == nil {
		t.Fatalf("expected error without synthesizer")
	}
}

func TestGreetingThenListening(t *testing.T) {
	t.Parallel()

	synth := newFakeSynth()
	h, clock := newTestHandler(t, synth)

	s, sender := startSession(t, h, "MZ1", lolaParams)
	waitFor(t, "turn timer", s.TimerPending)

	reqs := synth.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one synthesis call, got %d", len(reqs))
	}
	if reqs[0].Voice != "es-ES-LolaMultilingualNeural" {
		t.Fatalf("voice = %q", reqs[0].Voice)
	}
	if reqs[0].Document.Text != "Hola, bienvenido" || reqs[0].Language != "es-ES" {
		t.Fatalf("unexpected request: %+v", reqs[0])
	}
	if got := s.State(); got != StateSpeaking {
		t.Fatalf("state = %s, want speaking", got)
	}
	if !s.GreetingDelivered() {
		t.Fatalf("greeting should be delivered once queued")
	}
	frames, marks := sender.counts()
	if frames != 50 || len(marks) != 1 || marks[0] != MarkGreeting {
		t.Fatalf("frames=%d marks=%v", frames, marks)
	}

	clock.Advance(DefaultMinTurnDuration - time.Millisecond)
	if got := s.State(); got != StateSpeaking {
		t.Fatalf("state = %s before the floor elapsed", got)
	}
	clock.Advance(time.Millisecond)
	if got := s.State(); got != StateListening {
		t.Fatalf("state = %s, want listening", got)
	}
	if s.TimerPending() {
		t.Fatalf("timer should be consumed")
	}
}

func TestTurnTimerCoversLongAudio(t *testing.T) {
	t.Parallel()

	synth := newFakeSynth(synthResult{audio: speechOf(5 * 8000)})
	h, clock := newTestHandler(t, synth)

	s, _ := startSession(t, h, "MZ1", lolaParams)
	waitFor(t, "turn timer", s.TimerPending)

	clock.Advance(DefaultMinTurnDuration)
	if got := s.State(); got != StateSpeaking {
		t.Fatalf("state = %s while audio still playing", got)
	}
	clock.Advance(2 * time.Second)
	if got := s.State(); got != StateListening {
		t.Fatalf("state = %s, want listening", got)
	}
}

func TestStopCancelsPendingTimer(t *testing.T) {
	t.Parallel()

	h, clock := newTestHandler(t, newFakeSynth())

	s, _ := startSession(t, h, "MZ1", lolaParams)
	waitFor(t, "turn timer", s.TimerPending)

	h.HandleStop(context.Background(), "MZ1")

	if !s.Disposed() {
		t.Fatalf("session should be disposed")
	}
	if _, ok := h.Session("MZ1"); ok {
		t.Fatalf("session should be removed from the registry")
	}
	if clock.Pending() != 0 {
		t.Fatalf("pending timer should be cancelled")
	}

	clock.Advance(time.Minute)
	// A timer that was already running when the session ended.
	h.onTurnTimer(s, 1)

	if got := s.State(); got != StateSpeaking {
		t.Fatalf("disposed session mutated to %s", got)
	}
	h.HandleStop(context.Background(), "MZ1")
}

func TestFallbackGreetingOnSynthesisFailure(t *testing.T) {
	t.Parallel()

	synth := newFakeSynth(
		synthResult{err: &tts.SynthesisError{Engine: "fake", Kind: tts.ErrBadVoice}},
		synthResult{audio: speechOf(8000)},
	)
	h, _ := newTestHandler(t, synth)

	s, sender := startSession(t, h, "MZ1", lolaParams)
	waitFor(t, "turn timer", s.TimerPending)

	reqs := synth.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected a fallback attempt, got %d calls", len(reqs))
	}
	if reqs[1].Voice != voice.DefaultFor("es-ES") || reqs[1].Document.Text != FallbackGreeting {
		t.Fatalf("unexpected fallback request: %+v", reqs[1])
	}
	if s.Disposed() || s.State() != StateSpeaking {
		t.Fatalf("session should continue with the fallback greeting")
	}
	if frames, _ := sender.counts(); frames == 0 {
		t.Fatalf("fallback audio not sent")
	}
	if s.Voice() != voice.DefaultFor("es-ES") {
		t.Fatalf("session voice = %q", s.Voice())
	}
}

func TestApologyWhenFallbackFails(t *testing.T) {
	t.Parallel()

	calls := newFakeController()
	synth := newFakeSynth(synthResult{err: &tts.SynthesisError{Engine: "fake", Kind: tts.ErrUnavailable}})
	h, _ := newTestHandler(t, synth, WithCallController(calls))

	s, sender := startSession(t, h, "MZ1", lolaParams)

	select {
	case got := <-calls.ended:
		if got != [3]string{s.CallSID, ApologyMessage, "es-ES"} {
			t.Fatalf("unexpected end call: %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("call was not ended")
	}
	if frames, _ := sender.counts(); frames != 0 {
		t.Fatalf("no audio expected, got %d frames", frames)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %s, want idle", s.State())
	}
}

func TestRecordingStartedWhenEnabled(t *testing.T) {
	t.Parallel()

	calls := newFakeController()
	h, _ := newTestHandler(t, newFakeSynth(), WithCallController(calls))

	params := map[string]string{ParamTenantID: "acme", ParamRecordCalls: "true"}
	s, _ := startSession(t, h, "MZ1", params)

	select {
	case sid := <-calls.recording:
		if sid != s.CallSID {
			t.Fatalf("recording for %q", sid)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("recording not started")
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, newFakeSynth())
	startSession(t, h, "MZ1", lolaParams)

	err := h.HandleStart(context.Background(), &fakeSender{}, startEvent("MZ1", nil))
	if !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("expected ErrDuplicateStream, got %v", err)
	}
	if err := h.HandleStart(context.Background(), &fakeSender{}, transport.Start{}); err == nil {
		t.Fatalf("expected error for missing stream sid")
	}
}

func TestMediaForwardedOnlyWhileListening(t *testing.T) {
	t.Parallel()

	rec := newFakeRecognizer()
	h, clock := newTestHandler(t, newFakeSynth(), WithRecognizer(rec))

	// Before start and for unknown streams media is dropped.
	h.HandleMedia(context.Background(), "MZ1", transport.Media{Payload: []byte{1}})

	s, _ := startSession(t, h, "MZ1", lolaParams)
	waitFor(t, "turn timer", s.TimerPending)

	inbound := transport.Media{Track: transport.TrackInbound, Payload: []byte{0xff}}
	h.HandleMedia(context.Background(), "MZ1", inbound)

	clock.Advance(DefaultMinTurnDuration)
	var stream *fakeStream
	select {
	case stream = <-rec.opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("recognition not started")
	}
	waitFor(t, "recognition stream", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.recognition != nil
	})
	if stream.chunks() != 0 {
		t.Fatalf("audio received while speaking must be dropped")
	}

	h.HandleMedia(context.Background(), "MZ1", inbound)
	h.HandleMedia(context.Background(), "MZ1", transport.Media{Track: "outbound", Payload: []byte{1}})
	if got := stream.chunks(); got != 1 {
		t.Fatalf("forwarded %d chunks, want 1", got)
	}

	h.HandleStop(context.Background(), "MZ1")
	if !stream.isClosed() {
		t.Fatalf("recognition stream should be closed on stop")
	}
	h.HandleMedia(context.Background(), "MZ1", inbound)
	if got := stream.chunks(); got != 1 {
		t.Fatalf("media after stop must be dropped")
	}
}

func TestTranscriptTriggersReply(t *testing.T) {
	t.Parallel()

	rec := newFakeRecognizer()
	responder := &fakeResponder{reply: "Claro, le ayudo."}
	store := tenant.NewMemory()
	synth := newFakeSynth()
	h, clock := newTestHandler(t, synth,
		WithRecognizer(rec),
		WithResponder(responder),
		WithTranscriptSink(store),
	)

	params := map[string]string{ParamTenantID: "acme", ParamGreetingText: "Hola", ParamTranscribeCalls: "true"}
	s, sender := startSession(t, h, "MZ1", params)
	waitFor(t, "turn timer", s.TimerPending)
	clock.Advance(DefaultMinTurnDuration)

	stream := <-rec.opened
	stream.events <- stt.Transcript{Text: "quiero", IsFinal: false}
	stream.events <- stt.Transcript{Text: "Quiero una cita", IsFinal: true}

	waitFor(t, "reply", func() bool {
		return len(synth.requests()) == 2 && s.TimerPending()
	})
	if s.State() != StateSpeaking {
		t.Fatalf("state = %s, want speaking", s.State())
	}
	if got := synth.requests()[1].Document.Text; got != "Claro, le ayudo." {
		t.Fatalf("reply text = %q", got)
	}
	if _, marks := sender.counts(); len(marks) != 2 || marks[1] != MarkReply {
		t.Fatalf("marks = %v", marks)
	}

	responder.mu.Lock()
	turns := responder.turns
	responder.mu.Unlock()
	if len(turns) != 1 || len(turns[0].History) != 2 || turns[0].History[1].Text != "Quiero una cita" {
		t.Fatalf("unexpected turns: %+v", turns)
	}

	waitFor(t, "transcripts", func() bool { return len(store.Transcripts(s.CallSID)) == 3 })
	got := store.Transcripts(s.CallSID)
	if got[0].Speaker != tenant.SpeakerAssistant || got[1].Speaker != tenant.SpeakerCaller || got[2].Text != "Claro, le ayudo." {
		t.Fatalf("unexpected transcripts: %+v", got)
	}
}

func TestTranscriptsNotSavedWhenDisabled(t *testing.T) {
	t.Parallel()

	store := tenant.NewMemory()
	h, _ := newTestHandler(t, newFakeSynth(), WithTranscriptSink(store))

	s, _ := startSession(t, h, "MZ1", lolaParams)
	waitFor(t, "turn timer", s.TimerPending)

	if got := store.Transcripts(s.CallSID); len(got) != 0 {
		t.Fatalf("expected no transcripts, got %d", len(got))
	}
}

func TestInterleavedEventsKeepValidState(t *testing.T) {
	t.Parallel()

	h, clock := newTestHandler(t, newFakeSynth(), WithRecognizer(newFakeRecognizer()))
	s, _ := startSession(t, h, "MZ1", lolaParams)

	valid := func() {
		switch st := s.State(); st {
		case StateIdle, StateSpeaking, StateListening:
		default:
			t.Fatalf("invalid state %s", st)
		}
	}
	for i := 0; i < 200; i++ {
		switch i % 3 {
		case 0:
			h.HandleMedia(context.Background(), "MZ1", transport.Media{Track: transport.TrackInbound, Payload: []byte{byte(i)}})
		case 1:
			clock.Advance(700 * time.Millisecond)
		case 2:
			h.HandleMark(context.Background(), "MZ1", MarkGreeting)
		}
		valid()
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	h, clock := newTestHandler(t, newFakeSynth())

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := fmt.Sprintf("MZ%02d", i)
			_ = h.HandleStart(context.Background(), &fakeSender{}, startEvent(sid, lolaParams))
		}(i)
	}
	wg.Wait()
	if h.ActiveSessions() != n {
		t.Fatalf("active sessions = %d", h.ActiveSessions())
	}

	sessions := make([]*CallSession, n)
	for i := range sessions {
		s, _ := h.Session(fmt.Sprintf("MZ%02d", i))
		waitFor(t, "turn timer", s.TimerPending)
		sessions[i] = s
	}

	for i := 0; i < n; i += 2 {
		go h.HandleStop(context.Background(), sessions[i].StreamSID)
	}
	waitFor(t, "stops", func() bool { return h.ActiveSessions() == n/2 })
	clock.Advance(DefaultMinTurnDuration)

	for i, s := range sessions {
		want := StateListening
		if i%2 == 0 {
			want = StateSpeaking
			if !s.Disposed() {
				t.Fatalf("session %d not disposed", i)
			}
		}
		if got := s.State(); got != want {
			t.Fatalf("session %d state = %s, want %s", i, got, want)
		}
	}
}

func TestCloseDisposesSessions(t *testing.T) {
	t.Parallel()

	h, clock := newTestHandler(t, newFakeSynth())
	s, _ := startSession(t, h, "MZ1", lolaParams)
	waitFor(t, "turn timer", s.TimerPending)

	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !s.Disposed() || h.ActiveSessions() != 0 || clock.Pending() != 0 {
		t.Fatalf("Close should dispose every session")
	}
}

func installed(s *CallSession, stream *fakeStream) func() bool {
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.recognition == stream
	}
}

func TestRecognitionReopenedWhenStreamEndsWhileListening(t *testing.T) {
	t.Parallel()

	rec := newFakeRecognizer()
	h, clock := newTestHandler(t, newFakeSynth(), WithRecognizer(rec))

	s, _ := startSession(t, h, "MZ1", lolaParams)
	waitFor(t, "turn timer", s.TimerPending)
	clock.Advance(DefaultMinTurnDuration)

	first := <-rec.opened
	waitFor(t, "first stream", installed(s, first))

	close(first.events)

	var second *fakeStream
	select {
	case second = <-rec.opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("recognition not reopened after the stream ended")
	}
	waitFor(t, "second stream", installed(s, second))
	if !first.isClosed() {
		t.Fatalf("ended stream should be closed")
	}

	h.HandleMedia(context.Background(), "MZ1", transport.Media{Track: transport.TrackInbound, Payload: []byte{0xff}})
	if first.chunks() != 0 || second.chunks() != 1 {
		t.Fatalf("audio went to the wrong stream: first=%d second=%d", first.chunks(), second.chunks())
	}
}

func TestRecognitionReopenedOnNextListeningTurn(t *testing.T) {
	t.Parallel()

	rec := newFakeRecognizer()
	synth := newFakeSynth()
	h, clock := newTestHandler(t, synth,
		WithRecognizer(rec),
		WithResponder(&fakeResponder{reply: "Claro."}),
	)

	s, _ := startSession(t, h, "MZ1", lolaParams)
	waitFor(t, "turn timer", s.TimerPending)
	clock.Advance(DefaultMinTurnDuration)

	first := <-rec.opened
	waitFor(t, "first stream", installed(s, first))
	first.events <- stt.Transcript{Text: "Hola", IsFinal: true}
	waitFor(t, "reply", func() bool {
		return len(synth.requests()) == 2 && s.TimerPending() && s.State() == StateSpeaking
	})

	// The stream dies during the reply; nothing reopens until listening.
	close(first.events)
	waitFor(t, "stream cleared", func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.recognition == nil && !s.recognizing
	})
	select {
	case <-rec.opened:
		t.Fatalf("recognition reopened while speaking")
	default:
	}

	clock.Advance(10 * time.Second)
	if s.State() != StateListening {
		t.Fatalf("state = %s, want listening", s.State())
	}
	select {
	case second := <-rec.opened:
		waitFor(t, "second stream", installed(s, second))
	case <-time.After(2 * time.Second):
		t.Fatalf("recognition not reopened on the next listening turn")
	}
}
