package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentplexus/receptionist/agent"
	"github.com/agentplexus/receptionist/stt"
	"github.com/agentplexus/receptionist/transport"
	"github.com/agentplexus/receptionist/tts"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	marks  []string
	err    error
}

func (s *fakeSender) SendMedia(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, payload)
	return nil
}

func (s *fakeSender) SendMark(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, name)
	return nil
}

func (s *fakeSender) Clear() error { return nil }

func (s *fakeSender) counts() (frames int, marks []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames), append([]string(nil), s.marks...)
}

type synthResult struct {
	audio *tts.Audio
	err   error
}

// fakeSynth returns results in order, repeating the last one.
type fakeSynth struct {
	mu      sync.Mutex
	reqs    []tts.Request
	results []synthResult
}

func speechOf(n int) *tts.Audio {
	return &tts.Audio{Data: make([]byte, n), Encoding: "audio/x-mulaw", SampleRate: 8000}
}

func newFakeSynth(results ...synthResult) *fakeSynth {
	if len(results) == 0 {
		results = []synthResult{{audio: speechOf(8000)}}
	}
	return &fakeSynth{results: results}
}

func (f *fakeSynth) Synthesize(_ context.Context, req tts.Request) (*tts.Audio, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reqs = append(f.reqs, req)
	i := min(len(f.reqs)-1, len(f.results)-1)
	return f.results[i].audio, f.results[i].err
}

func (f *fakeSynth) requests() []tts.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tts.Request(nil), f.reqs...)
}

type fakeController struct {
	ended     chan [3]string
	recording chan string
}

func newFakeController() *fakeController {
	return &fakeController{ended: make(chan [3]string, 4), recording: make(chan string, 4)}
}

func (c *fakeController) EndWithMessage(_ context.Context, callSID, message, language string) error {
	c.ended <- [3]string{callSID, message, language}
	return nil
}

func (c *fakeController) StartRecording(_ context.Context, callSID string) error {
	c.recording <- callSID
	return nil
}

type fakeStream struct {
	mu     sync.Mutex
	audio  [][]byte
	events chan stt.Transcript
	closed bool
}

func (s *fakeStream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, chunk)
	return nil
}

func (s *fakeStream) Events() <-chan stt.Transcript { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeRecognizer struct {
	opened chan *fakeStream
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{opened: make(chan *fakeStream, 4)}
}

func (r *fakeRecognizer) StartStream(_ context.Context, _ stt.StreamConfig) (stt.Stream, error) {
	s := &fakeStream{events: make(chan stt.Transcript, 4)}
	r.opened <- s
	return s, nil
}

type fakeResponder struct {
	mu    sync.Mutex
	turns []agent.Turn
	reply string
}

func (r *fakeResponder) Reply(_ context.Context, turn agent.Turn) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
	return r.reply, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startEvent(streamSID string, params map[string]string) transport.Start {
	return transport.Start{
		StreamSID:  streamSID,
		CallSID:    "CA" + streamSID,
		Encoding:   "audio/x-mulaw",
		SampleRate: 8000,
		Parameters: params,
	}
}
