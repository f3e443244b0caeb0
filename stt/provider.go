// Package stt streams caller audio to Deepgram and emits transcripts.
//
// Twilio Media Streams deliver 8kHz mu-law, which Deepgram accepts directly,
// so frames are forwarded without transcoding.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplexus/receptionist"
)

// Recognizer opens streaming recognition sessions.
type Recognizer interface {
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream accepts audio and emits transcripts until closed.
type Stream interface {
	SendAudio(chunk []byte) error
	Events() <-chan Transcript
	Close() error
}

// StreamConfig describes the audio sent on a stream.
type StreamConfig struct {
	Language       string
	Encoding       string
	SampleRate     int
	InterimResults bool
}

// Transcript is a recognition result.
type Transcript struct {
	Text        string
	IsFinal     bool
	SpeechFinal bool
}

// closeTimeout bounds how long Close waits for Deepgram to flush final
// results after CloseStream.
const closeTimeout = 2 * time.Second

// DefaultKeepAlive is how often a KeepAlive is sent while no audio flows.
// Deepgram closes a stream after about 10s without data.
const DefaultKeepAlive = 5 * time.Second

// Verify interface compliance at compile time.
var _ Recognizer = (*Provider)(nil)

// Provider implements Recognizer using the Deepgram live API.
type Provider struct {
	apiKey      string
	apiBaseURL  string
	model       string
	smartFormat bool
	dialer      *websocket.Dialer
	logger      *zap.Logger
	keepAlive   time.Duration
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	apiKey      string
	apiBaseURL  string
	model       string
	smartFormat bool
	dialer      *websocket.Dialer
	logger      *zap.Logger
	keepAlive   time.Duration
}

// WithAPIKey sets the Deepgram API key.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithAPIBaseURL overrides the API base URL.
func WithAPIBaseURL(u string) Option {
	return func(o *options) {
		o.apiBaseURL = u
	}
}

// WithModel sets the recognition model.
// Options include "nova-2", "nova-2-phonecall", "nova-3".
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithSmartFormat enables or disables smart formatting.
func WithSmartFormat(enabled bool) Option {
	return func(o *options) {
		o.smartFormat = enabled
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithKeepAlive sets the idle interval between KeepAlive messages.
func WithKeepAlive(d time.Duration) Option {
	return func(o *options) {
		o.keepAlive = d
	}
}

// New creates a Deepgram recognizer. The key falls back to DEEPGRAM_API_KEY.
func New(opts ...Option) (*Provider, error) {
	cfg := &options{
		apiBaseURL:  "https://api.deepgram.com/v1",
		model:       "nova-2-phonecall",
		smartFormat: true,
		keepAlive:   DefaultKeepAlive,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.apiKey == "" {
		cfg.apiKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	if strings.TrimSpace(cfg.apiKey) == "" {
		return nil, errors.New("DEEPGRAM_API_KEY is required")
	}
	if cfg.dialer == nil {
		cfg.dialer = websocket.DefaultDialer
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.keepAlive <= 0 {
		cfg.keepAlive = DefaultKeepAlive
	}

	return &Provider{
		apiKey:      cfg.apiKey,
		apiBaseURL:  cfg.apiBaseURL,
		model:       cfg.model,
		smartFormat: cfg.smartFormat,
		dialer:      cfg.dialer,
		logger:      cfg.logger,
		keepAlive:   cfg.keepAlive,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "deepgram"
}

// StartStream connects to Deepgram. The stream closes when ctx is done.
func (p *Provider) StartStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	wsURL, err := p.listenURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram websocket: %w", err)
	}

	s := &stream{
		conn:      conn,
		logger:    p.logger,
		keepAlive: p.keepAlive,
		events:    make(chan Transcript, 64),
		audio:     make(chan []byte, 64),
		done:      make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	return s, nil
}

type stream struct {
	conn      *websocket.Conn
	logger    *zap.Logger
	keepAlive time.Duration

	events chan Transcript
	audio  chan []byte
	done   chan struct{}

	wg sync.WaitGroup

	closeOnce sync.Once
	sendMu    sync.RWMutex
	closed    bool
}

// SendAudio queues a chunk. It drops the chunk rather than block the
// caller when Deepgram falls behind.
func (s *stream) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return errors.New("recognition stream is closed")
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
	case <-s.done:
		return errors.New("recognition stream is closed")
	default:
		s.logger.Debug("recognition backlog full, dropping audio chunk")
	}
	return nil
}

func (s *stream) Events() <-chan Transcript {
	return s.events
}

// Close flushes pending audio, asks Deepgram to finish, and waits for the
// loops to exit.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		close(s.audio)
		s.sendMu.Unlock()
	})

	select {
	case <-s.done:
	case <-time.After(closeTimeout):
		_ = s.conn.Close()
		<-s.done
	}
	return nil
}

func (s *stream) writeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				s.finish()
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.logger.Warn("failed to send audio to Deepgram", zap.Error(err))
				_ = s.conn.Close()
				return
			}
			ticker.Reset(s.keepAlive)
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				s.logger.Warn("failed to send keepalive to Deepgram", zap.Error(err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *stream) finish() {
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		_ = s.conn.Close()
	}
}

func (s *stream) readLoop() {
	defer s.wg.Done()
	defer func() {
		// Unblock writeLoop if the server went away first.
		s.closeOnce.Do(func() {
			s.sendMu.Lock()
			s.closed = true
			close(s.audio)
			s.sendMu.Unlock()
		})
	}()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("deepgram read ended", zap.Error(err))
			}
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			s.logger.Warn("deepgram returned an error", zap.String("message", response.Message))
			return
		}

		text := strings.TrimSpace(extractTranscript(response))
		if text == "" {
			continue
		}

		select {
		case s.events <- Transcript{Text: text, IsFinal: response.IsFinal, SpeechFinal: response.SpeechFinal}:
		default:
			s.logger.Debug("transcript dropped, consumer is slow")
		}
	}
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func extractTranscript(response deepgramResponse) string {
	if len(response.Channel.Alternatives) > 0 {
		return response.Channel.Alternatives[0].Transcript
	}
	return ""
}

func (p *Provider) listenURL(cfg StreamConfig) (string, error) {
	base := strings.TrimSpace(p.apiBaseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	if cfg.Encoding == "" {
		cfg.Encoding = "mulaw"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = receptionist.DefaultSampleRate
	}

	query := listenURL.Query()
	query.Set("model", p.model)
	query.Set("encoding", cfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	query.Set("channels", "1")
	query.Set("interim_results", fmt.Sprintf("%t", cfg.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", p.smartFormat))
	query.Set("endpointing", "300")
	if cfg.Language != "" {
		query.Set("language", cfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
