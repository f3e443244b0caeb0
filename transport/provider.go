// Package transport serves the Twilio Media Streams websocket protocol and
// hands its events, in arrival order, to a Handler.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("media stream closed")

// TrackInbound is the caller's audio track.
const TrackInbound = "inbound"

// Start carries the stream metadata of a start event.
type Start struct {
	StreamSID  string
	CallSID    string
	AccountSID string
	Tracks     []string
	Encoding   string
	SampleRate int
	// Parameters are the <Parameter> values from the <Stream> TwiML.
	Parameters map[string]string
}

// Media is one inbound audio chunk.
type Media struct {
	Track     string
	Chunk     int
	Timestamp time.Duration
	Payload   []byte
}

// Sender pushes audio back to the caller.
type Sender interface {
	// SendMedia queues one frame of mu-law audio.
	SendMedia(payload []byte) error
	// SendMark queues a mark that Twilio echoes once playback reaches it.
	SendMark(name string) error
	// Clear discards audio Twilio has buffered but not yet played.
	Clear() error
}

// Handler receives stream events. Calls for one connection are sequential.
type Handler interface {
	HandleStart(ctx context.Context, conn Sender, start Start) error
	HandleMedia(ctx context.Context, streamSID string, media Media)
	HandleMark(ctx context.Context, streamSID, name string)
	HandleStop(ctx context.Context, streamSID string)
}

// Provider upgrades Twilio's websocket requests and runs one Connection per
// media stream.
type Provider struct {
	handler  Handler
	logger   *zap.Logger
	upgrader websocket.Upgrader
	buffer   int
	timeout  time.Duration

	mu          sync.RWMutex
	connections map[*Connection]struct{}
	closed      bool
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	buffer       int
	writeTimeout time.Duration
	checkOrigin  func(*http.Request) bool
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithOutboundBuffer sets how many outbound messages may be queued per
// connection before senders block.
func WithOutboundBuffer(n int) Option {
	return func(o *options) {
		o.buffer = n
	}
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithCheckOrigin overrides the websocket origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(o *options) {
		o.checkOrigin = fn
	}
}

// New creates a Media Streams provider delivering events to handler.
func New(handler Handler, opts ...Option) (*Provider, error) {
	if handler == nil {
		return nil, fmt.Errorf("transport: handler is required")
	}
	cfg := &options{
		buffer:       256,
		writeTimeout: 5 * time.Second,
		checkOrigin:  func(*http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	return &Provider{
		handler:     handler,
		logger:      cfg.logger,
		upgrader:    websocket.Upgrader{CheckOrigin: cfg.checkOrigin},
		buffer:      cfg.buffer,
		timeout:     cfg.writeTimeout,
		connections: make(map[*Connection]struct{}),
	}, nil
}

// Name returns the transport name.
func (p *Provider) Name() string {
	return "twilio-media-streams"
}

// ServeHTTP implements http.Handler.
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := p.HandleWebSocket(w, r); err != nil {
		p.logger.Warn("media stream rejected", zap.Error(err))
	}
}

// HandleWebSocket upgrades the request and starts the connection loops.
func (p *Provider) HandleWebSocket(w http.ResponseWriter, r *http.Request) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return ErrClosed
	}

	wsConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	// The connection outlives the upgrade request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	conn := &Connection{
		wsConn:   wsConn,
		provider: p,
		logger:   p.logger.With(zap.String("remote_addr", r.RemoteAddr)),
		out:      make(chan outboundMessage, p.buffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	p.mu.Lock()
	p.connections[conn] = struct{}{}
	p.mu.Unlock()

	go conn.readLoop()
	go conn.writeLoop()
	return nil
}

// ActiveConnections returns the number of open media streams.
func (p *Provider) ActiveConnections() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connections)
}

// Close closes every connection and refuses new ones.
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	conns := make([]*Connection, 0, len(p.connections))
	for c := range p.connections {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (p *Provider) remove(c *Connection) {
	p.mu.Lock()
	delete(p.connections, c)
	p.mu.Unlock()
}

// Connection is one Twilio media stream.
type Connection struct {
	wsConn   *websocket.Conn
	provider *Provider
	logger   *zap.Logger
	out      chan outboundMessage
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.RWMutex
	streamSID string
	callSID   string
	started   bool
	stopped   bool
	closeOnce sync.Once
}

var _ Sender = (*Connection)(nil)

// StreamSID returns the stream SID once the start event has arrived.
func (c *Connection) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

// CallSID returns the associated call SID.
func (c *Connection) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// SendMedia queues a mu-law audio frame. It blocks while the outbound
// buffer is full.
func (c *Connection) SendMedia(payload []byte) error {
	return c.send(outboundMessage{
		Event: "media",
		Media: &outboundMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// SendMark queues a mark message.
func (c *Connection) SendMark(name string) error {
	return c.send(outboundMessage{Event: "mark", Mark: &markMessage{Name: name}})
}

// Clear asks Twilio to drop buffered outbound audio.
func (c *Connection) Clear() error {
	return c.send(outboundMessage{Event: "clear"})
}

func (c *Connection) send(msg outboundMessage) error {
	msg.StreamSID = c.StreamSID()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.wsConn.Close()
		c.provider.remove(c)
	})
	return nil
}

// Twilio Media Streams message types.
type inboundMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *startMessage `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markMessage  `json:"mark,omitempty"`
	Stop           *stopMessage  `json:"stop,omitempty"`
	DTMF           *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfMessage struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type outboundMessage struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *markMessage   `json:"mark,omitempty"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

func (c *Connection) readLoop() {
	defer func() {
		c.mu.Lock()
		sid, pending := c.streamSID, c.started && !c.stopped
		c.stopped = true
		c.mu.Unlock()

		// A dropped socket ends the session like a stop event.
		if pending {
			c.provider.handler.HandleStop(c.ctx, sid)
		}
		_ = c.Close()
	}()

	for {
		_, data, err := c.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("media stream read failed", zap.Error(err))
				}
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("discarding malformed media stream message", zap.Error(err))
			continue
		}
		if !c.dispatch(msg) {
			return
		}
	}
}

// dispatch handles one message and reports whether the loop should go on.
func (c *Connection) dispatch(msg inboundMessage) bool {
	h := c.provider.handler

	c.mu.RLock()
	sid, started := c.streamSID, c.started
	c.mu.RUnlock()

	if started && msg.StreamSID != "" && msg.StreamSID != sid {
		c.logger.Warn("discarding event for foreign stream",
			zap.String("event", msg.Event),
			zap.String("stream_sid", msg.StreamSID),
		)
		return true
	}

	switch msg.Event {
	case "connected":
		c.logger.Debug("media stream connected")

	case "start":
		if started {
			c.logger.Warn("discarding duplicate start", zap.String("stream_sid", sid))
			return true
		}
		if msg.Start == nil {
			c.logger.Warn("discarding start without metadata")
			return true
		}
		start := Start{
			StreamSID:  firstNonEmpty(msg.Start.StreamSID, msg.StreamSID),
			CallSID:    msg.Start.CallSID,
			AccountSID: msg.Start.AccountSID,
			Tracks:     msg.Start.Tracks,
			Encoding:   msg.Start.MediaFormat.Encoding,
			SampleRate: msg.Start.MediaFormat.SampleRate,
			Parameters: msg.Start.CustomParams,
		}

		c.mu.Lock()
		c.streamSID = start.StreamSID
		c.callSID = start.CallSID
		c.started = true
		c.mu.Unlock()

		if err := h.HandleStart(c.ctx, c, start); err != nil {
			c.logger.Error("media stream start failed",
				zap.String("stream_sid", start.StreamSID),
				zap.Error(err),
			)
			c.mu.Lock()
			c.stopped = true
			c.mu.Unlock()
			return false
		}

	case "media":
		if !started {
			c.logger.Debug("discarding media before start")
			return true
		}
		if msg.Media == nil || msg.Media.Payload == "" {
			return true
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			c.logger.Debug("discarding undecodable media", zap.Error(err))
			return true
		}
		chunk, _ := strconv.Atoi(msg.Media.Chunk)
		ts, _ := strconv.ParseInt(msg.Media.Timestamp, 10, 64)
		h.HandleMedia(c.ctx, sid, Media{
			Track:     msg.Media.Track,
			Chunk:     chunk,
			Timestamp: time.Duration(ts) * time.Millisecond,
			Payload:   payload,
		})

	case "mark":
		if started && msg.Mark != nil {
			h.HandleMark(c.ctx, sid, msg.Mark.Name)
		}

	case "dtmf":
		if msg.DTMF != nil {
			c.logger.Info("dtmf received", zap.String("stream_sid", sid), zap.String("digit", msg.DTMF.Digit))
		}

	case "stop":
		if !started {
			return false
		}
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		h.HandleStop(c.ctx, sid)
		return false

	default:
		c.logger.Debug("ignoring media stream event", zap.String("event", msg.Event))
	}
	return true
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if c.provider.timeout > 0 {
				_ = c.wsConn.SetWriteDeadline(time.Now().Add(c.provider.timeout))
			}
			if err := c.wsConn.WriteJSON(msg); err != nil {
				c.logger.Warn("media stream write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
