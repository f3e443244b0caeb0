// Package callsystem answers Twilio voice webhooks for tenant numbers and
// controls the calls it answered.
//
// An inbound call is resolved to its tenant by the called number. Enabled
// tenants get <Connect><Stream> TwiML whose <Parameter> elements carry the
// tenant configuration into the media stream; unknown or disabled tenants
// are rejected before any stream is opened.
package callsystem

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplexus/receptionist"
	"github.com/agentplexus/receptionist/internal/client"
	"github.com/agentplexus/receptionist/session"
	"github.com/agentplexus/receptionist/tenant"
	"github.com/agentplexus/receptionist/tts"
	"github.com/agentplexus/receptionist/voice"
)

// Verify interface compliance at compile time.
var _ session.CallController = (*Provider)(nil)

// ErrNoClient is returned by call control when no Twilio client is set.
var ErrNoClient = errors.New("callsystem: twilio client not configured")

// UnavailableMessage is spoken when tenant configuration cannot be loaded.
const UnavailableMessage = "Lo sentimos, el servicio no está disponible en este momento. Por favor, llame más tarde."

// maxCallAge evicts calls whose end was never reported, for numbers
// configured without a status callback.
const maxCallAge = 4 * time.Hour

// Provider answers inbound calls and implements session.CallController.
type Provider struct {
	client     *client.Client
	tenants    tenant.Store
	logger     *zap.Logger
	publicURL  string
	streamPath string

	mu    sync.RWMutex
	calls map[string]*Call
}

// Option configures the Provider.
type Option func(*options)

type options struct {
	client     *client.Client
	logger     *zap.Logger
	publicURL  string
	streamPath string
}

// WithClient sets the Twilio REST client used for call control.
func WithClient(c *client.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPublicURL sets the externally reachable base URL of the service.
// Without it the stream URL is derived from the webhook request host.
func WithPublicURL(u string) Option {
	return func(o *options) {
		o.publicURL = u
	}
}

// WithStreamPath sets the media stream path.
func WithStreamPath(path string) Option {
	return func(o *options) {
		o.streamPath = path
	}
}

// New creates a Provider resolving tenants from store.
func New(store tenant.Store, opts ...Option) (*Provider, error) {
	if store == nil {
		return nil, fmt.Errorf("callsystem: tenant store is required")
	}
	cfg := &options{streamPath: receptionist.DefaultMediaStreamPath}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.publicURL != "" {
		if _, err := StreamURL(cfg.publicURL, cfg.streamPath); err != nil {
			return nil, err
		}
	}

	return &Provider{
		client:     cfg.client,
		tenants:    store,
		logger:     cfg.logger,
		publicURL:  cfg.publicURL,
		streamPath: cfg.streamPath,
		calls:      make(map[string]*Call),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "twilio"
}

// CallStatus is the lifecycle state of a call.
type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusAnswered CallStatus = "answered"
	StatusEnded    CallStatus = "ended"
	StatusBusy     CallStatus = "busy"
	StatusNoAnswer CallStatus = "no_answer"
	StatusFailed   CallStatus = "failed"
)

// Call is an inbound call answered for a tenant.
type Call struct {
	id        string
	tenantID  string
	from      string
	to        string
	startTime time.Time

	mu     sync.RWMutex
	status CallStatus
}

// ID returns the call SID.
func (c *Call) ID() string { return c.id }

// TenantID returns the tenant that owns the called number.
func (c *Call) TenantID() string { return c.tenantID }

// From returns the caller ID.
func (c *Call) From() string { return c.from }

// To returns the called number.
func (c *Call) To() string { return c.to }

// Duration returns how long ago the call arrived.
func (c *Call) Duration() time.Duration { return time.Since(c.startTime) }

// Status returns the current call status.
func (c *Call) Status() CallStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Call) setStatus(s CallStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// GetCall returns a call answered by this process.
func (p *Provider) GetCall(callSID string) (*Call, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.calls[callSID]
	return c, ok
}

// ActiveCalls returns the number of calls that have not ended.
func (p *Provider) ActiveCalls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.calls)
}

// HandleIncomingWebhook resolves the tenant for the called number and
// returns the TwiML to answer with.
func (p *Provider) HandleIncomingWebhook(ctx context.Context, callSID, from, to, streamURL string) string {
	log := p.logger.With(zap.String("call_sid", callSID), zap.String("to", to))

	cfg, err := p.tenants.LookupByNumber(ctx, to)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		log.Warn("rejecting call for unknown number")
		return rejectTwiML()
	case err != nil:
		log.Error("tenant lookup failed", zap.Error(err))
		return tts.SayTwiML(UnavailableMessage, voice.DefaultLanguage, true)
	case !cfg.Enabled:
		log.Info("rejecting call for disabled tenant", zap.String("tenant_id", cfg.ID))
		return rejectTwiML()
	}

	now := time.Now()
	p.mu.Lock()
	p.evictStale(now)
	p.calls[callSID] = &Call{
		id:        callSID,
		tenantID:  cfg.ID,
		from:      from,
		to:        to,
		startTime: now,
		status:    StatusRinging,
	}
	p.mu.Unlock()

	params := session.TenantParams{
		TenantID:        cfg.ID,
		GreetingText:    cfg.GreetingText,
		VoiceID:         cfg.VoiceID,
		Language:        cfg.Language,
		RecordCalls:     cfg.RecordCalls,
		TranscribeCalls: cfg.TranscribeCalls,
	}
	log.Info("answering call", zap.String("tenant_id", cfg.ID), zap.String("stream_url", streamURL))
	return buildMediaStreamTwiML(streamURL, params)
}

// evictStale drops calls older than maxCallAge. Caller holds p.mu.
func (p *Provider) evictStale(now time.Time) {
	for sid, c := range p.calls {
		if now.Sub(c.startTime) > maxCallAge {
			delete(p.calls, sid)
		}
	}
}

// endCall marks a call ended and forgets it.
func (p *Provider) endCall(callSID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.calls[callSID]; ok {
		c.setStatus(StatusEnded)
		delete(p.calls, callSID)
	}
}

// HandleStatusCallback processes a Twilio status callback.
func (p *Provider) HandleStatusCallback(callSID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[callSID]
	if !ok {
		return
	}
	s := mapCallStatus(status)
	call.setStatus(s)
	switch s {
	case StatusEnded, StatusBusy, StatusNoAnswer, StatusFailed:
		delete(p.calls, callSID)
	}
}

// InboundHandler serves the inbound call webhook.
func (p *Provider) InboundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}

		streamURL, err := p.streamURL(r)
		if err != nil {
			p.logger.Error("cannot build stream url", zap.Error(err))
			http.Error(w, "misconfigured stream url", http.StatusInternalServerError)
			return
		}

		twiml := p.HandleIncomingWebhook(r.Context(),
			r.PostForm.Get("CallSid"),
			r.PostForm.Get("From"),
			r.PostForm.Get("To"),
			streamURL,
		)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(twiml))
	})
}

// StatusHandler serves the call status callback.
func (p *Provider) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		p.HandleStatusCallback(r.PostForm.Get("CallSid"), r.PostForm.Get("CallStatus"))
		w.WriteHeader(http.StatusNoContent)
	})
}

func (p *Provider) streamURL(r *http.Request) (string, error) {
	if p.publicURL != "" {
		return StreamURL(p.publicURL, p.streamPath)
	}
	return StreamURL("wss://"+r.Host, p.streamPath)
}

// StreamURL turns a public base URL into the websocket URL of path.
func StreamURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid public url %q: %w", base, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid public url %q: unsupported scheme", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid public url %q: missing host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	u.RawQuery, u.Fragment = "", ""
	return u.String(), nil
}

// EndWithMessage speaks message on the live call and hangs up. A call that
// has already ended is not an error.
func (p *Provider) EndWithMessage(ctx context.Context, callSID, message, language string) error {
	if p.client == nil {
		return ErrNoClient
	}
	_, err := p.client.UpdateCall(ctx, callSID, client.UpdateCallParams{
		Twiml: tts.SayTwiML(message, language, true),
	})
	if err != nil && !client.IsNotFound(err) {
		return fmt.Errorf("failed to end call: %w", err)
	}
	p.endCall(callSID)
	return nil
}

// StartRecording records both legs of the call.
func (p *Provider) StartRecording(ctx context.Context, callSID string) error {
	if p.client == nil {
		return ErrNoClient
	}
	rec, err := p.client.StartRecording(ctx, callSID)
	if err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	p.logger.Info("recording started", zap.String("call_sid", callSID), zap.String("recording_sid", rec.SID))
	return nil
}

// Hangup ends the call without a message.
func (p *Provider) Hangup(ctx context.Context, callSID string) error {
	if p.client == nil {
		return ErrNoClient
	}
	if _, err := p.client.HangupCall(ctx, callSID); err != nil && !client.IsNotFound(err) {
		return fmt.Errorf("failed to hangup: %w", err)
	}
	p.endCall(callSID)
	return nil
}

// TwiML documents.
type twimlResponse struct {
	XMLName xml.Name        `xml:"Response"`
	Connect *connectElement `xml:"Connect,omitempty"`
	Reject  *rejectElement  `xml:"Reject,omitempty"`
}

type connectElement struct {
	Stream streamElement `xml:"Stream"`
}

type streamElement struct {
	URL        string             `xml:"url,attr"`
	Parameters []parameterElement `xml:"Parameter"`
}

type parameterElement struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type rejectElement struct {
	Reason string `xml:"reason,attr"`
}

func render(resp twimlResponse) string {
	out, err := xml.Marshal(resp)
	if err != nil {
		return xml.Header + "<Response><Hangup/></Response>"
	}
	return xml.Header + string(out)
}

// buildMediaStreamTwiML connects the call to the media stream at streamURL.
func buildMediaStreamTwiML(streamURL string, params session.TenantParams) string {
	stream := streamElement{URL: streamURL}
	for _, p := range params.Encode() {
		stream.Parameters = append(stream.Parameters, parameterElement{Name: p.Name, Value: p.Value})
	}
	return render(twimlResponse{Connect: &connectElement{Stream: stream}})
}

func rejectTwiML() string {
	return render(twimlResponse{Reject: &rejectElement{Reason: "rejected"}})
}

// mapCallStatus maps a Twilio call status.
func mapCallStatus(status string) CallStatus {
	switch status {
	case receptionist.CallStatusQueued, receptionist.CallStatusRinging:
		return StatusRinging
	case receptionist.CallStatusInProgress:
		return StatusAnswered
	case receptionist.CallStatusCompleted:
		return StatusEnded
	case receptionist.CallStatusBusy:
		return StatusBusy
	case receptionist.CallStatusNoAnswer:
		return StatusNoAnswer
	case receptionist.CallStatusFailed, receptionist.CallStatusCanceled:
		return StatusFailed
	default:
		return StatusRinging
	}
}
