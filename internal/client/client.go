// Package client is a small Twilio REST client covering the call-control
// requests the receptionist makes while a call is live.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/agentplexus/receptionist"
)

// Client is a Twilio API client.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Config configures the Twilio client. Empty credentials fall back to
// TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN.
type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a new Twilio client.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	c := &Client{
		accountSID: firstNonEmpty(cfg.AccountSID, os.Getenv("TWILIO_ACCOUNT_SID")),
		authToken:  firstNonEmpty(cfg.AuthToken, os.Getenv("TWILIO_AUTH_TOKEN")),
		baseURL:    strings.TrimRight(firstNonEmpty(cfg.BaseURL, receptionist.DefaultAPIBaseURL), "/"),
		httpClient: cfg.HTTPClient,
	}
	if c.accountSID == "" {
		return nil, fmt.Errorf("TWILIO_ACCOUNT_SID is required")
	}
	if c.authToken == "" {
		return nil, fmt.Errorf("TWILIO_AUTH_TOKEN is required")
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return c, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// AccountSID returns the account SID.
func (c *Client) AccountSID() string {
	return c.accountSID
}

// Call is the subset of the Twilio call resource the receptionist reads.
type Call struct {
	SID       string `json:"sid"`
	To        string `json:"to"`
	From      string `json:"from"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Duration  string `json:"duration"`
}

func (c *Client) callURL(callSID string, sub ...string) string {
	u := fmt.Sprintf("%s/Accounts/%s/Calls/%s", c.baseURL, url.PathEscape(c.accountSID), url.PathEscape(callSID))
	for _, s := range sub {
		u += "/" + s
	}
	return u + ".json"
}

// GetCall retrieves a call by SID.
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.get(ctx, c.callURL(callSID), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// UpdateCallParams are parameters for updating a live call.
type UpdateCallParams struct {
	Twiml  string // replaces the executing TwiML
	Status string // "completed" hangs up
}

// UpdateCall modifies an in-progress call.
func (c *Client) UpdateCall(ctx context.Context, callSID string, params UpdateCallParams) (*Call, error) {
	data := url.Values{}
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.Status != "" {
		data.Set("Status", params.Status)
	}
	if len(data) == 0 {
		return nil, errors.New("update call: nothing to change")
	}

	var call Call
	if err := c.post(ctx, c.callURL(callSID), data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall ends a call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	return c.UpdateCall(ctx, callSID, UpdateCallParams{Status: receptionist.CallStatusCompleted})
}

// Recording is a Twilio call recording resource.
type Recording struct {
	SID     string `json:"sid"`
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
	Track   string `json:"track"`
}

// StartRecording starts a dual-channel recording of both call legs.
func (c *Client) StartRecording(ctx context.Context, callSID string) (*Recording, error) {
	data := url.Values{}
	data.Set("RecordingChannels", "dual")
	data.Set("RecordingTrack", "both")

	var rec Recording
	if err := c.post(ctx, c.callURL(callSID, "Recordings"), data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Error is a Twilio API error body.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d (http %d): %s", e.Code, e.Status, e.Message)
}

// IsNotFound reports whether err is a Twilio 404, which is what call
// control returns once the call has already ended.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

func (c *Client) get(ctx context.Context, u string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, u string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "receptionist/"+receptionist.Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
