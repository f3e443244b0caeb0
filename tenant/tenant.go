// Package tenant stores per-tenant receptionist configuration and call
// transcripts.
package tenant

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when no tenant owns the requested number or id.
var ErrNotFound = errors.New("tenant not found")

// Config is a tenant's receptionist configuration.
type Config struct {
	ID              string
	PhoneNumber     string
	VoiceID         string
	Language        string
	GreetingText    string
	Enabled         bool
	RecordCalls     bool
	TranscribeCalls bool
}

// Store looks up tenant configuration.
type Store interface {
	// LookupByNumber returns the tenant that owns the called number.
	LookupByNumber(ctx context.Context, phoneNumber string) (*Config, error)
	Get(ctx context.Context, id string) (*Config, error)
}

// Speakers in a transcript.
const (
	SpeakerCaller    = "caller"
	SpeakerAssistant = "assistant"
)

// Transcript is one utterance of a call.
type Transcript struct {
	TenantID  string
	CallSID   string
	StreamSID string
	Speaker   string
	Text      string
	CreatedAt time.Time
}

// TranscriptSink persists call transcripts.
type TranscriptSink interface {
	SaveTranscript(ctx context.Context, t Transcript) error
}

// NormalizeNumber strips formatting from an E.164 number so "+34 911-22-33"
// and "+3491112233" compare equal.
func NormalizeNumber(number string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(number) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
