// Package tts synthesizes humanized SSML into telephony audio.
//
// Every engine returns 8kHz mono mu-law so the result can be framed straight
// onto a Twilio Media Stream. Failures are reported as *SynthesisError.
package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentplexus/receptionist"
	"github.com/agentplexus/receptionist/audio"
	"github.com/agentplexus/receptionist/ssml"
)

// Synthesizer converts a humanized document into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*Audio, error)
}

// Request is one synthesis call.
type Request struct {
	Document ssml.Document
	Voice    string // engine voice id
	Language string // IETF tag
}

// Audio is synthesized 8kHz mono mu-law.
type Audio struct {
	Data       []byte
	Encoding   string
	SampleRate int
}

// Duration is the playback length of the audio.
func (a *Audio) Duration() time.Duration {
	if a == nil {
		return 0
	}
	return audio.Duration(len(a.Data))
}

func newMulaw(data []byte) *Audio {
	return &Audio{
		Data:       data,
		Encoding:   receptionist.AudioEncodingMulaw,
		SampleRate: receptionist.DefaultSampleRate,
	}
}

// ErrorKind classifies synthesis failures.
type ErrorKind string

const (
	ErrUnavailable ErrorKind = "unavailable"
	ErrBadVoice    ErrorKind = "bad_voice"
	ErrTimeout     ErrorKind = "timeout"
	ErrBadResponse ErrorKind = "bad_response"
)

// SynthesisError is returned by every Synthesizer in this package.
type SynthesisError struct {
	Engine     string
	Kind       ErrorKind
	Voice      string
	StatusCode int
	Err        error
}

func (e *SynthesisError) Error() string {
	msg := fmt.Sprintf("%s synthesis failed (%s, voice %q)", e.Engine, e.Kind, e.Voice)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a synthesis error, or "" if err is not one.
func KindOf(err error) ErrorKind {
	var se *SynthesisError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// contextKind maps context failures onto error kinds.
func contextKind(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrUnavailable
}
