package tts

import (
	"context"
	"errors"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/agentplexus/receptionist"
	"github.com/agentplexus/receptionist/audio"
)

// Verify interface compliance at compile time.
var _ Synthesizer = (*Google)(nil)

// speechClient is the subset of the Cloud TTS client the provider uses.
type speechClient interface {
	SynthesizeSpeech(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest, opts ...gax.CallOption) (*texttospeechpb.SynthesizeSpeechResponse, error)
	Close() error
}

// Google synthesizes speech with Google Cloud Text-to-Speech.
//
// Azure voice names mean nothing to Google, so the request voice is ignored
// and the pinned voice (or Google's default for the language) is used.
type Google struct {
	client speechClient
	voice  string
}

// GoogleOption configures the Google provider.
type GoogleOption func(*googleOptions)

type googleOptions struct {
	voice         string
	clientOptions []option.ClientOption
	client        speechClient
}

// WithGoogleVoice pins a Google voice name (e.g. "es-ES-Neural2-A").
func WithGoogleVoice(name string) GoogleOption {
	return func(o *googleOptions) {
		o.voice = name
	}
}

// WithClientOptions passes options to the Cloud TTS client, for example
// option.WithCredentialsFile.
func WithClientOptions(opts ...option.ClientOption) GoogleOption {
	return func(o *googleOptions) {
		o.clientOptions = append(o.clientOptions, opts...)
	}
}

func withSpeechClient(c speechClient) GoogleOption {
	return func(o *googleOptions) {
		o.client = c
	}
}

// NewGoogle creates a Google Cloud TTS provider using application default
// credentials unless client options say otherwise.
func NewGoogle(ctx context.Context, opts ...GoogleOption) (*Google, error) {
	cfg := &googleOptions{}
	for _, opt := range opts {
		opt(cfg)
	}

	client := cfg.client
	if client == nil {
		c, err := texttospeech.NewClient(ctx, cfg.clientOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to create Cloud TTS client: %w", err)
		}
		client = c
	}

	return &Google{client: client, voice: cfg.voice}, nil
}

// Name returns the provider name.
func (p *Google) Name() string {
	return "google"
}

// Close releases the underlying gRPC connection.
func (p *Google) Close() error {
	return p.client.Close()
}

// Synthesize renders req as standard SSML and returns mu-law audio.
func (p *Google) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	params := &texttospeechpb.VoiceSelectionParams{LanguageCode: req.Language}
	if p.voice != "" {
		params.Name = p.voice
	}

	resp, err := p.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Ssml{Ssml: req.Document.RenderStandard(req.Language)},
		},
		Voice: params,
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_MULAW,
			SampleRateHertz: receptionist.DefaultSampleRate,
		},
	})
	if err != nil {
		return nil, p.fail(googleKind(ctx, err), params.Name, err)
	}

	data := resp.GetAudioContent()
	if len(data) == 0 {
		return nil, p.fail(ErrBadResponse, params.Name, fmt.Errorf("empty audio"))
	}

	// MULAW responses carry a WAV header.
	if pcm, err := audio.WAVToMulaw(data); err == nil {
		data = pcm
	} else if !errors.Is(err, audio.ErrNotWAV) {
		return nil, p.fail(ErrBadResponse, params.Name, err)
	}
	return newMulaw(data), nil
}

func (p *Google) fail(kind ErrorKind, voice string, err error) *SynthesisError {
	return &SynthesisError{Engine: p.Name(), Kind: kind, Voice: voice, Err: err}
}

func googleKind(ctx context.Context, err error) ErrorKind {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound:
		return ErrBadVoice
	case codes.DeadlineExceeded:
		return ErrTimeout
	}
	return contextKind(ctx, err)
}
