package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentplexus/receptionist/audio"
)

// Azure output formats understood by the provider.
const (
	FormatRawMulaw8k = "raw-8khz-8bit-mono-mulaw"
	FormatMP3_16k    = "audio-16khz-32kbitrate-mono-mp3"
	FormatMP3_24k    = "audio-24khz-48kbitrate-mono-mp3"
)

// Verify interface compliance at compile time.
var _ Synthesizer = (*Azure)(nil)

// Azure synthesizes speech with the Azure Speech REST API.
type Azure struct {
	key          string
	endpoint     string
	outputFormat string
	httpClient   *http.Client
}

// AzureOption configures the Azure provider.
type AzureOption func(*azureOptions)

type azureOptions struct {
	key          string
	region       string
	endpoint     string
	outputFormat string
	httpClient   *http.Client
}

// WithAzureKey sets the subscription key.
func WithAzureKey(key string) AzureOption {
	return func(o *azureOptions) {
		o.key = key
	}
}

// WithAzureRegion sets the Speech resource region.
func WithAzureRegion(region string) AzureOption {
	return func(o *azureOptions) {
		o.region = region
	}
}

// WithAzureEndpoint overrides the synthesis endpoint URL.
func WithAzureEndpoint(endpoint string) AzureOption {
	return func(o *azureOptions) {
		o.endpoint = endpoint
	}
}

// WithOutputFormat sets the X-Microsoft-OutputFormat value. Raw mu-law is
// passed through; MP3 formats are decoded and transcoded.
func WithOutputFormat(format string) AzureOption {
	return func(o *azureOptions) {
		o.outputFormat = format
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) AzureOption {
	return func(o *azureOptions) {
		o.httpClient = c
	}
}

// NewAzure creates an Azure Speech provider. Key and region fall back to
// AZURE_SPEECH_KEY and AZURE_SPEECH_REGION.
func NewAzure(opts ...AzureOption) (*Azure, error) {
	cfg := &azureOptions{
		outputFormat: FormatRawMulaw8k,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.key == "" {
		cfg.key = os.Getenv("AZURE_SPEECH_KEY")
	}
	if cfg.key == "" {
		return nil, fmt.Errorf("AZURE_SPEECH_KEY is required")
	}
	if cfg.region == "" {
		cfg.region = os.Getenv("AZURE_SPEECH_REGION")
	}
	if cfg.endpoint == "" {
		if cfg.region == "" {
			return nil, fmt.Errorf("AZURE_SPEECH_REGION is required")
		}
		cfg.endpoint = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/v1", cfg.region)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Azure{
		key:          cfg.key,
		endpoint:     cfg.endpoint,
		outputFormat: cfg.outputFormat,
		httpClient:   cfg.httpClient,
	}, nil
}

// Name returns the provider name.
func (p *Azure) Name() string {
	return "azure"
}

// Synthesize renders req as Azure SSML and returns mu-law audio.
func (p *Azure) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	body := req.Document.Render(req.Voice, req.Language)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(body))
	if err != nil {
		return nil, p.fail(ErrUnavailable, req.Voice, 0, err)
	}
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", p.key)
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("X-Microsoft-OutputFormat", p.outputFormat)
	httpReq.Header.Set("User-Agent", "receptionist")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, p.fail(contextKind(ctx, err), req.Voice, 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.fail(contextKind(ctx, err), req.Voice, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, p.fail(ErrBadVoice, req.Voice, resp.StatusCode, fmt.Errorf("%s", truncate(string(data), 200)))
	case resp.StatusCode >= 400:
		return nil, p.fail(ErrUnavailable, req.Voice, resp.StatusCode, fmt.Errorf("%s", truncate(string(data), 200)))
	}
	if len(data) == 0 {
		return nil, p.fail(ErrBadResponse, req.Voice, resp.StatusCode, fmt.Errorf("empty audio"))
	}

	if strings.Contains(p.outputFormat, "mp3") {
		decoded, err := audio.DecodeMP3(bytes.NewReader(data))
		if err != nil {
			return nil, p.fail(ErrBadResponse, req.Voice, resp.StatusCode, err)
		}
		return newMulaw(decoded), nil
	}
	return newMulaw(data), nil
}

func (p *Azure) fail(kind ErrorKind, voice string, status int, err error) *SynthesisError {
	return &SynthesisError{Engine: p.Name(), Kind: kind, Voice: voice, StatusCode: status, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
