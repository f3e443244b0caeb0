// Package agent generates the receptionist's spoken replies.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

// Role identifies who said a Message.
type Role string

const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Message is one utterance of the conversation.
type Message struct {
	Role Role
	Text string
}

// Turn is the conversation so far; its last message is the caller's.
type Turn struct {
	TenantID string
	Language string
	History  []Message
}

// Responder produces the next reply.
type Responder interface {
	Reply(ctx context.Context, turn Turn) (string, error)
}

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.5-flash"

// DefaultInstruction frames every conversation.
const DefaultInstruction = "You are a friendly phone receptionist. Answer in the caller's language " +
	"with one or two short sentences suitable for being read aloud. Never use markdown, lists or emoji."

// ErrEmptyReply is returned when the model produced no text.
var ErrEmptyReply = errors.New("agent: empty reply")

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

var _ Responder = (*Gemini)(nil)

// Gemini implements Responder with the Gemini API.
type Gemini struct {
	models      generator
	model       string
	instruction string
	maxTokens   int32
}

// Option configures Gemini.
type Option func(*options)

type options struct {
	apiKey      string
	model       string
	instruction string
	maxTokens   int32
	models      generator
}

// WithAPIKey sets the Gemini API key.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *options) {
		o.model = model
	}
}

// WithInstruction replaces the system instruction.
func WithInstruction(instruction string) Option {
	return func(o *options) {
		o.instruction = instruction
	}
}

// WithMaxTokens bounds reply length.
func WithMaxTokens(n int32) Option {
	return func(o *options) {
		o.maxTokens = n
	}
}

func withGenerator(g generator) Option {
	return func(o *options) {
		o.models = g
	}
}

// NewGemini creates a Gemini responder. The key falls back to
// GEMINI_API_KEY.
func NewGemini(ctx context.Context, opts ...Option) (*Gemini, error) {
	cfg := &options{
		model:       DefaultModel,
		instruction: DefaultInstruction,
		maxTokens:   120,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.models == nil {
		if cfg.apiKey == "" {
			cfg.apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if cfg.apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  cfg.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		cfg.models = client.Models
	}

	return &Gemini{
		models:      cfg.models,
		model:       cfg.model,
		instruction: cfg.instruction,
		maxTokens:   cfg.maxTokens,
	}, nil
}

// Reply asks the model for the next utterance.
func (g *Gemini) Reply(ctx context.Context, turn Turn) (string, error) {
	contents := make([]*genai.Content, 0, len(turn.History))
	for _, m := range turn.History {
		var role genai.Role = genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("agent: no caller message")
	}

	instruction := g.instruction
	if turn.Language != "" {
		instruction += " The caller's language is " + turn.Language + "."
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
		MaxOutputTokens:   g.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
