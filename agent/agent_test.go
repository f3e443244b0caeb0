package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"
)

type fakeModels struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	reply    string
	err      error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, config
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(f.reply, genai.RoleModel)}},
	}, nil
}

func TestNewGeminiRequiresKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	if _, err := NewGemini(context.Background()); err == nil {
		t.Fatalf("expected error without api key")
	}
}

func TestReplyMapsHistory(t *testing.T) {
	t.Parallel()

	f := &fakeModels{reply: "  Claro, le ayudo.  "}
	g, err := NewGemini(context.Background(), withGenerator(f), WithModel("test-model"))
	if err != nil {
		t.Fatalf("NewGemini failed: %v", err)
	}

	got, err := g.Reply(context.Background(), Turn{
		Language: "es-ES",
		History: []Message{
			{Role: RoleAssistant, Text: "Hola, bienvenido"},
			{Role: RoleCaller, Text: "Quiero una cita"},
		},
	})
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if got != "Claro, le ayudo." {
		t.Fatalf("reply = %q", got)
	}
	if f.model != "test-model" {
		t.Fatalf("model = %q", f.model)
	}
	if len(f.contents) != 2 || f.contents[0].Role != string(genai.RoleModel) || f.contents[1].Role != string(genai.RoleUser) {
		t.Fatalf("unexpected roles: %+v", f.contents)
	}
	instr := f.config.SystemInstruction.Parts[0].Text
	if !strings.Contains(instr, "es-ES") {
		t.Fatalf("instruction should carry the language: %q", instr)
	}
}

func TestReplyErrors(t *testing.T) {
	t.Parallel()

	g, _ := NewGemini(context.Background(), withGenerator(&fakeModels{reply: "   "}))
	turn := Turn{History: []Message{{Role: RoleCaller, Text: "hola"}}}
	if _, err := g.Reply(context.Background(), turn); !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("expected ErrEmptyReply, got %v", err)
	}

	boom := errors.New("quota")
	g, _ = NewGemini(context.Background(), withGenerator(&fakeModels{err: boom}))
	if _, err := g.Reply(context.Background(), turn); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	if _, err := g.Reply(context.Background(), Turn{}); err == nil {
		t.Fatalf("expected error for empty history")
	}
}
