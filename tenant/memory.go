package tenant

import (
	"context"
	"sync"
	"time"
)

// Verify interface compliance at compile time.
var (
	_ Store          = (*Memory)(nil)
	_ TranscriptSink = (*Memory)(nil)
)

// Memory is an in-process Store and TranscriptSink.
type Memory struct {
	mu          sync.RWMutex
	byID        map[string]Config
	byNumber    map[string]string
	transcripts []Transcript
}

// NewMemory creates a Memory store seeded with tenants.
func NewMemory(tenants ...Config) *Memory {
	m := &Memory{
		byID:     make(map[string]Config),
		byNumber: make(map[string]string),
	}
	for _, t := range tenants {
		m.Put(t)
	}
	return m
}

// Put adds or replaces a tenant.
func (m *Memory) Put(t Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byID[t.ID]; ok {
		delete(m.byNumber, NormalizeNumber(old.PhoneNumber))
	}
	m.byID[t.ID] = t
	m.byNumber[NormalizeNumber(t.PhoneNumber)] = t.ID
}

func (m *Memory) LookupByNumber(ctx context.Context, phoneNumber string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byNumber[NormalizeNumber(phoneNumber)]
	if !ok {
		return nil, ErrNotFound
	}
	t := m.byID[id]
	return &t, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *Memory) SaveTranscript(ctx context.Context, t Transcript) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	m.mu.Lock()
	m.transcripts = append(m.transcripts, t)
	m.mu.Unlock()
	return nil
}

// Transcripts returns a copy of the saved transcripts for a call.
func (m *Memory) Transcripts(callSID string) []Transcript {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Transcript
	for _, t := range m.transcripts {
		if t.CallSID == callSID {
			out = append(out, t)
		}
	}
	return out
}
