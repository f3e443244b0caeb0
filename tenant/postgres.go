package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Verify interface compliance at compile time.
var (
	_ Store          = (*Postgres)(nil)
	_ TranscriptSink = (*Postgres)(nil)
)

// querier is the part of pgxpool.Pool the store uses.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres reads tenants from and writes transcripts to Postgres.
type Postgres struct {
	db querier
}

// NewPostgres wraps a connection pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return pool, nil
}

const selectTenant = `SELECT id, phone_number, voice_id, language, greeting_text, enabled, record_calls, transcribe_calls FROM tenants`

// normalizedNumber is NormalizeNumber in SQL, so stored numbers may keep
// their formatting. Migration 00002 indexes it.
const normalizedNumber = `regexp_replace(phone_number, '[^0-9+]', '', 'g')`

// LookupByNumber matches the normalized called number against normalized
// stored numbers.
func (p *Postgres) LookupByNumber(ctx context.Context, phoneNumber string) (*Config, error) {
	row := p.db.QueryRow(ctx, selectTenant+` WHERE `+normalizedNumber+` = $1`, NormalizeNumber(phoneNumber))
	return scanTenant(row)
}

func (p *Postgres) Get(ctx context.Context, id string) (*Config, error) {
	row := p.db.QueryRow(ctx, selectTenant+` WHERE id = $1`, id)
	return scanTenant(row)
}

func scanTenant(row pgx.Row) (*Config, error) {
	var t Config
	err := row.Scan(&t.ID, &t.PhoneNumber, &t.VoiceID, &t.Language, &t.GreetingText, &t.Enabled, &t.RecordCalls, &t.TranscribeCalls)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant: %w", err)
	}
	return &t, nil
}

func (p *Postgres) SaveTranscript(ctx context.Context, t Transcript) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := p.db.Exec(ctx,
		`INSERT INTO call_transcripts (tenant_id, call_sid, stream_sid, speaker, text, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		t.TenantID, t.CallSID, t.StreamSID, t.Speaker, t.Text, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}
	return nil
}
