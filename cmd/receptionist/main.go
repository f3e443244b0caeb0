// Command receptionist answers tenant phone numbers over Twilio Media
// Streams.
//
// Usage:
//
//	export TWILIO_ACCOUNT_SID=ACxxx TWILIO_AUTH_TOKEN=xxx
//	export AZURE_SPEECH_KEY=xxx AZURE_SPEECH_REGION=westeurope
//	export DATABASE_URL=postgres://localhost/receptionist PUBLIC_URL=https://rx.example.com
//	go run ./cmd/receptionist
//
// Point the Twilio number's voice webhook at $PUBLIC_URL/voice/inbound and
// its status callback at $PUBLIC_URL/voice/status.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentplexus/receptionist"
	"github.com/agentplexus/receptionist/agent"
	"github.com/agentplexus/receptionist/callsystem"
	"github.com/agentplexus/receptionist/internal/client"
	"github.com/agentplexus/receptionist/internal/config"
	"github.com/agentplexus/receptionist/session"
	"github.com/agentplexus/receptionist/stt"
	"github.com/agentplexus/receptionist/tenant"
	"github.com/agentplexus/receptionist/transport"
	"github.com/agentplexus/receptionist/tts"
	"github.com/agentplexus/receptionist/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "receptionist: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "receptionist: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("receptionist stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, sink, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	synth, closeSynth, err := newSynthesizer(ctx, cfg.TTS)
	if err != nil {
		return err
	}
	defer closeSynth()

	callOpts := []callsystem.Option{
		callsystem.WithLogger(logger.Named("callsystem")),
		callsystem.WithPublicURL(cfg.Server.PublicURL),
	}
	if cfg.Twilio.AccountSID != "" && cfg.Twilio.AuthToken != "" {
		twilio, err := client.New(&client.Config{AccountSID: cfg.Twilio.AccountSID, AuthToken: cfg.Twilio.AuthToken})
		if err != nil {
			return err
		}
		callOpts = append(callOpts, callsystem.WithClient(twilio))
	} else {
		logger.Warn("twilio credentials not set; recording and graceful hangup are disabled")
	}
	calls, err := callsystem.New(store, callOpts...)
	if err != nil {
		return err
	}

	sessionOpts := []session.Option{
		session.WithLogger(logger.Named("session")),
		session.WithMapper(voice.NewMapper(logger.Named("voice"))),
		session.WithCallController(calls),
		session.WithTranscriptSink(sink),
		session.WithMinTurnDuration(cfg.Session.MinTurnDuration),
		session.WithSynthesisTimeout(cfg.Session.SynthesisTimeout),
	}
	if cfg.Deepgram.APIKey != "" {
		opts := []stt.Option{stt.WithAPIKey(cfg.Deepgram.APIKey), stt.WithLogger(logger.Named("stt"))}
		if cfg.Deepgram.Model != "" {
			opts = append(opts, stt.WithModel(cfg.Deepgram.Model))
		}
		recognizer, err := stt.New(opts...)
		if err != nil {
			return err
		}
		sessionOpts = append(sessionOpts, session.WithRecognizer(recognizer))
	} else {
		logger.Warn("DEEPGRAM_API_KEY not set; caller speech will not be recognized")
	}
	if cfg.Gemini.APIKey != "" {
		opts := []agent.Option{agent.WithAPIKey(cfg.Gemini.APIKey)}
		if cfg.Gemini.Model != "" {
			opts = append(opts, agent.WithModel(cfg.Gemini.Model))
		}
		responder, err := agent.NewGemini(ctx, opts...)
		if err != nil {
			return err
		}
		sessionOpts = append(sessionOpts, session.WithResponder(responder))
	}

	handler, err := session.New(synth, sessionOpts...)
	if err != nil {
		return err
	}
	streams, err := transport.New(handler, transport.WithLogger(logger.Named("transport")))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/voice/inbound", calls.InboundHandler())
	mux.Handle("/voice/status", calls.StatusHandler())
	mux.Handle(receptionist.DefaultMediaStreamPath, streams)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "ok sessions=%d\n", handler.ActiveSessions())
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("receptionist listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("version", receptionist.Version),
			zap.String("tts_engine", cfg.TTS.Engine),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Int("sessions", handler.ActiveSessions()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	_ = streams.Close()
	if err := handler.Close(shutdownCtx); err != nil {
		logger.Warn("sessions did not finish", zap.Error(err))
	}
	return server.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (tenant.Store, tenant.TranscriptSink, func(), error) {
	if cfg.URL == "" {
		logger.Warn("DATABASE_URL not set; using an empty in-memory tenant store")
		m := tenant.NewMemory()
		return m, m, func() {}, nil
	}

	pool, err := tenant.Connect(ctx, cfg.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Migrate {
		if err := tenant.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
	}
	pg := tenant.NewPostgres(pool)
	return pg, pg, pool.Close, nil
}

func newSynthesizer(ctx context.Context, cfg config.TTSConfig) (tts.Synthesizer, func(), error) {
	switch cfg.Engine {
	case config.EngineGoogle:
		var opts []tts.GoogleOption
		if cfg.GoogleVoice != "" {
			opts = append(opts, tts.WithGoogleVoice(cfg.GoogleVoice))
		}
		g, err := tts.NewGoogle(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return g, func() { _ = g.Close() }, nil
	default:
		opts := []tts.AzureOption{tts.WithAzureKey(cfg.AzureKey), tts.WithAzureRegion(cfg.AzureRegion)}
		if cfg.OutputFormat != "" {
			opts = append(opts, tts.WithOutputFormat(cfg.OutputFormat))
		}
		a, err := tts.NewAzure(opts...)
		if err != nil {
			return nil, nil, err
		}
		return a, func() {}, nil
	}
}
