// Command voiceline is the telephony voice agent server: it answers the
// provider's voice webhook, bridges media streams to STT/LLM/TTS
// collaborators, and runs the scheduling workflows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alihamza79/voiceline/internal/audit"
	"github.com/alihamza79/voiceline/internal/config"
	"github.com/alihamza79/voiceline/internal/dispatch"
	"github.com/alihamza79/voiceline/internal/filler"
	"github.com/alihamza79/voiceline/internal/health"
	"github.com/alihamza79/voiceline/internal/observe"
	"github.com/alihamza79/voiceline/internal/orchestrator"
	"github.com/alihamza79/voiceline/internal/phonebook"
	"github.com/alihamza79/voiceline/internal/resilience"
	"github.com/alihamza79/voiceline/internal/session"
	"github.com/alihamza79/voiceline/internal/telephony"
	"github.com/alihamza79/voiceline/pkg/provider/calendar"
	calendarrest "github.com/alihamza79/voiceline/pkg/provider/calendar/rest"
	"github.com/alihamza79/voiceline/pkg/provider/llm"
	"github.com/alihamza79/voiceline/pkg/provider/llm/anyllm"
	oaillm "github.com/alihamza79/voiceline/pkg/provider/llm/openai"
	"github.com/alihamza79/voiceline/pkg/provider/sms"
	"github.com/alihamza79/voiceline/pkg/provider/sms/twilio"
	"github.com/alihamza79/voiceline/pkg/provider/stt"
	"github.com/alihamza79/voiceline/pkg/provider/stt/deepgram"
	"github.com/alihamza79/voiceline/pkg/provider/tts"
	"github.com/alihamza79/voiceline/pkg/provider/tts/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional, environment variables apply on top)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceline: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voiceline starting",
		"config", *configPath,
		"http_port", cfg.Server.HTTPPort,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voiceline",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	ps, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Audit trail ───────────────────────────────────────────────────────────
	var (
		sink      audit.Sink = audit.Discard{}
		auditPing health.Pinger
	)
	if dsn := cfg.Audit.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to the audit database", "err", err)
			return 1
		}
		defer pool.Close()
		pg := audit.NewPostgresSink(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("audit schema migration failed", "err", err)
			return 1
		}
		sink = pg
		auditPing = pg
		slog.Info("audit sink connected", "backend", "postgres")
	}
	auditLog := audit.NewLogger(sink)
	defer auditLog.Close()

	// ── Phonebook ─────────────────────────────────────────────────────────────
	if cfg.Phonebook.Path == "" {
		slog.Error("phonebook.path is required (set PHONEBOOK_PATH or phonebook.path)")
		return 1
	}
	book, err := phonebook.Load(cfg.Phonebook.Path)
	if err != nil {
		slog.Error("failed to load phonebook", "path", cfg.Phonebook.Path, "err", err)
		return 1
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := book.Reload(); err != nil {
				slog.Error("phonebook reload failed", "err", err)
				continue
			}
			slog.Info("phonebook reloaded", "entries", book.Len())
		}
	}()

	// ── Filler clips ──────────────────────────────────────────────────────────
	var clips *filler.Library
	if cfg.Filler.Dir != "" {
		clips, err = filler.Load(cfg.Filler.Dir)
		if err != nil {
			slog.Error("failed to load filler clips", "dir", cfg.Filler.Dir, "err", err)
			return 1
		}
	}

	// ── Sessions, dispatch, orchestrator ──────────────────────────────────────
	store := session.NewStore()
	feed := orchestrator.NewFeed()

	var dispatcher *dispatch.Dispatcher
	switch {
	case cfg.Telephony.AccountSID == "":
		slog.Warn("telephony credentials not set, outbound verification calls disabled")
	case cfg.Server.BaseURL == "":
		slog.Warn("server.base_url not set, outbound verification calls disabled")
	default:
		caller, err := telephony.NewCaller(
			cfg.Telephony.AccountSID,
			cfg.Telephony.AuthToken,
			cfg.Telephony.PhoneNumber,
			cfg.Server.BaseURL+"/webhook",
		)
		if err != nil {
			slog.Error("failed to create outbound caller", "err", err)
			return 1
		}
		var dopts []dispatch.Option
		if ps.SMS != nil {
			dopts = append(dopts, dispatch.WithSMS(ps.SMS))
		}
		dispatcher = dispatch.NewDispatcher(store, caller, auditLog, dopts...)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Book:       book,
		Fillers:    clips,
		Dispatcher: dispatcher,
		Audit:      auditLog,
		STT:        ps.STT,
		TTS:        ps.TTS,
		LLM:        ps.LLM,
		Calendar:   ps.Calendar,
		SMS:        ps.SMS,
	}, orchestrator.WithEvents(feed))

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("POST /webhook", &telephony.WebhookHandler{WebsocketURL: cfg.Server.WebsocketURL})
	mux.Handle("GET /stream", telephony.NewMediaServer(orch))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /events", feed)

	var checkers []health.Checker
	if ps.Calendar != nil {
		checkers = append(checkers, health.CalendarChecker(ps.Calendar))
	}
	if auditPing != nil {
		checkers = append(checkers, health.AuditChecker(auditPing))
	}
	health.New(checkers...).Register(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				slog.SetDefault(newLogger(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.PhonebookPathChanged || d.FillerDirChanged || d.RestartRequired {
				slog.Warn("config change requires a restart to fully apply")
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)
	slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}

	closeLiveSessions(store)
	slog.Info("goodbye")
	return 0
}

// closeLiveSessions hangs up every call still in the store. Each bridge close
// drains its own outbound queue, so the sessions are closed in parallel.
func closeLiveSessions(store *session.Store) {
	var eg errgroup.Group
	for _, sess := range store.Snapshot() {
		eg.Go(func() error {
			if m := sess.Media(); m != nil {
				if err := m.Close("server shutting down"); err != nil {
					slog.Warn("session close error", "stream_id", sess.StreamID, "err", err)
				}
			}
			sess.Cancel()
			return nil
		})
	}
	_ = eg.Wait()
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// providers holds the instantiated collaborators the orchestrator consumes.
type providers struct {
	LLM      llm.Provider
	STT      stt.Provider
	TTS      tts.Provider
	Calendar calendar.Provider
	SMS      sms.Provider
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral and groq all share the same
	// pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{"anthropic", "gemini", "deepseek", "mistral", "groq"} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if voiceID := optString(entry.Options, "voice_id"); voiceID != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voiceID))
		}
		// Per-language voice overrides: options.voices is a map of language
		// name to voice ID.
		if voices, ok := entry.Options["voices"].(map[string]any); ok {
			for lang, v := range voices {
				if id, ok := v.(string); ok && id != "" {
					opts = append(opts, elevenlabs.WithVoice(lang, id))
				}
			}
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Calendar ──────────────────────────────────────────────────────────────

	reg.RegisterCalendar("rest", func(entry config.ProviderEntry) (calendar.Provider, error) {
		return calendarrest.New(entry.BaseURL, entry.APIKey)
	})

	// ── SMS ───────────────────────────────────────────────────────────────────

	reg.RegisterSMS("twilio", func(tel config.TelephonyConfig, entry config.ProviderEntry) (sms.Provider, error) {
		var opts []twilio.Option
		if entry.BaseURL != "" {
			opts = append(opts, twilio.WithBaseURL(entry.BaseURL))
		}
		return twilio.New(tel.AccountSID, tel.AuthToken, tel.PhoneNumber, opts...)
	})
}

// buildProviders instantiates all providers named in cfg using the registry.
// A provider whose name has no registered factory is skipped so a config can
// name a backend this build does not ship.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providers, error) {
	ps := &providers{}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered, skipping", "kind", "llm", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}
	if ps.LLM != nil {
		if fb, ok := fallbackEntry(cfg.Providers.LLM.Options); ok {
			secondary, err := reg.CreateLLM(fb)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", fb.Name, err)
			}
			group := resilience.NewLLMFallback(ps.LLM, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
			group.AddFallback(fb.Name, secondary)
			ps.LLM = group
			slog.Info("provider fallback registered", "kind", "llm", "name", fb.Name)
		}
	}

	if name := cfg.Providers.STT.Name; name != "" {
		p, err := reg.CreateSTT(cfg.Providers.STT)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered, skipping", "kind", "stt", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", name, err)
		} else {
			ps.STT = p
			slog.Info("provider created", "kind", "stt", "name", name)
		}
	}
	if ps.STT != nil {
		if fb, ok := fallbackEntry(cfg.Providers.STT.Options); ok {
			secondary, err := reg.CreateSTT(fb)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", fb.Name, err)
			}
			group := resilience.NewSTTFallback(ps.STT, cfg.Providers.STT.Name, resilience.FallbackConfig{})
			group.AddFallback(fb.Name, secondary)
			ps.STT = group
			slog.Info("provider fallback registered", "kind", "stt", "name", fb.Name)
		}
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered, skipping", "kind", "tts", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		} else {
			ps.TTS = p
			slog.Info("provider created", "kind", "tts", "name", name)
		}
	}
	if ps.TTS != nil {
		if fb, ok := fallbackEntry(cfg.Providers.TTS.Options); ok {
			secondary, err := reg.CreateTTS(fb)
			if err != nil {
				return nil, fmt.Errorf("create tts fallback %q: %w", fb.Name, err)
			}
			group := resilience.NewTTSFallback(ps.TTS, cfg.Providers.TTS.Name, resilience.FallbackConfig{})
			group.AddFallback(fb.Name, secondary)
			ps.TTS = group
			slog.Info("provider fallback registered", "kind", "tts", "name", fb.Name)
		}
	}

	if name := cfg.Providers.Calendar.Name; name != "" {
		p, err := reg.CreateCalendar(cfg.Providers.Calendar)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered, skipping", "kind", "calendar", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create calendar provider %q: %w", name, err)
		} else {
			ps.Calendar = p
			slog.Info("provider created", "kind", "calendar", "name", name)
		}
	}

	if name := cfg.Providers.SMS.Name; name != "" {
		p, err := reg.CreateSMS(cfg.Telephony, cfg.Providers.SMS)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered, skipping", "kind", "sms", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create sms provider %q: %w", name, err)
		} else {
			ps.SMS = p
			slog.Info("provider created", "kind", "sms", "name", name)
		}
	}

	return ps, nil
}

// fallbackEntry reads an options.fallback block as a secondary provider entry.
// The block names another registered backend tried when the primary's circuit
// breaker opens.
func fallbackEntry(opts map[string]any) (config.ProviderEntry, bool) {
	m, ok := opts["fallback"].(map[string]any)
	if !ok {
		return config.ProviderEntry{}, false
	}
	entry := config.ProviderEntry{
		Name:    optString(m, "name"),
		APIKey:  optString(m, "api_key"),
		BaseURL: optString(m, "base_url"),
		Model:   optString(m, "model"),
	}
	return entry, entry.Name != ""
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voiceline startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Calendar", cfg.Providers.Calendar.Name, "")
	printProvider("SMS", cfg.Providers.SMS.Name, "")
	if cfg.Audit.PostgresDSN != "" {
		fmt.Printf("║  Audit trail : %-22s ║\n", "postgres")
	} else {
		fmt.Printf("║  Audit trail : %-22s ║\n", "(discarded)")
	}
	printSummaryValue("Phonebook", cfg.Phonebook.Path)
	printSummaryValue("Fillers", cfg.Filler.Dir)
	printSummaryValue("Base URL", cfg.Server.BaseURL)
	fmt.Printf("║  HTTP port   : %-22d ║\n", cfg.Server.HTTPPort)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value != "" && model != "" {
		value = name + " / " + model
	}
	printSummaryValue(kind, value)
}

func printSummaryValue(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 22 {
		value = value[:19] + "..."
	}
	fmt.Printf("║  %-11s : %-22s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, ok := opts[key].(string)
	if !ok {
		return ""
	}
	return s
}
