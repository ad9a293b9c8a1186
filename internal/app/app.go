// Package app wires all yomiage subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSynthesizer,
// WithStore). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/yomiage/internal/config"
	"github.com/MrWong99/yomiage/internal/discord"
	"github.com/MrWong99/yomiage/internal/discord/commands"
	"github.com/MrWong99/yomiage/internal/health"
	"github.com/MrWong99/yomiage/internal/launcher"
	"github.com/MrWong99/yomiage/internal/observe"
	"github.com/MrWong99/yomiage/internal/replacer"
	"github.com/MrWong99/yomiage/internal/resilience"
	"github.com/MrWong99/yomiage/internal/settings"
	"github.com/MrWong99/yomiage/internal/speakers"
	"github.com/MrWong99/yomiage/internal/speech"
	"github.com/MrWong99/yomiage/internal/voice"
	"github.com/MrWong99/yomiage/pkg/provider/tts"
	"github.com/MrWong99/yomiage/pkg/provider/tts/voicevox"
)

// readHeaderTimeout bounds slow clients on the HTTP surface.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the reading bot.
type App struct {
	cfg       *config.Config
	telemetry *observe.Telemetry

	// Subsystems, initialised in New and torn down in Shutdown.
	engine    *launcher.Process
	synth     tts.Provider
	guarded   *resilience.Provider
	catalog   *speakers.Catalog
	store     settings.Store
	pool      *pgxpool.Pool
	resolver  *settings.Resolver
	metrics   *observe.Metrics
	bot       *discord.Bot
	registry  *voice.Registry
	scheduler *voice.Scheduler
	handler   http.Handler
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSynthesizer replaces the VOICEVOX client. No engine process is
// launched when a synthesizer is injected.
func WithSynthesizer(p tts.Provider) Option {
	return func(a *App) { a.synth = p }
}

// WithTelemetry makes the app record into tel and serve its registry on
// /metrics. Without it, instruments use the global meter provider and
// /metrics serves the default Prometheus registry.
func WithTelemetry(tel *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = tel }
}

// WithStore injects a settings store instead of creating one from config.
func WithStore(s settings.Store) Option {
	return func(a *App) { a.store = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
//
// New performs all initialisation synchronously: engine launch, settings
// store connection and migration, Discord session creation, command
// registration and HTTP handler assembly. The Discord gateway is opened by
// Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Synthesis engine ──────────────────────────────────────────────
	if err := a.initEngine(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 2. Settings store ────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.resolver = settings.NewResolver(a.store)

	// ── 3. Metrics ───────────────────────────────────────────────────────
	mp := otel.GetMeterProvider()
	if a.telemetry != nil {
		mp = a.telemetry.MeterProvider()
	}
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = metrics

	// ── 4. Discord session + voice registry ──────────────────────────────
	if err := a.initDiscord(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init discord: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEngine launches the engine process when configured, then builds the
// breaker-guarded synthesizer and the speaker catalog.
func (a *App) initEngine(ctx context.Context) error {
	vc := a.cfg.Voicevox
	if a.synth == nil {
		if vc.LaunchCommand != "" {
			launchCtx, cancel := context.WithTimeout(ctx, vc.LaunchTimeout)
			proc, err := launcher.Start(launchCtx, vc.LaunchCommand)
			cancel()
			if err != nil {
				return fmt.Errorf("launch voicevox: %w", err)
			}
			a.engine = proc
			a.closers = append(a.closers, func() error {
				proc.Stop()
				return nil
			})
			slog.Info("voicevox engine started", "pid", proc.Pid())
		}

		client, err := voicevox.New(vc.BaseURL(),
			voicevox.WithTimeout(vc.Timeout),
			voicevox.WithPostPhonemeLength(vc.PostPhonemeLength),
		)
		if err != nil {
			return err
		}
		a.synth = client
	}

	a.guarded = resilience.NewProvider(a.synth, resilience.CircuitBreakerConfig{
		Name:         "voicevox",
		MaxFailures:  a.cfg.Breaker.MaxFailures,
		ResetTimeout: a.cfg.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
		},
	})
	var catalogOpts []speakers.Option
	if vc.SpeakerCacheTTL > 0 {
		catalogOpts = append(catalogOpts, speakers.WithTTL(vc.SpeakerCacheTTL))
	}
	a.catalog = speakers.New(a.guarded, catalogOpts...)

	if err := a.catalog.Refresh(ctx); err != nil {
		slog.Warn("speaker table unavailable at startup", "err", err)
	}
	return nil
}

// initStore connects to PostgreSQL when a DSN is configured and falls back to
// the in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Warn("no database configured, settings are kept in memory only")
		a.store = settings.NewMemStore()
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	store := settings.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.store = store
	return nil
}

// initDiscord creates the bot, the voice registry and its scheduler, and
// registers the gateway handlers and slash commands.
func (a *App) initDiscord(ctx context.Context) error {
	dc := a.cfg.Discord
	bot, err := discord.New(discord.Config{
		Token:         dc.Token,
		CommandGuilds: dc.CommandGuilds,
		AdminRoleID:   dc.AdminRoleID,
	})
	if err != nil {
		return err
	}
	a.bot = bot

	sc := a.cfg.Speech
	replaceOpts := replacer.DefaultOptions()
	if sc.URLPlaceholder != "" {
		replaceOpts.URLPlaceholder = sc.URLPlaceholder
	}
	if sc.CodePlaceholder != "" {
		replaceOpts.CodePlaceholder = sc.CodePlaceholder
	}
	deps := speech.Deps{
		Synth:    a.guarded,
		Settings: a.resolver,
		Metrics:  a.metrics,
	}
	newWorker := func(guildID string, q *speech.Queue) *speech.Worker {
		return speech.NewWorker(guildID, q, deps,
			speech.WithPacing(sc.Pacing),
			speech.WithSegmentTimeout(sc.SegmentTimeout),
			speech.WithTruncateSuffix(sc.TruncateSuffix),
			speech.WithReplaceOptions(replaceOpts),
		)
	}

	a.registry = voice.NewRegistry(bot.Platform(), newWorker,
		voice.WithMetrics(a.metrics),
		voice.WithBaseContext(ctx),
	)
	a.scheduler = voice.NewScheduler(a.registry, voice.WithInterval(sc.TickInterval))

	unregister, err := a.metrics.RegisterQueueDepth(a.registry.QueueDepth)
	if err != nil {
		return fmt.Errorf("register queue gauge: %w", err)
	}
	a.closers = append(a.closers, unregister)

	discord.NewGateway(a.registry, a.resolver, bot.Directory(),
		discord.WithCommandPrefix(dc.CommandPrefix),
	).Register(bot.Session())

	router := bot.Router()
	commands.NewVoiceCommands(bot, a.registry, a.catalog).Register(router)
	commands.NewDictionaryCommands(bot, a.resolver.Replacers).Register(router)
	commands.NewSettingCommands(bot, a.resolver.Settings, a.catalog).Register(router)
	return nil
}

// initHTTP assembles the health and metrics endpoints.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		health.Gateway(a.bot.Ready),
		health.Breaker(a.guarded.Breaker()),
	}
	if v, ok := a.synth.(health.Versioner); ok {
		checkers = append(checkers, health.Engine(v))
	}
	if a.pool != nil {
		checkers = append(checkers, health.Database(a.pool))
	}
	hh := health.New(checkers, health.WithGuildCount(func() int {
		return len(a.registry.ActiveGuilds())
	}))

	mux := http.NewServeMux()
	hh.Register(mux)
	metricsHandler := promhttp.Handler()
	if a.telemetry != nil {
		metricsHandler = a.telemetry.MetricsHandler()
	}
	mux.Handle("GET /metrics", metricsHandler)
	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP handler serving /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the Discord gateway, starts the playback scheduler and serves
// HTTP. It blocks until ctx is cancelled or a subsystem fails, and returns
// the first failure.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.bot.Run(gctx)
	})
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})

	if a.cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	if a.engine != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-a.engine.Done():
				return fmt.Errorf("app: voicevox engine exited: %v", a.engine.Err())
			}
		})
	}

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems: voice connections first, then the
// Discord session, then the remaining closers in order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "guilds", len(a.registry.ActiveGuilds()), "closers", len(a.closers))

		if err := a.registry.DisconnectAll(ctx); err != nil {
			slog.Warn("voice disconnect error", "err", err)
		}
		if err := a.bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
