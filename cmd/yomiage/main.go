// Command yomiage is the main entry point for the yomiage Discord reading bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/yomiage/internal/app"
	"github.com/MrWong99/yomiage/internal/config"
	"github.com/MrWong99/yomiage/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file; the environment and .env apply on top")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "yomiage: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "yomiage: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(&level))

	slog.Info("yomiage starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)
	printStartupSummary(cfg)

	// ── Config watcher ────────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				level.Set(d.NewLogLevel.SlogLevel())
				slog.Info("log level changed", "log_level", d.NewLogLevel)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Init(ctx, observe.ProviderConfig{
		ServiceName:    "yomiage",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	tel.InstallGlobal()

	application, err := app.New(ctx, cfg, app.WithTelemetry(tel))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exitCode := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exitCode
}

// printStartupSummary prints the effective configuration without secrets.
func printStartupSummary(cfg *config.Config) {
	store := "memory"
	if cfg.Database.PostgresDSN != "" {
		store = "postgres"
	}
	engine := "external"
	if cfg.Voicevox.LaunchCommand != "" {
		engine = "launched"
	}
	scope := "global"
	if len(cfg.Discord.CommandGuilds) > 0 {
		scope = fmt.Sprintf("%d guild(s)", len(cfg.Discord.CommandGuilds))
	}

	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║          yomiage startup summary          ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	fmt.Printf("║  VOICEVOX        : %-22s ║\n", cfg.Voicevox.BaseURL())
	fmt.Printf("║  Engine          : %-22s ║\n", engine)
	fmt.Printf("║  Settings store  : %-22s ║\n", store)
	fmt.Printf("║  Commands        : %-22s ║\n", scope)
	if cfg.Discord.CommandPrefix != "" {
		fmt.Printf("║  Skip prefix     : %-22s ║\n", cfg.Discord.CommandPrefix)
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-22s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════════╝")
}

// newLogger returns a text logger whose level follows level.
func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
