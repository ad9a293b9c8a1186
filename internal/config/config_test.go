package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/yomiage/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug

discord:
  token: bot-token
  command_prefix: "!"
  command_guilds: ["111", "222"]
  admin_role_id: "333"

voicevox:
  host: voicevox
  port: 50121
  launch_command: "./run --use_gpu"
  timeout: 10s
  post_phoneme_length: 0.3

speech:
  pacing: 500ms
  segment_timeout: 20s
  truncate_suffix: "、以下略"

database:
  postgres_dsn: "postgres://yomiage@localhost/yomiage"

breaker:
  max_failures: 3
  reset_timeout: 1m
`

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func envMap(m map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// ── loading ──────────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Discord.Token != "bot-token" || cfg.Discord.CommandPrefix != "!" || cfg.Discord.AdminRoleID != "333" {
		t.Errorf("discord = %+v", cfg.Discord)
	}
	if !slices.Equal(cfg.Discord.CommandGuilds, []string{"111", "222"}) {
		t.Errorf("command_guilds = %v", cfg.Discord.CommandGuilds)
	}
	if got := cfg.Voicevox.BaseURL(); got != "http://voicevox:50121" {
		t.Errorf("BaseURL = %q", got)
	}
	if cfg.Voicevox.Timeout != 10*time.Second || cfg.Voicevox.PostPhonemeLength != 0.3 {
		t.Errorf("voicevox = %+v", cfg.Voicevox)
	}
	if cfg.Speech.Pacing != 500*time.Millisecond || cfg.Speech.SegmentTimeout != 20*time.Second {
		t.Errorf("speech = %+v", cfg.Speech)
	}
	if cfg.Breaker.MaxFailures != 3 || cfg.Breaker.ResetTimeout != time.Minute {
		t.Errorf("breaker = %+v", cfg.Breaker)
	}
}

func TestLoadFromReader_DefaultsFillGaps(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, "discord:\n  token: t\n")
	def := config.Default()

	if cfg.Voicevox != def.Voicevox {
		t.Errorf("voicevox = %+v, want defaults %+v", cfg.Voicevox, def.Voicevox)
	}
	if cfg.Speech != def.Speech {
		t.Errorf("speech = %+v, want defaults %+v", cfg.Speech, def.Speech)
	}
	if got := cfg.Voicevox.BaseURL(); got != "http://127.0.0.1:50021" {
		t.Errorf("BaseURL = %q", got)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("discord:\n  token: t\n  guild_id: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_EmptyNeedsToken(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "discord.token") {
		t.Fatalf("err = %v, want missing token", err)
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(config.EnvToken, "")
	t.Setenv(config.EnvVoicevoxPort, "50999")
	t.Setenv(config.EnvTestGuild, "444, 555,")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Voicevox.Port != 50999 {
		t.Errorf("port = %d, want the environment's 50999", cfg.Voicevox.Port)
	}
	if !slices.Equal(cfg.Discord.CommandGuilds, []string{"444", "555"}) {
		t.Errorf("command_guilds = %v", cfg.Discord.CommandGuilds)
	}
	if cfg.Discord.Token != "bot-token" {
		t.Errorf("token = %q, want the file's", cfg.Discord.Token)
	}
}

func TestLoad_EnvironmentOnly(t *testing.T) {
	t.Setenv(config.EnvToken, "env-token")
	t.Setenv(config.EnvLogLevel, "WARN")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "env-token" || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("token=%q level=%q", cfg.Discord.Token, cfg.Server.LogLevel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

// ── environment ──────────────────────────────────────────────────────────────

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     map[string]string
		check   func(*config.Config) bool
		wantErr bool
	}{
		{
			name:  "token",
			env:   map[string]string{config.EnvToken: "abc"},
			check: func(c *config.Config) bool { return c.Discord.Token == "abc" },
		},
		{
			name: "engine location",
			env: map[string]string{
				config.EnvVoicevoxHost: "10.0.0.2",
				config.EnvVoicevoxPort: "50100",
				config.EnvVoicevoxPath: "/opt/voicevox/run",
			},
			check: func(c *config.Config) bool {
				return c.Voicevox.BaseURL() == "http://10.0.0.2:50100" && c.Voicevox.LaunchCommand == "/opt/voicevox/run"
			},
		},
		{
			name:  "database url",
			env:   map[string]string{config.EnvDatabaseURL: "postgres://db"},
			check: func(c *config.Config) bool { return c.Database.PostgresDSN == "postgres://db" },
		},
		{
			name:  "command prefix and admin role",
			env:   map[string]string{config.EnvCommandPrefix: "?", config.EnvAdminRole: "77"},
			check: func(c *config.Config) bool { return c.Discord.CommandPrefix == "?" && c.Discord.AdminRoleID == "77" },
		},
		{
			name:  "empty values ignored",
			env:   map[string]string{config.EnvVoicevoxHost: ""},
			check: func(c *config.Config) bool { return c.Voicevox.Host == "127.0.0.1" },
		},
		{
			name:    "bad port",
			env:     map[string]string{config.EnvVoicevoxPort: "fifty"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			err := config.ApplyEnv(cfg, envMap(tt.env))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(cfg) {
				t.Errorf("unexpected config after env: %+v", cfg)
			}
		})
	}
}

// ── validation ───────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr []string
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "invalid log level", mutate: func(c *config.Config) { c.Server.LogLevel = "verbose" }, wantErr: []string{"server.log_level"}},
		{name: "missing token", mutate: func(c *config.Config) { c.Discord.Token = "" }, wantErr: []string{"discord.token"}},
		{name: "bad guild id", mutate: func(c *config.Config) { c.Discord.CommandGuilds = []string{"abc"} }, wantErr: []string{"command_guilds[0]"}},
		{name: "bad admin role", mutate: func(c *config.Config) { c.Discord.AdminRoleID = "admins" }, wantErr: []string{"admin_role_id"}},
		{name: "port range", mutate: func(c *config.Config) { c.Voicevox.Port = 70000 }, wantErr: []string{"voicevox.port"}},
		{name: "post phoneme", mutate: func(c *config.Config) { c.Voicevox.PostPhonemeLength = 2 }, wantErr: []string{"post_phoneme_length"}},
		{name: "negative pacing", mutate: func(c *config.Config) { c.Speech.Pacing = -time.Second }, wantErr: []string{"speech.pacing"}},
		{
			name: "errors are joined",
			mutate: func(c *config.Config) {
				c.Discord.Token = ""
				c.Voicevox.Host = ""
				c.Breaker.MaxFailures = -1
			},
			wantErr: []string{"discord.token", "voicevox.host", "breaker.max_failures"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			cfg.Discord.Token = "t"
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q should mention %q", err, want)
				}
			}
		})
	}
}

// ── misc ─────────────────────────────────────────────────────────────────────

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.SlogLevel(); got != want {
			t.Errorf("%q.SlogLevel() = %v, want %v", in, got, want)
		}
	}
}

func TestConfig_StringRedactsToken(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)
	s := cfg.String()
	if strings.Contains(s, "bot-token") {
		t.Errorf("String() leaks the token: %s", s)
	}
	if !strings.Contains(s, "token=set") || !strings.Contains(s, "store=postgres") {
		t.Errorf("String() = %s", s)
	}
}
