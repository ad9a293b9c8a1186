package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvToken         = "TOKEN"
	EnvCommandPrefix = "COMMAND_PREFIX"
	EnvTestGuild     = "TEST_GUILD"
	EnvAdminRole     = "ADMIN_ROLE_ID"
	EnvVoicevoxHost  = "VOICEVOX_HOST"
	EnvVoicevoxPort  = "VOICEVOX_PORT"
	EnvVoicevoxPath  = "VOICEVOX_PATH"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvLogLevel      = "LOG_LEVEL"
	EnvListenAddr    = "LISTEN_ADDR"
)

// LookupFunc reads one environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration: defaults, then the YAML file at path (when
// path is non-empty), then the process environment after loading an
// optional .env file. The result is validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode strictly decodes YAML into cfg. An empty document leaves cfg
// untouched.
func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with the variables lookup reports as set.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvToken, &cfg.Discord.Token)
	str(EnvCommandPrefix, &cfg.Discord.CommandPrefix)
	str(EnvAdminRole, &cfg.Discord.AdminRoleID)
	str(EnvVoicevoxHost, &cfg.Voicevox.Host)
	str(EnvVoicevoxPath, &cfg.Voicevox.LaunchCommand)
	str(EnvDatabaseURL, &cfg.Database.PostgresDSN)
	str(EnvListenAddr, &cfg.Server.ListenAddr)

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup(EnvVoicevoxPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not a number", EnvVoicevoxPort, v))
		} else {
			cfg.Voicevox.Port = port
		}
	}
	if v, ok := lookup(EnvTestGuild); ok && v != "" {
		cfg.Discord.CommandGuilds = splitList(v)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("discord.token is required (set %s)", EnvToken))
	}
	for i, id := range cfg.Discord.CommandGuilds {
		if !isSnowflake(id) {
			errs = append(errs, fmt.Errorf("discord.command_guilds[%d] %q is not a guild ID", i, id))
		}
	}
	if cfg.Discord.AdminRoleID != "" && !isSnowflake(cfg.Discord.AdminRoleID) {
		errs = append(errs, fmt.Errorf("discord.admin_role_id %q is not a role ID", cfg.Discord.AdminRoleID))
	}

	// VOICEVOX
	if cfg.Voicevox.Host == "" {
		errs = append(errs, errors.New("voicevox.host is required"))
	}
	if cfg.Voicevox.Port <= 0 || cfg.Voicevox.Port > 65535 {
		errs = append(errs, fmt.Errorf("voicevox.port %d is out of range [1, 65535]", cfg.Voicevox.Port))
	}
	if cfg.Voicevox.PostPhonemeLength < 0 || cfg.Voicevox.PostPhonemeLength > 1.5 {
		errs = append(errs, fmt.Errorf("voicevox.post_phoneme_length %.2f is out of range [0, 1.5]", cfg.Voicevox.PostPhonemeLength))
	}
	errs = appendNegative(errs, "voicevox.timeout", cfg.Voicevox.Timeout)
	errs = appendNegative(errs, "voicevox.launch_timeout", cfg.Voicevox.LaunchTimeout)

	// Speech
	errs = appendNegative(errs, "speech.pacing", cfg.Speech.Pacing)
	errs = appendNegative(errs, "speech.tick_interval", cfg.Speech.TickInterval)
	errs = appendNegative(errs, "speech.segment_timeout", cfg.Speech.SegmentTimeout)

	// Breaker
	if cfg.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_failures %d must not be negative", cfg.Breaker.MaxFailures))
	}
	errs = appendNegative(errs, "breaker.reset_timeout", cfg.Breaker.ResetTimeout)

	return errors.Join(errs...)
}

func appendNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}

func isSnowflake(id string) bool {
	_, err := strconv.ParseUint(id, 10, 64)
	return err == nil
}
