package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/yomiage/internal/config"
)

const baseWatchedYAML = `
server:
  log_level: info
discord:
  token: secret
voicevox:
  host: engine
`

// noEnv keeps the process environment out of watcher reloads.
func noEnv(string) (string, bool) { return "", false }

type reload struct{ old, new *config.Config }

// watchFile writes content to a fresh file and watches it with a fast poll.
// Every accepted reload is delivered on the returned channel.
func watchFile(t *testing.T, content string, lookup config.LookupFunc) (*config.Watcher, string, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	reloads := make(chan reload, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old, new}
	}, config.WithInterval(20*time.Millisecond), config.WithLookup(lookup))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path, reloads
}

// rewrite replaces the file content and moves its mtime forward so that
// coarse filesystem clocks still register the change.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	writeFile(t, path, content)
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func expectNoReload(t *testing.T, reloads <-chan reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload to %+v", r.new)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _, _ := watchFile(t, baseWatchedYAML, noEnv)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Voicevox.Host != "engine" {
		t.Errorf("Current() = %s", cfg)
	}
	// Defaults fill what the file leaves out.
	if cfg.Voicevox.Port != config.Default().Voicevox.Port {
		t.Errorf("port = %d, want default", cfg.Voicevox.Port)
	}
}

func TestWatcher_LogLevelReload(t *testing.T) {
	t.Parallel()
	w, path, reloads := watchFile(t, baseWatchedYAML, noEnv)

	rewrite(t, path, `
server:
  log_level: debug
discord:
  token: secret
voicevox:
  host: engine
`)

	select {
	case r := <-reloads:
		d := config.Diff(r.old, r.new)
		if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
			t.Errorf("diff = %+v, want a live log level change to debug", d)
		}
		if len(d.RestartRequired) != 0 {
			t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current() log level = %q", got)
	}
}

func TestWatcher_EngineChangeNeedsRestart(t *testing.T) {
	t.Parallel()
	_, path, reloads := watchFile(t, baseWatchedYAML, noEnv)

	rewrite(t, path, baseWatchedYAML+"  port: 50121\n")

	select {
	case r := <-reloads:
		d := config.Diff(r.old, r.new)
		if !slices.Equal(d.RestartRequired, []string{"voicevox"}) {
			t.Errorf("RestartRequired = %v, want [voicevox]", d.RestartRequired)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}
}

func TestWatcher_RejectedEdits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid level", content: "server:\n  log_level: bananas\ndiscord:\n  token: secret\n"},
		{name: "token removed", content: "server:\n  log_level: debug\n"},
		{name: "unknown key", content: baseWatchedYAML + "extra: 1\n"},
		{name: "broken yaml", content: "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, path, reloads := watchFile(t, baseWatchedYAML, noEnv)
			rewrite(t, path, tt.content)
			expectNoReload(t, reloads)
			if got := w.Current().Server.LogLevel; got != config.LogInfo {
				t.Errorf("Current() log level = %q, want the last valid info", got)
			}
		})
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	_, path, reloads := watchFile(t, baseWatchedYAML, noEnv)

	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	expectNoReload(t, reloads)
}

func TestWatcher_AppliesEnvironment(t *testing.T) {
	t.Parallel()
	env := func(key string) (string, bool) {
		if key == config.EnvVoicevoxHost {
			return "from-env", true
		}
		return "", false
	}
	w, _, _ := watchFile(t, baseWatchedYAML, env)

	if got := w.Current().Voicevox.Host; got != "from-env" {
		t.Errorf("voicevox.host = %q, want from-env", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil, config.WithLookup(noEnv)); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _, _ := watchFile(t, baseWatchedYAML, noEnv)
	w.Stop()
	w.Stop()
}
