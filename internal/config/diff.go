package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the changed sections that only take effect
	// after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs. Only the log level is applied live.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer != newServer {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !discordEqual(old.Discord, new.Discord) {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Voicevox != new.Voicevox {
		d.RestartRequired = append(d.RestartRequired, "voicevox")
	}
	if old.Speech != new.Speech {
		d.RestartRequired = append(d.RestartRequired, "speech")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "breaker")
	}
	return d
}

func discordEqual(a, b DiscordConfig) bool {
	return a.Token == b.Token &&
		a.CommandPrefix == b.CommandPrefix &&
		a.AdminRoleID == b.AdminRoleID &&
		slices.Equal(a.CommandGuilds, b.CommandGuilds)
}
