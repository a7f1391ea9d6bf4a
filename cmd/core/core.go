// Package core holds the configuration fields every deployment needs
// regardless of which components are enabled, so cmd.Config can embed it
// ahead of the per-component config blocks.
package core

// Config is the process-wide configuration squashed into cmd.Config.
type Config struct {
	// StrictMode defaults to true. When it is false, cmd.Start logs a
	// warning at startup; the setting has no other effect.
	StrictMode bool `koanf:"strictmode"`
	// LogLevel controls the default slog level: "debug", "info", "warn" or
	// "error".
	LogLevel string `koanf:"loglevel"`
}

func DefaultConfig() Config {
	return Config{
		StrictMode: true,
		LogLevel:   "info",
	}
}
