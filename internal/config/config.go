// Package config loads the console's configuration from the environment and
// initializes structured logging.
package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds everything the live console binary needs.
type Config struct {
	// Backend
	LiveURL string
	APIKey  string

	// Models
	LiveModel     string
	FanModel      string
	JudgeModel    string
	DirectorModel string
	FilmModel     string
	ImageModel    string
	VideoModel    string

	// Show
	ProjectName string
	Hosts       []string

	// Persistence: empty DSN selects the in-memory store.
	DatabaseDSN string

	// Observability
	LogLevel    string
	LogFormat   string // json, console
	MetricsAddr string // empty disables the /metrics listener
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		LiveURL:       envOrDefault("VOXSTAGE_LIVE_URL", "wss://live.voxstage.dev/v1/session"),
		APIKey:        os.Getenv("VOXSTAGE_API_KEY"),
		LiveModel:     envOrDefault("VOXSTAGE_LIVE_MODEL", "gemini-2.5-flash-native-audio"),
		FanModel:      envOrDefault("VOXSTAGE_FAN_MODEL", "gemini-2.5-flash"),
		JudgeModel:    envOrDefault("VOXSTAGE_JUDGE_MODEL", "gemini-2.5-flash"),
		DirectorModel: envOrDefault("VOXSTAGE_DIRECTOR_MODEL", "gemini-2.5-flash"),
		FilmModel:     envOrDefault("VOXSTAGE_FILM_MODEL", "gemini-2.5-pro"),
		ImageModel:    envOrDefault("VOXSTAGE_IMAGE_MODEL", "imagen-4.0-generate-001"),
		VideoModel:    envOrDefault("VOXSTAGE_VIDEO_MODEL", "veo-3.0-generate-001"),
		ProjectName:   envOrDefault("VOXSTAGE_PROJECT", "voxstage"),
		Hosts:         hostsOrDefault(envOrDefault("VOXSTAGE_HOSTS", "Dana,Marcus")),
		DatabaseDSN:   os.Getenv("VOXSTAGE_DATABASE_URL"),
		LogLevel:      envOrDefault("VOXSTAGE_LOG_LEVEL", "info"),
		LogFormat:     envOrDefault("VOXSTAGE_LOG_FORMAT", "console"),
		MetricsAddr:   os.Getenv("VOXSTAGE_METRICS_ADDR"),
	}
}

// NewLogger builds the root logger from the config.
func (c *Config) NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer = os.Stderr
	if c.LogFormat == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// hostsOrDefault parses a comma-separated roster. A value with no usable
// names (for example ",") falls back to the default pair.
func hostsOrDefault(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return []string{"Dana", "Marcus"}
	}
	return out
}
