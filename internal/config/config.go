// Package config loads gateway settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Server holds the settings shared by both gateway binaries.
type Server struct {
	Addr     string `env:"FRESHMCP_ADDR,default=:8080"`
	LogLevel string `env:"FRESHMCP_LOG_LEVEL,default=info"`

	MaxConcurrent int `env:"FRESHMCP_MAX_CONCURRENT,default=8"`
	PendingLimit  int `env:"FRESHMCP_PENDING_LIMIT,default=256"`
	QueueSize     int `env:"FRESHMCP_QUEUE_SIZE,default=64"`

	CallTimeout time.Duration `env:"FRESHMCP_CALL_TIMEOUT,default=30s"`
	DrainGrace  time.Duration `env:"FRESHMCP_DRAIN_GRACE,default=5s"`
	Heartbeat   time.Duration `env:"FRESHMCP_HEARTBEAT,default=15s"`
}

// Level parses LogLevel into a slog level, defaulting to info.
func (s Server) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Cosmos holds the document-store gateway settings.
type Cosmos struct {
	Server
	Endpoint string `env:"FRESHMCP_COSMOS_ENDPOINT,required"`
	Database string `env:"FRESHMCP_COSMOS_DATABASE,required"`
}

// Search holds the search-index gateway settings.
type Search struct {
	Server
	Endpoint string `env:"FRESHMCP_SEARCH_ENDPOINT,required"`
}

// LoadCosmos reads the cosmos gateway configuration from the environment.
func LoadCosmos() (Cosmos, error) {
	var cfg Cosmos
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Cosmos{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// LoadSearch reads the search gateway configuration from the environment.
func LoadSearch() (Search, error) {
	var cfg Search
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Search{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
