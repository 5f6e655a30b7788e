package server

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cartnet/compensation/api/handlers"
	"github.com/cartnet/compensation/engine/pkg/engine"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	// AllowedOrigins enables CORS for the listed origins. Empty disables it.
	AllowedOrigins []string
	Engine         *engine.Engine
	// PurchaseLimiter overrides the default purchase endpoint limiter.
	PurchaseLimiter *handlers.RateLimiter
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Engine == nil {
		return errors.New("engine is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return nil
}
