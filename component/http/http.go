// Package http runs the two HTTP servers every component registers its
// routes on: a public one (federation API, capability mapping, admin UI)
// and an internal one (health, metrics) that should never be exposed
// outside the deployment's own network.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nuts-foundation/mcsd-federation/component"
	"github.com/nuts-foundation/mcsd-federation/lib/logging"
)

var _ component.Lifecycle = &Component{}

// Config holds the two listen addresses.
type Config struct {
	PublicAddr      string        `koanf:"publicaddr"`
	InternalAddr    string        `koanf:"internaladdr"`
	ShutdownTimeout time.Duration `koanf:"shutdowntimeout"`
}

func DefaultConfig() Config {
	return Config{
		PublicAddr:      ":8080",
		InternalAddr:    ":8081",
		ShutdownTimeout: 5 * time.Second,
	}
}

// TestConfig returns a Config bound to ephemeral ports, for tests that
// start a real component.Lifecycle set without colliding on fixed ports.
func TestConfig() Config {
	return Config{
		PublicAddr:      "127.0.0.1:0",
		InternalAddr:    "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	}
}

// Component runs the public and internal HTTP servers.
type Component struct {
	config   Config
	public   *http.Server
	internal *http.Server
}

// New builds the component. publicMux and internalMux are populated by
// every other component's RegisterHttpHandlers before Start is called.
func New(config Config, publicMux, internalMux *http.ServeMux) *Component {
	return &Component{
		config:   config,
		public:   &http.Server{Addr: config.PublicAddr, Handler: publicMux},
		internal: &http.Server{Addr: config.InternalAddr, Handler: internalMux},
	}
}

func (c *Component) RegisterHttpHandlers(publicMux, internalMux *http.ServeMux) {
}

func (c *Component) Start() error {
	go c.serve(c.public, "public")
	go c.serve(c.internal, "internal")
	return nil
}

func (c *Component) serve(server *http.Server, name string) {
	slog.Info("HTTP server listening", slog.String("server", name), slog.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server stopped unexpectedly", slog.String("server", name), logging.Error(err))
	}
}

func (c *Component) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := c.public.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown public server: %w", err)
	}
	if err := c.internal.Shutdown(shutdownCtx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shutdown internal server: %w", err)
	}
	return firstErr
}
