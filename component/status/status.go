// Package status exposes a health/version endpoint on the internal mux,
// the one component every deployment's liveness probe points at.
package status

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nuts-foundation/mcsd-federation/component"
)

var _ component.Lifecycle = &Component{}

// version is set at build time via -ldflags "-X .../status.version=...".
// It defaults to "dev" for local builds.
var version = "dev"

// Version returns the running binary's version string.
func Version() string {
	return version
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Component serves GET /health and GET /version on the internal mux.
type Component struct{}

func New() *Component {
	return &Component{}
}

func (c *Component) RegisterHttpHandlers(publicMux, internalMux *http.ServeMux) {
	if internalMux == nil {
		return
	}
	internalMux.HandleFunc("GET /health", c.health)
	internalMux.HandleFunc("GET /version", c.version)
}

func (c *Component) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok", Version: version})
}

func (c *Component) version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(version))
}

func (c *Component) Start() error {
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	return nil
}
