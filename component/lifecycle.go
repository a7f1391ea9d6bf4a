// Package component defines the composition-root contract every
// long-lived part of the system implements.
package component

import (
	"context"
	"net/http"
)

// Lifecycle is implemented by every top-level component wired up in
// cmd.Start. Components register their HTTP handlers before any of them
// are started, so a component can depend on another's handlers being
// mounted (but not yet serving) during its own Start.
type Lifecycle interface {
	// RegisterHttpHandlers mounts the component's routes, if any, on the
	// public and/or internal mux. cmd.Start always passes two non-nil
	// muxes; implementations other than component/status do not check
	// for nil.
	RegisterHttpHandlers(publicMux, internalMux *http.ServeMux)
	// Start brings up background work (tickers, connections). It must not
	// block; long-running loops run in their own goroutine.
	Start() error
	// Stop tears down background work. It must be safe to call even if
	// Start failed or was never called.
	Stop(ctx context.Context) error
}
