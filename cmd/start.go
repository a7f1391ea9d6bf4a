package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	upstream "github.com/SanteonNL/go-fhir-client"

	"github.com/nuts-foundation/mcsd-federation/component"
	libHTTPComponent "github.com/nuts-foundation/mcsd-federation/component/http"
	"github.com/nuts-foundation/mcsd-federation/component/mcsd"
	"github.com/nuts-foundation/mcsd-federation/component/mcsdadmin"
	"github.com/nuts-foundation/mcsd-federation/component/notify"
	"github.com/nuts-foundation/mcsd-federation/component/registry"
	"github.com/nuts-foundation/mcsd-federation/component/routing"
	"github.com/nuts-foundation/mcsd-federation/component/scheduler"
	"github.com/nuts-foundation/mcsd-federation/component/status"
	"github.com/nuts-foundation/mcsd-federation/component/tracing"
	"github.com/nuts-foundation/mcsd-federation/lib/audit"
	fhirclient "github.com/nuts-foundation/mcsd-federation/lib/fhirclient"
	libfhir "github.com/nuts-foundation/mcsd-federation/lib/fhirutil"
	"github.com/nuts-foundation/mcsd-federation/lib/httpauth"
	"github.com/nuts-foundation/mcsd-federation/lib/logging"
	"github.com/pkg/errors"
)

func Start(ctx context.Context, config Config) error {
	if !config.StrictMode {
		slog.WarnContext(ctx, "Strict mode is disabled. This is NOT recommended for production environments!")
	}

	publicMux := http.NewServeMux()
	internalMux := http.NewServeMux()

	// Tracing component must be started first to capture logs and spans from other components.
	// We start it immediately (not in the component loop) so that logs from other component
	// constructors (New functions) are also captured via OTLP.
	config.Tracing.ServiceVersion = status.Version()
	tracingComponent := tracing.New(config.Tracing)
	if err := tracingComponent.Start(); err != nil {
		return errors.Wrap(err, "failed to start tracing component")
	}

	mcsdUpdateClient, err := mcsd.New(config.MCSD)
	if err != nil {
		return errors.Wrap(err, "failed to create mCSD Update Client")
	}

	directoryRegistry := registry.New(
		registry.DefaultProviderLister(tracing.NewHTTPClient()),
		func(cleanupCtx context.Context, directoryID string) error {
			return mcsdUpdateClient.ResourceMapStore().DeleteAllForDirectory(cleanupCtx, directoryID)
		},
		registry.Policy{ArchiveOnProviderDelete: true},
	)
	directoryRegistry.EnsureConfigProviders(config.ProviderURLs)
	for id, dir := range config.MCSD.AdministrationDirectories {
		directoryRegistry.AddManualDirectory(dir.FHIRBaseURL, id, "")
	}

	syncScheduler := scheduler.New(
		config.Scheduler,
		func() []scheduler.Directory {
			active := directoryRegistry.ActiveDirectories()
			out := make([]scheduler.Directory, len(active))
			for i, d := range active {
				out[i] = scheduler.Directory{ID: d.ID}
			}
			return out
		},
		func(syncCtx context.Context, directoryID string) error {
			dir, ok := directoryRegistry.GetDirectory(directoryID)
			if !ok {
				return errors.Errorf("directory %s no longer registered", directoryID)
			}
			_, err := mcsdUpdateClient.SyncRegistryDirectory(syncCtx, dir.EndpointURL, dir.URA)
			return err
		},
		directoryRegistry.RecordSyncOutcome,
		directoryRegistry,
	)

	queryDirectoryBaseURL, err := url.Parse(config.MCSD.QueryDirectory.FHIRBaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to parse mcsd.query.fhirbaseurl")
	}
	queryDirectoryClient := fhirclient.NewFromHTTPClient(queryDirectoryBaseURL, tracing.NewHTTPClient())

	var notifySender routing.NotifySender
	if config.Routing.SenderBgZBaseURL != "" {
		senderBaseURL, err := url.Parse(config.Routing.SenderBgZBaseURL)
		if err != nil {
			return errors.Wrap(err, "failed to parse routing.senderbgzbaseurl")
		}
		workflowTaskClient := upstream.New(senderBaseURL, tracing.NewHTTPClient(), libfhir.ClientConfig())
		auditRecorder := audit.New(audit.SlogSink{}, []byte(config.Routing.HMACKey))
		jwtSigner := httpauth.NewJWTSigner(config.Routing.JWTSigner)
		notifySender = notify.New(workflowTaskClient, tracing.NewHTTPClient(), auditRecorder, jwtSigner)
	}

	routingComponent := routing.New(config.Routing, queryDirectoryClient, notifySender)

	httpComponent := libHTTPComponent.New(config.HTTP, publicMux, internalMux)
	components := []component.Lifecycle{
		mcsdUpdateClient,
		mcsdadmin.New(config.MCSDAdmin),
		syncScheduler,
		status.New(),
		routingComponent,
		httpComponent,
	}

	// Components: RegisterHandlers()
	for _, cmp := range components {
		cmp.RegisterHttpHandlers(publicMux, internalMux)
	}

	// Components: Start()
	for _, cmp := range components {
		slog.DebugContext(ctx, "Starting component", logging.Component(cmp))
		if err := cmp.Start(); err != nil {
			return errors.Wrapf(err, "failed to start component: %T", cmp)
		}
		slog.DebugContext(ctx, "Component started", logging.Component(cmp))
	}

	slog.DebugContext(ctx, "System started, waiting for shutdown...")
	<-ctx.Done()

	// Components: Stop()
	slog.DebugContext(ctx, "Shutdown signalled, stopping components...")
	for _, cmp := range components {
		slog.DebugContext(ctx, "Stopping component", logging.Component(cmp))
		if err := cmp.Stop(ctx); err != nil {
			slog.ErrorContext(ctx, "Error stopping component", logging.Component(cmp), logging.Error(err))
		}
		slog.DebugContext(ctx, "Component stopped", logging.Component(cmp))
	}
	slog.InfoContext(ctx, "Goodbye!")

	// Stop tracing last to ensure all shutdown logs are captured
	if err := tracingComponent.Stop(ctx); err != nil {
		// Can't use slog here as the handler may already be shut down
		fmt.Printf("Error stopping tracing component: %v\n", err)
	}
	return nil
}