// Package scheduler implements the Mass Sync Scheduler (C8): a periodic,
// bounded-concurrency driver over the Directory Registry (C7) that
// dispatches one sync pass per active directory, dropping rather than
// queueing a directory whose previous pass hasn't finished.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nuts-foundation/mcsd-federation/component"
	fhirclient "github.com/nuts-foundation/mcsd-federation/lib/fhirclient"
	"github.com/nuts-foundation/mcsd-federation/lib/logging"
)

var _ component.Lifecycle = &Component{}

// Directory is the minimal view of a registry directory the scheduler
// needs; component/registry.Directory satisfies it.
type Directory struct {
	ID string
}

// SyncFunc runs one directory's sync pass. Implementations must be safe
// to cancel at any HTTP-call boundary (spec.md §5).
type SyncFunc func(ctx context.Context, directoryID string) error

// Lister returns the current set of directories eligible for a pass.
type Lister func() []Directory

// OutcomeRecorder persists the per-pass outcome the registry tracks
// (spec.md §4.8's success/offline/error bookkeeping).
type OutcomeRecorder func(directoryID string, offline bool, reason string)

// Config controls the scheduler's tick cadence and worker pool size.
type Config struct {
	TickInterval      time.Duration `koanf:"tickinterval"`
	CleanupInterval   time.Duration `koanf:"cleanupinterval"`
	Concurrency       int           `koanf:"concurrency"`
	IgnoreThreshold   time.Duration `koanf:"ignorethreshold"`
	MaxFailedAttempts int           `koanf:"maxfailedattempts"`
	MarkDeletedGrace  time.Duration `koanf:"markdeletedgrace"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:      5 * time.Minute,
		CleanupInterval:   1 * time.Hour,
		Concurrency:       4,
		IgnoreThreshold:   24 * time.Hour,
		MaxFailedAttempts: 5,
		MarkDeletedGrace:  7 * 24 * time.Hour,
	}
}

// CleanupTicker performs the cleanup tick's two sweeps (spec.md §4.8):
// ignore-on-staleness and hard-delete-after-grace. component/registry's
// *Registry satisfies this directly.
type CleanupTicker interface {
	ApplyIgnorePolicy(ignoreThreshold time.Duration, maxFailedAttempts int)
	SweepDeleted(ctx context.Context, grace time.Duration)
}

// Component runs the periodic mass-sync ticks.
type Component struct {
	config   Config
	list     Lister
	sync     SyncFunc
	record   OutcomeRecorder
	cleanup  CleanupTicker
	inflight sync.Map // directoryID -> struct{}

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New builds the scheduler component. list/sync/record close over the
// Directory Registry and the mCSD Update Client; cleanup is typically the
// same Registry instance.
func New(config Config, list Lister, sync SyncFunc, record OutcomeRecorder, cleanup CleanupTicker) *Component {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Component{
		config:  config,
		list:    list,
		sync:    sync,
		record:  record,
		cleanup: cleanup,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// RegisterHttpHandlers is a no-op: the scheduler exposes no routes of its
// own, it only drives sync passes in the background.
func (c *Component) RegisterHttpHandlers(publicMux, internalMux *http.ServeMux) {
}

func (c *Component) Start() error {
	go c.run()
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	c.once.Do(func() { close(c.stop) })
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Component) run() {
	defer close(c.done)
	syncTicker := time.NewTicker(c.config.TickInterval)
	defer syncTicker.Stop()
	cleanupTicker := time.NewTicker(c.config.CleanupInterval)
	defer cleanupTicker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.stop
		cancel()
	}()

	for {
		select {
		case <-c.stop:
			return
		case <-syncTicker.C:
			c.tick(ctx)
		case <-cleanupTicker.C:
			if c.cleanup != nil {
				c.cleanup.ApplyIgnorePolicy(c.config.IgnoreThreshold, c.config.MaxFailedAttempts)
				c.cleanup.SweepDeleted(ctx, c.config.MarkDeletedGrace)
			}
		}
	}
}

// tick dispatches one bounded-concurrency pass over every active
// directory, dropping (not queueing) any directory whose previous pass is
// still in flight.
func (c *Component) tick(ctx context.Context) {
	directories := c.list()
	sem := make(chan struct{}, c.config.Concurrency)
	var wg sync.WaitGroup

	for _, dir := range directories {
		if _, alreadyRunning := c.inflight.LoadOrStore(dir.ID, struct{}{}); alreadyRunning {
			slog.DebugContext(ctx, "dropping sync tick: previous pass still running", logging.Directory(dir.ID))
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(directoryID string) {
			defer wg.Done()
			defer func() { <-sem }()
			defer c.inflight.Delete(directoryID)
			c.runPass(ctx, directoryID)
		}(dir.ID)
	}
	wg.Wait()
}

func (c *Component) runPass(ctx context.Context, directoryID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "sync pass panicked", logging.Directory(directoryID), slog.Any("recover", r))
			c.record(directoryID, false, "")
		}
	}()

	err := c.sync(ctx, directoryID)
	if err == nil {
		c.record(directoryID, false, "")
		return
	}

	var classified *fhirclient.Error
	if errors.As(err, &classified) {
		switch classified.Kind {
		case fhirclient.KindDNS, fhirclient.KindTLS, fhirclient.KindTimeout, fhirclient.KindNetwork:
			reason := "directory unreachable: " + string(classified.Kind)
			slog.WarnContext(ctx, "sync pass classified offline", logging.Directory(directoryID), logging.Error(err))
			c.record(directoryID, true, reason)
			return
		}
	}

	slog.ErrorContext(ctx, "sync pass failed", logging.Directory(directoryID), logging.Error(err))
	c.record(directoryID, false, "")
}
