// Package registry implements the Directory Registry (C7): the
// bookkeeping layer that turns provider-published directory lists and
// manually-added directories into the set of directories the Mass Sync
// Scheduler (C8) drives.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nuts-foundation/mcsd-federation/lib/logging"
)

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}

// Origin records how a Directory entered the registry. A manual origin
// is never downgraded back to provider by a refresh (spec.md §4.7).
type Origin string

const (
	OriginManual   Origin = "manual"
	OriginProvider Origin = "provider"
)

// Provider is a directory-list publisher the registry polls.
type Provider struct {
	ID            string
	URL           string
	Enabled       bool
	LastRefreshAt *time.Time
}

// Directory is one federated mCSD directory known to this system.
type Directory struct {
	ID              string
	EndpointURL     string
	URA             string
	Origin          Origin
	IsIgnored       bool
	ReasonIgnored   string
	FailedAttempts  int
	FailedSyncCount int
	LastSuccessSync *time.Time
	DeletedAt       *time.Time
}

// Active reports whether the directory should still receive sync
// attempts: not ignored, not deleted.
func (d Directory) Active() bool {
	return !d.IsIgnored && d.DeletedAt == nil
}

// link is the per-(provider, directory) bookkeeping row.
type link struct {
	ProviderID  string
	DirectoryID string
	LastSeenAt  time.Time
	RemovedAt   *time.Time
}

// ProviderDirectoryEntry is one row a provider's directory list returns.
type ProviderDirectoryEntry struct {
	EndpointURL string
	URA         string
}

// ProviderLister fetches a provider's directory list via C1. It is a
// function type rather than an interface so callers can close over a
// pre-built lib/fhirclient.Client without this package importing it.
type ProviderLister func(ctx context.Context, provider Provider) ([]ProviderDirectoryEntry, error)

// CleanupHook is invoked, best-effort, when a directory is archived or
// hard-deleted: it must remove every locally namespaced resource that
// directory's sync passes created.
type CleanupHook func(ctx context.Context, directoryID string) error

// Policy controls registry-wide refresh behavior (spec.md §4.7).
type Policy struct {
	ArchiveOnProviderDelete bool
}

// RefreshOutcome summarizes one RefreshProvider call.
type RefreshOutcome struct {
	Fetched  int
	Removed  int
	Archived int
}

// Registry is C7's in-process implementation. Persistence backend choice
// is out of scope (spec.md §1); the maps below are the seam a real
// deployment would back with a database, guarded by a single mutex since
// the registry's own invariants (manual-never-downgraded, single-writer
// refresh) are cheap to hold under one lock for this system's scale.
type Registry struct {
	mu          sync.Mutex
	providers   map[string]Provider
	directories map[string]Directory
	links       map[string]link // key: providerID+"|"+directoryID
	lister      ProviderLister
	cleanup     CleanupHook
	policy      Policy
}

// New builds an empty Registry. lister performs the actual HTTP fetch of
// a provider's directory list; cleanup is invoked on archive/delete.
func New(lister ProviderLister, cleanup CleanupHook, policy Policy) *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		directories: make(map[string]Directory),
		links:       make(map[string]link),
		lister:      lister,
		cleanup:     cleanup,
		policy:      policy,
	}
}

// DeriveManualID computes the deterministic directory id used when
// AddManualDirectory is called without an explicit id: the first 32 hex
// characters of sha256(endpoint address) (DESIGN.md open question #1).
func DeriveManualID(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])[:32]
}

// AddProvider registers a new directory-list provider.
func (r *Registry) AddProvider(url string, enabled bool) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := DeriveManualID(url)
	provider := Provider{ID: id, URL: url, Enabled: enabled}
	r.providers[id] = provider
	return provider
}

// EnsureConfigProviders idempotently upserts the provider URLs listed in
// configuration: existing providers are left untouched, enabled flag
// included; new ones are added enabled.
func (r *Registry) EnsureConfigProviders(urls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range urls {
		id := DeriveManualID(u)
		if _, ok := r.providers[id]; ok {
			continue
		}
		r.providers[id] = Provider{ID: id, URL: u, Enabled: true}
	}
}

// AddManualDirectory registers a manually-configured directory. If id is
// empty, it is derived deterministically from endpoint. A manual
// directory's origin is never downgraded by a later provider refresh.
func (r *Registry) AddManualDirectory(endpoint, id, ura string) Directory {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		id = DeriveManualID(endpoint)
	}
	dir := Directory{ID: id, EndpointURL: endpoint, URA: ura, Origin: OriginManual}
	r.directories[id] = dir
	return dir
}

func (r *Registry) findDirectoryByEndpoint(endpoint string) (Directory, bool) {
	for _, d := range r.directories {
		if d.EndpointURL == endpoint {
			return d, true
		}
	}
	return Directory{}, false
}

// RefreshProvider executes the five-step refresh procedure from
// spec.md §4.7.
func (r *Registry) RefreshProvider(ctx context.Context, providerID string) (RefreshOutcome, error) {
	r.mu.Lock()
	provider, ok := r.providers[providerID]
	r.mu.Unlock()
	if !ok {
		return RefreshOutcome{}, fmt.Errorf("unknown provider %q", providerID)
	}

	now := time.Now()
	provider.LastRefreshAt = &now
	r.mu.Lock()
	r.providers[providerID] = provider
	r.mu.Unlock()

	entries, err := r.lister(ctx, provider)
	if err != nil {
		return RefreshOutcome{}, fmt.Errorf("fetch directory list from provider %s: %w", provider.URL, err)
	}

	r.mu.Lock()
	var outcome RefreshOutcome
	seen := make(map[string]bool, len(entries))
	outcome.Fetched = len(entries)

	for _, entry := range entries {
		existing, found := r.findDirectoryByEndpoint(entry.EndpointURL)
		dir := Directory{
			EndpointURL: entry.EndpointURL,
			URA:         entry.URA,
			Origin:      OriginProvider,
		}
		if found {
			dir.ID = existing.ID
			dir.IsIgnored = existing.IsIgnored
			dir.ReasonIgnored = existing.ReasonIgnored
			dir.FailedAttempts = existing.FailedAttempts
			dir.FailedSyncCount = existing.FailedSyncCount
			dir.LastSuccessSync = existing.LastSuccessSync
			if existing.Origin == OriginManual {
				dir.Origin = OriginManual
			}
		} else {
			dir.ID = DeriveManualID(entry.EndpointURL)
		}
		id := dir.ID
		r.directories[id] = dir

		linkKey := providerID + "|" + id
		l := r.links[linkKey]
		l.ProviderID = providerID
		l.DirectoryID = id
		l.LastSeenAt = now
		l.RemovedAt = nil
		r.links[linkKey] = l
		seen[linkKey] = true
	}

	for key, l := range r.links {
		if l.ProviderID != providerID || seen[key] || l.RemovedAt != nil {
			continue
		}
		l.RemovedAt = &now
		r.links[key] = l
		outcome.Removed++

		if r.policy.ArchiveOnProviderDelete && !r.directoryStillLinkedLocked(l.DirectoryID, providerID) {
			dir, ok := r.directories[l.DirectoryID]
			if ok && dir.Origin == OriginProvider && dir.DeletedAt == nil {
				dir.DeletedAt = &now
				r.directories[l.DirectoryID] = dir
				outcome.Archived++
				r.mu.Unlock()
				if hookErr := r.cleanup(ctx, dir.ID); hookErr != nil {
					slog.ErrorContext(ctx, "directory cleanup hook failed after archive", logging.Directory(dir.ID), logging.Error(hookErr))
				}
				r.mu.Lock()
			}
		}
	}
	r.mu.Unlock()

	return outcome, nil
}

// directoryStillLinkedLocked reports whether any other enabled provider
// still actively links to directoryID. Caller must hold r.mu.
func (r *Registry) directoryStillLinkedLocked(directoryID, excludingProviderID string) bool {
	for _, l := range r.links {
		if l.DirectoryID != directoryID || l.ProviderID == excludingProviderID || l.RemovedAt != nil {
			continue
		}
		if provider, ok := r.providers[l.ProviderID]; ok && provider.Enabled {
			return true
		}
	}
	return false
}

// RefreshAllEnabled refreshes every enabled provider; one provider's
// failure does not abort the batch.
func (r *Registry) RefreshAllEnabled(ctx context.Context) map[string]error {
	r.mu.Lock()
	var enabled []Provider
	for _, p := range r.providers {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	r.mu.Unlock()

	errs := make(map[string]error)
	for _, p := range enabled {
		if _, err := r.RefreshProvider(ctx, p.ID); err != nil {
			errs[p.ID] = err
			slog.Error("provider refresh failed", slog.String("provider_id", p.ID), logging.Error(err))
		}
	}
	return errs
}

// GetDirectory looks up a single directory by id, used by the scheduler's
// SyncFunc to resolve the endpoint/URA a tick's directoryID refers to.
func (r *Registry) GetDirectory(id string) (Directory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.directories[id]
	return d, ok
}

// ActiveDirectories returns every directory eligible for a sync pass
// (not ignored, not deleted) -- the set the Mass Sync Scheduler iterates.
func (r *Registry) ActiveDirectories() []Directory {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Directory
	for _, d := range r.directories {
		if d.Active() {
			out = append(out, d)
		}
	}
	return out
}

// AllDirectories returns every known directory regardless of state, used
// by the cleanup tick.
func (r *Registry) AllDirectories() []Directory {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Directory, 0, len(r.directories))
	for _, d := range r.directories {
		out = append(out, d)
	}
	return out
}

// RecordSyncOutcome updates a directory's counters after one sync pass,
// per the Mass Sync Scheduler's per-pass bookkeeping (spec.md §4.8).
func (r *Registry) RecordSyncOutcome(directoryID string, offline bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dir, ok := r.directories[directoryID]
	if !ok {
		return
	}
	if offline {
		dir.FailedAttempts++
		dir.FailedSyncCount++
		dir.ReasonIgnored = reason
	} else {
		now := time.Now()
		dir.LastSuccessSync = &now
		dir.FailedAttempts = 0
		dir.ReasonIgnored = ""
	}
	r.directories[directoryID] = dir
}

// ApplyIgnorePolicy marks directories ignored per the cleanup tick's
// first rule: stale last_success_sync or too many consecutive failures.
func (r *Registry) ApplyIgnorePolicy(ignoreThreshold time.Duration, maxFailedAttempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, dir := range r.directories {
		if dir.IsIgnored || dir.DeletedAt != nil {
			continue
		}
		stale := dir.LastSuccessSync == nil || now.Sub(*dir.LastSuccessSync) > ignoreThreshold
		tooManyFailures := dir.FailedAttempts >= maxFailedAttempts
		if stale || tooManyFailures {
			dir.IsIgnored = true
			if dir.ReasonIgnored == "" {
				dir.ReasonIgnored = "no successful sync within threshold or too many failed attempts"
			}
			r.directories[id] = dir
		}
	}
}

// SweepDeleted hard-deletes directories whose DeletedAt is older than
// grace, invoking the cleanup hook for each.
func (r *Registry) SweepDeleted(ctx context.Context, grace time.Duration) {
	r.mu.Lock()
	now := time.Now()
	var toDelete []string
	for id, dir := range r.directories {
		if dir.DeletedAt != nil && now.Sub(*dir.DeletedAt) > grace {
			toDelete = append(toDelete, id)
		}
	}
	r.mu.Unlock()

	for _, id := range toDelete {
		if err := r.cleanup(ctx, id); err != nil {
			slog.ErrorContext(ctx, "directory cleanup hook failed during grace-period sweep", logging.Directory(id), logging.Error(err))
			continue
		}
		r.mu.Lock()
		delete(r.directories, id)
		for key, l := range r.links {
			if l.DirectoryID == id {
				delete(r.links, key)
			}
		}
		r.mu.Unlock()
	}
}

// DefaultProviderLister builds a ProviderLister that fetches a JSON array
// of ProviderDirectoryEntry from provider.URL over httpClient -- the
// simplest directory-list shape a provider can publish, matching
// original_source's "provider directory" index document.
func DefaultProviderLister(httpClient *http.Client) ProviderLister {
	return func(ctx context.Context, provider Provider) ([]ProviderDirectoryEntry, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("provider %s returned HTTP status %d", provider.URL, resp.StatusCode)
		}
		var entries []ProviderDirectoryEntry
		if err := decodeJSON(resp.Body, &entries); err != nil {
			return nil, fmt.Errorf("decode provider directory list: %w", err)
		}
		return entries, nil
	}
}
