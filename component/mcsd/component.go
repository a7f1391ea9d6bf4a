package mcsd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/nuts-foundation/mcsd-federation/component"
	"github.com/nuts-foundation/mcsd-federation/component/tracing"
	"github.com/nuts-foundation/mcsd-federation/lib/coding"
	libfhir "github.com/nuts-foundation/mcsd-federation/lib/fhirutil"
	mcsdfhirclient "github.com/nuts-foundation/mcsd-federation/lib/fhirclient"
	"github.com/nuts-foundation/mcsd-federation/lib/httpauth"
	"github.com/nuts-foundation/mcsd-federation/lib/logging"
	"github.com/nuts-foundation/mcsd-federation/lib/resourcemap"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/caramel/to"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

var _ component.Lifecycle = &Component{}

var rootDirectoryResourceTypes = []string{"Organization", "Endpoint"}
var defaultDirectoryResourceTypes = []string{"Organization", "Endpoint", "Location", "HealthcareService", "PractitionerRole", "Practitioner"}

// parentOrganizationMap maps parent organizations (with URA identifier) to their linked child organizations
type parentOrganizationMap map[*fhir.Organization][]*fhir.Organization

// clockSkewBuffer is subtracted from local time when Bundle meta.lastUpdated is not available
// to account for potential clock differences between client and FHIR server
var clockSkewBuffer = 2 * time.Second

// maxUpdateEntries caps the number of entries collected by a single paginated query; reaching it aborts the update to prevent excessive load and memory usage
const maxUpdateEntries = 1000

// searchPageSize is an arbitrary FHIR search result limit (per page), so we have deterministic behavior across FHIR servers,
// and don't rely on server defaults (which may be very high or very low (Azure FHIR's default is 10)).
const searchPageSize = 100

// is410GoneError checks if an error indicates a 410 Gone response (history too old).
// This is used to detect when the _history endpoint can't serve the requested _since time
// and we need to fallback to Snapshot Mode.
func is410GoneError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "410") || strings.Contains(strings.ToLower(errStr), "gone")
}

// makeDirectoryKey creates a composite key from fhirBaseURL and authoritativeUra for tracking sync state per directory.
// This allows multiple directories with the same FHIR base URL but different authoritative URAs to maintain separate sync states.
func makeDirectoryKey(fhirBaseURL, authoritativeUra string) string {
	if authoritativeUra == "" {
		return fhirBaseURL
	}
	return fhirBaseURL + "|" + authoritativeUra
}

// Component implements a mCSD Update Client, which synchronizes mCSD FHIR resources from remote mCSD Directories to a local mCSD Directory for querying.
// It is configured with a root mCSD Directory, which is used to discover organizations and their mCSD Directory endpoints.
// Organizations refer to Endpoints through Organization.endpoint references.
// Synchronization is a 2-step process:
// 1. Query the root mCSD Directory for Organization resources and their associated Endpoint resources of type 'mcsd-directory-endpoint'.
// 2. For each discovered mCSD Directory Endpoint, query the remote mCSD Directory for its resources and copy them to the local mCSD Query Directory.
//   - The resource types in Config.DirectoryResourceTypes are synchronized (by default: Organization, Endpoint,
//     Location, HealthcareService, PractitionerRole, Practitioner).
//   - The organization's mcsd-directory-endpoint must be discoverable through the root mCSD Directory.
//   - An Organization from a discovered directory that carries a URA identifier has its name dropped.
//     Organizations are not otherwise checked against the root mCSD Directory (identifier, name or endpoint).
type Component struct {
	config       Config
	fhirClientFn func(baseURL *url.URL) fhirclient.Client

	administrationDirectories []administrationDirectory
	directoryResourceTypes    []string
	lastUpdateTimes           map[string]string
	updateMux                 *sync.RWMutex
	resourceMapStore          resourcemap.Store
}

func DefaultConfig() Config {
	return Config{
		DirectoryResourceTypes: defaultDirectoryResourceTypes,
	}
}

type Config struct {
	AdministrationDirectories map[string]DirectoryConfig `koanf:"admin"`
	QueryDirectory            DirectoryConfig            `koanf:"query"`
	ExcludeAdminDirectories   []string                   `koanf:"adminexclude"`
	DirectoryResourceTypes    []string                   `koanf:"directoryresourcetypes"`
	Auth                      httpauth.OAuth2Config      `koanf:"auth"`
	StateFile                 string                     `koanf:"statefile"` // Optional: path to persist sync state across restarts
	SnapshotModeSupport       bool                       `koanf:"snapshotmodesupport"` // If true, snapshot mode is supported for initial and HTTP 410 syncs
}

type DirectoryConfig struct {
	FHIRBaseURL string `koanf:"fhirbaseurl"`
}

type UpdateReport map[string]DirectoryUpdateReport

type administrationDirectory struct {
	fhirBaseURL      string
	resourceTypes    []string
	discover         bool
	sourceURL        string // The fullUrl from the Bundle entry that created this Endpoint, used for unregistration on DELETE
	authoritativeUra string // URA of the organization that is authoritative for this directory
}

type DirectoryUpdateReport struct {
	CountCreated int      `json:"created"`
	CountUpdated int      `json:"updated"`
	CountDeleted int      `json:"deleted"`
	Warnings     []string `json:"warnings"`
	Errors       []string `json:"errors"`
}

func New(config Config) (*Component, error) {
	// Create HTTP client with optional OAuth2 authentication
	var httpClient *http.Client
	var err error
	if config.Auth.IsConfigured() {
		slog.Info("mCSD: OAuth2 authentication configured", slog.String("token_url", config.Auth.TokenURL))
		httpClient, err = httpauth.NewOAuth2HTTPClient(config.Auth, tracing.WrapTransport(nil))
		if err != nil {
			return nil, fmt.Errorf("failed to create OAuth2 HTTP client for mCSD: %w", err)
		}
	} else {
		slog.Info("mCSD: No authentication configured")
		httpClient = tracing.NewHTTPClient()
	}
	httpClient.Transport = mcsdfhirclient.WrapRetry(httpClient.Transport, mcsdfhirclient.DefaultRetryConfig())

	result := &Component{
		config: config,
		fhirClientFn: func(baseURL *url.URL) fhirclient.Client {
			return fhirclient.New(baseURL, httpClient, &fhirclient.Config{
				UsePostSearch: false,
			})
		},
		directoryResourceTypes: config.DirectoryResourceTypes,
		updateMux:              &sync.RWMutex{},
		resourceMapStore:       resourcemap.NewInMemoryStore(),
	}

	// Load persisted sync state if configured
	if config.StateFile != "" {
		result.loadSyncState()
	} else {
		result.lastUpdateTimes = make(map[string]string)
	}

	for _, rootDirectory := range config.AdministrationDirectories {
		if err := result.registerAdministrationDirectory(context.Background(), rootDirectory.FHIRBaseURL, rootDirectoryResourceTypes, true, "", ""); err != nil {
			return nil, fmt.Errorf("register root administration directory (url=%s): %w", rootDirectory.FHIRBaseURL, err)
		}
	}
	if len(result.config.DirectoryResourceTypes) == 0 {
		result.config.DirectoryResourceTypes = append([]string(nil), defaultDirectoryResourceTypes...)
	}
	return result, nil
}

func (c *Component) Start() error {
	return nil
}

func (c *Component) Stop(ctx context.Context) error {
	return nil
}

func (c *Component) RegisterHttpHandlers(publicMux, internalMux *http.ServeMux) {
	internalMux.HandleFunc("POST /mcsd/update", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		result, err := c.update(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "mCSD update failed", logging.Error(err))
			http.Error(w, "Failed to update mCSD: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(result)
	})
}

func (c *Component) registerAdministrationDirectory(ctx context.Context, fhirBaseURL string, resourceTypes []string, discover bool, sourceURL string, authoritativeUra string) error {
	// Must be a valid http or https URL
	parsedFHIRBaseURL, err := url.Parse(fhirBaseURL)
	if err != nil {
		return fmt.Errorf("invalid FHIR base URL (url=%s): %w", fhirBaseURL, err)
	}
	parsedFHIRBaseURL.Scheme = strings.ToLower(parsedFHIRBaseURL.Scheme)
	if (parsedFHIRBaseURL.Scheme != "https" && parsedFHIRBaseURL.Scheme != "http") || parsedFHIRBaseURL.Host == "" {
		return fmt.Errorf("invalid FHIR base URL (url=%s)", fhirBaseURL)
	}

	// Check if the URL is in the exclusion list (also trim exclusion list entries for consistent matching)
	trimmedFHIRBaseURL := strings.TrimRight(fhirBaseURL, "/")
	for _, excludedURL := range c.config.ExcludeAdminDirectories {
		if strings.TrimRight(excludedURL, "/") == trimmedFHIRBaseURL {
			slog.InfoContext(ctx, "Skipping administration directory registration: excluded by configuration", logging.FHIRServer(fhirBaseURL))
			return nil
		}
	}

	exists := slices.ContainsFunc(c.administrationDirectories, func(directory administrationDirectory) bool {
		return directory.fhirBaseURL == fhirBaseURL && directory.authoritativeUra == authoritativeUra
	})
	if exists {
		return nil
	}
	c.administrationDirectories = append(c.administrationDirectories, administrationDirectory{
		resourceTypes:    resourceTypes,
		fhirBaseURL:      fhirBaseURL,
		discover:         discover,
		sourceURL:        sourceURL,
		authoritativeUra: authoritativeUra,
	})
	slog.InfoContext(ctx, "Registered mCSD Directory", logging.FHIRServer(fhirBaseURL), slog.Bool("discover", discover))
	return nil
}

// unregisterAdministrationDirectory removes an administration directory from the list by its fullUrl.
// This is called when an Endpoint is deleted to prevent it from being fetched in future updates.
// The fullUrl parameter is the Bundle entry fullUrl that was used when the Endpoint was registered.
func (c *Component) unregisterAdministrationDirectory(ctx context.Context, fullUrl string) {
	initialCount := len(c.administrationDirectories)
	c.administrationDirectories = slices.DeleteFunc(c.administrationDirectories, func(dir administrationDirectory) bool {
		return dir.sourceURL == fullUrl
	})
	if len(c.administrationDirectories) < initialCount {
		slog.InfoContext(ctx, "Unregistered mCSD Directory after Endpoint deletion", slog.String("full_url", fullUrl))
	}
}

// processEndpointDeletes processes DELETE operations for Endpoints and unregisters them from administrationDirectories.
// This prevents deleted Endpoints from being fetched in future updates, fixing issue #241.
func (c *Component) processEndpointDeletes(ctx context.Context, entries []fhir.BundleEntry) {
	for _, entry := range entries {
		if entry.Request != nil && entry.Request.Method == fhir.HTTPVerbDELETE && entry.FullUrl != nil {
			parts := strings.Split(entry.Request.Url, "/")
			if len(parts) >= 2 && parts[0] == "Endpoint" {
				// Unregister the administration directory using the fullUrl
				// The fullUrl uniquely identifies the resource that was deleted
				c.unregisterAdministrationDirectory(ctx, *entry.FullUrl)
			}
		}
	}
}

// ResourceMapStore exposes the resource-map store backing this component's
// reconciliation passes, so the Directory Registry (C7) can wipe a
// directory's rows as its cleanup hook on archive/hard-delete.
func (c *Component) ResourceMapStore() resourcemap.Store {
	return c.resourceMapStore
}

// SyncRegistryDirectory runs one update pass against a directory that is
// tracked by the Directory Registry (C7) rather than statically configured
// under Config.AdministrationDirectories. The Mass Sync Scheduler (C8) calls
// this once per active directory, per tick. updateMux is taken (shared with
// update()'s admin-directory pass) since lastUpdateTimes is a single map not
// safe for concurrent writes across directories.
func (c *Component) SyncRegistryDirectory(ctx context.Context, fhirBaseURL, authoritativeUra string) (DirectoryUpdateReport, error) {
	c.updateMux.Lock()
	defer c.updateMux.Unlock()

	resourceTypes := c.directoryResourceTypes
	if len(resourceTypes) == 0 {
		resourceTypes = defaultDirectoryResourceTypes
	}
	return c.updateFromDirectory(ctx, fhirBaseURL, resourceTypes, false, authoritativeUra)
}

func (c *Component) update(ctx context.Context) (UpdateReport, error) {
	c.updateMux.Lock()
	defer c.updateMux.Unlock()

	result := make(UpdateReport)
	for i := 0; i < len(c.administrationDirectories); i++ {
		adminDirectory := c.administrationDirectories[i]
		report, err := c.updateFromDirectory(ctx, adminDirectory.fhirBaseURL, adminDirectory.resourceTypes, adminDirectory.discover, adminDirectory.authoritativeUra)
		if err != nil {
			slog.ErrorContext(ctx, "mCSD Directory update failed", logging.FHIRServer(adminDirectory.fhirBaseURL), logging.Error(err))
			report.Errors = append(report.Errors, err.Error())
		}
		// Return empty slices instead of null ones, makes a nicer REST API
		if report.Warnings == nil {
			report.Warnings = []string{}
		}
		if report.Errors == nil {
			report.Errors = []string{}
		}
		directoryKey := makeDirectoryKey(adminDirectory.fhirBaseURL, adminDirectory.authoritativeUra)
		result[directoryKey] = report
	}
	return result, nil
}

// discoverAndRegisterEndpoints processes endpoint discovery and registration for the given parent organizations.
// It finds endpoints from the entries that match parent organization endpoint references and registers them.
func (c *Component) discoverAndRegisterEndpoints(ctx context.Context, entries []fhir.BundleEntry, parentOrganizationsMap parentOrganizationMap, report DirectoryUpdateReport) DirectoryUpdateReport {
	if parentOrganizationsMap == nil {
		return report
	}

	for parentOrg := range parentOrganizationsMap {
		uraIdentifiers := libfhir.FilterIdentifiersBySystem(parentOrg.Identifier, coding.URANamingSystem)
		if len(uraIdentifiers) == 0 || uraIdentifiers[0].Value == nil {
			continue
		}
		authoritativeUra := *uraIdentifiers[0].Value

		if parentOrg.Endpoint == nil || len(parentOrg.Endpoint) == 0 {
			continue
		}

		// find endpoint in entries
		endpoints := make(map[string]*fhir.Endpoint)
		for _, entry := range entries {
			if entry.Resource == nil {
				continue
			}
			var endpoint fhir.Endpoint
			if err := json.Unmarshal(entry.Resource, &endpoint); err != nil {
				continue
			}
			// find all Endpoint resources from entries that reference the parent organization's Endpoint resources'
			if endpoint.Id != nil {
				endpointID := *endpoint.Id
				for _, parentEndpoint := range parentOrg.Endpoint {
					if parentEndpoint.Reference != nil {
						refID := extractReferenceID(parentEndpoint.Reference)
						if endpointID == refID {
							if entry.FullUrl != nil {
								endpoints[*entry.FullUrl] = &endpoint
							}
							break // Found a match, move to next entry
						}
					}
				}
			}
		}

		payloadCoding := fhir.Coding{
			System: to.Ptr(coding.MCSDPayloadTypeSystem),
			Code:   to.Ptr(coding.MCSDPayloadTypeDirectoryCode),
		}

		for fullUrl, endpoint := range endpoints {
			if coding.CodablesIncludesCode(endpoint.PayloadType, payloadCoding) {
				slog.DebugContext(ctx, "Discovered mCSD Directory", slog.String("address", endpoint.Address))

				err := c.registerAdministrationDirectory(ctx, endpoint.Address, c.directoryResourceTypes, false, fullUrl, authoritativeUra)
				if err != nil {
					report.Warnings = append(report.Warnings, fmt.Sprintf("failed to register discovered mCSD Directory at %s: %s", endpoint.Address, err.Error()))
				}
			}
		}
	}

	return report
}

func (c *Component) updateFromDirectory(ctx context.Context, fhirBaseURLRaw string, allowedResourceTypes []string, allowDiscovery bool, authoritativeUra string) (DirectoryUpdateReport, error) {
	slog.InfoContext(ctx, "Updating from mCSD Directory", logging.FHIRServer(fhirBaseURLRaw), slog.Bool("discover", allowDiscovery), slog.Any("resourceTypes", allowedResourceTypes))
	remoteAdminDirectoryFHIRBaseURL, err := url.Parse(fhirBaseURLRaw)
	if err != nil {
		return DirectoryUpdateReport{}, err
	}
	remoteAdminDirectoryFHIRClient := c.fhirClientFn(remoteAdminDirectoryFHIRBaseURL)

	queryDirectoryFHIRBaseURL, err := url.Parse(c.config.QueryDirectory.FHIRBaseURL)
	if err != nil {
		return DirectoryUpdateReport{}, err
	}
	queryDirectoryFHIRClient := c.fhirClientFn(queryDirectoryFHIRBaseURL)

	// Get last update time for incremental sync
	directoryKey := makeDirectoryKey(fhirBaseURLRaw, authoritativeUra)
	lastUpdate, hasLastUpdate := c.lastUpdateTimes[directoryKey]

	// Capture query start time as fallback for servers that don't provide Bundle meta.lastUpdated.
	queryStartTime := time.Now()

	searchParams := url.Values{
		"_count": []string{strconv.Itoa(searchPageSize)},
	}

	var entries []fhir.BundleEntry
	var firstSearchSet fhir.Bundle
	var useSnapshotMode, useHistoryMode bool

	if hasLastUpdate {
		useHistoryMode = true
		// Delta Mode: Use _history with _since for incremental sync
		searchParams.Set("_since", lastUpdate)
		slog.DebugContext(ctx, "Delta Mode: Using _history with _since parameter", logging.FHIRServer(fhirBaseURLRaw), slog.String("_since", lastUpdate))
	} else {
		// If no last update time, we would normally use Snapshot Mode,
		// but if it's not enabled, we have to use History Mode without _since to get all resources.
		useHistoryMode = !c.config.SnapshotModeSupport
		// Snapshot Mode: Use regular search (GET /Resource) for full sync
		useSnapshotMode = c.config.SnapshotModeSupport
	}

	if useHistoryMode {
		for i, resourceType := range allowedResourceTypes {
			currEntries, currSearchSet, err := c.queryHistory(ctx, remoteAdminDirectoryFHIRClient, resourceType, searchParams)
			if err != nil {
				// Check for 410 Gone - history too old, fallback to Snapshot Mode
				if is410GoneError(err) {
					if !c.config.SnapshotModeSupport {
						return DirectoryUpdateReport{}, fmt.Errorf("410 Gone: history too old for %s and Snapshot Mode is disabled, cannot sync", resourceType)
					}
					slog.WarnContext(ctx, "410 Gone: History too old, falling back to Snapshot Mode", logging.FHIRServer(fhirBaseURLRaw), slog.String("resourceType", resourceType))
					useSnapshotMode = true
					// Clear the _since parameter and entries for snapshot mode
					searchParams.Del("_since")
					entries = nil
					break
				}
				return DirectoryUpdateReport{}, fmt.Errorf("failed to query %s history: %w", resourceType, err)
			}
			entries = append(entries, currEntries...)
			if i == 0 {
				firstSearchSet = currSearchSet
			}
		}
	}

	// Snapshot Mode: Use regular search (GET /Resource) for full sync
	if useSnapshotMode {
		slog.InfoContext(ctx, "Snapshot Mode: Performing full sync using search", logging.FHIRServer(fhirBaseURLRaw))
		entries = nil // Clear any partial entries from failed delta mode

		for i, resourceType := range allowedResourceTypes {
			currEntries, currSearchSet, err := c.query(ctx, remoteAdminDirectoryFHIRClient, resourceType, searchParams)
			if err != nil {
				return DirectoryUpdateReport{}, fmt.Errorf("failed to query %s: %w", resourceType, err)
			}
			// For snapshot mode, we need to add request info for buildInitialNodes
			for j := range currEntries {
				if currEntries[j].Request == nil {
					// Search results don't have request info, add it for processing
					var resourceID string
					if info, err := libfhir.ExtractResourceInfo(currEntries[j].Resource); err == nil {
						resourceID = info.ID
					}
					currEntries[j].Request = &fhir.BundleEntryRequest{
						Method: fhir.HTTPVerbPUT,
						Url:    resourceType + "/" + resourceID,
					}
				}
			}
			entries = append(entries, currEntries...)
			if i == 0 {
				firstSearchSet = currSearchSet
			}
		}

		// Clear the last update time since we did a full sync
		// This ensures the next sync will properly use the new timestamp
		delete(c.lastUpdateTimes, directoryKey)
	}

	// Deduplicate resources - for _history this removes old versions, for search this handles any duplicates
	deduplicatedEntries := deduplicateHistoryEntries(entries)

	// Pre-process Endpoint DELETEs to unregister administration directories
	if allowDiscovery {
		c.processEndpointDeletes(ctx, deduplicatedEntries)
	}

	// Find parent organizations with URA identifier and all organizations linked to them
	// This is used for Endpoint discovery below, not for resource validation.
	parentOrganizationsMap, err := c.ensureParentOrganizationsMap(ctx, fhirBaseURLRaw, remoteAdminDirectoryFHIRClient, authoritativeUra)
	if err != nil {
		return DirectoryUpdateReport{}, fmt.Errorf("failed to build parent organization map: %w", err)
	}

	var report DirectoryUpdateReport

	nodes, nodeWarnings := buildInitialNodes(deduplicatedEntries, allowedResourceTypes, allowDiscovery)
	report.Warnings = append(report.Warnings, nodeWarnings...)

	tx, mutations, reconcileWarnings, err := reconcile(ctx, directoryKey, nodes, fhirBaseURLRaw, remoteAdminDirectoryFHIRClient, c.resourceMapStore)
	if err != nil {
		return DirectoryUpdateReport{}, fmt.Errorf("reconcile directory against resource map: %w", err)
	}
	report.Warnings = append(report.Warnings, reconcileWarnings...)

	// Handle Endpoint discovery and registration
	if allowDiscovery {
		report = c.discoverAndRegisterEndpoints(ctx, entries, parentOrganizationsMap, report)
	}

	slog.DebugContext(ctx, "Got mCSD entries", logging.FHIRServer(fhirBaseURLRaw), slog.Int("count", len(tx.Entry)))

	// A pass without transaction entries posts nothing, but still records its sync time below.
	var txResult fhir.Bundle
	if len(tx.Entry) > 0 {
		if err := queryDirectoryFHIRClient.CreateWithContext(ctx, tx, &txResult, fhirclient.AtPath("/")); err != nil {
			return DirectoryUpdateReport{}, fmt.Errorf("failed to apply mCSD update to query directory: %w", err)
		}

		if err := applyResourceMapMutations(ctx, c.resourceMapStore, mutations); err != nil {
			return DirectoryUpdateReport{}, fmt.Errorf("update resource map after accepted transaction: %w", err)
		}
	}

	// Process result
	for i, entry := range txResult.Entry {
		if entry.Response == nil {
			msg := fmt.Sprintf("Skipping entry with no response: #%d", i)
			report.Warnings = append(report.Warnings, msg)
			continue
		}
		switch {
		case strings.HasPrefix(entry.Response.Status, "201"):
			report.CountCreated++
		case strings.HasPrefix(entry.Response.Status, "200"):
			report.CountUpdated++
		case strings.HasPrefix(entry.Response.Status, "204"):
			report.CountDeleted++
		default:
			msg := fmt.Sprintf("Unknown HTTP response status %v (url=%v)", entry.Response.Status, entry.FullUrl)
			report.Warnings = append(report.Warnings, msg)
		}
	}

	// Update last sync timestamp on successful completion.
	// Use the search result Bundle's meta.lastUpdated if available, otherwise fall back to query start time.
	// This uses the FHIR server's own timestamp string, eliminating clock skew issues.
	var nextSyncTime string
	if firstSearchSet.Meta != nil && firstSearchSet.Meta.LastUpdated != nil {
		nextSyncTime = *firstSearchSet.Meta.LastUpdated
	} else {
		// Fallback to local time with buffer to account for potential clock skew
		nextSyncTime = queryStartTime.Add(-clockSkewBuffer).Format(time.RFC3339Nano)
		slog.WarnContext(ctx, "Bundle meta.lastUpdated not available, using local time with buffer - may cause clock skew issues", logging.FHIRServer(fhirBaseURLRaw))
	}
	c.lastUpdateTimes[directoryKey] = nextSyncTime

	// Persist sync state if configured
	c.saveSyncState()

	return report, nil
}

// loadSyncState loads the sync state from the configured state file.
// If the file doesn't exist or can't be read, it starts with an empty state (full sync).
func (c *Component) loadSyncState() {
	if c.config.StateFile == "" {
		return
	}

	if c.lastUpdateTimes != nil {
		slog.Debug("Sync state already initialized, skipping load", slog.String("file", c.config.StateFile))
		return
	}

	data, err := os.ReadFile(c.config.StateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read sync state file, starting with full sync", slog.String("file", c.config.StateFile), logging.Error(err))
		} else {
			slog.Info("No sync state file found, starting with full sync", slog.String("file", c.config.StateFile))
		}
		c.lastUpdateTimes = make(map[string]string)
		return
	}

	if err := json.Unmarshal(data, &c.lastUpdateTimes); err != nil {
		slog.Warn("Failed to parse sync state file, starting with full sync", slog.String("file", c.config.StateFile), logging.Error(err))
		c.lastUpdateTimes = make(map[string]string)
		return
	}

	slog.Info("Loaded sync state from file", slog.String("file", c.config.StateFile), slog.Int("directories", len(c.lastUpdateTimes)))
}

// saveSyncState persists the sync state to the configured state file.
// Errors are logged but don't fail the sync operation.
func (c *Component) saveSyncState() {
	if c.config.StateFile == "" {
		return
	}

	data, err := json.MarshalIndent(c.lastUpdateTimes, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal sync state", logging.Error(err))
		return
	}

	if err := os.WriteFile(c.config.StateFile, data, 0644); err != nil {
		slog.Error("Failed to write sync state file", slog.String("file", c.config.StateFile), logging.Error(err))
		return
	}

	slog.Debug("Saved sync state to file", slog.String("file", c.config.StateFile))
}

// queryFHIR performs a FHIR search query with pagination and returns all matching entries.
// If includeHistory is true, it queries the _history endpoint to get resource versions.
func (c *Component) queryFHIR(ctx context.Context, client fhirclient.Client, resourceType string, searchParams url.Values, includeHistory bool) ([]fhir.BundleEntry, fhir.Bundle, error) {
	var searchSet fhir.Bundle
	var path string
	var searchErrMsg string
	var paginationErrMsg string

	if includeHistory {
		path = resourceType + "/_history"
		searchErrMsg = "_history search failed"
		paginationErrMsg = "pagination of _history search failed"
	} else {
		path = resourceType
		searchErrMsg = "query failed"
		paginationErrMsg = "pagination of search failed"
	}

	err := client.SearchWithContext(ctx, "", searchParams, &searchSet, fhirclient.AtPath(path))
	if err != nil {
		return nil, fhir.Bundle{}, fmt.Errorf("%s: %w", searchErrMsg, err)
	}

	var entries []fhir.BundleEntry
	err = fhirclient.Paginate(ctx, client, searchSet, func(searchSet *fhir.Bundle) (bool, error) {
		entries = append(entries, searchSet.Entry...)
		if len(entries) >= maxUpdateEntries {
			return false, fmt.Errorf("too many entries (%d), aborting update to prevent excessive memory usage", len(entries))
		}
		return true, nil
	})
	if err != nil {
		return nil, fhir.Bundle{}, fmt.Errorf("%s: %w", paginationErrMsg, err)
	}

	return entries, searchSet, nil
}

func (c *Component) queryHistory(ctx context.Context, remoteAdminDirectoryFHIRClient fhirclient.Client, resourceType string, searchParams url.Values) ([]fhir.BundleEntry, fhir.Bundle, error) {
	return c.queryFHIR(ctx, remoteAdminDirectoryFHIRClient, resourceType, searchParams, true)
}

func (c *Component) query(ctx context.Context, remoteAdminDirectoryFHIRClient fhirclient.Client, resourceType string, searchParams url.Values) ([]fhir.BundleEntry, fhir.Bundle, error) {
	return c.queryFHIR(ctx, remoteAdminDirectoryFHIRClient, resourceType, searchParams, false)
}

// deduplicateHistoryEntries keeps only the most recent version of each resource
func deduplicateHistoryEntries(entries []fhir.BundleEntry) []fhir.BundleEntry {
	resourceMap := make(map[string]fhir.BundleEntry)
	var entriesWithoutID []fhir.BundleEntry

	for _, entry := range entries {
		var resourceID string

		if entry.Resource == nil {
			if entry.Request != nil && entry.Request.Method == fhir.HTTPVerbDELETE {
				resourceID = extractResourceIDFromURL(entry)
			}
		} else {
			if info, err := libfhir.ExtractResourceInfo(entry.Resource); err == nil {
				resourceID = info.ID
			}
		}

		if resourceID != "" {
			existing, exists := resourceMap[resourceID]
			if !exists || isMoreRecent(entry, existing) {
				resourceMap[resourceID] = entry
			}
		} else {
			entriesWithoutID = append(entriesWithoutID, entry)
		}
	}

	var result []fhir.BundleEntry
	for _, entry := range resourceMap {
		result = append(result, entry)
	}
	result = append(result, entriesWithoutID...)
	return result
}

// isMoreRecent compares two entries, returns true if first is more recent
func isMoreRecent(entry1, entry2 fhir.BundleEntry) bool {
	time1 := getLastUpdated(entry1)
	time2 := getLastUpdated(entry2)
	if !time1.IsZero() && !time2.IsZero() {
		return time1.After(time2)
	}
	// Fallback: cannot determine which is more recent, do not overwrite
	return false
}

// getLastUpdated extracts lastUpdated timestamp from an entry
func getLastUpdated(entry fhir.BundleEntry) time.Time {
	if entry.Resource == nil {
		return time.Time{}
	}
	info, err := libfhir.ExtractResourceInfo(entry.Resource)
	if err != nil || info.LastUpdated == nil {
		return time.Time{}
	}
	return *info.LastUpdated
}

// extractReferenceID returns the resource ID portion of a FHIR reference
// string, e.g. "Endpoint/ep-1" or an absolute "https://host/fhir/Endpoint/ep-1"
// both yield "ep-1". Returns "" for a nil or empty reference.
func extractReferenceID(reference *string) string {
	if reference == nil || *reference == "" {
		return ""
	}
	parts := strings.Split(*reference, "/")
	return parts[len(parts)-1]
}

// extractResourceIDFromURL extracts the resource ID from a DELETE operation's URL
func extractResourceIDFromURL(entry fhir.BundleEntry) string {
	// First try to extract from Request.Url (e.g., "Organization/123")
	if entry.Request != nil && entry.Request.Url != "" {
		parts := strings.Split(entry.Request.Url, "/")
		if len(parts) >= 2 {
			return parts[1] // Return the ID part
		}
	}

	// Fallback: extract from fullUrl (e.g., "http://example.org/fhir/Organization/123")
	if entry.FullUrl != nil {
		parts := strings.Split(*entry.FullUrl, "/")
		if len(parts) >= 1 {
			return parts[len(parts)-1] // Return the last part (ID)
		}
	}

	return ""
}

func (c *Component) ensureParentOrganizationsMap(ctx context.Context, fhirBaseURLRaw string, remoteAdminDirectoryFHIRClient fhirclient.Client, authoritativeUra string) (parentOrganizationMap, error) {
	slog.DebugContext(ctx, "Querying organizations for authoritative check (parent organization map build)", logging.FHIRServer(fhirBaseURLRaw))
	orgEntries, _, err := c.query(ctx, remoteAdminDirectoryFHIRClient, "Organization", url.Values{
		"_count": []string{strconv.Itoa(searchPageSize)},
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to query all organizations, aborting parent organization map build", logging.FHIRServer(fhirBaseURLRaw), logging.Error(err))
		return nil, err
	}

	parentOrganizationsMap, err := createOrganizationTree(orgEntries)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build parent organization map from all organizations, aborting parent organization map build", logging.FHIRServer(fhirBaseURLRaw), logging.Error(err))
		return nil, err
	}

	// Filter to only include parent organizations matching the authoritative URA if provided
	if authoritativeUra != "" {
		filtered := make(parentOrganizationMap)
		for parentOrg, linkedOrgs := range parentOrganizationsMap {
			uraIdentifiers := libfhir.FilterIdentifiersBySystem(parentOrg.Identifier, coding.URANamingSystem)
			for _, ura := range uraIdentifiers {
				if ura.Value != nil && *ura.Value == authoritativeUra {
					filtered[parentOrg] = linkedOrgs
					break
				}
			}
		}
		parentOrganizationsMap = filtered
	}

	return parentOrganizationsMap, nil
}

// createOrganizationTree maps every organization that carries a URA identifier to the organizations whose
// partOf chain leads to it. Organizations without a URA identifier only appear as linked organizations.
// Returns an empty map and a nil error if no organization with URA identifier is found (not an error condition).
func createOrganizationTree(entries []fhir.BundleEntry) (parentOrganizationMap, error) {
	result := make(parentOrganizationMap)

	// Build a map of all organizations for efficient lookup using ID as key
	orgMap := make(map[string]*fhir.Organization)
	for _, entry := range entries {
		if entry.Resource == nil {
			continue
		}
		var org fhir.Organization
		if err := json.Unmarshal(entry.Resource, &org); err != nil {
			continue
		}
		if org.Id != nil {
			orgMap[*org.Id] = &org
		}
	}

	// Loop through all organizations to find all with URA identifier
	for _, org := range orgMap {
		uraIdentifiers := libfhir.FilterIdentifiersBySystem(org.Identifier, coding.URANamingSystem)
		if len(uraIdentifiers) > 0 {
			// Found an organization with URA, find all organizations linked to it
			linkedOrgs := findOrganizationsLinkedToParent(orgMap, org)
			result[org] = linkedOrgs
		}
	}

	return result, nil
}

// findOrganizationsLinkedToParent returns all organizations whose partOf chain leads to the parent organization.
// It excludes the parent organization itself from the returned slice.
// Returns an empty slice (not nil) if no organizations are linked to the parent.
func findOrganizationsLinkedToParent(orgMap map[string]*fhir.Organization, parentOrg *fhir.Organization) []*fhir.Organization {
	linked := make([]*fhir.Organization, 0)

	for _, org := range orgMap {
		// Skip the parent organization itself
		if org.Id != nil && parentOrg.Id != nil && *org.Id == *parentOrg.Id {
			continue
		}

		// Check if this organization's partOf chain leads to the parent
		if organizationLinksToParent(orgMap, org, parentOrg) {
			linked = append(linked, org)
		}
	}

	return linked
}

// organizationLinksToParent checks if an organization's partOf chain eventually leads to the parent organization.
// It handles circular references by tracking visited organizations.
func organizationLinksToParent(orgMap map[string]*fhir.Organization, org *fhir.Organization, parentOrg *fhir.Organization) bool {
	const maxDepth = 10
	visited := make(map[string]bool)
	return organizationLinksToParentRecursive(orgMap, org, parentOrg, visited, 0, maxDepth)
}

// organizationLinksToParentRecursive is the recursive helper for organizationLinksToParent.
func organizationLinksToParentRecursive(orgMap map[string]*fhir.Organization, org *fhir.Organization, parentOrg *fhir.Organization, visited map[string]bool, depth int, maxDepth int) bool {
	if depth > maxDepth {
		return false // Depth exceeded
	}

	if org.Id != nil {
		if visited[*org.Id] {
			return false // Circular reference detected
		}
		visited[*org.Id] = true

		// Check if we found the parent
		if parentOrg.Id != nil && *org.Id == *parentOrg.Id {
			return true
		}
	}

	// Check if this organization has a partOf reference
	if org.PartOf == nil || org.PartOf.Reference == nil {
		return false // No more parents in the chain
	}

	// Extract the parent ID from the reference
	ref := *org.PartOf.Reference
	var parentID string
	if strings.Contains(ref, "/") {
		parts := strings.Split(ref, "/")
		parentID = parts[len(parts)-1]
	} else {
		parentID = ref
	}

	// Look up the parent organization
	nextOrg, exists := orgMap[parentID]
	if !exists {
		return false // Parent not found in map
	}

	// Recursively check the parent's chain
	return organizationLinksToParentRecursive(orgMap, nextOrg, parentOrg, visited, depth+1, maxDepth)
}
