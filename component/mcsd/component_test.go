package mcsd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// fixtureServer is a minimal FHIR directory double: it answers
// GET {type}/_history and GET {type} with canned Bundles keyed by path,
// and records every request it receives.
type fixtureServer struct {
	t        *testing.T
	mux      *http.ServeMux
	server   *httptest.Server
	requests []string
}

func newFixtureServer(t *testing.T) *fixtureServer {
	f := &fixtureServer{t: t, mux: http.NewServeMux()}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests = append(f.requests, r.URL.String())
		f.mux.ServeHTTP(w, r)
	}))
	return f
}

func (f *fixtureServer) url() string { return f.server.URL }

func (f *fixtureServer) history(resourceType string, bundle fhir.Bundle) {
	f.respond("/"+resourceType+"/_history", bundle)
}

func (f *fixtureServer) search(resourceType string, bundle fhir.Bundle) {
	f.respond("/"+resourceType, bundle)
}

func (f *fixtureServer) respond(path string, bundle fhir.Bundle) {
	raw, err := json.Marshal(bundle)
	require.NoError(f.t, err)
	f.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
	})
}

func (f *fixtureServer) close() { f.server.Close() }

func emptyHistory() fhir.Bundle {
	return fhir.Bundle{Type: fhir.BundleTypeHistory}
}

func rawResource(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

func historyEntry(baseURL, resourceType, id string, resource any) fhir.BundleEntry {
	fullURL := baseURL + "/" + resourceType + "/" + id
	return fhir.BundleEntry{
		FullUrl:  &fullURL,
		Resource: rawResource(resource),
		Request:  &fhir.BundleEntryRequest{Method: fhir.HTTPVerbPUT, Url: resourceType + "/" + id},
	}
}

// queryDirectoryServer is a fake local mCSD Query Directory: it accepts a
// transaction Bundle and answers with a transaction-response Bundle whose
// per-entry status reflects the request method, which is all
// updateFromDirectory's report-counting logic needs.
type queryDirectoryServer struct {
	server         *httptest.Server
	txCount        int
	lastTxEntryLen int
}

func newQueryDirectoryServer(t *testing.T) *queryDirectoryServer {
	q := &queryDirectoryServer{}
	q.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tx fhir.Bundle
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tx))
		q.txCount++
		q.lastTxEntryLen = len(tx.Entry)

		response := fhir.Bundle{Type: fhir.BundleTypeTransactionResponse}
		for _, entry := range tx.Entry {
			status := "201 Created"
			if entry.Request != nil && entry.Request.Method == fhir.HTTPVerbDELETE {
				status = "204 No Content"
			}
			response.Entry = append(response.Entry, fhir.BundleEntry{
				Response: &fhir.BundleEntryResponse{Status: status},
			})
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}))
	return q
}

func (q *queryDirectoryServer) url() string { return q.server.URL }
func (q *queryDirectoryServer) close()       { q.server.Close() }

func org(id, ura string, endpointRefs ...string) fhir.Organization {
	o := fhir.Organization{Id: &id}
	if ura != "" {
		system := "http://fhir.nl/fhir/NamingSystem/ura"
		o.Identifier = []fhir.Identifier{{System: &system, Value: &ura}}
	}
	for _, ref := range endpointRefs {
		ref := ref
		o.Endpoint = append(o.Endpoint, fhir.Reference{Reference: &ref})
	}
	return o
}

func directoryEndpoint(id, address string) fhir.Endpoint {
	payloadSystem := "http://ihe.net/fhir/ihe.formatcode.fhir/CodeSystem/formatcode"
	payloadCode := "urn:ihe:iti:mcsd:2019:directory"
	return fhir.Endpoint{
		Id:      &id,
		Status:  fhir.EndpointStatusActive,
		Address: address,
		PayloadType: []fhir.CodeableConcept{
			{Coding: []fhir.Coding{{System: &payloadSystem, Code: &payloadCode}}},
		},
	}
}

// newFHIRClientFn builds a fhirClientFn that talks real HTTP to whichever
// base URL it's asked for -- every directory and the query directory in
// these tests is its own httptest.Server, so no registry of roles is
// needed to route a call to the right one.
func newFHIRClientFn() func(baseURL *url.URL) fhirclient.Client {
	return func(baseURL *url.URL) fhirclient.Client {
		return fhirclient.New(baseURL, http.DefaultClient, &fhirclient.Config{UsePostSearch: false})
	}
}

func TestComponent_update_RootDiscoversAndSyncsDownstreamDirectory(t *testing.T) {
	downstream := newFixtureServer(t)
	defer downstream.close()
	downstream.history("Organization", fhir.Bundle{Type: fhir.BundleTypeHistory, Entry: []fhir.BundleEntry{
		historyEntry(downstream.url(), "Organization", "org-child", org("org-child", "")),
	}})
	downstream.history("Endpoint", emptyHistory())
	downstream.history("Location", emptyHistory())
	downstream.history("HealthcareService", emptyHistory())
	downstream.history("PractitionerRole", emptyHistory())
	downstream.history("Practitioner", emptyHistory())
	downstream.search("Organization", fhir.Bundle{Type: fhir.BundleTypeSearchset})

	root := newFixtureServer(t)
	defer root.close()
	rootOrg := org("root-org", "00001234", "Endpoint/dir-ep")
	root.history("Organization", fhir.Bundle{Type: fhir.BundleTypeHistory, Entry: []fhir.BundleEntry{
		historyEntry(root.url(), "Organization", "root-org", rootOrg),
	}})
	root.history("Endpoint", fhir.Bundle{Type: fhir.BundleTypeHistory, Entry: []fhir.BundleEntry{
		historyEntry(root.url(), "Endpoint", "dir-ep", directoryEndpoint("dir-ep", downstream.url())),
	}})
	root.search("Organization", fhir.Bundle{Type: fhir.BundleTypeSearchset, Entry: []fhir.BundleEntry{
		{Resource: rawResource(rootOrg)},
	}})

	query := newQueryDirectoryServer(t)
	defer query.close()

	config := DefaultConfig()
	config.AdministrationDirectories = map[string]DirectoryConfig{"root": {FHIRBaseURL: root.url()}}
	config.QueryDirectory = DirectoryConfig{FHIRBaseURL: query.url()}

	component, err := New(config)
	require.NoError(t, err)
	component.fhirClientFn = newFHIRClientFn()

	report, err := component.update(context.Background())
	require.NoError(t, err)

	rootReport := report[root.url()]
	assert.Empty(t, rootReport.Errors)
	assert.Equal(t, 1, rootReport.CountCreated, "root directory only syncs the discovered mCSD directory endpoint")

	downstreamKey := makeDirectoryKey(downstream.url(), "00001234")
	downstreamReport, ok := report[downstreamKey]
	require.True(t, ok, "downstream directory discovered via root's Endpoint should have been synced in the same pass")
	assert.Empty(t, downstreamReport.Errors)
	assert.Equal(t, 1, downstreamReport.CountCreated)
}

func TestComponent_update_IncrementalSyncUsesSinceParameter(t *testing.T) {
	admin := newFixtureServer(t)
	defer admin.close()
	admin.history("Organization", fhir.Bundle{Type: fhir.BundleTypeHistory, Entry: []fhir.BundleEntry{
		historyEntry(admin.url(), "Organization", "org-a", org("org-a", "")),
	}})
	admin.history("Endpoint", emptyHistory())
	admin.search("Organization", fhir.Bundle{Type: fhir.BundleTypeSearchset})

	query := newQueryDirectoryServer(t)
	defer query.close()

	config := DefaultConfig()
	config.AdministrationDirectories = map[string]DirectoryConfig{"admin": {FHIRBaseURL: admin.url()}}
	config.QueryDirectory = DirectoryConfig{FHIRBaseURL: query.url()}

	component, err := New(config)
	require.NoError(t, err)
	component.fhirClientFn = newFHIRClientFn()

	_, err = component.update(context.Background())
	require.NoError(t, err)
	admin.requests = nil

	_, err = component.update(context.Background())
	require.NoError(t, err)

	var sawSince bool
	for _, req := range admin.requests {
		if strings.Contains(req, "Organization/_history") && strings.Contains(req, "_since=") {
			sawSince = true
		}
	}
	assert.True(t, sawSince, "second pass should use _since for incremental sync: %v", admin.requests)
}

func TestComponent_SyncRegistryDirectory_SyncsDefaultResourceTypes(t *testing.T) {
	directory := newFixtureServer(t)
	defer directory.close()
	directory.history("Organization", fhir.Bundle{Type: fhir.BundleTypeHistory, Entry: []fhir.BundleEntry{
		historyEntry(directory.url(), "Organization", "org-1", org("org-1", "")),
	}})
	directory.history("Endpoint", emptyHistory())
	directory.history("Location", emptyHistory())
	directory.history("HealthcareService", emptyHistory())
	directory.history("PractitionerRole", emptyHistory())
	directory.history("Practitioner", emptyHistory())
	directory.search("Organization", fhir.Bundle{Type: fhir.BundleTypeSearchset})

	query := newQueryDirectoryServer(t)
	defer query.close()

	config := DefaultConfig()
	config.QueryDirectory = DirectoryConfig{FHIRBaseURL: query.url()}

	component, err := New(config)
	require.NoError(t, err)
	component.fhirClientFn = newFHIRClientFn()

	report, err := component.SyncRegistryDirectory(context.Background(), directory.url(), "00009999")
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.CountCreated)
}

func TestComponent_RegisterHttpHandlers_PostUpdateReturnsReport(t *testing.T) {
	admin := newFixtureServer(t)
	defer admin.close()
	admin.history("Organization", emptyHistory())
	admin.history("Endpoint", emptyHistory())
	admin.search("Organization", fhir.Bundle{Type: fhir.BundleTypeSearchset})

	query := newQueryDirectoryServer(t)
	defer query.close()

	config := DefaultConfig()
	config.AdministrationDirectories = map[string]DirectoryConfig{"admin": {FHIRBaseURL: admin.url()}}
	config.QueryDirectory = DirectoryConfig{FHIRBaseURL: query.url()}

	component, err := New(config)
	require.NoError(t, err)
	component.fhirClientFn = newFHIRClientFn()

	internalMux := http.NewServeMux()
	component.RegisterHttpHandlers(http.NewServeMux(), internalMux)

	req := httptest.NewRequest(http.MethodPost, "/mcsd/update", nil)
	w := httptest.NewRecorder()
	internalMux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var report UpdateReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Contains(t, report, admin.url())
}

func TestExtractReferenceID(t *testing.T) {
	relative := "Endpoint/ep-1"
	absolute := "https://directory.example.org/fhir/Endpoint/ep-1"
	assert.Equal(t, "ep-1", extractReferenceID(&relative))
	assert.Equal(t, "ep-1", extractReferenceID(&absolute))
	assert.Equal(t, "", extractReferenceID(nil))
}

func TestMakeDirectoryKey(t *testing.T) {
	assert.Equal(t, "https://a.example.org", makeDirectoryKey("https://a.example.org", ""))
	assert.Equal(t, "https://a.example.org|00001234", makeDirectoryKey("https://a.example.org", "00001234"))
}

func TestDeduplicateHistoryEntries_KeepsMostRecentVersion(t *testing.T) {
	oldTime := "2024-01-01T00:00:00Z"
	newTime := "2024-06-01T00:00:00Z"
	oldResource := map[string]any{"resourceType": "Organization", "id": "org-1", "meta": map[string]any{"lastUpdated": oldTime}}
	newResource := map[string]any{"resourceType": "Organization", "id": "org-1", "meta": map[string]any{"lastUpdated": newTime}}

	entries := []fhir.BundleEntry{
		{Resource: rawResource(oldResource)},
		{Resource: rawResource(newResource)},
	}

	result := deduplicateHistoryEntries(entries)
	require.Len(t, result, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(result[0].Resource, &got))
	meta := got["meta"].(map[string]any)
	assert.Equal(t, newTime, meta["lastUpdated"])
}
