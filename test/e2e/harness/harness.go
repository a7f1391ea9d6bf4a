// Package harness assembles a full mCSD update client against a set of
// httptest-backed FHIR directories, playing the role of the teacher's
// Docker/testcontainers HAPI harness without requiring a container
// runtime: every "directory" is an in-process net/http/httptest server
// driven by fixture FHIR bundles.
package harness

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/nuts-foundation/mcsd-federation/component/mcsd"
	"github.com/nuts-foundation/mcsd-federation/lib/coding"
)

// Directory is a fixture FHIR server standing in for one mCSD directory
// (an Administration Directory or the Query Directory). Tests populate its
// history/search responses up front, then can swap them between update
// passes to simulate a changed upstream.
type Directory struct {
	t        *testing.T
	mux      *http.ServeMux
	server   *httptest.Server
	bodies   map[string][]byte
	Requests []string
}

// NewDirectory starts a fixture FHIR server. Every request it receives is
// recorded (for asserting on _since/_history usage) before being routed to
// whatever handler the test has registered for that path.
func NewDirectory(t *testing.T) *Directory {
	t.Helper()
	d := &Directory{t: t, mux: http.NewServeMux()}
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.Requests = append(d.Requests, r.URL.String())
		d.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(d.server.Close)
	return d
}

func (d *Directory) URL() *url.URL {
	u, err := url.Parse(d.server.URL)
	require.NoError(d.t, err)
	return u
}

func (d *Directory) BaseURL() string { return d.server.URL }

// History registers a _history bundle for a resource type. A path with no
// registered bundle answers 404, so tests register a bundle (EmptyHistory
// when there is no data) for every resource type the update client
// queries. Calling it again for the same type replaces the bundle.
func (d *Directory) History(resourceType string, bundle fhir.Bundle) {
	d.respond("/"+resourceType+"/_history", bundle)
}

// Search registers a plain search bundle for a resource type, used for the
// unconditional parent-organization lookup every sync pass performs.
func (d *Directory) Search(resourceType string, bundle fhir.Bundle) {
	d.respond("/"+resourceType, bundle)
}

func (d *Directory) respond(path string, bundle fhir.Bundle) {
	raw, err := json.Marshal(bundle)
	require.NoError(d.t, err)
	if d.bodies == nil {
		d.bodies = make(map[string][]byte)
	}
	_, registered := d.bodies[path]
	d.bodies[path] = raw
	if registered {
		return
	}
	d.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write(d.bodies[path])
	})
}

// EmptyHistory returns a bundle with no entries, the default response for
// every resource type a directory doesn't carry fixture data for.
func EmptyHistory() fhir.Bundle { return fhir.Bundle{Type: fhir.BundleTypeHistory} }

// QueryDirectory is the fixture standing in for the local Query Directory
// FHIR server that receives the assembled transaction bundles.
type QueryDirectory struct {
	server       *httptest.Server
	Transactions []fhir.Bundle
}

// NewQueryDirectory starts a fixture that accepts FHIR transaction bundles
// and replies with a 201/204 per entry, mirroring a real FHIR server's
// transaction response shape closely enough for the update client's report
// counting (component/mcsd's updateFromDirectory inspects
// Response.Status prefixes).
func NewQueryDirectory(t *testing.T) *QueryDirectory {
	t.Helper()
	q := &QueryDirectory{}
	q.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tx fhir.Bundle
		if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q.Transactions = append(q.Transactions, tx)

		resp := fhir.Bundle{Type: fhir.BundleTypeTransactionResponse}
		for _, entry := range tx.Entry {
			status := "201 Created"
			if entry.Request != nil && entry.Request.Method == fhir.HTTPVerbDELETE {
				status = "204 No Content"
			}
			resp.Entry = append(resp.Entry, fhir.BundleEntry{
				Response: &fhir.BundleEntryResponse{Status: status},
			})
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(q.server.Close)
	return q
}

func (q *QueryDirectory) BaseURL() string { return q.server.URL }

// Organization builds a fixture Organization, optionally carrying a URA
// identifier and a set of Endpoint references (used by the root directory
// to point at the mCSD-directory endpoint of a discovered provider).
func Organization(id, ura string, endpointRefs ...string) fhir.Organization {
	org := fhir.Organization{Id: &id}
	name := id
	org.Name = &name
	if ura != "" {
		system := coding.URANamingSystem
		org.Identifier = []fhir.Identifier{{System: &system, Value: &ura}}
	}
	for _, ref := range endpointRefs {
		r := ref
		org.Endpoint = append(org.Endpoint, fhir.Reference{Reference: &r})
	}
	return org
}

// DirectoryEndpoint builds an Endpoint coded as an mCSD directory endpoint
// (coding.PayloadCoding), the marker the update client's discovery step
// looks for to register a new downstream Administration Directory.
func DirectoryEndpoint(id, address string) fhir.Endpoint {
	active := fhir.EndpointStatusActive
	return fhir.Endpoint{
		Id:      &id,
		Status:  active,
		Address: address,
		PayloadType: []fhir.CodeableConcept{{
			Coding: []fhir.Coding{coding.PayloadCoding},
		}},
	}
}

func HistoryEntry(baseURL, resourceType, id string, resource any) fhir.BundleEntry {
	raw, _ := json.Marshal(resource)
	fullURL := baseURL + "/" + resourceType + "/" + id
	method := fhir.HTTPVerbPUT
	return fhir.BundleEntry{
		FullUrl:  &fullURL,
		Resource: raw,
		Request:  &fhir.BundleEntryRequest{Method: method, Url: resourceType + "/" + id},
	}
}

// Scenario wires a root administration directory plus its query directory
// into a ready-to-drive mcsd.Component, exposed over a real internal HTTP
// server the way cmd.Start wires the mCSD component in production.
type Scenario struct {
	Root     *Directory
	Query    *QueryDirectory
	Internal *httptest.Server
}

// Start builds the component and its internal /mcsd/update HTTP endpoint.
// rootID is the config key the root administration directory is registered
// under (it ends up as part of the report map key via makeDirectoryKey).
func Start(t *testing.T, rootID string, root *Directory, query *QueryDirectory) *Scenario {
	t.Helper()

	config := mcsd.Config{
		AdministrationDirectories: map[string]mcsd.DirectoryConfig{
			rootID: {FHIRBaseURL: root.BaseURL()},
		},
		QueryDirectory: mcsd.DirectoryConfig{FHIRBaseURL: query.BaseURL()},
	}

	component, err := mcsd.New(config)
	require.NoError(t, err)

	internalMux := http.NewServeMux()
	component.RegisterHttpHandlers(http.NewServeMux(), internalMux)
	internalServer := httptest.NewServer(internalMux)
	t.Cleanup(internalServer.Close)

	return &Scenario{Root: root, Query: query, Internal: internalServer}
}

// Update invokes the component's POST /mcsd/update endpoint and decodes the
// resulting report, the same HTTP round trip cmd.Start exposes in
// production.
func Update(t *testing.T, s *Scenario) mcsd.UpdateReport {
	t.Helper()
	resp, err := http.Post(s.Internal.URL+"/mcsd/update", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var report mcsd.UpdateReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	return report
}
