// Package mcsd contains end-to-end scenarios for the mCSD Update Client,
// exercised over real HTTP against fixture directories rather than a
// containerized FHIR server (see test/e2e/harness).
package mcsd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/nuts-foundation/mcsd-federation/component/mcsd"
	"github.com/nuts-foundation/mcsd-federation/test/e2e/harness"
)

func reportFor(t *testing.T, report mcsd.UpdateReport, contains string) mcsd.DirectoryUpdateReport {
	t.Helper()
	for key, value := range report {
		if strings.Contains(key, contains) {
			return value
		}
	}
	t.Fatalf("no report entry contains %q (report=%v)", contains, report)
	return mcsd.DirectoryUpdateReport{}
}

// Test_UpdateClient_DiscoversAndSyncsDownstreamDirectory covers the LRZa
// root directory / provider directory discovery scenario: the root only
// ever carries mCSD directory Endpoints, and discovering one must register
// and sync the provider directory it points at within the same update pass.
func Test_UpdateClient_DiscoversAndSyncsDownstreamDirectory(t *testing.T) {
	care2cure := harness.NewDirectory(t)
	care2cure.History("Organization", fhir.Bundle{
		Type: fhir.BundleTypeHistory,
		Entry: []fhir.BundleEntry{
			harness.HistoryEntry(care2cure.BaseURL(), "Organization", "care2cure-org",
				harness.Organization("care2cure-org", "")),
		},
	})
	for _, rt := range []string{"Endpoint", "Location", "HealthcareService", "PractitionerRole", "Practitioner"} {
		care2cure.History(rt, harness.EmptyHistory())
	}
	care2cure.Search("Organization", fhir.Bundle{})

	root := harness.NewDirectory(t)
	root.History("Organization", harness.EmptyHistory())
	root.History("Endpoint", fhir.Bundle{
		Type: fhir.BundleTypeHistory,
		Entry: []fhir.BundleEntry{
			harness.HistoryEntry(root.BaseURL(), "Endpoint", "care2cure-directory-ep",
				harness.DirectoryEndpoint("care2cure-directory-ep", care2cure.BaseURL())),
		},
	})
	root.Search("Organization", fhir.Bundle{
		Entry: []fhir.BundleEntry{
			harness.HistoryEntry(root.BaseURL(), "Organization", "root-org",
				harness.Organization("root-org", "00001234", "Endpoint/care2cure-directory-ep")),
		},
	})

	query := harness.NewQueryDirectory(t)
	scenario := harness.Start(t, "lrza-mcsd-admin", root, query)

	report := harness.Update(t, scenario)

	rootReport := reportFor(t, report, "lrza-mcsd-admin")
	assert.Equal(t, 1, rootReport.CountCreated, "only the directory Endpoint should survive root's discoverable-directory filter")

	downstreamReport := reportFor(t, report, care2cure.BaseURL())
	assert.Equal(t, 1, downstreamReport.CountCreated, "discovered provider directory should be synced within the same update pass")
	assert.Empty(t, downstreamReport.Errors)
}

// Test_UpdateClient_IncrementalSyncUsesSinceParameter verifies that a
// second update pass against the same directory queries FHIR history with
// a _since parameter rather than re-fetching the full history.
func Test_UpdateClient_IncrementalSyncUsesSinceParameter(t *testing.T) {
	directory := harness.NewDirectory(t)
	directory.History("Organization", fhir.Bundle{
		Type: fhir.BundleTypeHistory,
		Entry: []fhir.BundleEntry{
			harness.HistoryEntry(directory.BaseURL(), "Organization", "org-1", harness.Organization("org-1", "")),
		},
	})
	directory.History("Endpoint", harness.EmptyHistory())
	directory.Search("Organization", fhir.Bundle{})

	query := harness.NewQueryDirectory(t)
	scenario := harness.Start(t, "admin", directory, query)

	_ = harness.Update(t, scenario)
	directory.Requests = nil
	_ = harness.Update(t, scenario)

	var sawSince bool
	for _, req := range directory.Requests {
		if strings.Contains(req, "Organization/_history") && strings.Contains(req, "_since=") {
			sawSince = true
		}
	}
	assert.True(t, sawSince, "second pass should use _since against the directory's history endpoint, requests=%v", directory.Requests)
}

// Test_UpdateClient_ProcessesDeletedEndpoint verifies that a DELETE entry
// for a discoverable-directory Endpoint both removes it from the Query
// Directory and unregisters the directory it pointed at, so a later pass
// no longer fetches from it.
func Test_UpdateClient_ProcessesDeletedEndpoint(t *testing.T) {
	care2cure := harness.NewDirectory(t)
	for _, rt := range []string{"Organization", "Endpoint", "Location", "HealthcareService", "PractitionerRole", "Practitioner"} {
		care2cure.History(rt, harness.EmptyHistory())
	}
	care2cure.Search("Organization", fhir.Bundle{})

	root := harness.NewDirectory(t)
	root.History("Organization", harness.EmptyHistory())
	endpointFullURL := root.BaseURL() + "/Endpoint/care2cure-directory-ep"
	root.History("Endpoint", fhir.Bundle{
		Type: fhir.BundleTypeHistory,
		Entry: []fhir.BundleEntry{
			harness.HistoryEntry(root.BaseURL(), "Endpoint", "care2cure-directory-ep",
				harness.DirectoryEndpoint("care2cure-directory-ep", care2cure.BaseURL())),
		},
	})
	root.Search("Organization", fhir.Bundle{
		Entry: []fhir.BundleEntry{
			harness.HistoryEntry(root.BaseURL(), "Organization", "root-org",
				harness.Organization("root-org", "00001234", "Endpoint/care2cure-directory-ep")),
		},
	})

	query := harness.NewQueryDirectory(t)
	scenario := harness.Start(t, "lrza-mcsd-admin", root, query)

	first := harness.Update(t, scenario)
	require.Equal(t, 1, reportFor(t, first, "lrza-mcsd-admin").CountCreated)
	query.Transactions = nil

	deleteMethod := fhir.HTTPVerbDELETE
	root.History("Endpoint", fhir.Bundle{
		Type: fhir.BundleTypeHistory,
		Entry: []fhir.BundleEntry{
			{
				FullUrl: &endpointFullURL,
				Request: &fhir.BundleEntryRequest{Method: deleteMethod, Url: "Endpoint/care2cure-directory-ep"},
			},
		},
	})

	second := harness.Update(t, scenario)
	rootReport := reportFor(t, second, "lrza-mcsd-admin")
	assert.Equal(t, 1, rootReport.CountDeleted)

	var stillPresent bool
	for key := range second {
		if strings.Contains(key, care2cure.BaseURL()) {
			stillPresent = true
		}
	}
	assert.False(t, stillPresent, "directory should be unregistered once its directory Endpoint is deleted, so no further sync report appears for it")
}
