// Package fhirutil collects small, dependency-free helpers for picking
// fields out of raw FHIR resource JSON and building deterministic
// "_source" conditional-reference URLs, shared by the sync engine and
// the transaction assembler.
package fhirutil

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// ClientConfig is the single go-fhir-client configuration shared by every
// component that talks to a FHIR server: GET-based search, since none of
// the upstream directories or HAPI instances in this system's footprint
// require POST search.
func ClientConfig() *fhirclient.Config {
	return &fhirclient.Config{UsePostSearch: false}
}

// ResourceInfo is the subset of a resource's envelope fields callers
// commonly need without unmarshalling into a concrete FHIR type.
type ResourceInfo struct {
	ResourceType string
	ID           string
	LastUpdated  *time.Time
}

type resourceEnvelope struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         struct {
		LastUpdated *time.Time `json:"lastUpdated"`
	} `json:"meta"`
}

// ExtractResourceInfo reads resourceType, id and meta.lastUpdated out of
// raw resource JSON without fully unmarshalling it into a typed model.
func ExtractResourceInfo(raw json.RawMessage) (ResourceInfo, error) {
	if len(raw) == 0 {
		return ResourceInfo{}, fmt.Errorf("empty resource")
	}
	var env resourceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ResourceInfo{}, fmt.Errorf("unmarshal resource envelope: %w", err)
	}
	if env.ResourceType == "" {
		return ResourceInfo{}, fmt.Errorf("resource missing resourceType")
	}
	return ResourceInfo{
		ResourceType: env.ResourceType,
		ID:           env.ID,
		LastUpdated:  env.Meta.LastUpdated,
	}, nil
}

// FilterIdentifiersBySystem returns the identifiers whose System equals
// system.
func FilterIdentifiersBySystem(identifiers []fhir.Identifier, system string) []fhir.Identifier {
	var out []fhir.Identifier
	for _, id := range identifiers {
		if id.System != nil && *id.System == system {
			out = append(out, id)
		}
	}
	return out
}

// BuildSourceURL joins a source base URL with one or more path segments
// ("Type", "id" or a single "Type/id" reference string) into the
// deterministic value written to Resource.meta.source and used as the
// value of the "_source" search parameter for conditional create/update/
// delete. It is a plain string join, not resolved against base as a URL,
// so the result is stable regardless of how sourceBaseURL is percent-
// encoded elsewhere.
func BuildSourceURL(sourceBaseURL string, parts ...string) (string, error) {
	if sourceBaseURL == "" {
		return "", fmt.Errorf("empty source base URL")
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no path parts given")
	}
	trimmed := strings.TrimRight(sourceBaseURL, "/")
	tail := strings.Join(parts, "/")
	return trimmed + "/" + tail, nil
}

// EncodeSourceQuery builds a "_source=<value>" query string for use in a
// conditional request URL.
func EncodeSourceQuery(sourceURL string) string {
	return url.Values{"_source": []string{sourceURL}}.Encode()
}
