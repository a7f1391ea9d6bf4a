package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/nuts-foundation/mcsd-federation/component/capability"
	"github.com/nuts-foundation/mcsd-federation/component/notify"
	"github.com/nuts-foundation/mcsd-federation/lib/cursor"
)

type fakeFetcher struct {
	resources map[string]json.RawMessage
	pages     map[string]fhir.Bundle
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{resources: make(map[string]json.RawMessage), pages: make(map[string]fhir.Bundle)}
}

func (f *fakeFetcher) GetResourceByID(_ context.Context, resourceType, id string, target any) error {
	raw, ok := f.resources[resourceType+"/"+id]
	if !ok {
		return assert.AnError
	}
	return json.Unmarshal(raw, target)
}

func (f *fakeFetcher) SearchPage(_ context.Context, resourceType string, _ url.Values) (fhir.Bundle, error) {
	return f.pages[resourceType], nil
}

func orgEntry(id, name string) fhir.BundleEntry {
	raw, _ := json.Marshal(map[string]any{"resourceType": "Organization", "id": id, "name": name})
	return fhir.BundleEntry{Resource: raw}
}

func TestHandleOrganizations_ReturnsItemsAndNoCursorWhenNoNextLink(t *testing.T) {
	f := newFakeFetcher()
	f.pages["Organization"] = fhir.Bundle{Entry: []fhir.BundleEntry{orgEntry("1", "Acme")}}
	c := New(Config{QueryDirectoryBaseURL: "https://directory.example.org/fhir"}, f, nil)

	req := httptest.NewRequest(http.MethodGet, "/routing/organizations", nil)
	w := httptest.NewRecorder()
	c.handleOrganizations(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "Acme", resp.Items[0].Name)
	assert.Empty(t, resp.Next)
}

func TestHandleOrganizations_EncodesCursorWhenNextLinkPresent(t *testing.T) {
	f := newFakeFetcher()
	f.pages["Organization"] = fhir.Bundle{
		Entry: []fhir.BundleEntry{orgEntry("1", "Acme")},
		Link:  []fhir.BundleLink{{Relation: "next", Url: "https://directory.example.org/fhir/Organization?page=2"}},
	}
	c := New(Config{QueryDirectoryBaseURL: "https://directory.example.org/fhir"}, f, nil)

	req := httptest.NewRequest(http.MethodGet, "/routing/organizations", nil)
	w := httptest.NewRecorder()
	c.handleOrganizations(w, req)

	var resp listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Next)

	decoded, err := cursor.Decode(resp.Next, "https://directory.example.org/fhir")
	require.NoError(t, err)
	assert.Equal(t, "https://directory.example.org/fhir/Organization?page=2", decoded.Next)
}

func TestHandleOrganizationUnits_RejectsInvalidResourceType(t *testing.T) {
	f := newFakeFetcher()
	c := New(Config{QueryDirectoryBaseURL: "https://directory.example.org/fhir"}, f, nil)

	req := httptest.NewRequest(http.MethodGet, "/routing/organization-units?resourceType=Patient", nil)
	w := httptest.NewRecorder()
	c.handleOrganizationUnits(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleOrganizationUnits_DefaultsToLocation(t *testing.T) {
	f := newFakeFetcher()
	f.pages["Location"] = fhir.Bundle{}
	c := New(Config{QueryDirectoryBaseURL: "https://directory.example.org/fhir"}, f, nil)

	req := httptest.NewRequest(http.MethodGet, "/routing/organization-units", nil)
	w := httptest.NewRecorder()
	c.handleOrganizationUnits(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleListing_RejectsCursorFromUntrustedOrigin(t *testing.T) {
	f := newFakeFetcher()
	c := New(Config{QueryDirectoryBaseURL: "https://directory.example.org/fhir"}, f, nil)

	token, err := cursor.Encode(cursor.Cursor{Next: "https://evil.example.org/fhir/Organization"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/routing/organizations?cursor="+token, nil)
	w := httptest.NewRecorder()
	c.handleOrganizations(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func orgJSON(id, ura string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"resourceType": "Organization",
		"id":           id,
		"identifier":   []map[string]any{{"system": "http://fhir.nl/fhir/NamingSystem/ura", "value": ura}},
		"endpoint":     []map[string]any{{"reference": "Endpoint/ep-1"}},
	})
	return raw
}

func endpointJSON(code string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"resourceType": "Endpoint",
		"id":           "ep-1",
		"status":       "active",
		"address":      "https://receiver.example.org/fhir/Task",
		"payloadType": []map[string]any{
			{"coding": []map[string]any{{"system": "http://ihe.net/fhir/ihe.formatcode.fhir/CodeSystem/formatcode", "code": code}}},
		},
	})
	return raw
}

func TestHandleCapabilityMap_ReturnsDecisionForTarget(t *testing.T) {
	f := newFakeFetcher()
	f.resources["Organization/org-1"] = orgJSON("org-1", "00001234")
	f.resources["Endpoint/ep-1"] = endpointJSON("twiin-ta-notification")

	c := New(Config{}, f, nil)
	body, _ := json.Marshal(capabilityMapRequest{Target: "Organization/org-1", Capabilities: []string{"twiin-ta-notification"}})
	req := httptest.NewRequest(http.MethodPost, "/routing/capability-map", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.handleCapabilityMap(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp capabilityMapResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(capability.DecisionTarget), resp.Decision)
	assert.Equal(t, "00001234", resp.ReceiverURA)
}

func TestHandleCapabilityMap_RejectsMalformedBody(t *testing.T) {
	c := New(Config{}, newFakeFetcher(), nil)
	req := httptest.NewRequest(http.MethodPost, "/routing/capability-map", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	c.handleCapabilityMap(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type fakeSender struct {
	groupID, requestID string
	err                error
}

func (f *fakeSender) Notify(context.Context, notify.Request) (string, string, error) {
	return f.groupID, f.requestID, f.err
}

func TestHandleNotify_RequiresSenderConfigured(t *testing.T) {
	c := New(Config{}, newFakeFetcher(), nil)
	body, _ := json.Marshal(notifyRequest{TargetID: "org-1", PatientBSN: "123", WorkflowTaskID: "wf-1"})
	req := httptest.NewRequest(http.MethodPost, "/routing/notify", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.handleNotify(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleNotify_RequiresMandatoryFields(t *testing.T) {
	c := New(Config{}, newFakeFetcher(), &fakeSender{})
	body, _ := json.Marshal(notifyRequest{})
	req := httptest.NewRequest(http.MethodPost, "/routing/notify", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.handleNotify(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleNotify_SucceedsEndToEnd(t *testing.T) {
	f := newFakeFetcher()
	f.resources["Organization/org-1"] = orgJSON("org-1", "00001234")
	f.resources["Endpoint/ep-1"] = endpointJSON("twiin-ta-notification")

	sender := &fakeSender{groupID: "group-1", requestID: "req-1"}
	c := New(Config{}, f, sender)

	body, _ := json.Marshal(notifyRequest{
		TargetKind:     "Organization",
		TargetID:       "org-1",
		Capability:     "twiin-ta-notification",
		PatientBSN:     "123456789",
		WorkflowTaskID: "wf-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/routing/notify", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.handleNotify(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp notifyResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "group-1", resp.GroupID)
}

func TestHandleNotify_UnsupportedTargetReturns422(t *testing.T) {
	f := newFakeFetcher()
	f.resources["Organization/org-1"] = orgJSON("org-1", "00001234")
	f.resources["Endpoint/ep-1"] = endpointJSON("some-other-capability")

	c := New(Config{}, f, &fakeSender{})
	body, _ := json.Marshal(notifyRequest{
		TargetKind:     "Organization",
		TargetID:       "org-1",
		Capability:     "twiin-ta-notification",
		PatientBSN:     "123456789",
		WorkflowTaskID: "wf-1",
	})
	req := httptest.NewRequest(http.MethodPost, "/routing/notify", bytes.NewReader(body))
	w := httptest.NewRecorder()
	c.handleNotify(w, req)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
