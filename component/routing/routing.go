// Package routing exposes the downstream-facing HTTP API: organization
// and organization-unit query endpoints backed by the local mCSD Query
// Directory, the capability-mapping decision (C9), and the notification
// send action (C10). It is the HTTP seam that turns the library-style
// component/capability and component/notify packages into something an
// operator UI can call.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/nuts-foundation/mcsd-federation/component"
	"github.com/nuts-foundation/mcsd-federation/component/capability"
	"github.com/nuts-foundation/mcsd-federation/component/notify"
	"github.com/nuts-foundation/mcsd-federation/lib/cursor"
	"github.com/nuts-foundation/mcsd-federation/lib/httpauth"
	"github.com/nuts-foundation/mcsd-federation/lib/logging"
)

var _ component.Lifecycle = &Component{}

const defaultPageSize = "50"

// Fetcher is the subset of lib/fhirclient.Client the routing API queries
// against: single-page search (for the organization/unit listings) and
// single-resource reads (satisfying capability.Fetcher for C9).
type Fetcher interface {
	capability.Fetcher
	SearchPage(ctx context.Context, resourceType string, params url.Values) (fhir.Bundle, error)
}

// Config controls where the routing API's cursors are anchored and which
// identity the Notification Sender presents as.
type Config struct {
	// QueryDirectoryBaseURL is the allowed cursor origin/path-prefix: a
	// cursor whose embedded next URL doesn't match this is rejected.
	QueryDirectoryBaseURL string `koanf:"querydirectorybaseurl"`
	SenderURA             string `koanf:"senderura"`
	SenderSystemID        string `koanf:"sendersystemid"`
	// SenderBgZBaseURL is the sender's own BgZ FHIR base the Notification
	// Sender upserts its Workflow Task to.
	SenderBgZBaseURL string `koanf:"senderbgzbaseurl"`
	// HMACKey seeds the audit recorder's BSN hash. An empty key is
	// accepted and passed to audit.New as is.
	HMACKey string `koanf:"hmackey"`
	// JWTSigner configures signing of the authorization-base notification
	// token. Unconfigured falls back to an opaque random token.
	JWTSigner httpauth.JWTSignerConfig `koanf:"jwtsigner"`
}

// NotifySender is the subset of component/notify.Sender the routing API
// drives after a capability resolution.
type NotifySender interface {
	Notify(ctx context.Context, req notify.Request) (groupID string, requestID string, err error)
}

// Component registers the routing API's handlers on the public mux. It
// has no background work of its own (Start/Stop are no-ops).
type Component struct {
	config  Config
	fetcher Fetcher
	sender  NotifySender
}

func New(config Config, fetcher Fetcher, sender NotifySender) *Component {
	return &Component{config: config, fetcher: fetcher, sender: sender}
}

func (c *Component) RegisterHttpHandlers(publicMux, internalMux *http.ServeMux) {
	publicMux.HandleFunc("GET /routing/organizations", c.handleOrganizations)
	publicMux.HandleFunc("GET /routing/organization-units", c.handleOrganizationUnits)
	publicMux.HandleFunc("POST /routing/capability-map", c.handleCapabilityMap)
	publicMux.HandleFunc("POST /routing/notify", c.handleNotify)
}

func (c *Component) Start() error { return nil }

func (c *Component) Stop(ctx context.Context) error { return nil }

// item is one entry of the organizations/organization-units listing,
// matching spec.md §6's {resourceType, id, name?, identifier[], type[],
// endpoints[]} shape.
type item struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	Name         string                 `json:"name,omitempty"`
	Identifier   []fhir.Identifier      `json:"identifier,omitempty"`
	Type         []fhir.CodeableConcept `json:"type,omitempty"`
	Endpoints    []fhir.Reference       `json:"endpoints,omitempty"`
}

type listResponse struct {
	Count int    `json:"count"`
	Items []item `json:"items"`
	Next  string `json:"next,omitempty"`
}

// apiError is the stable user-visible failure object spec.md §7 requires:
// no internal details leak past reason/message/request_id.
type apiError struct {
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func (c *Component) writeError(w http.ResponseWriter, status int, reason, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{Reason: reason, Message: message, RequestID: requestID})
}

func (c *Component) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	c.handleListing(w, r, "Organization")
}

func (c *Component) handleOrganizationUnits(w http.ResponseWriter, r *http.Request) {
	// Each request lists a single resource type, chosen by the resourceType
	// query parameter (Location when absent). Location, HealthcareService
	// and Organization are not merged into one listing or one cursor; a
	// cursor continues the resource type of the page it came from.
	requestedType := r.URL.Query().Get("resourceType")
	switch requestedType {
	case "Location", "HealthcareService", "Organization":
		c.handleListing(w, r, requestedType)
	case "":
		c.handleListing(w, r, "Location")
	default:
		c.writeError(w, http.StatusBadRequest, "invalid_resource_type", "resourceType must be Location, HealthcareService or Organization", "")
	}
}

func (c *Component) handleListing(w http.ResponseWriter, r *http.Request, resourceType string) {
	ctx := r.Context()
	requestID := r.Header.Get("X-Request-Id")

	var page fhir.Bundle
	var err error
	filters := map[string]string{"resourceType": resourceType}

	if token := r.URL.Query().Get("cursor"); token != "" {
		decoded, decodeErr := cursor.Decode(token, c.config.QueryDirectoryBaseURL)
		if decodeErr != nil {
			c.writeError(w, http.StatusBadRequest, "invalid_cursor", decodeErr.Error(), requestID)
			return
		}
		filters = decoded.Filters
		page, err = c.searchAt(ctx, decoded.Next)
	} else {
		params := url.Values{"_count": []string{valueOr(r.URL.Query().Get("_count"), defaultPageSize)}}
		page, err = c.fetcher.SearchPage(ctx, resourceType, params)
	}
	if err != nil {
		slogRoutingError(ctx, "listing query failed", err)
		c.writeError(w, http.StatusBadGateway, "upstream_error", "failed to query the directory", requestID)
		return
	}

	items := make([]item, 0, len(page.Entry))
	for _, entry := range page.Entry {
		if it, ok := toItem(entry); ok {
			items = append(items, it)
		}
	}

	resp := listResponse{Count: len(items), Items: items}
	if next := nextLink(page); next != "" {
		token, encodeErr := cursor.Encode(cursor.Cursor{Next: next, Filters: filters})
		if encodeErr == nil {
			resp.Next = token
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// searchAt fetches one page at an already-SSRF-validated absolute
// upstream URL. It goes through Fetcher.SearchPage with the URL's own
// path+query reconstructed as params, since lib/fhirclient's search
// primitive is keyed by resource type plus query params rather than an
// arbitrary absolute URL.
func (c *Component) searchAt(ctx context.Context, nextURL string) (fhir.Bundle, error) {
	parsed, err := url.Parse(nextURL)
	if err != nil {
		return fhir.Bundle{}, fmt.Errorf("parse cursor next URL: %w", err)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	resourceType := segments[len(segments)-1]
	return c.fetcher.SearchPage(ctx, resourceType, parsed.Query())
}

func nextLink(bundle fhir.Bundle) string {
	for _, link := range bundle.Link {
		if link.Relation == "next" {
			return link.Url
		}
	}
	return ""
}

func toItem(entry fhir.BundleEntry) (item, bool) {
	if entry.Resource == nil {
		return item{}, false
	}
	var envelope struct {
		ResourceType string                 `json:"resourceType"`
		ID           string                 `json:"id"`
		Name         string                 `json:"name"`
		Identifier   []fhir.Identifier      `json:"identifier"`
		Type         []fhir.CodeableConcept `json:"type"`
		Endpoint     []fhir.Reference       `json:"endpoint"`
	}
	if err := json.Unmarshal(entry.Resource, &envelope); err != nil {
		return item{}, false
	}
	return item{
		ResourceType: envelope.ResourceType,
		ID:           envelope.ID,
		Name:         envelope.Name,
		Identifier:   envelope.Identifier,
		Type:         envelope.Type,
		Endpoints:    envelope.Endpoint,
	}, true
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

type capabilityMapRequest struct {
	Target           string   `json:"target"`
	OrganizationHint string   `json:"organization"`
	Capabilities     []string `json:"capabilities"`
	EndpointID       string   `json:"endpoint_id,omitempty"`
}

type capabilityMapResponse struct {
	Decision            string            `json:"decision"`
	Explanation         string            `json:"explanation"`
	ReceiverURA         string            `json:"receiver_ura,omitempty"`
	MissingCapabilities []string          `json:"missing_capabilities,omitempty"`
	Selected            map[string]string `json:"selected,omitempty"` // capability code -> endpoint id
}

func (c *Component) handleCapabilityMap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.Header.Get("X-Request-Id")

	var req capabilityMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", requestID)
		return
	}

	required := make([]capability.Capability, 0, len(req.Capabilities))
	for _, code := range req.Capabilities {
		required = append(required, codeToCapability(code))
	}

	resolution, err := capability.Resolve(ctx, c.fetcher, req.Target, req.OrganizationHint, required)
	if err != nil {
		slogRoutingError(ctx, "capability resolution failed", err)
		c.writeError(w, http.StatusBadGateway, "upstream_error", "failed to resolve capability mapping", requestID)
		return
	}

	if staleErr := capability.CheckStaleness(resolution, firstCode(req.Capabilities), req.EndpointID); staleErr != nil {
		c.writeError(w, http.StatusConflict, "stale_endpoint_resolution", staleErr.Error(), requestID)
		return
	}

	resp := capabilityMapResponse{
		Decision:            string(resolution.Decision),
		Explanation:         explain(resolution),
		ReceiverURA:         resolution.ReceiverURA,
		MissingCapabilities: resolution.MissingCapabilities,
	}
	if len(resolution.SelectedByCapability) > 0 {
		resp.Selected = make(map[string]string, len(resolution.SelectedByCapability))
		for code, candidate := range resolution.SelectedByCapability {
			resp.Selected[code] = candidate.ID
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func codeToCapability(code string) capability.Capability {
	if idx := strings.IndexByte(code, '|'); idx >= 0 {
		return capability.Capability{System: code[:idx], Code: code[idx+1:]}
	}
	return capability.Capability{Code: code}
}

func firstCode(codes []string) string {
	if len(codes) == 0 {
		return ""
	}
	if idx := strings.IndexByte(codes[0], '|'); idx >= 0 {
		return codes[0][idx+1:]
	}
	return codes[0]
}

func explain(resolution capability.Resolution) string {
	switch resolution.Decision {
	case capability.DecisionTarget:
		return "all required capabilities resolved from the target's own endpoints"
	case capability.DecisionOrganization:
		return "all required capabilities resolved from the owning organization's endpoints"
	case capability.DecisionCombined:
		return "required capabilities resolved from a combination of the target's and the owning organization's endpoints"
	default:
		return fmt.Sprintf("unsupported: missing endpoints for capabilities %s", strings.Join(resolution.MissingCapabilities, ", "))
	}
}

type notifyRequest struct {
	TargetKind       string `json:"target_kind"`
	TargetID         string `json:"target_id"`
	OrganizationHint string `json:"organization"`
	Capability       string `json:"capability"`
	EndpointID       string `json:"endpoint_id,omitempty"`
	PatientBSN       string `json:"patient_bsn"`
	Description      string `json:"description,omitempty"`
	WorkflowTaskID   string `json:"workflow_task_id"`
}

type notifyResponse struct {
	GroupID   string `json:"group_id"`
	RequestID string `json:"request_id"`
}

func (c *Component) handleNotify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.Header.Get("X-Request-Id")

	if c.sender == nil {
		c.writeError(w, http.StatusInternalServerError, "misconfigured_sender", "notification sending is not configured on this deployment", requestID)
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", requestID)
		return
	}
	if req.PatientBSN == "" || req.TargetID == "" || req.WorkflowTaskID == "" {
		c.writeError(w, http.StatusBadRequest, "invalid_request", "target_id, patient_bsn and workflow_task_id are required", requestID)
		return
	}

	resolution, err := capability.Resolve(ctx, c.fetcher, req.TargetKind+"/"+req.TargetID, req.OrganizationHint, []capability.Capability{codeToCapability(req.Capability)})
	if err != nil {
		slogRoutingError(ctx, "capability resolution failed", err)
		c.writeError(w, http.StatusBadGateway, "upstream_error", "failed to resolve capability mapping", requestID)
		return
	}
	if resolution.Decision == capability.DecisionUnsupported {
		c.writeError(w, http.StatusUnprocessableEntity, "unsupported_target", "no endpoint satisfies the required capability", requestID)
		return
	}
	if staleErr := capability.CheckStaleness(resolution, firstCode([]string{req.Capability}), req.EndpointID); staleErr != nil {
		c.writeError(w, http.StatusConflict, "stale_endpoint_resolution", staleErr.Error(), requestID)
		return
	}

	notifyReq, err := notify.FromResolution(notify.Request{
		TargetKind:           notify.TargetKind(req.TargetKind),
		TargetID:             req.TargetID,
		OwningOrganizationID: resolution.OwningOrganizationID,
		PatientBSN:           req.PatientBSN,
		Description:          req.Description,
		WorkflowTaskID:       req.WorkflowTaskID,
		SenderSystemID:       c.config.SenderSystemID,
		SenderURA:            c.config.SenderURA,
	}, resolution, firstCode([]string{req.Capability}))
	if err != nil {
		c.writeError(w, http.StatusUnprocessableEntity, "unsupported_target", err.Error(), requestID)
		return
	}

	groupID, reqID, err := c.sender.Notify(ctx, notifyReq)
	if err != nil {
		reason := "notification_failed"
		if errors.Is(err, notify.ErrReceiverRejected) {
			reason = "receiver_rejected"
		}
		slogRoutingError(ctx, "notification send failed", err)
		c.writeError(w, http.StatusBadGateway, reason, err.Error(), reqID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(notifyResponse{GroupID: groupID, RequestID: reqID})
}

func slogRoutingError(ctx context.Context, msg string, err error) {
	slog.ErrorContext(ctx, msg, logging.Error(err))
}
