// Package capability implements the Capability Mapper (C9): resolving a
// receiver target (an Organization, Location or HealthcareService
// reference) to the notification/capability endpoint that best satisfies
// a set of required capability codes, by walking endpoint lists on the
// target and its owning organization's partOf chain.
package capability

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/nuts-foundation/mcsd-federation/lib/coding"
	"github.com/nuts-foundation/mcsd-federation/lib/reference"
	"github.com/nuts-foundation/mcsd-federation/lib/to"
)

// maxPartOfDepth bounds the partOf chain walk (spec's hard loop limit).
const maxPartOfDepth = 10

// Decision is the outcome of the A/B/C/D capability decision tree.
type Decision string

const (
	DecisionTarget       Decision = "A" // every required capability resolved from the target's own endpoints
	DecisionOrganization Decision = "B" // every required capability resolved from the owning organization's endpoints
	DecisionCombined     Decision = "C" // per-capability preference (target, then organization) covers every code
	DecisionUnsupported  Decision = "D" // at least one required capability has no candidate anywhere
)

// Capability is a required capability the mapper must find a candidate
// endpoint for, e.g. {System: coding.MCSDPayloadTypeSystem, Code:
// coding.TwiinNotificationCapabilityCode}.
type Capability struct {
	System string
	Code   string
}

// Fetcher is the subset of lib/fhirclient.Client the mapper needs. It
// reads resources one at a time; the "bulk" fetch spec.md describes is
// this loop run over a deduplicated id set, since endpoint sets here are
// always small (a handful of ids per organization).
type Fetcher interface {
	GetResourceByID(ctx context.Context, resourceType, id string, target any) error
}

// Candidate is an endpoint that matched at least one required capability,
// tagged with the set it was found in.
type Candidate struct {
	ID       string
	Endpoint fhir.Endpoint
}

// Resolution is the mapper's full decision-tree result.
type Resolution struct {
	Decision             Decision
	SelectedByCapability map[string]Candidate // keyed by capability code
	MissingCapabilities  []string
	ReceiverURA          string
	OwningOrganizationID string
}

var (
	// ErrUnsupportedTarget is returned when the target reference's
	// resource type is not one the mapper understands.
	ErrUnsupportedTarget = errors.New("capability: target must be Organization, Location or HealthcareService")
	// ErrNoOwningOrganization is returned when the target has no owning
	// organization and no caller-supplied hint resolves one.
	ErrNoOwningOrganization = errors.New("capability: could not determine an owning organization")
	// ErrMissingURA is returned when the owning organization carries no
	// URA identifier; the mapper cannot resolve a receiver without one.
	ErrMissingURA = errors.New("capability: owning organization has no URA identifier")
	// ErrStaleEndpointResolution is returned when a caller-supplied
	// endpoint id no longer matches the freshly selected endpoint.
	ErrStaleEndpointResolution = errors.New("capability: stale_endpoint_resolution")
	// ErrUnsafeEndpointAddress is returned when an endpoint's address
	// cannot be turned into a safe http(s) notification base.
	ErrUnsafeEndpointAddress = errors.New("capability: endpoint address is not a safe http(s) URL")
)

// Resolve runs the full C9 decision tree for a target reference against
// the required capabilities, using fetcher to read resources from the
// local federated FHIR store.
func Resolve(ctx context.Context, fetcher Fetcher, target string, organizationHint string, required []Capability) (Resolution, error) {
	targetRef, err := reference.ParseReference(target, "")
	if err != nil {
		return Resolution{}, fmt.Errorf("parse target reference: %w", err)
	}

	targetEndpointIDs, owningOrgRef, err := fetchTargetInfo(ctx, fetcher, targetRef)
	if err != nil {
		return Resolution{}, err
	}
	if owningOrgRef == nil && organizationHint != "" {
		hintRef, err := reference.ParseReference(organizationHint, "")
		if err != nil {
			return Resolution{}, fmt.Errorf("parse organization hint: %w", err)
		}
		owningOrgRef = &hintRef
	}
	if owningOrgRef == nil {
		return Resolution{}, ErrNoOwningOrganization
	}

	owningOrg, orgEndpointIDs, err := walkOwningOrganizationEndpoints(ctx, fetcher, *owningOrgRef)
	if err != nil {
		return Resolution{}, err
	}

	orgEndpointIDs = excludeIDs(orgEndpointIDs, targetEndpointIDs)

	targetEndpoints, err := fetchEndpoints(ctx, fetcher, targetEndpointIDs)
	if err != nil {
		return Resolution{}, err
	}
	orgEndpoints, err := fetchEndpoints(ctx, fetcher, orgEndpointIDs)
	if err != nil {
		return Resolution{}, err
	}

	receiverURA, err := extractURA(owningOrg.Identifier)
	if err != nil {
		return Resolution{}, err
	}

	resolution := Resolution{
		SelectedByCapability: make(map[string]Candidate, len(required)),
		ReceiverURA:          receiverURA,
		OwningOrganizationID: to.EmptyString(owningOrg.Id),
	}

	targetByCode := classify(targetEndpoints, required)
	orgByCode := classify(orgEndpoints, required)

	allTarget, allOrg, allCombined := true, true, true
	for _, cap := range required {
		if len(targetByCode[cap.Code]) == 0 {
			allTarget = false
		}
		if len(orgByCode[cap.Code]) == 0 {
			allOrg = false
		}
		if len(targetByCode[cap.Code]) == 0 && len(orgByCode[cap.Code]) == 0 {
			allCombined = false
			resolution.MissingCapabilities = append(resolution.MissingCapabilities, cap.Code)
		}
	}

	switch {
	case allTarget:
		resolution.Decision = DecisionTarget
		for _, cap := range required {
			resolution.SelectedByCapability[cap.Code] = selectBest(targetByCode[cap.Code])
		}
	case allOrg:
		resolution.Decision = DecisionOrganization
		for _, cap := range required {
			resolution.SelectedByCapability[cap.Code] = selectBest(orgByCode[cap.Code])
		}
	case allCombined:
		resolution.Decision = DecisionCombined
		for _, cap := range required {
			if len(targetByCode[cap.Code]) > 0 {
				resolution.SelectedByCapability[cap.Code] = selectBest(targetByCode[cap.Code])
			} else {
				resolution.SelectedByCapability[cap.Code] = selectBest(orgByCode[cap.Code])
			}
		}
	default:
		resolution.Decision = DecisionUnsupported
	}

	return resolution, nil
}

// CheckStaleness compares a caller-supplied endpoint id (captured earlier
// in a UI) against the freshly resolved candidate for capabilityCode.
func CheckStaleness(resolution Resolution, capabilityCode, callerEndpointID string) error {
	if callerEndpointID == "" {
		return nil
	}
	selected, ok := resolution.SelectedByCapability[capabilityCode]
	if !ok || selected.ID != callerEndpointID {
		return ErrStaleEndpointResolution
	}
	return nil
}

// NotificationBase derives the safe http(s) notification base URL from a
// resolved candidate's endpoint address: the address with a trailing
// "/Task" path segment stripped.
func NotificationBase(candidate Candidate) (string, error) {
	address := candidate.Endpoint.Address
	trimmed := strings.TrimSuffix(strings.TrimRight(address, "/"), "/Task")
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnsafeEndpointAddress, address)
	}
	if !u.IsAbs() || u.Host == "" || u.User != nil || u.Fragment != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafeEndpointAddress, address)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %s", ErrUnsafeEndpointAddress, address)
	}
	return trimmed, nil
}

func fetchTargetInfo(ctx context.Context, fetcher Fetcher, ref reference.Ref) (endpointIDs []string, owningOrg *reference.Ref, err error) {
	switch ref.ResourceType {
	case "Organization":
		var org fhir.Organization
		if err := fetcher.GetResourceByID(ctx, "Organization", ref.ID, &org); err != nil {
			return nil, nil, fmt.Errorf("fetch target organization %s: %w", ref.ID, err)
		}
		return referenceIDs(org.Endpoint), &ref, nil
	case "Location":
		var loc fhir.Location
		if err := fetcher.GetResourceByID(ctx, "Location", ref.ID, &loc); err != nil {
			return nil, nil, fmt.Errorf("fetch target location %s: %w", ref.ID, err)
		}
		var owning *reference.Ref
		if loc.ManagingOrganization != nil && loc.ManagingOrganization.Reference != nil {
			parsed, err := reference.ParseReference(*loc.ManagingOrganization.Reference, "")
			if err == nil {
				owning = &parsed
			}
		}
		return referenceIDs(loc.Endpoint), owning, nil
	case "HealthcareService":
		var svc fhir.HealthcareService
		if err := fetcher.GetResourceByID(ctx, "HealthcareService", ref.ID, &svc); err != nil {
			return nil, nil, fmt.Errorf("fetch target healthcare service %s: %w", ref.ID, err)
		}
		var owning *reference.Ref
		if svc.ProvidedBy != nil && svc.ProvidedBy.Reference != nil {
			parsed, err := reference.ParseReference(*svc.ProvidedBy.Reference, "")
			if err == nil {
				owning = &parsed
			}
		}
		return referenceIDs(svc.Endpoint), owning, nil
	default:
		return nil, nil, ErrUnsupportedTarget
	}
}

// walkOwningOrganizationEndpoints returns the owning organization resource
// and the endpoint id set from the first node (the organization itself or
// an ancestor reached via partOf) that has any endpoints.
func walkOwningOrganizationEndpoints(ctx context.Context, fetcher Fetcher, owningRef reference.Ref) (fhir.Organization, []string, error) {
	if owningRef.ResourceType != "Organization" {
		return fhir.Organization{}, nil, ErrUnsupportedTarget
	}

	var owningOrg fhir.Organization
	current := owningRef
	var endpointIDs []string

	for depth := 0; depth < maxPartOfDepth; depth++ {
		var org fhir.Organization
		if err := fetcher.GetResourceByID(ctx, "Organization", current.ID, &org); err != nil {
			return fhir.Organization{}, nil, fmt.Errorf("fetch organization %s: %w", current.ID, err)
		}
		if depth == 0 {
			owningOrg = org
		}
		if len(org.Endpoint) > 0 {
			endpointIDs = referenceIDs(org.Endpoint)
			break
		}
		if org.PartOf == nil || org.PartOf.Reference == nil {
			break
		}
		parsed, err := reference.ParseReference(*org.PartOf.Reference, "")
		if err != nil || parsed.ResourceType != "Organization" {
			break
		}
		current = parsed
	}

	return owningOrg, endpointIDs, nil
}

func referenceIDs(refs []fhir.Reference) []string {
	var ids []string
	for _, r := range refs {
		if r.Reference == nil {
			continue
		}
		parsed, err := reference.ParseReference(*r.Reference, "")
		if err != nil || parsed.ResourceType != "Endpoint" {
			continue
		}
		ids = append(ids, parsed.ID)
	}
	return ids
}

func excludeIDs(ids, exclude []string) []string {
	var out []string
	for _, id := range ids {
		if !slices.Contains(exclude, id) {
			out = append(out, id)
		}
	}
	return out
}

func fetchEndpoints(ctx context.Context, fetcher Fetcher, ids []string) ([]Candidate, error) {
	candidates := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		var ep fhir.Endpoint
		if err := fetcher.GetResourceByID(ctx, "Endpoint", id, &ep); err != nil {
			continue
		}
		candidates = append(candidates, Candidate{ID: id, Endpoint: ep})
	}
	return candidates, nil
}

// classify groups candidates by which required capability codes their
// payloadType matches.
func classify(candidates []Candidate, required []Capability) map[string][]Candidate {
	byCode := make(map[string][]Candidate, len(required))
	for _, cap := range required {
		tokens := coding.TokensForCode(cap.System, cap.Code)
		for _, candidate := range candidates {
			if coding.MatchesAnyToken(candidate.Endpoint.PayloadType, tokens) {
				byCode[cap.Code] = append(byCode[cap.Code], candidate)
			}
		}
	}
	return byCode
}

// selectBest prefers an active endpoint with a non-empty address,
// breaking ties on document order (candidates is already in that order).
func selectBest(candidates []Candidate) Candidate {
	for _, c := range candidates {
		if c.Endpoint.Status == fhir.EndpointStatusActive && c.Endpoint.Address != "" {
			return c
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return Candidate{}
}

func extractURA(identifiers []fhir.Identifier) (string, error) {
	for _, id := range identifiers {
		if id.System != nil && *id.System == coding.URANamingSystem && id.Value != nil {
			return *id.Value, nil
		}
	}
	return "", ErrMissingURA
}
