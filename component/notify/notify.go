// Package notify implements the Notification Sender (C10): it builds a
// Twiin/BgZ notification Task from a resolved capability.Resolution,
// upserts a matching Workflow Task on the sender's own BgZ FHIR base, and
// POSTs the notification Task to the receiver's notification endpoint,
// auditing every decision point along the way.
package notify

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	upstream "github.com/SanteonNL/go-fhir-client"
	"github.com/google/uuid"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/nuts-foundation/mcsd-federation/component/capability"
	"github.com/nuts-foundation/mcsd-federation/lib/audit"
	"github.com/nuts-foundation/mcsd-federation/lib/coding"
	"github.com/nuts-foundation/mcsd-federation/lib/httpauth"
	"github.com/nuts-foundation/mcsd-federation/lib/to"
)

// workflowTaskValidity is how long the sender's Workflow Task's
// restriction.period stays open for the receiver to pull it.
const workflowTaskValidity = 365 * 24 * time.Hour

// TargetKind is the resource type a notification Task routes to.
type TargetKind string

const (
	TargetOrganization      TargetKind = "Organization"
	TargetLocation          TargetKind = "Location"
	TargetHealthcareService TargetKind = "HealthcareService"
)

// Request is everything the sender needs to build and send one
// notification, typically assembled from a capability.Resolution plus
// caller-supplied patient/workflow context.
type Request struct {
	TargetKind           TargetKind
	TargetID             string
	TargetIdentifier     *fhir.Identifier // author-assigned identifier, used on the STU3 routing extension when known
	OwningOrganizationID string           // empty when the target has no known owning organization
	ReceiverURA          string
	NotificationBase     string
	PatientBSN           string
	Description          string
	WorkflowTaskID       string // the sender-local Workflow Task's desired id
	SenderSystemID       string // sender system's own identifier value (requester agent)
	SenderURA            string // sender's URA (requester on-behalf-of)
}

var (
	// ErrInvalidOwnerReference is returned when Task.owner would carry a
	// non-Organization reference.
	ErrInvalidOwnerReference = errors.New("notify: Task.owner.reference must be Organization/...")
	// ErrReceiverRejected is the stable reason code surfaced to callers
	// when the receiver's notification endpoint returns non-2xx.
	ErrReceiverRejected = errors.New("notify: receiver rejected notification")
	// ErrSenderRejected wraps any failed Workflow Task upsert: a PUT that
	// fails with a status outside fallbackStatuses, or a PUT whose POST
	// fallback also fails.
	ErrSenderRejected = errors.New("notify: sender rejected workflow task upsert")
)

// fallbackStatuses are the HTTP statuses that make the sender retry the
// Workflow Task upsert with POST instead of a client-assigned-id PUT.
var fallbackStatuses = map[int]bool{400: true, 405: true, 409: true, 422: true}

// WorkflowTaskClient is the subset of go-fhir-client the sender needs to
// upsert its own Workflow Task.
type WorkflowTaskClient interface {
	UpdateWithContext(ctx context.Context, path string, resource, result any, opts ...upstream.Option) error
	CreateWithContext(ctx context.Context, resource, result any, opts ...upstream.Option) error
}

// Sender sends Twiin/BgZ notifications.
type Sender struct {
	ownFHIR    WorkflowTaskClient
	httpClient *http.Client
	audit      *audit.Recorder
	jwtSigner  *httpauth.JWTSigner
}

// New builds a Sender. ownFHIR is the sender's own BgZ FHIR base (for the
// Workflow Task upsert); httpClient is used to POST to receiver
// notification endpoints. jwtSigner is optional: when nil, the
// authorization-base token falls back to an opaque random value.
func New(ownFHIR WorkflowTaskClient, httpClient *http.Client, auditRecorder *audit.Recorder, jwtSigner *httpauth.JWTSigner) *Sender {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Sender{ownFHIR: ownFHIR, httpClient: httpClient, audit: auditRecorder, jwtSigner: jwtSigner}
}

// Notify builds, upserts and sends one notification. It returns the
// group identifier used for retry correlation and the request id used to
// tie together the audit attempt/result pair.
func (s *Sender) Notify(ctx context.Context, req Request) (groupID string, requestID string, err error) {
	groupID = uuid.NewString()
	requestID = uuid.NewString()

	task, authToken, err := buildTask(req, groupID, s.jwtSigner)
	if err != nil {
		return groupID, requestID, err
	}

	s.audit.Attempt(ctx, requestID, req.PatientBSN, req.ReceiverURA, req.NotificationBase, "", groupID)

	if err := s.upsertWorkflowTask(ctx, &task); err != nil {
		s.audit.Result(ctx, requestID, req.PatientBSN, req.ReceiverURA, req.NotificationBase, "", groupID, audit.OutcomeFailure, err.Error())
		return groupID, requestID, fmt.Errorf("%w: %s", ErrSenderRejected, err.Error())
	}

	if err := s.postToReceiver(ctx, req.NotificationBase, task); err != nil {
		s.audit.Result(ctx, requestID, req.PatientBSN, req.ReceiverURA, req.NotificationBase, "", groupID, audit.OutcomeFailure, err.Error())
		return groupID, requestID, err
	}

	_ = authToken
	s.audit.Result(ctx, requestID, req.PatientBSN, req.ReceiverURA, req.NotificationBase, "", groupID, audit.OutcomeSuccess, "")
	return groupID, requestID, nil
}

// buildTask constructs the notification Task from the template described
// by spec.md §4.10 and validates the target routing.
func buildTask(req Request, groupID string, jwtSigner *httpauth.JWTSigner) (fhir.Task, string, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	validUntil := time.Now().UTC().Add(workflowTaskValidity).Format(time.RFC3339)
	authToken, err := issueAuthorizationToken(jwtSigner, req.SenderSystemID, groupID)
	if err != nil {
		return fhir.Task{}, "", fmt.Errorf("generate authorization token: %w", err)
	}

	task := fhir.Task{
		Id:     to.Ptr(req.WorkflowTaskID),
		Status: fhir.TaskStatusRequested,
		Intent: fhir.TaskIntentOrder,
		Identifier: []fhir.Identifier{
			{System: to.Ptr(coding.TaskInputCodeSystem), Value: to.Ptr(req.WorkflowTaskID)},
		},
		GroupIdentifier: &fhir.Identifier{Value: to.Ptr(groupID)},
		AuthoredOn:      to.Ptr(now),
		Restriction: &fhir.TaskRestriction{
			Period: &fhir.Period{End: to.Ptr(validUntil)},
		},
		Requester: &fhir.Reference{
			Identifier: to.Ptr(fhir.Identifier{Value: to.Ptr(req.SenderURA)}),
		},
		For: &fhir.Reference{
			Identifier: to.Ptr(fhir.Identifier{Value: to.Ptr(req.PatientBSN)}),
		},
		BasedOn: []fhir.Reference{
			{Reference: to.Ptr("Task/" + req.WorkflowTaskID)},
		},
		Input: []fhir.TaskInput{
			{
				Type:        fhir.CodeableConcept{Coding: []fhir.Coding{{System: to.Ptr(coding.TaskInputCodeSystem), Code: to.Ptr(coding.RequesterAgentInputCode)}}},
				ValueString: to.Ptr(req.SenderSystemID),
			},
			{
				Type:        fhir.CodeableConcept{Coding: []fhir.Coding{{System: to.Ptr(coding.TaskInputCodeSystem), Code: to.Ptr(coding.AuthorizationBaseInputCode)}}},
				ValueString: to.Ptr(authToken),
			},
			{
				Type:         fhir.CodeableConcept{Coding: []fhir.Coding{{System: to.Ptr(coding.TaskInputCodeSystem), Code: to.Ptr(coding.GetWorkflowTaskInputCode)}}},
				ValueBoolean: to.Ptr(true),
			},
		},
	}
	if req.Description != "" {
		task.Description = to.Ptr(req.Description)
	}

	if err := routeTarget(&task, req); err != nil {
		return fhir.Task{}, "", err
	}

	return task, authToken, nil
}

// routeTarget fills Task.owner and/or the STU3 compatibility extension
// per the target's resource type, and validates the result.
func routeTarget(task *fhir.Task, req Request) error {
	switch req.TargetKind {
	case TargetOrganization:
		task.Owner = &fhir.Reference{Reference: to.Ptr("Organization/" + req.TargetID)}
	case TargetLocation:
		targetRef := &fhir.Reference{Reference: to.Ptr("Location/" + req.TargetID)}
		if req.TargetIdentifier != nil {
			targetRef.Identifier = req.TargetIdentifier
		}
		task.Extension = append(task.Extension, fhir.Extension{
			Url:            coding.TaskSTU3LocationExtensionURL,
			ValueReference: targetRef,
		})
		if req.OwningOrganizationID != "" {
			task.Owner = &fhir.Reference{Reference: to.Ptr("Organization/" + req.OwningOrganizationID)}
		}
	case TargetHealthcareService:
		targetRef := &fhir.Reference{Reference: to.Ptr("HealthcareService/" + req.TargetID)}
		if req.TargetIdentifier != nil {
			targetRef.Identifier = req.TargetIdentifier
		}
		task.Extension = append(task.Extension, fhir.Extension{
			Url:            coding.TaskSTU3HealthcareServiceExtensionURL,
			ValueReference: targetRef,
		})
		if req.OwningOrganizationID != "" {
			task.Owner = &fhir.Reference{Reference: to.Ptr("Organization/" + req.OwningOrganizationID)}
		}
	default:
		return fmt.Errorf("notify: unknown target kind %q", req.TargetKind)
	}

	return validateRouting(task)
}

func validateRouting(task *fhir.Task) error {
	if task.Owner != nil && task.Owner.Reference != nil && !strings.HasPrefix(*task.Owner.Reference, "Organization/") {
		return ErrInvalidOwnerReference
	}
	for _, ext := range task.Extension {
		if ext.ValueReference == nil || ext.ValueReference.Reference == nil {
			continue
		}
		ref := *ext.ValueReference.Reference
		switch ext.Url {
		case coding.TaskSTU3LocationExtensionURL:
			if !strings.HasPrefix(ref, "Location/") {
				return fmt.Errorf("notify: %s extension reference must be Location/...", ext.Url)
			}
		case coding.TaskSTU3HealthcareServiceExtensionURL:
			if !strings.HasPrefix(ref, "HealthcareService/") {
				return fmt.Errorf("notify: %s extension reference must be HealthcareService/...", ext.Url)
			}
		}
	}
	return nil
}

// upsertWorkflowTask PUTs the Workflow Task with its client-assigned id;
// if the sender rejects client-assigned ids it falls back to POST and
// fixes up task.BasedOn to the server-assigned id.
func (s *Sender) upsertWorkflowTask(ctx context.Context, task *fhir.Task) error {
	var result fhir.Task
	err := s.ownFHIR.UpdateWithContext(ctx, "Task/"+to.EmptyString(task.Id), task, &result)
	if err == nil {
		return nil
	}
	if !isFallbackStatus(err) {
		return err
	}

	task.Id = nil
	if createErr := s.ownFHIR.CreateWithContext(ctx, task, &result); createErr != nil {
		return fmt.Errorf("put failed (%s), post fallback also failed: %w", err.Error(), createErr)
	}
	task.Id = result.Id
	task.BasedOn = []fhir.Reference{{Reference: to.Ptr("Task/" + to.EmptyString(result.Id))}}
	return nil
}

func isFallbackStatus(err error) bool {
	s := err.Error()
	for status := range fallbackStatuses {
		if strings.Contains(s, fmt.Sprintf("%d", status)) {
			return true
		}
	}
	return false
}

// postToReceiver POSTs the notification Task to {base}/Task, surfacing a
// stable reason code on non-2xx responses.
func (s *Sender) postToReceiver(ctx context.Context, notificationBase string, task fhir.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal notification task: %w", err)
	}

	url := strings.TrimRight(notificationBase, "/") + "/Task"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/fhir+json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrReceiverRejected, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var outcome fhir.OperationOutcome
	diagnostic := ""
	if json.Unmarshal(respBody, &outcome) == nil && len(outcome.Issue) > 0 && outcome.Issue[0].Diagnostics != nil {
		diagnostic = *outcome.Issue[0].Diagnostics
	}
	return fmt.Errorf("%w (status %d): %s", ErrReceiverRejected, resp.StatusCode, diagnostic)
}

// issueAuthorizationToken mints the authorization-base input token. When a
// signer is configured it returns a signed, receiver-verifiable JWT;
// otherwise it falls back to an opaque random token, matching the teacher's
// original behavior for deployments that haven't configured a signing key.
func issueAuthorizationToken(jwtSigner *httpauth.JWTSigner, senderSystemID, groupID string) (string, error) {
	if jwtSigner != nil {
		return jwtSigner.Sign(senderSystemID, groupID)
	}
	return randomToken()
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// FromResolution fills in the routing and receiver fields of req from a
// capability.Resolution, after the caller has run capability.CheckStaleness
// against any caller-supplied endpoint id.
func FromResolution(req Request, resolution capability.Resolution, capabilityCode string) (Request, error) {
	candidate, ok := resolution.SelectedByCapability[capabilityCode]
	if !ok {
		return Request{}, fmt.Errorf("notify: no resolved endpoint for capability %q", capabilityCode)
	}
	base, err := capability.NotificationBase(candidate)
	if err != nil {
		return Request{}, err
	}
	req.NotificationBase = base
	req.ReceiverURA = resolution.ReceiverURA
	req.OwningOrganizationID = resolution.OwningOrganizationID
	return req, nil
}
