package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	upstream "github.com/SanteonNL/go-fhir-client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/nuts-foundation/mcsd-federation/lib/audit"
	"github.com/nuts-foundation/mcsd-federation/lib/coding"
	"github.com/nuts-foundation/mcsd-federation/lib/httpauth"
	"github.com/nuts-foundation/mcsd-federation/lib/to"
)

func baseRequest() Request {
	return Request{
		TargetKind:       TargetOrganization,
		TargetID:         "receiver-org",
		ReceiverURA:      "00009999",
		NotificationBase: "https://receiver.example.org/fhir",
		PatientBSN:       "123456789",
		WorkflowTaskID:   "workflow-task-1",
		SenderSystemID:   "sender-system-1",
		SenderURA:        "00001234",
	}
}

func TestBuildTask_SetsBasedOnFromWorkflowTaskID(t *testing.T) {
	task, _, err := buildTask(baseRequest(), "group-1", nil)
	require.NoError(t, err)
	require.Len(t, task.BasedOn, 1)
	assert.Equal(t, "Task/workflow-task-1", to.EmptyString(task.BasedOn[0].Reference))
}

func TestBuildTask_RequesterAgentInputUsesFixedCode(t *testing.T) {
	task, _, err := buildTask(baseRequest(), "group-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, task.Input)

	requesterInput := task.Input[0]
	require.NotEmpty(t, requesterInput.Type.Coding)
	assert.Equal(t, coding.RequesterAgentInputCode, to.EmptyString(requesterInput.Type.Coding[0].Code))
	assert.Equal(t, "sender-system-1", to.EmptyString(requesterInput.ValueString))
}

func TestBuildTask_RoutesToOrganization(t *testing.T) {
	task, _, err := buildTask(baseRequest(), "group-1", nil)
	require.NoError(t, err)
	require.NotNil(t, task.Owner)
	assert.Equal(t, "Organization/receiver-org", to.EmptyString(task.Owner.Reference))
}

func TestBuildTask_RoutesToLocationViaSTU3Extension(t *testing.T) {
	req := baseRequest()
	req.TargetKind = TargetLocation
	req.TargetID = "loc-1"
	req.OwningOrganizationID = "owning-org"

	task, _, err := buildTask(req, "group-1", nil)
	require.NoError(t, err)
	require.Len(t, task.Extension, 1)
	assert.Equal(t, coding.TaskSTU3LocationExtensionURL, task.Extension[0].Url)
	assert.Equal(t, "Location/loc-1", to.EmptyString(task.Extension[0].ValueReference.Reference))
	assert.Equal(t, "Organization/owning-org", to.EmptyString(task.Owner.Reference))
}

func TestBuildTask_RejectsUnknownTargetKind(t *testing.T) {
	req := baseRequest()
	req.TargetKind = "Patient"
	_, _, err := buildTask(req, "group-1", nil)
	assert.Error(t, err)
}

func TestBuildTask_UsesSignedJWTWhenSignerConfigured(t *testing.T) {
	signer := httpauth.NewJWTSigner(httpauth.JWTSignerConfig{SigningKey: "shared-secret"})
	require.NotNil(t, signer)

	task, authToken, err := buildTask(baseRequest(), "group-1", signer)
	require.NoError(t, err)
	assert.Greater(t, strings.Count(authToken, "."), 1, "signed token should be a compact JWT with header.payload.signature segments")

	var authInput *fhir.TaskInput
	for i := range task.Input {
		if to.EmptyString(task.Input[i].Type.Coding[0].Code) == coding.AuthorizationBaseInputCode {
			authInput = &task.Input[i]
		}
	}
	require.NotNil(t, authInput)
	assert.Equal(t, authToken, to.EmptyString(authInput.ValueString))
}

func TestValidateRouting_RejectsNonOrganizationOwner(t *testing.T) {
	task := &fhir.Task{Owner: &fhir.Reference{Reference: to.Ptr("Patient/1")}}
	assert.ErrorIs(t, validateRouting(task), ErrInvalidOwnerReference)
}

type fakeWorkflowTaskClient struct {
	updateErr   error
	createErr   error
	createdTask fhir.Task
	updateCalls int
	createCalls int
}

func (f *fakeWorkflowTaskClient) UpdateWithContext(_ context.Context, _ string, resource, result any, _ ...upstream.Option) error {
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	*result.(*fhir.Task) = *resource.(*fhir.Task)
	return nil
}

func (f *fakeWorkflowTaskClient) CreateWithContext(_ context.Context, resource, result any, _ ...upstream.Option) error {
	f.createCalls++
	if f.createErr != nil {
		return f.createErr
	}
	f.createdTask = *resource.(*fhir.Task)
	out := *resource.(*fhir.Task)
	out.Id = to.Ptr("server-assigned-id")
	*result.(*fhir.Task) = out
	return nil
}

func TestUpsertWorkflowTask_SucceedsOnPUT(t *testing.T) {
	client := &fakeWorkflowTaskClient{}
	s := &Sender{ownFHIR: client, httpClient: http.DefaultClient, audit: audit.New(nil, []byte("secret"))}

	task := fhir.Task{Id: to.Ptr("workflow-task-1"), BasedOn: []fhir.Reference{{Reference: to.Ptr("Task/workflow-task-1")}}}
	err := s.upsertWorkflowTask(context.Background(), &task)

	require.NoError(t, err)
	assert.Equal(t, 1, client.updateCalls)
	assert.Equal(t, 0, client.createCalls)
	assert.Equal(t, "Task/workflow-task-1", to.EmptyString(task.BasedOn[0].Reference))
}

func TestUpsertWorkflowTask_FallsBackToPOSTAndRewritesBasedOn(t *testing.T) {
	client := &fakeWorkflowTaskClient{updateErr: fmt.Errorf("server returned 409 Conflict")}
	s := &Sender{ownFHIR: client, httpClient: http.DefaultClient, audit: audit.New(nil, []byte("secret"))}

	task := fhir.Task{Id: to.Ptr("workflow-task-1"), BasedOn: []fhir.Reference{{Reference: to.Ptr("Task/workflow-task-1")}}}
	err := s.upsertWorkflowTask(context.Background(), &task)

	require.NoError(t, err)
	assert.Equal(t, 1, client.updateCalls)
	assert.Equal(t, 1, client.createCalls)
	require.Len(t, task.BasedOn, 1)
	assert.Equal(t, "Task/server-assigned-id", to.EmptyString(task.BasedOn[0].Reference))
	assert.Equal(t, "server-assigned-id", to.EmptyString(task.Id))
}

func TestUpsertWorkflowTask_NonFallbackErrorPropagates(t *testing.T) {
	client := &fakeWorkflowTaskClient{updateErr: fmt.Errorf("server returned 500 Internal Server Error")}
	s := &Sender{ownFHIR: client, httpClient: http.DefaultClient, audit: audit.New(nil, []byte("secret"))}

	task := fhir.Task{Id: to.Ptr("workflow-task-1")}
	err := s.upsertWorkflowTask(context.Background(), &task)

	assert.Error(t, err)
	assert.Equal(t, 0, client.createCalls)
}

func TestUpsertWorkflowTask_ReturnsErrorWhenBothPutAndPostFail(t *testing.T) {
	client := &fakeWorkflowTaskClient{
		updateErr: fmt.Errorf("server returned 409 Conflict"),
		createErr: fmt.Errorf("server returned 500 Internal Server Error"),
	}
	s := &Sender{ownFHIR: client, httpClient: http.DefaultClient, audit: audit.New(nil, []byte("secret"))}

	task := fhir.Task{Id: to.Ptr("workflow-task-1")}
	err := s.upsertWorkflowTask(context.Background(), &task)

	assert.Error(t, err)
}

func TestNotify_EndToEndSuccessAgainstFakeReceiver(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/Task", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}))
	defer receiver.Close()

	client := &fakeWorkflowTaskClient{}
	s := New(client, http.DefaultClient, audit.New(nil, []byte("secret")), nil)

	req := baseRequest()
	req.NotificationBase = receiver.URL

	groupID, requestID, err := s.Notify(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, groupID)
	assert.NotEmpty(t, requestID)
	assert.Equal(t, 1, client.updateCalls)
}

func TestNotify_ReturnsReceiverRejectedOnNon2xx(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer receiver.Close()

	client := &fakeWorkflowTaskClient{}
	s := New(client, http.DefaultClient, audit.New(nil, []byte("secret")), nil)

	req := baseRequest()
	req.NotificationBase = receiver.URL

	_, _, err := s.Notify(context.Background(), req)
	assert.ErrorIs(t, err, ErrReceiverRejected)
}

func TestNotify_ReturnsSenderRejectedWhenWorkflowTaskUpsertFails(t *testing.T) {
	client := &fakeWorkflowTaskClient{
		updateErr: fmt.Errorf("server returned 409 Conflict"),
		createErr: fmt.Errorf("server returned 500 Internal Server Error"),
	}
	s := New(client, http.DefaultClient, audit.New(nil, []byte("secret")), nil)

	_, _, err := s.Notify(context.Background(), baseRequest())
	assert.ErrorIs(t, err, ErrSenderRejected)
}
