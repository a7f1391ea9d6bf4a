// Package audit emits the attempt/result event pairs the Notification
// Sender (C10) records at every decision point, so an operator can trace
// why a notification did or did not reach a receiver without the audit
// trail ever carrying a raw BSN.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/nuts-foundation/mcsd-federation/lib/logging"
)

// Outcome is the classified result of a notification attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit record. RequestID ties an "attempt" record to the
// "result" record it resolves into.
type Event struct {
	RequestID        string
	Outcome          Outcome // empty for an attempt record
	Reason           string
	ReceiverURA      string
	NotificationBase string
	EndpointID       string
	GroupID          string
	BSNHash          string
	Timestamp        time.Time
}

// Sink persists or forwards an audit event. The default Sink logs
// through slog; callers that need a durable audit store implement this
// against their own backend.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// SlogSink writes audit events as structured log lines.
type SlogSink struct{}

func (SlogSink) Emit(ctx context.Context, e Event) {
	attrs := []any{
		logging.RequestID(e.RequestID),
		slog.String("receiver_ura", e.ReceiverURA),
		slog.String("notification_base", e.NotificationBase),
		slog.String("endpoint_id", e.EndpointID),
		slog.String("group_id", e.GroupID),
		slog.String("bsn_hash", e.BSNHash),
		slog.Time("timestamp", e.Timestamp),
	}
	if e.Outcome == "" {
		slog.InfoContext(ctx, "notification attempt", attrs...)
		return
	}
	attrs = append(attrs, slog.String("outcome", string(e.Outcome)), slog.String("reason", e.Reason))
	if e.Outcome == OutcomeSuccess {
		slog.InfoContext(ctx, "notification result", attrs...)
	} else {
		slog.WarnContext(ctx, "notification result", attrs...)
	}
}

// Recorder builds and emits audit events, hashing BSNs with a runtime
// HMAC secret so the audit trail never carries a raw BSN.
type Recorder struct {
	sink   Sink
	secret []byte
}

// New builds a Recorder. secret must be a process-managed runtime
// secret, never a hardcoded value; it is never logged or persisted.
func New(sink Sink, secret []byte) *Recorder {
	if sink == nil {
		sink = SlogSink{}
	}
	return &Recorder{sink: sink, secret: secret}
}

// HashBSN returns the hex HMAC-SHA256 of bsn under the recorder's
// runtime secret.
func (r *Recorder) HashBSN(bsn string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(bsn))
	return hex.EncodeToString(mac.Sum(nil))
}

// Attempt records a notification send attempt before any network call
// is made.
func (r *Recorder) Attempt(ctx context.Context, requestID, bsn, receiverURA, notificationBase, endpointID, groupID string) {
	r.sink.Emit(ctx, Event{
		RequestID:        requestID,
		ReceiverURA:      receiverURA,
		NotificationBase: notificationBase,
		EndpointID:       endpointID,
		GroupID:          groupID,
		BSNHash:          r.HashBSN(bsn),
		Timestamp:        time.Now(),
	})
}

// Result records the classified outcome of a previously attempted
// notification.
func (r *Recorder) Result(ctx context.Context, requestID, bsn, receiverURA, notificationBase, endpointID, groupID string, outcome Outcome, reason string) {
	r.sink.Emit(ctx, Event{
		RequestID:        requestID,
		Outcome:          outcome,
		Reason:           reason,
		ReceiverURA:      receiverURA,
		NotificationBase: notificationBase,
		EndpointID:       endpointID,
		GroupID:          groupID,
		BSNHash:          r.HashBSN(bsn),
		Timestamp:        time.Now(),
	})
}
