// Package audit defines the audit event model and sinks used by the engine's
// asynchronous dispatcher. Sinks must be safe for concurrent Emit calls.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event types emitted by the engine. The set is closed on purpose: consumers
// alerting on security events should not have to parse free-form strings.
const (
	EventLoginSuccess      = "login_success"
	EventLoginFailure      = "login_failure"
	EventMFARequired       = "mfa_required"
	EventMFASuccess        = "mfa_success"
	EventMFAFailure        = "mfa_failure"
	EventMFALockout        = "mfa_lockout"
	EventMFADispatchFailed = "mfa_dispatch_failed"
	EventRefreshSuccess    = "refresh_success"
	EventRefreshReuse      = "refresh_reuse_detected"
	EventLogout            = "logout"
	EventRevokeAll         = "revoke_all"
	EventRBACDenied        = "rbac_denied"
	EventOAuthLogin        = "oauth_login"
	EventOAuthStateReplay  = "oauth_state_replay"
	EventAccountCreated    = "account_created"
	EventStatusChanged     = "account_status_changed"
)

// Event is the canonical audit record. RBAC denials carry the specific
// reason here even though the caller only ever sees a uniform "forbidden".
type Event struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   string            `json:"event_type"`
	UserID      string            `json:"user_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	ChallengeID string            `json:"challenge_id,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

// Emit implements [Sink].
func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

// NewChannelSink creates a ChannelSink with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{events: make(chan Event, buffer)}
}

// Emit implements [Sink].
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the receiving side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink creates a JSONWriterSink that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{writer: w}
}

// Emit implements [Sink].
func (s *JSONWriterSink) Emit(_ context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
