// Package audit carries append-only security events to independent sinks.
package audit

import (
	"context"
	"sync"
	"time"

	"auth-serverless/internal/observability"
)

const (
	ActionLoginSucceeded     = "login_succeeded"
	ActionAccountLocked      = "account_locked"
	ActionRegistered         = "registered"
	ActionLogout             = "logout"
	ActionConfirmationIssued = "confirmation_issued"
	ActionCriticalConfirmed  = "critical_operation_confirmed"
	ActionSessionsRevoked    = "sessions_revoked"
	ActionAccountUnlocked    = "account_unlocked"
	ActionRoleChanged        = "role_changed"
)

// Event never carries secrets: tokens appear only as a truncated hash reference.
type Event struct {
	Action     string            `json:"action"`
	ActorID    string            `json:"actor_id,omitempty"`
	SubjectID  string            `json:"subject_id,omitempty"`
	Method     string            `json:"method,omitempty"`
	Path       string            `json:"path,omitempty"`
	SourceAddr string            `json:"source_addr,omitempty"`
	TokenRef   string            `json:"token_ref,omitempty"`
	Detail     map[string]string `json:"detail,omitempty"`
	At         time.Time         `json:"at"`
}

type Sink interface {
	Write(ctx context.Context, event Event) error
	Name() string
}

// Emitter fans an event out to every sink. Sink failures are logged and swallowed so
// auditing never changes the outcome of the operation being audited.
type Emitter struct {
	sinks  []Sink
	logger *observability.Logger
	now    func() time.Time
}

func NewEmitter(logger *observability.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, logger: logger, now: time.Now}
}

func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil {
		return
	}
	if event.At.IsZero() {
		event.At = e.now().UTC()
	}

	for _, sink := range e.sinks {
		if err := sink.Write(ctx, event); err != nil && e.logger != nil {
			e.logger.Error("audit_sink_failed", map[string]any{
				"sink":   sink.Name(),
				"action": event.Action,
				"error":  err.Error(),
			})
		}
	}
}

// LogSink writes events to the structured log stream.
type LogSink struct {
	logger *observability.Logger
}

func NewLogSink(logger *observability.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, event Event) error {
	fields := map[string]any{
		"audit_action": event.Action,
		"at":           event.At.Format(time.RFC3339Nano),
	}
	if event.ActorID != "" {
		fields["actor_id"] = event.ActorID
	}
	if event.SubjectID != "" {
		fields["subject_id"] = event.SubjectID
	}
	if event.Method != "" {
		fields["method"] = event.Method
		fields["path"] = event.Path
	}
	if event.SourceAddr != "" {
		fields["source_addr"] = event.SourceAddr
	}
	if event.TokenRef != "" {
		fields["token_ref"] = event.TokenRef
	}
	for k, v := range event.Detail {
		fields["detail_"+k] = v
	}

	s.logger.Info("audit", fields)
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Write(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Actions lists recorded actions in emission order.
func (r *Recorder) Actions() []string {
	events := r.Events()
	actions := make([]string, 0, len(events))
	for _, event := range events {
		actions = append(actions, event.Action)
	}
	return actions
}
