package domain

import (
	"context"
	"time"
)

// EventKind names a diagnostic event emitted by the mutation core.
type EventKind string

const (
	EventConfigApplied   EventKind = "config.applied"
	EventConfigRejected  EventKind = "config.rejected"
	EventRequestFiltered EventKind = "request.filtered"
	EventMatchDetected   EventKind = "match.detected"
	EventFetchAttempted  EventKind = "fetch.attempted"
	EventFetchCompleted  EventKind = "fetch.completed"
	EventSubstituted     EventKind = "substitution.performed"
	EventPassThrough     EventKind = "request.passthrough"
)

// Event is an observational record. No behaviour depends on how it is rendered.
type Event struct {
	Kind      EventKind
	MessageID string
	Tool      Tool
	Outcome   Outcome
	Field     string
	Value     string
	FormURL   string
	Token     string
	Status    int
	Duration  time.Duration
	Request   []byte
	Err       error
}

// EventSink receives events from the core. Implementations must not block for long
// since they run on the request dispatch path.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event)

// Emit calls f(ctx, event).
func (f EventSinkFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

// DiscardSink drops every event.
var DiscardSink EventSink = EventSinkFunc(func(context.Context, Event) {})

// Settings is the user-facing token configuration in textual form.
type Settings struct {
	InsertionPattern  string `yaml:"insertion_pattern" json:"insertion_pattern"`
	ExtractionPattern string `yaml:"extraction_pattern" json:"extraction_pattern"`
	FormURL           string `yaml:"form_url" json:"form_url"`
}

// IsZero reports whether no field is set.
func (s Settings) IsZero() bool {
	return s.InsertionPattern == "" && s.ExtractionPattern == "" && s.FormURL == ""
}
