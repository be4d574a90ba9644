package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-token/pkg/domain"
)

// LogSink renders core events as structured log records.
//
// Token values and request dumps are only written when the logger is enabled
// for debug; at other levels tokens are masked and requests omitted.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger, or slog.Default() when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit implements domain.EventSink.
func (s *LogSink) Emit(ctx context.Context, event domain.Event) {
	level := eventLevel(event)
	if !s.logger.Enabled(ctx, level) {
		return
	}
	debug := s.logger.Enabled(ctx, slog.LevelDebug)

	attrs := []slog.Attr{slog.String("event", string(event.Kind))}
	if event.MessageID != "" {
		attrs = append(attrs, slog.String("message_id", event.MessageID))
	}
	if event.Tool != "" {
		attrs = append(attrs, slog.String("tool", string(event.Tool)))
	}
	if event.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", string(event.Outcome)))
	}
	if event.Field != "" {
		attrs = append(attrs, slog.String("field", event.Field), slog.String("value", event.Value))
	}
	if event.FormURL != "" {
		attrs = append(attrs, slog.String("form_url", event.FormURL))
	}
	if event.Status != 0 {
		attrs = append(attrs, slog.Int("status", event.Status))
	}
	if event.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", event.Duration))
	}
	if event.Token != "" {
		token := event.Token
		if !debug {
			token = MaskToken(token)
		}
		attrs = append(attrs, slog.String("token", token))
	}
	if debug && len(event.Request) > 0 {
		attrs = append(attrs, slog.String("request", string(event.Request)))
	}
	if event.Err != nil {
		attrs = append(attrs, slog.String("error", event.Err.Error()))
	}

	s.logger.LogAttrs(ctx, level, eventMessage(event.Kind), attrs...)
}

func eventLevel(event domain.Event) slog.Level {
	switch event.Kind {
	case domain.EventConfigRejected:
		return slog.LevelWarn
	case domain.EventConfigApplied, domain.EventSubstituted:
		return slog.LevelInfo
	case domain.EventFetchCompleted, domain.EventPassThrough:
		if event.Err != nil {
			return slog.LevelWarn
		}
		return slog.LevelDebug
	default:
		return slog.LevelDebug
	}
}

func eventMessage(kind domain.EventKind) string {
	switch kind {
	case domain.EventConfigApplied:
		return "token setting applied"
	case domain.EventConfigRejected:
		return "token setting rejected"
	case domain.EventRequestFiltered:
		return "message out of scope"
	case domain.EventMatchDetected:
		return "insertion point detected"
	case domain.EventFetchAttempted:
		return "fetching form token"
	case domain.EventFetchCompleted:
		return "form fetch completed"
	case domain.EventSubstituted:
		return "token substituted"
	case domain.EventPassThrough:
		return "request passed through"
	default:
		return string(kind)
	}
}

// MaskToken hides all but the edges of a token value.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:2] + "***" + token[len(token)-2:]
}

// MetricsSink records OpenTelemetry metrics and span events for core events.
type MetricsSink struct{}

// Emit implements domain.EventSink.
func (MetricsSink) Emit(ctx context.Context, event domain.Event) {
	RecordEvent(ctx, event)
	RecordMutationEvent(trace.SpanFromContext(ctx), event)
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []domain.EventSink

// Emit implements domain.EventSink.
func (m MultiSink) Emit(ctx context.Context, event domain.Event) {
	for _, sink := range m {
		if sink != nil {
			sink.Emit(ctx, event)
		}
	}
}
