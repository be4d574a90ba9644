package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-token/pkg/domain"
	"github.com/polisai/polis-token/pkg/fetcher"
	"github.com/polisai/polis-token/pkg/patterns"
	"github.com/polisai/polis-token/pkg/rewrite"
)

const tracerName = "github.com/polisai/polis-token/pkg/engine"

// PatternSource supplies the active token configuration.
type PatternSource interface {
	Snapshot() *patterns.Snapshot
}

// TokenFetcher obtains a fresh token for one mutation cycle.
type TokenFetcher interface {
	FetchFreshToken(ctx context.Context, opts ...fetcher.CallOption) (string, error)
}

// Mutator runs the filter, detect, refresh and rewrite cycle for each message.
//
// Mutator holds no locks. Hosts must dispatch at most one in-scope request at a
// time: form tokens are usually single use, and two interleaved cycles would
// let the second fetch invalidate the first token before it is sent.
type Mutator struct {
	patterns       PatternSource
	fetcher        TokenFetcher
	tools          map[domain.Tool]struct{}
	forwardCookies bool
	sink           domain.EventSink
	tracer         trace.Tracer
}

// Option configures a Mutator.
type Option func(*Mutator)

// WithTools sets the tools whose requests are in scope. The default is the scanner only.
func WithTools(tools ...domain.Tool) Option {
	return func(m *Mutator) {
		m.tools = make(map[domain.Tool]struct{}, len(tools))
		for _, tool := range tools {
			m.tools[tool] = struct{}{}
		}
	}
}

// WithForwardCookies passes the triggering request's Cookie header to the form fetch.
func WithForwardCookies(enabled bool) Option {
	return func(m *Mutator) { m.forwardCookies = enabled }
}

// WithEventSink sends mutation diagnostics to sink.
func WithEventSink(sink domain.EventSink) Option {
	return func(m *Mutator) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// NewMutator wires the orchestrator to its pattern source and token fetcher.
func NewMutator(source PatternSource, tokens TokenFetcher, opts ...Option) *Mutator {
	m := &Mutator{
		patterns: source,
		fetcher:  tokens,
		tools:    map[domain.Tool]struct{}{domain.ToolScanner: {}},
		sink:     domain.DiscardSink,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InScope reports whether requests from tool are processed.
func (m *Mutator) InScope(tool domain.Tool) bool {
	_, ok := m.tools[tool]
	return ok
}

// Process returns the buffer the host should send for msg. It never fails: any
// problem along the way yields msg.Raw unchanged.
func (m *Mutator) Process(ctx context.Context, msg domain.Message) (result domain.Result) {
	passThrough := func(outcome domain.Outcome, err error) domain.Result {
		m.sink.Emit(ctx, domain.Event{
			Kind:      domain.EventPassThrough,
			MessageID: msg.ID,
			Tool:      msg.Tool,
			Outcome:   outcome,
			Err:       err,
		})
		return domain.Result{Request: msg.Raw, Outcome: outcome}
	}

	defer func() {
		if r := recover(); r != nil {
			result = passThrough(domain.OutcomeFetchFailed, fmt.Errorf("mutation panic: %v", r))
		}
	}()

	// Filter
	if !msg.IsRequest || !m.InScope(msg.Tool) {
		m.sink.Emit(ctx, domain.Event{
			Kind:      domain.EventRequestFiltered,
			MessageID: msg.ID,
			Tool:      msg.Tool,
			Outcome:   domain.OutcomeOutOfScope,
		})
		return domain.Result{Request: msg.Raw, Outcome: domain.OutcomeOutOfScope}
	}

	// Detect. A first match whose group 1 did not participate has nothing to
	// rewrite, so no token is spent on it.
	snap := m.patterns.Snapshot()
	if snap == nil || snap.Insertion == nil {
		return passThrough(domain.OutcomeNoMatch, nil)
	}
	text := string(msg.Raw)
	start, end, ok := rewrite.GroupSpan(snap.Insertion, text, 1, 1)
	if !ok {
		return passThrough(domain.OutcomeNoMatch, nil)
	}

	ctx, span := m.tracer.Start(ctx, "token.mutate",
		trace.WithAttributes(
			attribute.String("token.tool", string(msg.Tool)),
			attribute.String("token.message_id", msg.ID),
		),
	)
	defer span.End()

	m.sink.Emit(ctx, domain.Event{
		Kind:      domain.EventMatchDetected,
		MessageID: msg.ID,
		Tool:      msg.Tool,
		Request:   msg.Raw,
	})

	// Refresh
	callOpts := []fetcher.CallOption{fetcher.WithMessageID(msg.ID)}
	if m.forwardCookies {
		if cookies := RequestCookies(text); cookies != "" {
			callOpts = append(callOpts, fetcher.WithCookies(cookies))
		}
	}
	token, err := m.fetcher.FetchFreshToken(ctx, callOpts...)
	if err != nil {
		span.SetAttributes(attribute.String("token.outcome", string(domain.OutcomeFetchFailed)))
		return passThrough(domain.OutcomeFetchFailed, err)
	}

	// Rewrite
	rewritten := []byte(text[:start] + token + text[end:])
	span.SetAttributes(attribute.String("token.outcome", string(domain.OutcomeRewritten)))
	m.sink.Emit(ctx, domain.Event{
		Kind:      domain.EventSubstituted,
		MessageID: msg.ID,
		Tool:      msg.Tool,
		Outcome:   domain.OutcomeRewritten,
		Token:     token,
		Request:   rewritten,
	})
	return domain.Result{Request: rewritten, Outcome: domain.OutcomeRewritten}
}
