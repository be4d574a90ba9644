// Package fetcher retrieves a fresh form token from the configured form page.
//
// One call to FetchFreshToken performs one blocking HTTPS GET against the form
// endpoint and applies the extraction pattern to the response body. When a retry
// policy is configured, a GET that fails to reach the page is repeated; a page
// without a token is never refetched. Nothing is cached between calls.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"

	"github.com/polisai/polis-token/internal/governance"
	"github.com/polisai/polis-token/pkg/domain"
	"github.com/polisai/polis-token/pkg/patterns"
)

const (
	// DefaultUserAgent is sent on form fetches unless overridden.
	DefaultUserAgent = "polis-token/1.0"
	tracerName       = "github.com/polisai/polis-token/pkg/fetcher"
)

// SnapshotSource supplies the active token configuration.
type SnapshotSource interface {
	Snapshot() *patterns.Snapshot
}

// Fetcher performs the fetch-and-extract sequence.
type Fetcher struct {
	source    SnapshotSource
	client    *http.Client
	userAgent string
	retry     *governance.RetryPolicy
	sink      domain.EventSink
	tracer    trace.Tracer
}

// Option configures a Fetcher.
type Option func(*options)

type options struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	cookieJar bool
	tls       *tls.Config
	retry     governance.RetryConfig
	sink      domain.EventSink
}

// WithHTTPClient uses client for form fetches instead of the default
// otelhttp-instrumented client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithTLSConfig uses cfg for the default client's connections. It has no
// effect when WithHTTPClient is given.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) { o.tls = cfg }
}

// WithUserAgent sets the User-Agent header of form fetches.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithTimeout bounds each fetch. Zero leaves the fetch bounded only by the
// caller's context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithCookieJar keeps cookies set by the form page across fetches so that the
// server-side session tied to the token survives between requests.
func WithCookieJar(enabled bool) Option {
	return func(o *options) { o.cookieJar = enabled }
}

// WithRetry repeats fetches that fail to reach the form page.
func WithRetry(cfg governance.RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// WithEventSink sends fetch diagnostics to sink.
func WithEventSink(sink domain.EventSink) Option {
	return func(o *options) { o.sink = sink }
}

// New builds a Fetcher reading its configuration from source.
func New(source SnapshotSource, opts ...Option) *Fetcher {
	o := options{userAgent: DefaultUserAgent}
	for _, opt := range opts {
		opt(&o)
	}

	var client http.Client
	if o.client != nil {
		client = *o.client
	} else {
		var base http.RoundTripper = http.DefaultTransport
		if o.tls != nil {
			transport := http.DefaultTransport.(*http.Transport).Clone()
			transport.TLSClientConfig = o.tls
			base = transport
		}
		client.Transport = otelhttp.NewTransport(base)
	}
	if o.timeout > 0 {
		client.Timeout = o.timeout
	}
	if o.cookieJar && client.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err == nil {
			client.Jar = jar
		}
	}
	if o.sink == nil {
		o.sink = domain.DiscardSink
	}
	if o.userAgent == "" {
		o.userAgent = DefaultUserAgent
	}

	return &Fetcher{
		source:    source,
		client:    &client,
		userAgent: o.userAgent,
		retry:     governance.NewRetryPolicy(o.retry),
		sink:      o.sink,
		tracer:    otel.Tracer(tracerName),
	}
}

// CallOption adjusts a single fetch.
type CallOption func(*callOptions)

type callOptions struct {
	cookies   string
	messageID string
}

// WithCookies sends the given Cookie header value with the fetch, typically the
// cookies of the request that triggered it.
func WithCookies(header string) CallOption {
	return func(o *callOptions) { o.cookies = header }
}

// WithMessageID correlates the fetch diagnostics with the triggering message.
func WithMessageID(id string) CallOption {
	return func(o *callOptions) { o.messageID = id }
}

// FetchFreshToken fetches the form page and returns capture group 1 of the first
// extraction match.
//
// It returns domain.ErrEndpointUnset without touching the network when no form
// endpoint is configured, domain.ErrTokenNotFound when the page does not contain
// a token, and a *FetchError (errors.Is domain.ErrFetchFailed) when the page
// could not be retrieved.
func (f *Fetcher) FetchFreshToken(ctx context.Context, opts ...CallOption) (string, error) {
	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}

	snap := f.source.Snapshot()
	if snap == nil || snap.FormURL == nil {
		f.sink.Emit(ctx, domain.Event{
			Kind:      domain.EventFetchCompleted,
			MessageID: call.messageID,
			Err:       domain.ErrEndpointUnset,
		})
		return "", domain.ErrEndpointUnset
	}

	target := FormTarget(snap.FormURL)
	ctx, span := f.tracer.Start(ctx, "token.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("token.form.host", target.Host),
			attribute.String("token.form.path", target.Path),
		),
	)
	defer span.End()

	f.sink.Emit(ctx, domain.Event{
		Kind:      domain.EventFetchAttempted,
		MessageID: call.messageID,
		FormURL:   target.String(),
	})

	start := time.Now()
	var (
		token  string
		status int
	)
	err := f.retry.Do(ctx, IsUnreachable, func(attempt int) error {
		if attempt > 0 {
			span.AddEvent("token.fetch.retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
		}
		var err error
		token, status, err = f.fetch(ctx, target, snap, call)
		return err
	})
	duration := time.Since(start)

	span.SetAttributes(attribute.Int("http.response.status_code", status))
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, domain.ErrTokenNotFound):
		span.SetAttributes(attribute.Bool("token.found", false))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	f.sink.Emit(ctx, domain.Event{
		Kind:      domain.EventFetchCompleted,
		MessageID: call.messageID,
		FormURL:   target.String(),
		Token:     token,
		Status:    status,
		Duration:  duration,
		Err:       err,
	})
	return token, err
}

func (f *Fetcher) fetch(ctx context.Context, target *url.URL, snap *patterns.Snapshot, call callOptions) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", 0, &FetchError{URL: target.String(), Op: "build request", Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "*/*")
	if call.cookies != "" {
		req.Header.Set("Cookie", call.cookies)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", 0, &FetchError{URL: target.String(), Op: "request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, &FetchError{URL: target.String(), Op: "read body", Err: err}
	}

	token, ok := Extract(snap.Extraction, string(body))
	if !ok {
		return "", resp.StatusCode, fmt.Errorf("%w (status %d, %d bytes)", domain.ErrTokenNotFound, resp.StatusCode, len(body))
	}
	return token, resp.StatusCode, nil
}

// Extract returns capture group 1 of the first match of re in body. It reports
// false when re is nil, nothing matches, or group 1 did not participate.
func Extract(re *regexp.Regexp, body string) (string, bool) {
	if re == nil {
		return "", false
	}
	loc := re.FindStringSubmatchIndex(body)
	if len(loc) < 4 || loc[2] < 0 {
		return "", false
	}
	return body[loc[2]:loc[3]], true
}

// FormTarget returns the URL actually fetched for endpoint: always HTTPS, on
// port 443 unless the endpoint names a port other than http's default.
func FormTarget(endpoint *url.URL) *url.URL {
	target := *endpoint
	if strings.EqualFold(target.Scheme, "http") && target.Port() == "80" {
		target.Host = target.Hostname()
	}
	target.Scheme = "https"
	target.Fragment = ""
	target.RawFragment = ""
	target.User = nil
	return &target
}
