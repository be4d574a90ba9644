package engine

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-token/pkg/domain"
	"github.com/polisai/polis-token/pkg/fetcher"
	"github.com/polisai/polis-token/pkg/patterns"
	"github.com/polisai/polis-token/pkg/rewrite"
)

const (
	insertionPattern  = `tok=([A-Za-z0-9]*)&`
	extractionPattern = `name="tok" value="([A-Za-z0-9]+)"`
)

// stubFetcher returns a fixed token or error and counts its calls.
type stubFetcher struct {
	mu     sync.Mutex
	token  string
	err    error
	calls  int
	panics bool
}

func (s *stubFetcher) FetchFreshToken(_ context.Context, _ ...fetcher.CallOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.panics {
		panic("boom")
	}
	return s.token, s.err
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *sinkRecorder) Emit(_ context.Context, e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *sinkRecorder) kinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EventKind
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

func configuredStore(t testing.TB) *patterns.Store {
	t.Helper()
	store := patterns.NewStore(nil)
	require.NoError(t, store.SetInsertionPattern(insertionPattern))
	require.NoError(t, store.SetExtractionPattern(extractionPattern))
	return store
}

func scannerRequest(raw string) domain.Message {
	return domain.Message{ID: "m1", Tool: domain.ToolScanner, IsRequest: true, Raw: []byte(raw)}
}

func TestProcess_RewritesScannerRequest(t *testing.T) {
	sink := &sinkRecorder{}
	stub := &stubFetcher{token: "abc123"}
	m := NewMutator(configuredStore(t), stub, WithEventSink(sink))

	result := m.Process(context.Background(), scannerRequest("GET /scan?tok=&x=1"))

	assert.Equal(t, "GET /scan?tok=abc123&x=1", string(result.Request))
	assert.Equal(t, domain.OutcomeRewritten, result.Outcome)
	assert.True(t, result.Modified())
	assert.Equal(t, 1, stub.calls)
	assert.Equal(t, []domain.EventKind{domain.EventMatchDetected, domain.EventSubstituted}, sink.kinds())
}

func TestProcess_FiltersResponsesAndOtherTools(t *testing.T) {
	tests := []struct {
		name string
		msg  domain.Message
	}{
		{
			name: "response",
			msg:  domain.Message{Tool: domain.ToolScanner, IsRequest: false, Raw: []byte("HTTP/1.1 200 OK\r\n\r\ntok=&")},
		},
		{
			name: "repeater request",
			msg:  domain.Message{Tool: domain.ToolRepeater, IsRequest: true, Raw: []byte("GET /scan?tok=&x=1")},
		},
		{
			name: "proxy request",
			msg:  domain.Message{Tool: domain.ToolProxy, IsRequest: true, Raw: []byte("GET /scan?tok=&x=1")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubFetcher{token: "abc123"}
			m := NewMutator(configuredStore(t), stub)

			result := m.Process(context.Background(), tt.msg)

			assert.Equal(t, tt.msg.Raw, result.Request)
			assert.Equal(t, domain.OutcomeOutOfScope, result.Outcome)
			assert.Zero(t, stub.calls)
		})
	}
}

func TestProcess_WithTools(t *testing.T) {
	stub := &stubFetcher{token: "abc123"}
	m := NewMutator(configuredStore(t), stub, WithTools(domain.ToolScanner, domain.ToolIntruder))

	msg := scannerRequest("GET /scan?tok=&x=1")
	msg.Tool = domain.ToolIntruder
	result := m.Process(context.Background(), msg)

	assert.Equal(t, domain.OutcomeRewritten, result.Outcome)
	assert.False(t, m.InScope(domain.ToolRepeater))
}

func TestProcess_NoMatchSkipsFetch(t *testing.T) {
	stub := &stubFetcher{token: "abc123"}
	m := NewMutator(configuredStore(t), stub)

	result := m.Process(context.Background(), scannerRequest("GET /scan?x=1"))

	assert.Equal(t, "GET /scan?x=1", string(result.Request))
	assert.Equal(t, domain.OutcomeNoMatch, result.Outcome)
	assert.Zero(t, stub.calls)
}

func TestProcess_NonParticipatingGroupIsNoMatch(t *testing.T) {
	store := patterns.NewStore(nil)
	require.NoError(t, store.SetInsertionPattern(`tok=(\d+)?&`))
	stub := &stubFetcher{token: "123"}
	m := NewMutator(store, stub)

	result := m.Process(context.Background(), scannerRequest("GET /scan?tok=&x=1"))

	assert.Equal(t, "GET /scan?tok=&x=1", string(result.Request))
	assert.Equal(t, domain.OutcomeNoMatch, result.Outcome)
	assert.False(t, result.Modified())
	assert.Zero(t, stub.calls)
}

func TestProcess_UnsetInsertionPatternMatchesNothing(t *testing.T) {
	stub := &stubFetcher{token: "abc123"}
	m := NewMutator(patterns.NewStore(nil), stub)

	result := m.Process(context.Background(), scannerRequest("GET /scan?tok=&x=1"))

	assert.Equal(t, domain.OutcomeNoMatch, result.Outcome)
	assert.Zero(t, stub.calls)
}

func TestProcess_FetchFailurePassesThrough(t *testing.T) {
	for _, err := range []error{
		domain.ErrEndpointUnset,
		domain.ErrTokenNotFound,
		&fetcher.FetchError{URL: "https://x", Op: "request", Err: fmt.Errorf("connection refused")},
	} {
		t.Run(err.Error(), func(t *testing.T) {
			sink := &sinkRecorder{}
			m := NewMutator(configuredStore(t), &stubFetcher{err: err}, WithEventSink(sink))

			raw := "GET /scan?tok=&x=1"
			result := m.Process(context.Background(), scannerRequest(raw))

			assert.Equal(t, raw, string(result.Request))
			assert.Equal(t, domain.OutcomeFetchFailed, result.Outcome)
			assert.False(t, result.Modified())

			kinds := sink.kinds()
			require.NotEmpty(t, kinds)
			assert.Equal(t, domain.EventPassThrough, kinds[len(kinds)-1])
			assert.ErrorIs(t, sink.events[len(sink.events)-1].Err, err)
		})
	}
}

func TestProcess_PanicInFetcherPassesThrough(t *testing.T) {
	m := NewMutator(configuredStore(t), &stubFetcher{panics: true})

	raw := "GET /scan?tok=&x=1"
	var result domain.Result
	require.NotPanics(t, func() {
		result = m.Process(context.Background(), scannerRequest(raw))
	})
	assert.Equal(t, raw, string(result.Request))
	assert.Equal(t, domain.OutcomeFetchFailed, result.Outcome)
}

func TestProcess_DoesNotModifyInput(t *testing.T) {
	m := NewMutator(configuredStore(t), &stubFetcher{token: "abc123"})

	raw := []byte("GET /scan?tok=&x=1")
	original := bytes.Clone(raw)
	_ = m.Process(context.Background(), scannerRequest(string(raw)))

	assert.Equal(t, original, raw)
}

func TestProcess_ForwardCookies(t *testing.T) {
	var seen string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Cookie")
		fmt.Fprint(w, `<input name="tok" value="abc123">`)
	}))
	defer srv.Close()

	store := configuredStore(t)
	require.NoError(t, store.SetFormEndpoint(srv.URL))
	m := NewMutator(store, fetcher.New(store, fetcher.WithHTTPClient(srv.Client())), WithForwardCookies(true))

	raw := "GET /scan?tok=&x=1 HTTP/1.1\r\nHost: target\r\nCookie: SESSION=s1\r\n\r\n"
	result := m.Process(context.Background(), scannerRequest(raw))

	assert.Equal(t, domain.OutcomeRewritten, result.Outcome)
	assert.Equal(t, "SESSION=s1", seen)
}

func TestProcess_CookiesNotForwardedByDefault(t *testing.T) {
	seen := "unset"
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Cookie")
		fmt.Fprint(w, `<input name="tok" value="abc123">`)
	}))
	defer srv.Close()

	store := configuredStore(t)
	require.NoError(t, store.SetFormEndpoint(srv.URL))
	m := NewMutator(store, fetcher.New(store, fetcher.WithHTTPClient(srv.Client())))

	raw := "GET /scan?tok=&x=1 HTTP/1.1\r\nHost: target\r\nCookie: SESSION=s1\r\n\r\n"
	_ = m.Process(context.Background(), scannerRequest(raw))

	assert.Empty(t, seen)
}

func TestProcess_InvalidPatternKeepsPreviousBehaviour(t *testing.T) {
	store := configuredStore(t)
	m := NewMutator(store, &stubFetcher{token: "abc123"})

	require.Error(t, store.SetInsertionPattern(`tok=([A-Za-z0-9]*&`))

	result := m.Process(context.Background(), scannerRequest("GET /scan?tok=&x=1"))
	assert.Equal(t, "GET /scan?tok=abc123&x=1", string(result.Request))
}

func TestProcess_EndToEnd(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<input name="tok" value="abc123">`)
	}))
	defer srv.Close()

	store := configuredStore(t)
	require.NoError(t, store.SetFormEndpoint(srv.URL+"/form"))
	m := NewMutator(store, fetcher.New(store, fetcher.WithHTTPClient(srv.Client())))

	result := m.Process(context.Background(), scannerRequest("GET /scan?tok=&x=1"))
	assert.Equal(t, "GET /scan?tok=abc123&x=1", string(result.Request))

	result = m.Process(context.Background(), scannerRequest("GET /scan?x=1"))
	assert.Equal(t, "GET /scan?x=1", string(result.Request))
}

func TestProcess_EndToEndEndpointUnset(t *testing.T) {
	store := configuredStore(t)
	m := NewMutator(store, fetcher.New(store))

	result := m.Process(context.Background(), scannerRequest("GET /scan?tok=&x=1"))
	assert.Equal(t, "GET /scan?tok=&x=1", string(result.Request))
	assert.Equal(t, domain.OutcomeFetchFailed, result.Outcome)
}

func drawRequest(t *rapid.T) string {
	fragment := rapid.SampledFrom([]string{"GET ", "/scan", "?", "tok=", "&", "x=1", "abc", "=", "\r\n", "Cookie: a=b"})
	return strings.Join(rapid.SliceOfN(fragment, 0, 10).Draw(t, "fragments"), "")
}

// drawUnmatchedRequest never contains "tok=" followed by an alphanumeric run and "&".
func drawUnmatchedRequest(t *rapid.T) string {
	fragment := rapid.SampledFrom([]string{"GET ", "/scan", "?", "tok=!", "TOK=&", "&", "x=1", "abc", "=", "\r\n", "Cookie: a=b"})
	return strings.Join(rapid.SliceOfN(fragment, 0, 10).Draw(t, "fragments"), "")
}

// drawMatchedRequest always carries at least one token field.
func drawMatchedRequest(t *rapid.T) string {
	prefix := drawRequest(t)
	value := rapid.StringMatching(`[A-Za-z0-9]{0,8}`).Draw(t, "value")
	suffix := drawRequest(t)
	return prefix + "tok=" + value + "&" + suffix
}

func TestNoMatchIsIdentityProperty(t *testing.T) {
	store := configuredStore(t)
	rapid.Check(t, func(t *rapid.T) {
		raw := drawUnmatchedRequest(t)
		if store.InsertionPattern().MatchString(raw) {
			t.Fatalf("insertion pattern matches %q", raw)
		}
		m := NewMutator(store, &stubFetcher{token: "T0k"})
		result := m.Process(context.Background(), scannerRequest(raw))
		if string(result.Request) != raw {
			t.Fatalf("expected %q unchanged, got %q", raw, result.Request)
		}
	})
}

func TestFetchFailureIsIdentityProperty(t *testing.T) {
	store := configuredStore(t)
	rapid.Check(t, func(t *rapid.T) {
		raw := drawRequest(t)
		err := rapid.SampledFrom([]error{domain.ErrEndpointUnset, domain.ErrTokenNotFound, domain.ErrFetchFailed}).Draw(t, "err")
		m := NewMutator(store, &stubFetcher{err: err})
		result := m.Process(context.Background(), scannerRequest(raw))
		if string(result.Request) != raw {
			t.Fatalf("expected %q unchanged after %v, got %q", raw, err, result.Request)
		}
	})
}

func TestRewriteOnlyTouchesFirstGroupProperty(t *testing.T) {
	store := configuredStore(t)
	rapid.Check(t, func(t *rapid.T) {
		raw := drawMatchedRequest(t)
		token := rapid.StringMatching(`[A-Za-z0-9]{1,16}`).Draw(t, "token")
		start, end, ok := rewrite.GroupSpan(store.InsertionPattern(), raw, 1, 1)
		if !ok {
			t.Fatalf("insertion pattern does not match %q", raw)
		}

		m := NewMutator(store, &stubFetcher{token: token})
		got := string(m.Process(context.Background(), scannerRequest(raw)).Request)

		want := raw[:start] + token + raw[end:]
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})
}

func TestRequestCookies(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{name: "none", raw: "GET / HTTP/1.1\r\nHost: a\r\n\r\n", expected: ""},
		{name: "single", raw: "GET / HTTP/1.1\r\nCookie: a=1; b=2\r\n\r\n", expected: "a=1; b=2"},
		{name: "multiple headers", raw: "GET / HTTP/1.1\r\ncookie: a=1\r\nCOOKIE: b=2\r\n\r\n", expected: "a=1; b=2"},
		{name: "body ignored", raw: "POST / HTTP/1.1\r\nHost: a\r\n\r\nCookie: c=3", expected: ""},
		{name: "bare newlines", raw: "GET / HTTP/1.1\nCookie: a=1\n\n", expected: "a=1"},
		{name: "request line only", raw: "GET /scan?tok=&x=1", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, RequestCookies(tt.raw))
		})
	}
}
