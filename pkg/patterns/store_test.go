package patterns

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-token/pkg/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingSink) Emit(_ context.Context, event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) kinds() []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestStore_InitiallyUnset(t *testing.T) {
	s := NewStore(nil)

	snap := s.Snapshot()
	require.NotNil(t, snap)
	assert.Nil(t, snap.Insertion)
	assert.Nil(t, snap.Extraction)
	assert.Nil(t, snap.FormURL)
	assert.True(t, snap.Settings().IsZero())
}

func TestStore_SetInsertionPattern(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(sink)

	require.NoError(t, s.SetInsertionPattern(`tok=([A-Za-z0-9]*)&`))
	require.NotNil(t, s.InsertionPattern())
	assert.Equal(t, `tok=([A-Za-z0-9]*)&`, s.InsertionPattern().String())
	assert.Equal(t, []domain.EventKind{domain.EventConfigApplied}, sink.kinds())
}

func TestStore_InvalidPatternKeepsPrevious(t *testing.T) {
	sink := &recordingSink{}
	s := NewStore(sink)
	require.NoError(t, s.SetExtractionPattern(`value="([a-z]+)"`))

	err := s.SetExtractionPattern(`value="([a-z]+"`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPatternSyntax))

	var cfgErr *domain.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, FieldExtractionPattern, cfgErr.Field)

	assert.Equal(t, `value="([a-z]+)"`, s.ExtractionPattern().String())
	assert.Equal(t, []domain.EventKind{domain.EventConfigApplied, domain.EventConfigRejected}, sink.kinds())
}

func TestStore_PatternWithoutGroupRejected(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.SetInsertionPattern(`tok=(\w*)`))

	err := s.SetInsertionPattern(`tok=\w*`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPatternGroups))
	assert.Equal(t, `tok=(\w*)`, s.InsertionPattern().String())
}

func TestStore_EmptyPatternClears(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.SetInsertionPattern(`tok=(\w*)`))
	require.NoError(t, s.SetInsertionPattern(""))
	assert.Nil(t, s.InsertionPattern())
}

func TestStore_SetFormEndpoint(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{name: "https url", input: "https://example.com/form", ok: true},
		{name: "http url with port", input: "http://example.com:8443/form?x=1", ok: true},
		{name: "surrounding whitespace", input: "  https://example.com/form  ", ok: true},
		{name: "empty", input: "", ok: false},
		{name: "relative path", input: "/form", ok: false},
		{name: "missing host", input: "https:///form", ok: false},
		{name: "unsupported scheme", input: "ftp://example.com/form", ok: false},
		{name: "garbage", input: "://bad url", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(nil)
			require.NoError(t, s.SetFormEndpoint("https://prior.example.com/form"))

			err := s.SetFormEndpoint(tt.input)
			if tt.ok {
				require.NoError(t, err)
				assert.NotEqual(t, "prior.example.com", s.FormEndpoint().Host)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidURL))
			assert.Equal(t, "https://prior.example.com/form", s.FormEndpoint().String())
		})
	}
}

func TestStore_SnapshotIsImmutable(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.SetInsertionPattern(`a=(\d+)`))
	before := s.Snapshot()

	require.NoError(t, s.SetInsertionPattern(`b=(\d+)`))

	assert.Equal(t, `a=(\d+)`, before.Insertion.String())
	assert.Equal(t, `b=(\d+)`, s.Snapshot().Insertion.String())
}

func TestStore_Apply(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.SetFormEndpoint("https://keep.example.com/form"))

	err := s.Apply(domain.Settings{
		InsertionPattern:  `tok=([A-Za-z0-9]*)&`,
		ExtractionPattern: `value="(`,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPatternSyntax))

	settings := s.Snapshot().Settings()
	assert.Equal(t, `tok=([A-Za-z0-9]*)&`, settings.InsertionPattern)
	assert.Empty(t, settings.ExtractionPattern)
	assert.Equal(t, "https://keep.example.com/form", settings.FormURL)
}

func TestStore_ConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s := NewStore(nil)
	require.NoError(t, s.SetInsertionPattern(`x=(\d)`))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := s.Snapshot()
				assert.NotNil(t, snap.Insertion)
			}
		}()
	}
	for j := 0; j < 200; j++ {
		_ = s.SetExtractionPattern(`y=(\d)`)
		_ = s.SetInsertionPattern(`x=(\d+)`)
	}
	wg.Wait()
}

func TestCompileCachesPatterns(t *testing.T) {
	clearCache()
	re1, err := compile(`c=(\d+)`)
	require.NoError(t, err)
	re2, err := compile(`c=(\d+)`)
	require.NoError(t, err)

	assert.Same(t, re1, re2)
	assert.Equal(t, 1, cacheSize())
}

func TestInvalidPatternNeverReplacesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := NewStore(nil)
		valid := rapid.StringMatching(`[a-z]{1,6}=\(\[a-z\]\*\)`).Draw(t, "valid")
		if err := s.SetInsertionPattern(valid); err != nil {
			t.Fatalf("valid pattern %q rejected: %v", valid, err)
		}

		broken := valid + rapid.SampledFrom([]string{"(", "[", "\\", "*?+", "(?P<"}).Draw(t, "suffix")
		if err := s.SetInsertionPattern(broken); err == nil {
			return
		}
		if got := s.InsertionPattern().String(); got != valid {
			t.Fatalf("expected %q to remain active, got %q", valid, got)
		}
	})
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(domain.Settings{
		InsertionPattern:  `tok=([A-Za-z0-9]*)&`,
		ExtractionPattern: `name="tok" value="([A-Za-z0-9]+)"`,
		FormURL:           "https://app.example/form",
	}))
	require.NoError(t, Validate(domain.Settings{}))

	err := Validate(domain.Settings{InsertionPattern: `tok=(`, ExtractionPattern: `no-group`, FormURL: "ftp://x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPatternSyntax)
	assert.ErrorIs(t, err, domain.ErrPatternGroups)
	assert.ErrorIs(t, err, domain.ErrInvalidURL)

	s := NewStore(nil)
	assert.Nil(t, s.InsertionPattern())
}
