// Package patterns holds the active token configuration: the insertion pattern
// applied to outbound requests, the extraction pattern applied to the form page,
// and the form endpoint URL.
//
// The configuration is an immutable Snapshot swapped atomically by the setters.
// A rejected value never replaces the active one, and readers never observe a
// partially updated configuration.
package patterns

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/polisai/polis-token/pkg/domain"
)

// Configuration field names used in errors and events.
const (
	FieldInsertionPattern  = "insertion_pattern"
	FieldExtractionPattern = "extraction_pattern"
	FieldFormURL           = "form_url"
)

// Snapshot is one fully valid configuration. A nil pattern is unset and matches
// nothing; a nil FormURL is unset.
type Snapshot struct {
	Insertion  *regexp.Regexp
	Extraction *regexp.Regexp
	FormURL    *url.URL
}

// Settings renders the snapshot back to its textual form.
func (s *Snapshot) Settings() domain.Settings {
	var out domain.Settings
	if s == nil {
		return out
	}
	if s.Insertion != nil {
		out.InsertionPattern = s.Insertion.String()
	}
	if s.Extraction != nil {
		out.ExtractionPattern = s.Extraction.String()
	}
	if s.FormURL != nil {
		out.FormURL = s.FormURL.String()
	}
	return out
}

// Store holds the active Snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
	// mu serialises writers so each setter is a clean read-modify-swap.
	mu   sync.Mutex
	sink domain.EventSink
}

// NewStore returns a store with everything unset. Diagnostics for accepted and
// rejected values go to sink; a nil sink discards them.
func NewStore(sink domain.EventSink) *Store {
	if sink == nil {
		sink = domain.DiscardSink
	}
	s := &Store{sink: sink}
	s.current.Store(&Snapshot{})
	return s
}

// Snapshot returns the active configuration.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// InsertionPattern returns the active insertion pattern, or nil when unset.
func (s *Store) InsertionPattern() *regexp.Regexp {
	return s.Snapshot().Insertion
}

// ExtractionPattern returns the active extraction pattern, or nil when unset.
func (s *Store) ExtractionPattern() *regexp.Regexp {
	return s.Snapshot().Extraction
}

// FormEndpoint returns the active form endpoint, or nil when unset.
func (s *Store) FormEndpoint() *url.URL {
	return s.Snapshot().FormURL
}

// SetInsertionPattern compiles expr and makes it the active insertion pattern.
// An empty expression clears the pattern.
func (s *Store) SetInsertionPattern(expr string) error {
	re, err := compilePattern(FieldInsertionPattern, expr)
	if err != nil {
		s.reject(FieldInsertionPattern, expr, err)
		return err
	}
	s.swap(func(next *Snapshot) { next.Insertion = re })
	s.accept(FieldInsertionPattern, expr)
	return nil
}

// SetExtractionPattern compiles expr and makes it the active extraction pattern.
// An empty expression clears the pattern.
func (s *Store) SetExtractionPattern(expr string) error {
	re, err := compilePattern(FieldExtractionPattern, expr)
	if err != nil {
		s.reject(FieldExtractionPattern, expr, err)
		return err
	}
	s.swap(func(next *Snapshot) { next.Extraction = re })
	s.accept(FieldExtractionPattern, expr)
	return nil
}

// SetFormEndpoint parses raw as an absolute http(s) URL and makes it the active
// form endpoint.
func (s *Store) SetFormEndpoint(raw string) error {
	u, err := parseEndpoint(raw)
	if err != nil {
		s.reject(FieldFormURL, raw, err)
		return err
	}
	s.swap(func(next *Snapshot) { next.FormURL = u })
	s.accept(FieldFormURL, u.String())
	return nil
}

// Apply runs every setter for the given settings. Patterns are always applied
// (an empty pattern clears it); an empty form URL leaves the endpoint alone.
// Rejected fields are joined into the returned error and keep their prior value.
func (s *Store) Apply(settings domain.Settings) error {
	var errs []error
	if err := s.SetInsertionPattern(settings.InsertionPattern); err != nil {
		errs = append(errs, err)
	}
	if err := s.SetExtractionPattern(settings.ExtractionPattern); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(settings.FormURL) != "" {
		if err := s.SetFormEndpoint(settings.FormURL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks settings without applying them, returning the same errors the
// setters would.
func Validate(settings domain.Settings) error {
	var errs []error
	if _, err := compilePattern(FieldInsertionPattern, settings.InsertionPattern); err != nil {
		errs = append(errs, err)
	}
	if _, err := compilePattern(FieldExtractionPattern, settings.ExtractionPattern); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(settings.FormURL) != "" {
		if _, err := parseEndpoint(settings.FormURL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) swap(update func(next *Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	update(&next)
	s.current.Store(&next)
}

func (s *Store) accept(field, value string) {
	s.sink.Emit(context.Background(), domain.Event{
		Kind:  domain.EventConfigApplied,
		Field: field,
		Value: value,
	})
}

func (s *Store) reject(field, value string, err error) {
	s.sink.Emit(context.Background(), domain.Event{
		Kind:  domain.EventConfigRejected,
		Field: field,
		Value: value,
		Err:   err,
	})
}

func compilePattern(field, expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}

	re, err := compile(expr)
	if err != nil {
		return nil, &domain.ConfigError{Field: field, Value: expr, Err: domain.ErrPatternSyntax, Cause: err}
	}
	if re.NumSubexp() < 1 {
		return nil, &domain.ConfigError{Field: field, Value: expr, Err: domain.ErrPatternGroups}
	}
	return re, nil
}

func parseEndpoint(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &domain.ConfigError{Field: FieldFormURL, Value: raw, Err: domain.ErrInvalidURL, Cause: err}
	}
	if !u.IsAbs() || u.Host == "" || u.Hostname() == "" {
		return nil, &domain.ConfigError{Field: FieldFormURL, Value: raw, Err: domain.ErrInvalidURL}
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, &domain.ConfigError{Field: FieldFormURL, Value: raw, Err: domain.ErrInvalidURL}
	}
	return u, nil
}
