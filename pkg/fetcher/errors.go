package fetcher

import (
	"errors"
	"fmt"

	"github.com/polisai/polis-token/pkg/domain"
)

// FetchError reports that the form page could not be retrieved. errors.Is
// matches it against domain.ErrFetchFailed; the transport error is available
// through Unwrap.
type FetchError struct {
	URL string
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports whether target is domain.ErrFetchFailed.
func (e *FetchError) Is(target error) bool {
	return target == domain.ErrFetchFailed
}

// IsUnreachable reports whether err means the form page could not be reached,
// as opposed to the token being absent from it.
func IsUnreachable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
