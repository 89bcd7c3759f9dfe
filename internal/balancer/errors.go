package balancer

import (
	"errors"
	"fmt"

	"chaingate/internal/endpoints"
)

var (
	// ErrNoEndpoints is returned when a fetch is given an empty endpoint list.
	ErrNoEndpoints = errors.New("no endpoints available")
	// ErrExhausted matches every FetchError.
	ErrExhausted = errors.New("all endpoint/query combinations failed")
	// ErrNotFound matches a FetchError whose attempts all returned empty results.
	ErrNotFound = errors.New("no matching records")
)

// FetchError is returned when every endpoint and query variant failed.
type FetchError struct {
	Chain    string
	Protocol endpoints.Protocol
	Attempts int
	Last     Outcome
	NotFound bool
}

func (e *FetchError) Error() string {
	last := "unknown"
	if e.Last.Err != nil {
		last = e.Last.Err.Error()
	}
	return fmt.Sprintf("%s %s: %s after %d attempts. Last error: %s", e.Chain, e.Protocol, ErrExhausted, e.Attempts, last)
}

func (e *FetchError) Unwrap() []error {
	errs := []error{ErrExhausted}
	if e.NotFound {
		errs = append(errs, ErrNotFound)
	}
	if e.Last.Err != nil {
		errs = append(errs, e.Last.Err)
	}
	return errs
}
