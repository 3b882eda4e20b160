package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSourcesAvailable means every source was dead, errored or gave no
	// answer. The engine does not retry; callers may retry once dead markers
	// expire.
	ErrNoSourcesAvailable = errors.New("no sources were available to query")

	// ErrSourceQueryFailed wraps a single source failure. It is logged and
	// absorbed, never returned to callers.
	ErrSourceQueryFailed = errors.New("source query failed")

	// ErrStorageUnavailable wraps a single backend failure. It is logged and
	// the backend is skipped for that operation.
	ErrStorageUnavailable = errors.New("storage backend unavailable")
)

// ResolutionError wraps an unexpected failure while resolving a subject.
type ResolutionError struct {
	Subject string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not get data for %s: %v", e.Subject, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// wrapResolution passes through errors callers are expected to match on and
// wraps everything else in a ResolutionError.
func wrapResolution(subject string, err error) error {
	if err == nil {
		return nil
	}
	var re *ResolutionError
	if errors.Is(err, ErrNoSourcesAvailable) || errors.As(err, &re) {
		return err
	}
	return &ResolutionError{Subject: subject, Err: err}
}
