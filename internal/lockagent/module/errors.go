package module

import (
	"errors"
	"fmt"
)

// ErrNoRemoteModule is returned when no candidate produced a usable module.
// It wraps the per-candidate failures and is not a hard failure.
var ErrNoRemoteModule = errors.New("no remote control module available")

// ErrNoCachedModule is returned by Cache.Load when nothing usable is cached.
var ErrNoCachedModule = errors.New("no cached control module")

// FetchError is a failed retrieval of one candidate: timeout, transport
// error, non-200 status, empty or oversized body.
type FetchError struct {
	Location string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Location, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError is a retrieved candidate rejected by the validation gate.
type ValidationError struct {
	Location string
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validate %s: %s: %v", e.Location, e.Reason, e.Err)
	}
	return fmt.Sprintf("validate %s: %s", e.Location, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
