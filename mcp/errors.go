package mcp

import (
	"errors"
	"fmt"
	"time"
)

// ErrProviderNotFound marks a configuration-level failure: the caller asked
// for a provider the registry never declared. No process is spawned.
var ErrProviderNotFound = errors.New("provider not found")

// SpawnError reports that the provider command could not be launched.
type SpawnError struct {
	Provider string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn provider %s: %v", e.Provider, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed exchange: unparseable records, a missing
// correlation identifier, or a response echoing the wrong one.
type ProtocolError struct {
	Provider string
	Detail   string
	Stderr   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("provider %s protocol error: %s", e.Provider, e.Detail)
}

// TimeoutError reports that no response arrived within the configured bound.
// The underlying process is torn down before this error is returned.
type TimeoutError struct {
	Provider string
	After    time.Duration
	Stderr   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s timed out after %s", e.Provider, e.After)
}

// CrashError reports that the provider process exited before producing its
// response. Captured stderr is attached so callers can surface diagnostics.
type CrashError struct {
	Provider string
	Stderr   string
}

func (e *CrashError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("provider %s exited before responding: %s", e.Provider, e.Stderr)
	}
	return fmt.Sprintf("provider %s exited before responding", e.Provider)
}

// stderrOf pulls the captured diagnostic output out of a lifecycle error.
func stderrOf(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Stderr
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Stderr
	}
	var ce *CrashError
	if errors.As(err, &ce) {
		return ce.Stderr
	}
	return ""
}
