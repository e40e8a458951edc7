// Package apperr defines the structured error kinds surfaced by the recording
// and revision pipeline. Every user-visible failure carries a stable Kind plus
// human-readable detail.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindAdapterStart      Kind = "adapter_start"
	KindAdapterRuntime    Kind = "adapter_runtime"
	KindNoSignal          Kind = "no_signal"
	KindSessionState      Kind = "session_state"
	KindConcurrentSession Kind = "concurrent_session"
	KindTranscriptionTool Kind = "transcription_tool"
	KindGenerationRuntime Kind = "generation_runtime"
	KindNotFound          Kind = "not_found"
	KindInvalidInput      Kind = "invalid_input"
)

// Error is the structured error type. Err, when set, is the underlying cause.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Detail != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so callers can
// write errors.Is(err, apperr.ErrNoSignal).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

// Sentinels for errors.Is matching by kind.
var (
	ErrAdapterStart      = &Error{Kind: KindAdapterStart}
	ErrAdapterRuntime    = &Error{Kind: KindAdapterRuntime}
	ErrNoSignal          = &Error{Kind: KindNoSignal}
	ErrSessionState      = &Error{Kind: KindSessionState}
	ErrConcurrentSession = &Error{Kind: KindConcurrentSession}
	ErrTranscriptionTool = &Error{Kind: KindTranscriptionTool}
	ErrGenerationRuntime = &Error{Kind: KindGenerationRuntime}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
)

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsFatal reports whether an adapter-level error must end the session.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAdapterStart, KindAdapterRuntime, KindNoSignal:
		return true
	}
	return false
}
