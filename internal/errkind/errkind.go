// Package errkind classifies the fatal error conditions the catchup engine
// can raise so the CLI layer can map them to diagnostics without string
// matching.
package errkind

import (
	"github.com/pkg/errors"
)

// Kind identifies one of the fatal error categories from the design's error
// handling section. All kinds are fatal; none are retried.
type Kind int

const (
	// Unknown is returned by Of when err carries no Kind.
	Unknown Kind = iota
	PreconditionViolation
	MappingError
	TimelineDivergence
	BlockTrackingStale
	LSNInversion
	IOFailure
	StreamingFailure
	DatabaseProtocolFailure
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case PreconditionViolation:
		return "PreconditionViolation"
	case MappingError:
		return "MappingError"
	case TimelineDivergence:
		return "TimelineDivergence"
	case BlockTrackingStale:
		return "BlockTrackingStale"
	case LSNInversion:
		return "LSNInversion"
	case IOFailure:
		return "IOFailure"
	case StreamingFailure:
		return "StreamingFailure"
	case DatabaseProtocolFailure:
		return "DatabaseProtocolFailure"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// kindError pairs a Kind with the wrapped cause. It implements Unwrap so
// errors.Is/As (and pkg/errors' Cause) keep working through it.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Cause() error  { return e.cause }

// New wraps msg into a fatal error of the given kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, cause: errors.New(msg)}
}

// Wrap attaches kind to err, adding msg as context. Returns nil if err is nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// Of recovers the Kind attached to err, walking the Unwrap chain. The second
// return value is false if no Kind was ever attached.
func Of(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Unknown, false
}

// Is reports whether err (anywhere in its chain) carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
