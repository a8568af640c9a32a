// Package tracerr provides the uniform error-kind vocabulary used across
// cydbg's tracing engine. Every OS-primitive failure is routed through one
// of the helpers here so that it carries both a stable Kind (for callers
// that want to switch on it with errors.Is) and a captured stack trace
// (for humans reading a failure after the fact).
package tracerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a sentinel error identifying one of the failure categories a
// debugging session can hit. Wrap a Kind with New or Wrap (below) rather
// than returning it bare, so the wrapped error still carries a stack
// trace and a human-readable detail message.
type Kind error

// The fixed vocabulary of failure kinds. Test and REPL code distinguishes
// them with errors.Is(err, tracerr.IoError), etc.
var (
	IoError       Kind = errors.New("io error")
	BadFormat     Kind = errors.New("bad ELF format")
	OsError       Kind = errors.New("os error")
	MemoryFault   Kind = errors.New("memory fault")
	BadArgument   Kind = errors.New("bad argument")
	UnknownSymbol Kind = errors.New("unknown symbol")
	ChildGone     Kind = errors.New("no child process")
	SpawnFailed   Kind = errors.New("spawn failed")
	InternalError Kind = errors.New("internal error")
)

// kindError pairs a Kind with a specific message and a stack trace
// captured at the point of failure.
type kindError struct {
	kind  Kind
	msg   string
	stack error // from errors.WithStack, carries the frame
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// StackTrace lets callers that want the location (e.g. a top-level crash
// handler) retrieve it; satisfies github.com/pkg/errors' stackTracer.
func (e *kindError) StackTrace() errors.StackTrace {
	type stackTracer interface{ StackTrace() errors.StackTrace }
	if st, ok := e.stack.(stackTracer); ok {
		return st.StackTrace()
	}
	return nil
}

// New wraps kind with a formatted message and attaches a stack trace at
// the call site.
func New(kind Kind, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &kindError{kind: kind, msg: msg, stack: errors.WithStack(errors.New(msg))}
}

// Wrap attaches kind and a stack trace to an existing error produced by an
// OS primitive (a syscall.Errno, typically).
func Wrap(kind Kind, err error, context string) error {
	if err == nil {
		return nil
	}
	return &kindError{
		kind:  kind,
		msg:   fmt.Sprintf("%s: %v", context, err),
		stack: errors.WithStack(err),
	}
}

// Is reports whether err ultimately wraps kind. Thin pass-through kept so
// call sites need only import this package, not also errors.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
