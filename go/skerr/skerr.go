// Package skerr provides error wrapping that records the call site of the
// wrap, so that the eventual log line points at the code that failed rather
// than at the place the error was finally logged.
//
// Usage:
//
//	if err := doThing(); err != nil {
//	    return skerr.Wrapf(err, "doing thing for repo %d", repoID)
//	}
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// ErrorWithContext wraps an inner error with the call sites it passed through.
type ErrorWithContext struct {
	Wrapped error
	Context []string
}

// Error implements the error interface.
func (e *ErrorWithContext) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Wrapped.Error())
	if len(e.Context) > 0 {
		sb.WriteString(". At ")
		sb.WriteString(strings.Join(e.Context, " "))
	}
	return sb.String()
}

// Unwrap supports errors.Is and errors.As.
func (e *ErrorWithContext) Unwrap() error {
	return e.Wrapped
}

func callerLocation(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "???"
	}
	if i := strings.LastIndexByte(file, '/'); i >= 0 {
		file = file[i+1:]
	}
	return fmt.Sprintf("%s:%d", file, line)
}

// Wrap adds the current call site to err. Returns nil if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if ctx, ok := err.(*ErrorWithContext); ok {
		ctx.Context = append(ctx.Context, callerLocation(1))
		return ctx
	}
	return &ErrorWithContext{
		Wrapped: err,
		Context: []string{callerLocation(1)},
	}
}

// Wrapf is like Wrap but prepends a formatted message describing what was
// being attempted. Returns nil if err is nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &ErrorWithContext{
		Wrapped: fmt.Errorf("%s: %w", msg, err),
		Context: []string{callerLocation(1)},
	}
}

// Fmt creates a new error with the current call site attached.
func Fmt(format string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped: fmt.Errorf(format, args...),
		Context: []string{callerLocation(1)},
	}
}

// Unwrap returns the innermost non-skerr error.
func Unwrap(err error) error {
	for {
		ctx, ok := err.(*ErrorWithContext)
		if !ok {
			return err
		}
		err = ctx.Wrapped
	}
}
