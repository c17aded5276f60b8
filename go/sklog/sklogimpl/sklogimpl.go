// Package sklogimpl contains the actual logging implementation used by the
// sklog package. It is split out so that backends can be swapped without
// creating an import cycle.
package sklogimpl

import "sync/atomic"

// Severity of a log line.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// Logger is implemented by logging backends.
type Logger interface {
	// Log emits one log line. depth is the number of stack frames to skip
	// when reporting the call site. If format is empty the args are formatted
	// with fmt.Sprint, otherwise with fmt.Sprintf.
	Log(depth int, severity Severity, format string, args ...interface{})

	// Flush writes any buffered log lines.
	Flush()
}

var logger atomic.Value

// SetLogger changes the package to use the given Logger.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log logs to the current Logger.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Log(depth+1, severity, format, args...)
}

// Flush flushes the current Logger.
func Flush() {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Flush()
}
