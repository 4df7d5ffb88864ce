// Package errors provides a severity-carrying error type with cause chaining
// and logging helpers. It has no Is or As of its own; Error implements Unwrap,
// so the standard errors.Is and errors.As work on its values.
package errors // import "github.com/boltconn/boltconn/common/errors"

import (
	"context"
	"runtime"
	"strings"

	"github.com/boltconn/boltconn/common/log"
	"github.com/boltconn/boltconn/common/serial"
)

const trim = len("github.com/boltconn/boltconn/")

type hasInnerError interface {
	// Unwrap returns the underlying error of this one.
	Unwrap() error
}

type hasSeverity interface {
	Severity() log.Severity
}

// Error is an error object with underlying error.
type Error struct {
	message  []interface{}
	caller   string
	inner    error
	severity log.Severity
}

// Error implements error.Error().
func (err *Error) Error() string {
	builder := strings.Builder{}

	if len(err.caller) > 0 {
		builder.WriteString(err.caller)
		builder.WriteString(": ")
	}

	builder.WriteString(serial.Concat(err.message...))

	if err.inner != nil {
		builder.WriteString(" > ")
		builder.WriteString(err.inner.Error())
	}

	return builder.String()
}

// Unwrap implements hasInnerError.Unwrap()
func (err *Error) Unwrap() error {
	if err.inner == nil {
		return nil
	}
	return err.inner
}

// Base attaches e as the underlying error of err.
func (err *Error) Base(e error) *Error {
	err.inner = e
	return err
}

func (err *Error) atSeverity(s log.Severity) *Error {
	err.severity = s
	return err
}

// Severity returns the actual severity of the error, including that of the inner errors.
func (err *Error) Severity() log.Severity {
	if err.inner == nil {
		return err.severity
	}

	if s, ok := err.inner.(hasSeverity); ok {
		as := s.Severity()
		if as < err.severity {
			return as
		}
	}

	return err.severity
}

// AtDebug sets the severity to debug.
func (err *Error) AtDebug() *Error {
	return err.atSeverity(log.Severity_Debug)
}

// AtInfo sets the severity to info.
func (err *Error) AtInfo() *Error {
	return err.atSeverity(log.Severity_Info)
}

// AtWarning sets the severity to warning.
func (err *Error) AtWarning() *Error {
	return err.atSeverity(log.Severity_Warning)
}

// AtError sets the severity to error.
func (err *Error) AtError() *Error {
	return err.atSeverity(log.Severity_Error)
}

func sourceLine(skip int) string {
	pc := make([]uintptr, 1)
	if runtime.Callers(skip, pc) == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames(pc).Next()
	fn := frame.Function
	if len(fn) > trim && strings.HasPrefix(fn, "github.com/boltconn/boltconn/") {
		fn = fn[trim:]
	}
	if idx := strings.LastIndexByte(fn, '.'); idx >= 0 {
		fn = fn[:idx]
	}
	return fn
}

// New returns a new error object with message formed from given arguments.
func New(msg ...interface{}) *Error {
	return &Error{
		message:  msg,
		caller:   sourceLine(3),
		severity: log.Severity_Info,
	}
}

// Cause returns the root cause of this error.
func Cause(err error) error {
	if err == nil {
		return nil
	}
	for {
		inner, ok := err.(hasInnerError)
		if !ok || inner.Unwrap() == nil {
			break
		}
		err = inner.Unwrap()
	}
	return err
}

func severity(err error) log.Severity {
	if s, ok := err.(hasSeverity); ok {
		return s.Severity()
	}
	return log.Severity_Info
}

func logMessage(_ context.Context, s log.Severity, msg ...interface{}) {
	log.Record(&log.GeneralMessage{
		Severity: s,
		Content:  serial.Concat(msg...),
	})
}

// LogDebug outputs a debug log with given content.
func LogDebug(ctx context.Context, msg ...interface{}) {
	logMessage(ctx, log.Severity_Debug, msg...)
}

// LogDebugInner is like LogDebug, with the inner error appended.
func LogDebugInner(ctx context.Context, inner error, msg ...interface{}) {
	logMessage(ctx, log.Severity_Debug, append(msg, " > ", inner)...)
}

// LogInfo outputs an info log with given content.
func LogInfo(ctx context.Context, msg ...interface{}) {
	logMessage(ctx, log.Severity_Info, msg...)
}

// LogInfoInner is like LogInfo, with the inner error appended.
func LogInfoInner(ctx context.Context, inner error, msg ...interface{}) {
	logMessage(ctx, log.Severity_Info, append(msg, " > ", inner)...)
}

// LogWarning outputs a warning log with given content.
func LogWarning(ctx context.Context, msg ...interface{}) {
	logMessage(ctx, log.Severity_Warning, msg...)
}

// LogWarningInner is like LogWarning, with the inner error appended.
func LogWarningInner(ctx context.Context, inner error, msg ...interface{}) {
	logMessage(ctx, log.Severity_Warning, append(msg, " > ", inner)...)
}

// LogError outputs an error log with given content.
func LogError(ctx context.Context, msg ...interface{}) {
	logMessage(ctx, log.Severity_Error, msg...)
}

// LogErrorInner is like LogError, with the inner error appended.
func LogErrorInner(ctx context.Context, inner error, msg ...interface{}) {
	logMessage(ctx, log.Severity_Error, append(msg, " > ", inner)...)
}
