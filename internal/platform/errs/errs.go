// Package errs provides domain-segmented errors for the netting and
// settlement engine, carrying enough structure for callers to branch on
// error kind without string matching.
package errs

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel errors for conditions with no domain-specific code.
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

func Is(err, target error) bool             { return errors.Is(err, target) }
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Error is a domain error carrying the failing operation, a machine
// code, free-form context fields, and an optional wrapped cause.
type Error struct {
	Original  error
	Domain    string
	Code      string
	Message   string
	Operation string
	Fields    map[string]interface{}
	Stack     string
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("[")
	if e.Domain != "" {
		sb.WriteString(e.Domain)
		if e.Operation != "" {
			sb.WriteString(".")
			sb.WriteString(e.Operation)
		}
	} else if e.Operation != "" {
		sb.WriteString(e.Operation)
	}
	sb.WriteString("] ")

	if e.Code != "" {
		sb.WriteString("Code=")
		sb.WriteString(e.Code)
		sb.WriteString(": ")
	}
	if e.Message != "" {
		sb.WriteString(e.Message)
	}
	if e.Original != nil {
		if e.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(e.Original.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Original }

// WithStack attaches a captured stack trace, unless one is already present.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Stack != "" {
		return err
	}

	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			fmt.Fprintf(&sb, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}

	if errors.As(err, &domainErr) {
		domainErr.Stack = sb.String()
		return domainErr
	}
	return &Error{Original: err, Stack: sb.String()}
}

// WithField returns a copy of err (wrapping it in an *Error if it isn't
// one already) carrying one additional context field.
func WithField(err error, key string, value interface{}) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		fields := make(map[string]interface{}, len(domainErr.Fields)+1)
		for k, v := range domainErr.Fields {
			fields[k] = v
		}
		fields[key] = value
		return &Error{
			Original:  domainErr.Original,
			Domain:    domainErr.Domain,
			Code:      domainErr.Code,
			Message:   domainErr.Message,
			Operation: domainErr.Operation,
			Fields:    fields,
			Stack:     domainErr.Stack,
		}
	}
	return &Error{Original: err, Fields: map[string]interface{}{key: value}}
}
