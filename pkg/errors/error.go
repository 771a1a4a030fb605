package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Error is an application error carrying a stable code for the HTTP
// envelope and the judge's retry decisions.
type Error struct {
	Code    ErrorCode
	Message string // overrides the code's default text when set
	Details map[string]interface{}
	Err     error
	Stack   string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code.Message()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with the code's default message.
func New(code ErrorCode) *Error {
	return newError(code, code.Message(), nil)
}

// Newf creates an Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return newError(code, fmt.Sprintf(format, args...), nil)
}

// Wrap attaches code to err, keeping err's text as the message.
// An *Error inside err is not modified.
func Wrap(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	return newError(code, err.Error(), err)
}

// Wrapf attaches code and a formatted message to err.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(code, fmt.Sprintf(format, args...), err)
}

func newError(code ErrorCode, msg string, err error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Err:     err,
		Details: make(map[string]interface{}),
		Stack:   callerStack(3),
	}
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	e.Message = fmt.Sprintf(format, args...)
	return e
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetCode returns the code of the outermost *Error in err's chain,
// Success for nil and InternalServerError for foreign errors.
func GetCode(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return InternalServerError
}

// GetError returns the outermost *Error in err's chain, wrapping foreign
// errors as InternalServerError.
func GetError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Wrap(err, InternalServerError)
}

// Is reports whether the outermost *Error in err's chain has code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	return err != nil && stderrors.As(err, &e) && e.Code == code
}

func callerStack(skip int) string {
	var pcs [10]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") {
			fmt.Fprintf(&b, "\n\t%s:%d %s", frame.File, frame.Line, frame.Function)
		}
		if !more {
			break
		}
	}
	return b.String()
}

// ValidationError reports a rejected request field.
func ValidationError(field, reason string) *Error {
	return New(ValidationFailed).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

// JobPayloadError reports a malformed judge job field.
func JobPayloadError(field, reason string) *Error {
	return New(InvalidJobPayload).
		WithMessagef("invalid job payload: %s %s", field, reason).
		WithDetail("field", field)
}
