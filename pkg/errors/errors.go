package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// 错误分类码，与 HTTP 状态码一一对应
const (
	CodeValidation    = http.StatusBadRequest
	CodeUnauthorized  = http.StatusUnauthorized
	CodeNotAuthorized = http.StatusForbidden
	CodeNotFound      = http.StatusNotFound
	CodeConflict      = http.StatusConflict
	CodeServer        = http.StatusInternalServerError
)

// Error represents a classified error with stack trace
type Error struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"errors,omitempty"`
	Err     error        `json:"-"` // 原始错误，不序列化
	Stack   string       `json:"-"`
	Context []KeyValue   `json:"context,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"msg"`
	Value   any    `json:"value,omitempty"`
}

// KeyValue represents a key-value pair for context
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

// Unwrap implements the errors.Wrapper interface
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two *Error values by code, so callers can write
// errors.Is(err, errors.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code != 0 && t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation    = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrUnauthorized  = &Error{Code: CodeUnauthorized, Message: "authentication required"}
	ErrNotAuthorized = &Error{Code: CodeNotAuthorized, Message: "not authorized"}
	ErrNotFound      = &Error{Code: CodeNotFound, Message: "not found"}
	ErrConflict      = &Error{Code: CodeConflict, Message: "concurrent modification"}
	ErrServer        = &Error{Code: CodeServer, Message: "Server error"}
)

// WithCode creates a new error with code
func WithCode(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(),
	}
}

// WithCodef creates a new error with code and formatted message
func WithCodef(code int, format string, args ...interface{}) *Error {
	return WithCode(code, fmt.Sprintf(format, args...))
}

// Validation builds a 400 error carrying field level detail.
func Validation(message string, fields ...FieldError) *Error {
	e := WithCode(CodeValidation, message)
	e.Fields = fields
	return e
}

// NotFound builds a 404 error, e.g. NotFound("Alert not found").
func NotFound(message string) *Error { return WithCode(CodeNotFound, message) }

// NotAuthorized builds a 403 error.
func NotAuthorized(message string) *Error { return WithCode(CodeNotAuthorized, message) }

// Unauthorized builds a 401 error.
func Unauthorized(message string) *Error { return WithCode(CodeUnauthorized, message) }

// Conflict builds a 409 error.
func Conflict(message string) *Error { return WithCode(CodeConflict, message) }

// Wrap wraps an error with message
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    GetCode(err),
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Internal wraps an unexpected failure as a ServerError.
func Internal(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 && e.Code != CodeServer {
		return e
	}
	return &Error{
		Code:    CodeServer,
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// New creates a new error
func New(message string) *Error {
	return &Error{
		Message: message,
		Stack:   captureStack(),
	}
}

// WithContext adds context to an error
func (e *Error) WithContext(key, value string) *Error {
	if e == nil {
		return nil
	}

	// 创建新的错误实例以避免修改原始错误
	newErr := *e
	newErr.Context = make([]KeyValue, len(e.Context), len(e.Context)+1)
	copy(newErr.Context, e.Context)
	newErr.Context = append(newErr.Context, KeyValue{Key: key, Value: value})

	return &newErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 1024)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// 移除顶部几行（通常是 captureStack 和 Error 相关的调用）
	lines := strings.Split(stack, "\n")
	if len(lines) > 6 {
		stack = strings.Join(lines[6:], "\n")
	}

	return strings.TrimSpace(stack)
}

// GetCode returns the first classification code found along the chain,
// or 0 when the error was never classified.
func GetCode(err error) int {
	var e *Error
	for err != nil {
		if stderrors.As(err, &e) {
			if e.Code != 0 {
				return e.Code
			}
			err = e.Err
			continue
		}
		return 0
	}
	return 0
}

// HTTPStatus maps an error onto the status written to the client.
func HTTPStatus(err error) int {
	code := GetCode(err)
	if code < 400 || code > 599 {
		return CodeServer
	}
	return code
}

// GetMessage returns the error message
func GetMessage(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// GetStack returns the error stack trace
func GetStack(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Stack
	}
	return ""
}

// Cause returns the underlying error
func Cause(err error) error {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Err != nil {
			err = e.Err
		} else {
			return err
		}
	}
	return err
}

// Format implements fmt.Formatter
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s", e.Error())
			if e.Err != nil {
				fmt.Fprintf(s, ": %v", e.Err)
			}
			if e.Stack != "" {
				fmt.Fprintf(s, "\n%s", e.Stack)
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprintf(s, "%s", e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
