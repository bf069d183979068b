// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package storagedef

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrConfigIncomplete = errors.New("configuration incomplete")
	ErrLoginFailed      = errors.New("login failed")
	ErrAuthRejected     = errors.New("credentials rejected")
	ErrMissingField     = errors.New("missing field")
	ErrMalformedRow     = errors.New("malformed row")
	ErrPaginationLoop   = errors.New("pagination loop")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrUnsupported      = errors.New("operation not supported")
	ErrBodyTooLarge     = errors.New("response body too large")
)

// ConfigError reports a VendorConfig that cannot be used.
type ConfigError struct {
	Array  string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason != "" {
		if e.Array != "" {
			return fmt.Sprintf("config %q invalid: %s: %s", e.Array, e.Field, e.Reason)
		}
		return fmt.Sprintf("config invalid: %s: %s", e.Field, e.Reason)
	}
	if e.Array != "" {
		return fmt.Sprintf("config %q incomplete: %s is required", e.Array, e.Field)
	}
	return fmt.Sprintf("config incomplete: %s is required", e.Field)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfigIncomplete }

// AuthErrorKind distinguishes a failed login from a rejected session.
type AuthErrorKind int

const (
	// AuthLoginFailed means the vendor refused or failed the login call
	AuthLoginFailed AuthErrorKind = iota
	// AuthRejected means a freshly established session was refused again
	AuthRejected
)

func (k AuthErrorKind) String() string {
	if k == AuthRejected {
		return "rejected"
	}
	return "login_failed"
}

// AuthError reports an authentication failure against one endpoint.
type AuthError struct {
	Kind       AuthErrorKind
	Vendor     VendorType
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s auth %s at %s", e.Vendor, e.Kind, e.Endpoint)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrAuthRejected:
		return e.Kind == AuthRejected
	case ErrLoginFailed:
		return e.Kind == AuthLoginFailed
	}
	return false
}

// CodecErrorKind classifies decode failures.
type CodecErrorKind int

const (
	CodecSyntax CodecErrorKind = iota
	CodecMissingField
	CodecMalformedRow
	CodecInvalidValue
	CodecUnsupportedShape
)

// CodecError reports a payload that could not be mapped.
type CodecError struct {
	Kind  CodecErrorKind
	Shape string
	Field string
	// Row is the zero-based CSV row (the header is row 0) or the
	// zero-based record index for XML and JSON.
	Row int
	Err error
}

func (e *CodecError) Error() string {
	var msg string
	switch e.Kind {
	case CodecMissingField:
		msg = fmt.Sprintf("%s: missing field %q in record %d", e.Shape, e.Field, e.Row)
	case CodecMalformedRow:
		msg = fmt.Sprintf("%s: malformed row %d", e.Shape, e.Row)
	case CodecInvalidValue:
		msg = fmt.Sprintf("%s: invalid value for %q in record %d", e.Shape, e.Field, e.Row)
	case CodecUnsupportedShape:
		msg = fmt.Sprintf("unsupported shape %q", e.Shape)
	default:
		msg = fmt.Sprintf("%s: syntax error", e.Shape)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CodecError) Unwrap() error { return e.Err }

func (e *CodecError) Is(target error) bool {
	switch target {
	case ErrMissingField:
		return e.Kind == CodecMissingField
	case ErrMalformedRow:
		return e.Kind == CodecMalformedRow
	}
	return false
}

// DispatchErrorKind classifies request failures.
type DispatchErrorKind int

const (
	DispatchTransport DispatchErrorKind = iota
	DispatchTimeout
	DispatchStatus
	DispatchPaginationLoop
	DispatchExhausted
)

func (k DispatchErrorKind) String() string {
	switch k {
	case DispatchTimeout:
		return "timeout"
	case DispatchStatus:
		return "status"
	case DispatchPaginationLoop:
		return "pagination_loop"
	case DispatchExhausted:
		return "exhausted"
	default:
		return "transport"
	}
}

// DispatchError reports a request that did not yield a usable response.
type DispatchError struct {
	Kind       DispatchErrorKind
	Operation  string
	URL        string
	StatusCode int
	Attempts   int
	Pages      int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Operation, e.Kind)
	switch e.Kind {
	case DispatchStatus:
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
	case DispatchPaginationLoop:
		msg += fmt.Sprintf(" after %d pages", e.Pages)
	case DispatchExhausted:
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Is(target error) bool {
	switch target {
	case ErrPaginationLoop:
		return e.Kind == DispatchPaginationLoop
	case ErrRetriesExhausted:
		return e.Kind == DispatchExhausted
	}
	return false
}

// TimedOut reports whether the request hit its deadline, either directly or
// on the last attempt before retries ran out.
func (e *DispatchError) TimedOut() bool {
	switch e.Kind {
	case DispatchTimeout:
		return true
	case DispatchExhausted:
		var last *DispatchError
		return errors.As(e.Err, &last) && last.TimedOut()
	}
	return false
}

// Transient reports whether retrying the same request may succeed.
func (e *DispatchError) Transient() bool {
	switch e.Kind {
	case DispatchTransport, DispatchTimeout:
		return true
	case DispatchStatus:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// AdapterError carries a vendor-reported failure, including errors that
// arrive inside a successful HTTP response.
type AdapterError struct {
	Vendor    VendorType
	Operation string
	Code      string
	Message   string
}

func (e *AdapterError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Vendor, e.Operation, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Vendor, e.Operation, e.Message)
}

// Unsupported returns an error matching ErrUnsupported for an operation.
func Unsupported(vendor VendorType, operation string) error {
	return fmt.Errorf("%s %s: %w", vendor, operation, ErrUnsupported)
}
