package platform

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the uniform failure taxonomy shared by every platform.
type ErrorKind string

const (
	KindAuthExpired       ErrorKind = "AuthExpired"
	KindTokenRefreshable  ErrorKind = "TokenRefreshable"
	KindRequiresReconnect ErrorKind = "RequiresReconnect"
	KindRateLimited       ErrorKind = "RateLimited"
	KindValidationFailed  ErrorKind = "ValidationFailed"
	KindMediaUnsupported  ErrorKind = "MediaUnsupported"
	KindUnknown           ErrorKind = "Unknown"
)

// AuthScheme names the authorization used for the failing call.
type AuthScheme string

const (
	SchemeNone   AuthScheme = ""
	SchemeBearer AuthScheme = "bearer"
	SchemeOAuth1 AuthScheme = "oauth1"
	SchemeBot    AuthScheme = "bot"
)

// APIError is a non-2xx (or in-band error) response from a platform API.
type APIError struct {
	Platform   Platform
	Status     int
	Code       string
	Message    string
	Scheme     AuthScheme
	Phase      string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}

	prefix := fmt.Sprintf("%s api status %d", e.Platform, e.Status)
	if e.Phase != "" {
		prefix = fmt.Sprintf("%s upload %s status %d", e.Platform, e.Phase, e.Status)
	}
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %s", prefix, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("%s: %s", prefix, e.Code)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	default:
		return prefix
	}
}

// Hint tells the caller what remediation a failure calls for.
type Hint struct {
	RequiresTokenRefresh bool `json:"requiresTokenRefresh"`
	RequiresReconnect    bool `json:"requiresReconnect"`
	Retryable            bool `json:"retryable"`
}

// HintFor derives the remediation hint for a failure kind. retryable only
// matters for Unknown failures; rate limits are always wait-and-retry.
func HintFor(kind ErrorKind, retryable bool) Hint {
	switch kind {
	case KindTokenRefreshable:
		return Hint{RequiresTokenRefresh: true}
	case KindAuthExpired, KindRequiresReconnect:
		return Hint{RequiresReconnect: true}
	case KindRateLimited:
		return Hint{Retryable: true}
	case KindUnknown:
		return Hint{Retryable: retryable}
	default:
		return Hint{}
	}
}

// Failure is a classified delivery failure.
type Failure struct {
	Kind       ErrorKind
	Detail     string
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

// NewFailure creates a classified failure without an underlying cause.
func NewFailure(kind ErrorKind, detail string) *Failure {
	return &Failure{Kind: kind, Detail: detail}
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Hint returns the remediation hint for the failure.
func (f *Failure) Hint() Hint {
	return HintFor(f.Kind, f.Retryable)
}

// KindOf returns the classified kind of err, or an empty kind when err was
// never classified.
func KindOf(err error) ErrorKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return ""
}
