// Package apierr defines the proxy's single error taxonomy. The upstream
// client categorises failures at its boundary; no raw status code or error
// string is inspected anywhere else.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind tags an error category.
type Kind string

const (
	KindRateLimit   Kind = "RATE_LIMITED"
	KindAuthInvalid Kind = "AUTH_INVALID"
	KindTransient   Kind = "TRANSIENT"
	KindBadRequest  Kind = "BAD_REQUEST"
	KindPermission  Kind = "PERMISSION_DENIED"
	KindCapacity    Kind = "CAPACITY_EXHAUSTED"
	KindUnknown     Kind = "UNKNOWN"
)

// Error is a categorised proxy error.
type Error struct {
	Kind    Kind
	Message string

	// ResetMs is the advisory cooldown for RateLimit and Capacity errors.
	ResetMs *int64
	// ResetAt is the absolute reset time for Capacity errors, when known.
	ResetAt time.Time
	// AccountEmail names the account the failure is attributed to.
	AccountEmail string
	// Attempts is set when the retry budget was exhausted.
	Attempts int
	// Cause is the wrapped underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTransient, KindCapacity:
		return true
	default:
		return false
	}
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap categorises an existing error.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// RateLimited builds a RateLimit error carrying the parsed reset.
func RateLimited(model, email string, resetMs *int64) *Error {
	msg := fmt.Sprintf("Rate limited on %s", model)
	if resetMs != nil {
		msg += fmt.Sprintf(", quota will reset after %s", FormatDuration(*resetMs))
	}
	return &Error{Kind: KindRateLimit, Message: msg, ResetMs: resetMs, AccountEmail: email}
}

// CapacityExhausted builds the all-accounts-limited error with the earliest
// known reset time.
func CapacityExhausted(model string, resetAt time.Time) *Error {
	e := &Error{
		Kind:    KindCapacity,
		Message: fmt.Sprintf("All accounts are rate limited on %s", model),
		ResetAt: resetAt,
	}
	if !resetAt.IsZero() {
		ms := time.Until(resetAt).Milliseconds()
		if ms > 0 {
			e.ResetMs = &ms
			e.Message += fmt.Sprintf("; earliest quota reset at %s (in %s)",
				resetAt.UTC().Format(time.RFC3339), FormatDuration(ms))
		}
	}
	return e
}

// AuthInvalid builds an authentication error for an account.
func AuthInvalid(email, reason string) *Error {
	return &Error{
		Kind:         KindAuthInvalid,
		Message:      fmt.Sprintf("Authentication failed for %s: %s", email, reason),
		AccountEmail: email,
	}
}

// MaxRetries builds the exhausted-budget error.
func MaxRetries(attempts int, last error) *Error {
	return &Error{
		Kind:     KindTransient,
		Message:  fmt.Sprintf("All %d attempts failed", attempts),
		Attempts: attempts,
		Cause:    last,
	}
}

// KindOf extracts the category, defaulting to Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given category.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a category to the client-facing status code. Rate limit
// and capacity map to 400 on purpose: clients treat 429 as an invitation to
// auto-retry, which would burn the remaining quota.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindRateLimit, KindCapacity, KindBadRequest:
		return http.StatusBadRequest
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ClientType maps a category to the Anthropic error type string.
func ClientType(err error) string {
	switch KindOf(err) {
	case KindRateLimit, KindCapacity, KindBadRequest:
		return "invalid_request_error"
	case KindAuthInvalid:
		return "authentication_error"
	case KindPermission:
		return "permission_error"
	default:
		return "api_error"
	}
}

// ClientMessage renders the message shown to the client.
func ClientMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	switch e.Kind {
	case KindRateLimit:
		if e.ResetMs != nil {
			return fmt.Sprintf("You have exhausted your capacity. Quota will reset after %s.",
				FormatDuration(*e.ResetMs))
		}
		return "You have exhausted your capacity. Please wait for your quota to reset."
	case KindCapacity:
		return e.Message
	default:
		return e.Message
	}
}

// FormatDuration renders milliseconds as "1h 23m 45s" style text.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	d := time.Duration(ms) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
