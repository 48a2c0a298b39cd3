package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/accountmarket/internal/circuitbreaker"
)

// Code is a machine-readable error code from the marketplace API.
type Code string

const (
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeNotFound          Code = "NOT_FOUND"
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeSelfPurchase      Code = "SELF_PURCHASE"
	CodeIdentityNotLinked Code = "IDENTITY_NOT_LINKED"
	CodeRoleNotAllowed    Code = "ROLE_NOT_ALLOWED"
	CodeDisputeExists     Code = "DISPUTE_EXISTS"
	CodeInvalidStatus     Code = "INVALID_STATUS"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeUnavailable       Code = "UNAVAILABLE"
)

// Error is an error response from the marketplace API.
type Error struct {
	Status     int    `json:"-"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	PaymentURL string `json:"payment_url,omitempty"` // set with ALREADY_EXISTS on payment links
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %s (%d)", e.Code, e.Status)
	}
	return fmt.Sprintf("api: %s (%d): %s", e.Code, e.Status, e.Message)
}

// Temporary reports whether repeating the same request may succeed.
func (e *Error) Temporary() bool {
	return e.Code == CodeUnavailable || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func newError(status int, code Code, msg string) *Error {
	return &Error{Status: status, Code: code, Message: msg}
}

// codeForStatus guesses a code when the server sent none.
func codeForStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized:
		return CodeUnauthorized
	case status == http.StatusForbidden:
		return CodeRoleNotAllowed
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeInvalidStatus
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeValidation
	default:
		return CodeUnavailable
	}
}

// IsCode reports whether err is an API error with the given code.
func IsCode(err error, code Code) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}

// Kind is the client-side error taxonomy.
type Kind string

const (
	KindNone        Kind = ""
	KindValidation  Kind = "validation"  // rejected input, never worth repeating
	KindConflict    Kind = "conflict"    // idempotency conflict, redirect to the existing resource
	KindEligibility Kind = "eligibility" // viewer lacks a role or prerequisite
	KindStale       Kind = "stale"       // not found or status changed, refetch
	KindTransient   Kind = "transient"   // network or server trouble
	KindInternal    Kind = "internal"
)

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	var ae *Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case CodeAlreadyExists:
			return KindConflict
		case CodeValidation, CodeSelfPurchase:
			return KindValidation
		case CodeIdentityNotLinked, CodeRoleNotAllowed, CodeUnauthorized:
			return KindEligibility
		case CodeNotFound, CodeInvalidStatus, CodeDisputeExists:
			return KindStale
		case CodeUnavailable:
			return KindTransient
		}
		if ae.Temporary() {
			return KindTransient
		}
		return Classify(newError(ae.Status, codeForStatus(ae.Status), ""))
	}

	if errors.Is(err, circuitbreaker.ErrOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindInternal
}

// Retryable reports whether a read may be repeated after err.
func Retryable(err error) bool {
	return Classify(err) == KindTransient
}

// HTTPStatus maps err to the status the page layer should answer with.
func HTTPStatus(err error) int {
	switch Classify(err) {
	case KindNone:
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindEligibility:
		if IsCode(err, CodeUnauthorized) {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case KindStale:
		if IsCode(err, CodeNotFound) {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the snake_case code rendered in error bodies.
func ErrorCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Code != "" {
		return strings.ToLower(string(ae.Code))
	}
	switch Classify(err) {
	case KindTransient:
		return "unavailable"
	case KindNone:
		return ""
	default:
		return "internal_error"
	}
}

// RetryAfter returns the Retry-After header value, in whole seconds, for an
// error caused by an open circuit, or "" when the caller has no hint to give.
func RetryAfter(err error) string {
	var oe *circuitbreaker.OpenError
	if !errors.As(err, &oe) || oe.RetryAfter <= 0 {
		return ""
	}
	secs := int((oe.RetryAfter + time.Second - 1) / time.Second)
	return strconv.Itoa(secs)
}
