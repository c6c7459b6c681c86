package service

import (
	"fmt"
	"time"
)

type ErrorKind string

const (
	KindUnauthorized         ErrorKind = "unauthorized"
	KindValidation           ErrorKind = "validation"
	KindInvalidOrExpiredCode ErrorKind = "invalid_or_expired_code"
	KindCredentialExchange   ErrorKind = "credential_exchange"
	KindUpstream             ErrorKind = "upstream"
	KindThrottled            ErrorKind = "throttled"
)

const (
	MsgInvalidOrExpiredCode = "invalid or expired code"
	MsgCodeExpired          = "code has expired"
	MsgSessionExpired       = "session expired or not found"
	MsgSignUpFailed         = "unable to create account"
	MsgSignUpUnsupported    = "sign up is not available, sign in instead"
	MsgVerifyEmail          = "account created, verify your email"
	MsgInvalidCredentials   = "invalid email or password"
	MsgTooManyAttempts      = "too many attempts, try again later"
)

// FlowError is the only error type returned by DeviceFlowService. Message is safe to show to
// callers; Err carries the operator-facing cause.
type FlowError struct {
	Kind    ErrorKind
	Message string
	Err     error
	// RetryAfter is set for KindThrottled.
	RetryAfter time.Duration
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error { return e.Err }

func newFlowError(kind ErrorKind, message string, err error) *FlowError {
	return &FlowError{Kind: kind, Message: message, Err: err}
}
