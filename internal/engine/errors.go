package engine

import (
	"errors"
	"fmt"
)

// Error is the structured error surfaced by the engine and registry.
//
// The taxonomy is small and closed:
//   - Unauthorized: event/caller origin does not match the administrator
//   - Unrecognized event: command-shaped event addressed to another instance
//   - Unknown subscription: reference to an id that was never assigned
//   - Unsupported event configuration: a filter with no concrete topic
//   - Subscription failed: upstream feed activation was not acknowledged
//
// Errors never imply a partial commit: a handler that returns one has
// mutated nothing.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// SubscriptionID identifies the affected subscription, when one exists.
	SubscriptionID uint64

	// ChainID and Emitter identify the offending origin for authorization
	// failures.
	ChainID uint64
	Emitter string
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	ErrCodeUnrecognizedEvent   ErrorCode = "UNRECOGNIZED_EVENT"
	ErrCodeUnknownSubscription ErrorCode = "UNKNOWN_SUBSCRIPTION"
	ErrCodeUnsupportedConfig   ErrorCode = "UNSUPPORTED_EVENT_CONFIGURATION"
	ErrCodeSubscriptionFailed  ErrorCode = "SUBSCRIPTION_FAILED"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.SubscriptionID != 0 {
		return fmt.Sprintf("%s: %s (subscription=%d)", e.Code, e.Message, e.SubscriptionID)
	}
	if e.Emitter != "" {
		return fmt.Sprintf("%s: %s (chain=%d, emitter=%s)", e.Code, e.Message, e.ChainID, e.Emitter)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewUnauthorizedError reports an origin mismatch against the configured
// administrator identity.
func NewUnauthorizedError(chainID uint64, emitter string) *Error {
	return &Error{
		Code:    ErrCodeUnauthorized,
		Message: "origin does not match configured administrator",
		ChainID: chainID,
		Emitter: emitter,
	}
}

// NewUnrecognizedEventError reports a command-shaped event whose instance
// identifier does not name this engine.
func NewUnrecognizedEventError(msg string) *Error {
	return &Error{Code: ErrCodeUnrecognizedEvent, Message: msg}
}

// NewUnknownSubscriptionError reports a reference to an unassigned id.
func NewUnknownSubscriptionError(id uint64) *Error {
	return &Error{
		Code:           ErrCodeUnknownSubscription,
		Message:        "no such subscription",
		SubscriptionID: id,
	}
}

// NewUnsupportedConfigError reports a subscription configuration the engine
// cannot honor, such as an event filter with no concrete constraint.
func NewUnsupportedConfigError(msg string) *Error {
	return &Error{Code: ErrCodeUnsupportedConfig, Message: msg}
}

// NewSubscriptionFailedError reports that the upstream feed subscribe
// callback was not accepted, so no subscription was registered.
func NewSubscriptionFailedError(msg string) *Error {
	return &Error{Code: ErrCodeSubscriptionFailed, Message: msg}
}

// IsUnauthorized reports whether err is an authorization failure.
// Uses errors.As to handle wrapped errors.
func IsUnauthorized(err error) bool {
	return hasCode(err, ErrCodeUnauthorized)
}

// IsUnrecognizedEvent reports whether err is an instance-identifier mismatch.
func IsUnrecognizedEvent(err error) bool {
	return hasCode(err, ErrCodeUnrecognizedEvent)
}

// IsUnknownSubscription reports whether err references an unassigned id.
func IsUnknownSubscription(err error) bool {
	return hasCode(err, ErrCodeUnknownSubscription)
}

// IsUnsupportedConfig reports whether err is an all-wildcard filter rejection.
func IsUnsupportedConfig(err error) bool {
	return hasCode(err, ErrCodeUnsupportedConfig)
}

// IsSubscriptionFailed reports whether err is an upstream feed activation
// failure.
func IsSubscriptionFailed(err error) bool {
	return hasCode(err, ErrCodeSubscriptionFailed)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
