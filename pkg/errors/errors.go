// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the typed error taxonomy of the human-interaction
// request manager.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies humanloop errors for callers, monitoring and retry decisions.
type ErrorCode string

const (
	// CodeProviderUnavailable indicates delivery failed after bounded retries were exhausted.
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"

	// CodeProviderError indicates a permanent channel failure.
	CodeProviderError ErrorCode = "PROVIDER_ERROR"

	// CodeRequestTimedOut indicates the request reached its deadline without an answer.
	CodeRequestTimedOut ErrorCode = "REQUEST_TIMED_OUT"

	// CodeRequestCancelled indicates the request was cancelled before an answer arrived.
	CodeRequestCancelled ErrorCode = "REQUEST_CANCELLED"

	// CodeAlreadyResolved indicates a duplicate terminal transition attempt.
	CodeAlreadyResolved ErrorCode = "ALREADY_RESOLVED"

	// CodeConversationBusy indicates the conversation already has a pending turn.
	CodeConversationBusy ErrorCode = "CONVERSATION_BUSY"

	// CodeConversationClosed indicates the conversation is completed or aborted.
	CodeConversationClosed ErrorCode = "CONVERSATION_CLOSED"

	// CodeUnknownToken indicates no resume token is registered under the key.
	CodeUnknownToken ErrorCode = "UNKNOWN_TOKEN"

	// CodeNotReady indicates the request or session behind a token is still pending.
	CodeNotReady ErrorCode = "NOT_READY"

	// CodeUnknownChannel indicates no provider is registered for the channel.
	CodeUnknownChannel ErrorCode = "UNKNOWN_CHANNEL"

	// CodeNotFound indicates a request or conversation does not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeContextLost indicates the caller's context ended while waiting.
	CodeContextLost ErrorCode = "CONTEXT_LOST"

	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching. Any HumanLoopError with the same code matches.
var (
	ErrProviderUnavailable = &HumanLoopError{Code: CodeProviderUnavailable, Message: "provider unavailable"}
	ErrProviderError       = &HumanLoopError{Code: CodeProviderError, Message: "provider error"}
	ErrRequestTimedOut     = &HumanLoopError{Code: CodeRequestTimedOut, Message: "request timed out"}
	ErrRequestCancelled    = &HumanLoopError{Code: CodeRequestCancelled, Message: "request cancelled"}
	ErrAlreadyResolved     = &HumanLoopError{Code: CodeAlreadyResolved, Message: "request already resolved"}
	ErrConversationBusy    = &HumanLoopError{Code: CodeConversationBusy, Message: "conversation has a pending turn"}
	ErrConversationClosed  = &HumanLoopError{Code: CodeConversationClosed, Message: "conversation is closed"}
	ErrUnknownToken        = &HumanLoopError{Code: CodeUnknownToken, Message: "unknown resume token"}
	ErrNotReady            = &HumanLoopError{Code: CodeNotReady, Message: "outcome not ready"}
	ErrUnknownChannel      = &HumanLoopError{Code: CodeUnknownChannel, Message: "unknown channel"}
	ErrNotFound            = &HumanLoopError{Code: CodeNotFound, Message: "not found"}
	ErrInvalidInput        = &HumanLoopError{Code: CodeInvalidInput, Message: "invalid input"}
	ErrContextLost         = &HumanLoopError{Code: CodeContextLost, Message: "context lost"}
)

// HumanLoopError is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type HumanLoopError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *HumanLoopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *HumanLoopError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a HumanLoopError with the same code.
func (e *HumanLoopError) Is(target error) bool {
	t, ok := target.(*HumanLoopError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *HumanLoopError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Err:         cause,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	})
}

// New creates a new HumanLoopError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *HumanLoopError {
	return &HumanLoopError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// Newf creates a HumanLoopError without a cause using a format string.
func Newf(code ErrorCode, format string, args ...any) *HumanLoopError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *HumanLoopError) WithContext(key string, value interface{}) *HumanLoopError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be retried.
// Returns the error for method chaining.
func (e *HumanLoopError) WithRecoverable(recoverable bool) *HumanLoopError {
	e.Recoverable = recoverable
	return e
}

// CodeOf returns the code of the first HumanLoopError in the chain, or
// CodeInternal for foreign errors. A nil error has an empty code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var he *HumanLoopError
	if stderrors.As(err, &he) {
		return he.Code
	}
	return CodeInternal
}

// IsRecoverable reports whether err is worth retrying. Errors that are not
// HumanLoopErrors are treated as transient.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var he *HumanLoopError
	if stderrors.As(err, &he) {
		return he.Recoverable
	}
	return true
}

// Transient wraps a channel failure that may succeed on redelivery.
func Transient(msg string, cause error) *HumanLoopError {
	return New(CodeProviderUnavailable, msg, cause).WithRecoverable(true)
}

// Permanent wraps a channel failure that redelivery cannot fix.
func Permanent(msg string, cause error) *HumanLoopError {
	return New(CodeProviderError, msg, cause)
}
