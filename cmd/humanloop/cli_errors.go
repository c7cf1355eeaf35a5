// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package main implements the humanloop CLI.
package main

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/jllopis/humanloop/pkg/errors"
)

// CLIError wraps HumanLoopError with a hint for the operator.
type CLIError struct {
	*errors.HumanLoopError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(he *errors.HumanLoopError, hint string) *CLIError {
	return &CLIError{HumanLoopError: he, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.HumanLoopError == nil {
		return "unknown error"
	}
	msg := e.HumanLoopError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// PrintError writes the error as text or as a JSON object.
func (e *CLIError) PrintError(w io.Writer, asJSON bool) {
	if asJSON {
		payload, _ := json.Marshal(map[string]any{"error": map[string]any{
			"code":    e.Code,
			"message": e.Message,
			"hint":    e.Hint,
		}})
		fmt.Fprintln(w, string(payload))
		return
	}
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", e.Code, msg)
	if e.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", e.Hint)
	}
}

// asCLIError attaches the hint for err's code. Foreign errors become
// INTERNAL_ERROR.
func asCLIError(err error) *CLIError {
	var ce *CLIError
	if stderrors.As(err, &ce) {
		return ce
	}
	var he *errors.HumanLoopError
	if !stderrors.As(err, &he) {
		he = errors.New(errors.CodeInternal, "command failed", err)
	}
	return NewCLIError(he, hintFor(he.Code))
}

func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeUnknownChannel:
		return "declare the channel under providers in the config or pick one with --channel"
	case errors.CodeProviderUnavailable:
		return "the channel kept failing; 'humanloop health' shows its breaker state"
	case errors.CodeProviderError:
		return "the channel rejected the request; check its credentials and payload"
	case errors.CodeRequestTimedOut:
		return "nobody answered in time; raise --timeout"
	case errors.CodeConversationBusy:
		return "wait for the pending turn to be answered or cancel it"
	case errors.CodeConversationClosed:
		return "start a new conversation"
	case errors.CodeUnknownToken:
		return "the key was never registered or has been reaped"
	case errors.CodeNotReady:
		return "the outcome is not known yet; try again later"
	case errors.CodeNotFound:
		return "requests live only as long as the store; use a durable store driver"
	case errors.CodeInvalidInput:
		return "run 'humanloop help' for usage information"
	case errors.CodeContextLost:
		return "the command was interrupted; the request is still pending"
	}
	return ""
}

// NewInvalidArgumentError reports a bad command-line argument.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	he := errors.New(errors.CodeInvalidInput, fmt.Sprintf("invalid argument %s: %s", arg, reason), nil).
		WithContext("argument", arg)
	return NewCLIError(he, hintFor(errors.CodeInvalidInput))
}

// NewConfigError reports a configuration that could not be loaded.
func NewConfigError(err error, configPath string) *CLIError {
	he := errors.New(errors.CodeInvalidInput, "configuration error", err).
		WithContext("config_path", configPath)
	hint := "check the HUMANLOOP_* environment and --set overrides"
	if configPath != "" {
		hint = fmt.Sprintf("check %s for syntax errors", configPath)
	}
	return NewCLIError(he, hint)
}
