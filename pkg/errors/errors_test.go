// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	cause := errors.New("smtp timeout")
	he := New(CodeProviderUnavailable, "delivery failed", cause)

	if he.Code != CodeProviderUnavailable {
		t.Errorf("expected CodeProviderUnavailable, got %v", he.Code)
	}
	if he.Message != "delivery failed" {
		t.Errorf("unexpected message %q", he.Message)
	}
	if !errors.Is(he, cause) {
		t.Errorf("expected errors.Is to work with wrapped error")
	}
}

func TestIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("create: %w", Newf(CodeConversationBusy, "conversation %s busy", "c-1"))
	if !errors.Is(err, ErrConversationBusy) {
		t.Fatalf("expected ErrConversationBusy match")
	}
	if errors.Is(err, ErrConversationClosed) {
		t.Fatalf("unexpected ErrConversationClosed match")
	}
}

func TestWithContext(t *testing.T) {
	he := New(CodeNotFound, "request not found", nil)
	he.WithContext("request_id", "r-1").WithContext("channel", "terminal")

	if he.Context["request_id"] != "r-1" {
		t.Errorf("expected request_id context")
	}
	if he.Context["channel"] != "terminal" {
		t.Errorf("expected channel context")
	}
}

func TestError(t *testing.T) {
	tests := []struct {
		name     string
		he       *HumanLoopError
		expected string
	}{
		{
			name:     "with cause",
			he:       New(CodeProviderError, "deliver", errors.New("550 mailbox unavailable")),
			expected: "[PROVIDER_ERROR] deliver: 550 mailbox unavailable",
		},
		{
			name:     "without cause",
			he:       New(CodeNotReady, "request pending", nil),
			expected: "[NOT_READY] request pending",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.he.Error(); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != "" {
		t.Fatalf("expected empty code for nil")
	}
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Fatalf("expected internal code for foreign error")
	}
	wrapped := fmt.Errorf("outer: %w", ErrUnknownToken)
	if CodeOf(wrapped) != CodeUnknownToken {
		t.Fatalf("expected unknown token code, got %s", CodeOf(wrapped))
	}
}

func TestIsRecoverable(t *testing.T) {
	if IsRecoverable(nil) {
		t.Errorf("nil must not be recoverable")
	}
	if !IsRecoverable(errors.New("connection reset")) {
		t.Errorf("foreign errors are transient")
	}
	if !IsRecoverable(Transient("smtp", nil)) {
		t.Errorf("transient must be recoverable")
	}
	if IsRecoverable(Permanent("bad address", nil)) {
		t.Errorf("permanent must not be recoverable")
	}
}

func TestMarshalJSON(t *testing.T) {
	he := New(CodeRequestTimedOut, "no answer", errors.New("deadline")).WithContext("request_id", "r-1")
	data, err := json.Marshal(he)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["code"] != "REQUEST_TIMED_OUT" {
		t.Errorf("unexpected code %v", decoded["code"])
	}
	if decoded["error"] != "deadline" {
		t.Errorf("unexpected cause %v", decoded["error"])
	}
}
