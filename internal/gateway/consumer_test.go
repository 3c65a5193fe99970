package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/clawdis/clawdis/internal/agentrt"
)

func TestFailureNotice(t *testing.T) {
	timeout := &agentrt.RunError{Message: "run timed out", Kind: "TIMEOUT"}
	exhausted := &agentrt.FallbackExhaustedError{Attempts: []agentrt.AttemptError{
		{Provider: "anthropic", Model: "opus", Err: errors.New("rate limit exceeded")},
	}}

	tests := []struct {
		name       string
		err        error
		partial    string
		wantNotify bool
		wantSubstr string
	}{
		{
			name:       "interrupted run stays silent",
			err:        context.Canceled,
			wantNotify: false,
		},
		{
			name:       "wrapped cancellation stays silent",
			err:        fmt.Errorf("executor: %w", context.Canceled),
			partial:    "half an answer",
			wantNotify: false,
		},
		{
			name:       "timeout with partial labels it truncated",
			err:        timeout,
			partial:    "Here is what I found so far",
			wantNotify: true,
			wantSubstr: "Here is what I found so far\n(truncated due to timeout)",
		},
		{
			name:       "timeout without partial falls through to the error notice",
			err:        timeout,
			wantNotify: true,
			wantSubstr: "⚠️ Agent run failed:",
		},
		{
			name:       "exhausted candidates list attempts",
			err:        exhausted,
			wantNotify: true,
			wantSubstr: "⚠️ All model candidates failed.",
		},
		{
			name:       "plain failure",
			err:        errors.New("worker ended without output"),
			wantNotify: true,
			wantSubstr: "⚠️ Agent run failed: worker ended without output",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, notify := failureNotice(tt.err, tt.partial)
			if notify != tt.wantNotify {
				t.Fatalf("notify = %v, want %v (msg %q)", notify, tt.wantNotify, msg)
			}
			if tt.wantNotify && !strings.Contains(msg, tt.wantSubstr) {
				t.Errorf("msg = %q, want it to contain %q", msg, tt.wantSubstr)
			}
		})
	}
}
