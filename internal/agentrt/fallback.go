package agentrt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// AttemptError records one failed model candidate for the aggregate error.
type AttemptError struct {
	Provider string
	Model    string
	Err      error
}

// FallbackExhaustedError aggregates every failed candidate.
type FallbackExhaustedError struct {
	Attempts []AttemptError
}

func (e *FallbackExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", a.Provider, a.Model, a.Err))
	}
	return "all model candidates failed: " + strings.Join(parts, "; ")
}

// RunError is a typed failure surfaced by the worker's error frame.
type RunError struct {
	Message string
	Kind    string // e.g. "http_401", "ETIMEDOUT", "worker_crash"
}

func (e *RunError) Error() string { return e.Message }

// IsTimeout reports whether err is the per-run soft timeout.
func IsTimeout(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Kind == "TIMEOUT"
}

var fallbackHTTPCodes = map[string]bool{
	"http_401": true, "http_403": true, "http_429": true,
}

var fallbackErrnoKinds = map[string]bool{
	"ETIMEDOUT": true, "ESOCKETTIMEDOUT": true, "ECONNRESET": true, "ECONNABORTED": true,
}

var fallbackMessageHints = []string{
	"unauthorized", "invalid api key", "authentication", "forbidden",
	"rate limit", "rate-limit", "too many requests", "overloaded",
	"timed out", "timeout", "quota",
}

// fallbackWorthy reports whether a failure should trigger the next candidate.
// Context cancellation propagates without fallback.
func fallbackWorthy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RunError
	if errors.As(err, &re) {
		if fallbackHTTPCodes[re.Kind] || fallbackErrnoKinds[re.Kind] {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range fallbackMessageHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// ModelRef is a (provider, model) pair parsed from "provider/model". A bare
// model keeps an empty provider.
type ModelRef struct {
	Provider string
	Model    string
}

func ParseModelRef(ref string) ModelRef {
	if i := strings.IndexByte(ref, '/'); i > 0 {
		return ModelRef{Provider: ref[:i], Model: ref[i+1:]}
	}
	return ModelRef{Model: ref}
}

func (m ModelRef) String() string {
	if m.Provider == "" {
		return m.Model
	}
	return m.Provider + "/" + m.Model
}

// candidates builds the attempt order: primary then fallbacks, deduped by
// (provider, model). Fallbacks (not the primary) are filtered by the optional
// allowlist derived from configured model aliases.
func candidates(primary string, fallbacks, allowlist []string) []ModelRef {
	allowed := func(ref string) bool {
		if len(allowlist) == 0 {
			return true
		}
		for _, a := range allowlist {
			if a == ref {
				return true
			}
		}
		return false
	}

	seen := map[ModelRef]bool{}
	var out []ModelRef
	add := func(ref string, filter bool) {
		if ref == "" || (filter && !allowed(ref)) {
			return
		}
		m := ParseModelRef(ref)
		if seen[m] {
			return
		}
		seen[m] = true
		out = append(out, m)
	}
	add(primary, false)
	for _, f := range fallbacks {
		add(f, true)
	}
	return out
}
