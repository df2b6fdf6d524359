package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAPIError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want int
	}{
		{"invalid request", ErrInvalidRequest("bad"), http.StatusBadRequest},
		{"authentication", ErrAuthentication("no"), http.StatusUnauthorized},
		{"not found", ErrNotFound("gone"), http.StatusNotFound},
		{"rate limit", ErrRateLimit("slow down"), http.StatusTooManyRequests},
		{"overloaded", ErrOverloaded("busy"), http.StatusServiceUnavailable},
		{"server", ErrServer("boom"), http.StatusInternalServerError},
		{"max segments", ErrMaxSegments, http.StatusInternalServerError},
		{"explicit status", ErrServer("x").WithStatusCode(http.StatusBadGateway), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAPIError_Is(t *testing.T) {
	wrapped := fmt.Errorf("segment 2: %w", ErrMaxSegments)
	if !errors.Is(wrapped, ErrMaxSegments) {
		t.Fatal("expected wrapped error to match ErrMaxSegments")
	}
	if errors.Is(ErrServer("other"), ErrMaxSegments) {
		t.Fatal("generic server error must not match ErrMaxSegments")
	}
}

func TestAsAPIError(t *testing.T) {
	apiErr := AsAPIError(errors.New("plain"))
	if apiErr.Type != ErrorTypeServer || apiErr.Message != "plain" {
		t.Errorf("unexpected conversion: %+v", apiErr)
	}

	orig := ErrRateLimit("limited")
	if got := AsAPIError(fmt.Errorf("wrap: %w", orig)); got != orig {
		t.Errorf("expected the original APIError to be returned")
	}
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"system", "user", "assistant"} {
		if _, err := ParseRole(s); err != nil {
			t.Errorf("ParseRole(%q) error = %v", s, err)
		}
	}
	if _, err := ParseRole("tool"); err == nil {
		t.Error("ParseRole(tool) expected error")
	}
}

func TestFinishReasonFromAnthropic(t *testing.T) {
	tests := map[string]FinishReason{
		"end_turn":      FinishReasonStop,
		"stop_sequence": FinishReasonStop,
		"max_tokens":    FinishReasonLength,
		"tool_use":      FinishReasonToolCalls,
		"":              FinishReasonOther,
		"refusal":       FinishReasonOther,
	}
	for in, want := range tests {
		if got := FinishReasonFromAnthropic(in); got != want {
			t.Errorf("FinishReasonFromAnthropic(%q) = %q, want %q", in, got, want)
		}
	}
}
