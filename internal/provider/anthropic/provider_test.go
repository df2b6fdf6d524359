package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	anthropicapi "github.com/tjfontaine/chatrelay/internal/api/anthropic"
	"github.com/tjfontaine/chatrelay/internal/chat"
	"github.com/tjfontaine/chatrelay/internal/domain"
)

// The runner reaches the provider through Stream only.
var _ chat.Provider = (*Provider)(nil)

func writeSSE(w http.ResponseWriter, deltas []string, stopReason string) {
	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, "event: message_start\n")
	fmt.Fprint(w, `data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":12,"output_tokens":1}}}`+"\n\n")
	for _, d := range deltas {
		b, _ := json.Marshal(d)
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprintf(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%s}}`+"\n\n", b)
	}
	fmt.Fprint(w, "event: message_delta\n")
	fmt.Fprintf(w, `data: {"type":"message_delta","delta":{"stop_reason":%q},"usage":{"output_tokens":7}}`+"\n\n", stopReason)
	fmt.Fprint(w, "event: message_stop\n")
	fmt.Fprint(w, `data: {"type":"message_stop"}`+"\n\n")
}

func TestStream_TextAndFinish(t *testing.T) {
	var gotReq anthropicapi.MessagesRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if got := r.Header.Get("anthropic-beta"); got != "max-tokens-3-5-sonnet-2024-07-15" {
			t.Errorf("anthropic-beta = %q", got)
		}
		writeSSE(w, []string{"Hel", "lo"}, "max_tokens")
	}))
	defer ts.Close()

	p := New("test-key",
		WithBaseURL(ts.URL),
		WithBetaFeatures("max-tokens-3-5-sonnet-2024-07-15"),
		WithSystemPrompt("You are helpful."),
	)

	finished := make(chan domain.FinishResult, 1)
	completion, err := p.Stream(context.Background(), &domain.CompletionRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "Answer in English."},
			{Role: domain.RoleUser, Content: "hi"},
		},
		MaxTokens:    8192,
		DisableTools: true,
		OnFinish: func(res domain.FinishResult) { finished <- res },
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	// Nothing is read yet, so the pump is parked on its first write and
	// cannot have finished.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-finished:
		t.Fatal("OnFinish fired before the body was consumed")
	default:
	}

	data, err := io.ReadAll(completion.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(data) != "Hello" {
		t.Errorf("body = %q, want Hello", data)
	}

	select {
	case res := <-finished:
		if res.Err != nil {
			t.Fatalf("finish error = %v", res.Err)
		}
		if res.Text != "Hello" {
			t.Errorf("finish text = %q, want Hello", res.Text)
		}
		if res.Reason != domain.FinishReasonLength {
			t.Errorf("finish reason = %q, want length", res.Reason)
		}
		if res.Usage.PromptTokens != 12 || res.Usage.CompletionTokens != 7 || res.Usage.TotalTokens != 19 {
			t.Errorf("usage = %+v", res.Usage)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnFinish was not called")
	}

	if len(gotReq.System) != 2 || gotReq.System[0].Text != "You are helpful." || gotReq.System[1].Text != "Answer in English." {
		t.Errorf("system blocks = %+v", gotReq.System)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if gotReq.MaxTokens != 8192 {
		t.Errorf("max_tokens = %d, want 8192", gotReq.MaxTokens)
	}
	if gotReq.ToolChoice != nil {
		t.Errorf("tool_choice = %+v, want none sent", gotReq.ToolChoice)
	}
}

func TestStream_NaturalStop(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, []string{"done"}, "end_turn")
	}))
	defer ts.Close()

	finished := make(chan domain.FinishResult, 1)
	completion, err := New("k", WithBaseURL(ts.URL)).Stream(context.Background(), &domain.CompletionRequest{
		Model:    "m",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		OnFinish: func(res domain.FinishResult) { finished <- res },
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if _, err := io.Copy(io.Discard, completion.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}

	res := <-finished
	if res.Reason != domain.FinishReasonStop {
		t.Errorf("reason = %q, want stop", res.Reason)
	}
}

func TestStream_InStreamError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"par"}}`+"\n\n")
		fmt.Fprint(w, "event: error\n")
		fmt.Fprint(w, `data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`+"\n\n")
	}))
	defer ts.Close()

	finished := make(chan domain.FinishResult, 1)
	completion, err := New("k", WithBaseURL(ts.URL)).Stream(context.Background(), &domain.CompletionRequest{
		Model:    "m",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		OnFinish: func(res domain.FinishResult) { finished <- res },
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	data, err := io.ReadAll(completion.Body)
	if err == nil {
		t.Fatal("expected body read error")
	}
	if string(data) != "par" {
		t.Errorf("body = %q, want par", data)
	}

	res := <-finished
	if res.Reason != domain.FinishReasonError {
		t.Errorf("reason = %q, want error", res.Reason)
	}
	var apiErr *domain.APIError
	if !errors.As(res.Err, &apiErr) || apiErr.Type != domain.ErrorTypeOverloaded {
		t.Errorf("finish err = %v, want overloaded", res.Err)
	}
}

func TestStream_ReaderCancelAbortsUpstream(t *testing.T) {
	released := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; ; i++ {
			fmt.Fprint(w, "event: content_block_delta\n")
			fmt.Fprint(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`+"\n\n")
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				close(released)
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer ts.Close()

	finished := make(chan domain.FinishResult, 1)
	completion, err := New("k", WithBaseURL(ts.URL)).Stream(context.Background(), &domain.CompletionRequest{
		Model:    "m",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		OnFinish: func(res domain.FinishResult) { finished <- res },
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	buf := make([]byte, 1)
	if _, err := completion.Body.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}
	completion.Body.Close()

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}

	res := <-finished
	if res.Err == nil {
		t.Error("expected finish error after reader cancelled")
	}
}

func TestStream_UpstreamRejects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer ts.Close()

	called := false
	_, err := New("k", WithBaseURL(ts.URL)).Stream(context.Background(), &domain.CompletionRequest{
		Model:    "m",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		OnFinish: func(domain.FinishResult) { called = true },
	})
	if !errors.Is(err, domain.ErrRateLimit("")) {
		t.Fatalf("Stream() error = %v, want rate limit", err)
	}
	if called {
		t.Error("OnFinish must not fire when the call never started")
	}
	if !strings.Contains(err.Error(), "slow down") {
		t.Errorf("error %q lost upstream message", err)
	}
}
