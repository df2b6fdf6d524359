package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tjfontaine/chatrelay/internal/domain"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultVersion = "2023-06-01"
	userAgent      = "chatrelay/1.0"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithVersion sets the API version.
func WithVersion(version string) ClientOption {
	return func(c *Client) {
		c.version = version
	}
}

// Client is a minimal HTTP client for the Anthropic Messages API.
type Client struct {
	apiKey     string
	baseURL    string
	version    string
	httpClient *http.Client
}

// NewClient creates a new Anthropic API client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		version:    defaultVersion,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions contains per-request options.
type RequestOptions struct {
	// BetaFeatures specifies which beta features to enable.
	// Example: "max-tokens-3-5-sonnet-2024-07-15"
	BetaFeatures string
}

// Stream is an open streaming response.
type Stream struct {
	// Events yields parsed SSE events and is closed when the stream ends.
	Events <-chan StreamEventResult
	// RateLimits holds the anthropic-ratelimit-* headers, if any were sent.
	RateLimits *domain.RateLimitInfo
}

// StreamMessage sends a streaming messages request. Cancelling ctx aborts the
// upstream request and closes Events.
func (c *Client) StreamMessage(ctx context.Context, req *MessagesRequest, opts *RequestOptions) (*Stream, error) {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, opts)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if apiErr, err := ParseErrorResponse(respBody); err == nil && apiErr != nil {
			return nil, apiErr.ToCanonical(resp.StatusCode)
		}
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	out := make(chan StreamEventResult)
	go c.streamReader(ctx, resp.Body, out)
	return &Stream{
		Events:     out,
		RateLimits: parseRateLimits(resp.Header),
	}, nil
}

// StreamEventResult wraps a streaming event or error.
type StreamEventResult struct {
	EventType string
	Data      json.RawMessage
	Err       error
}

// ParseMessageStart parses a message_start event.
func (r *StreamEventResult) ParseMessageStart() (*MessageStartEvent, error) {
	var event MessageStartEvent
	if err := json.Unmarshal(r.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseContentBlockDelta parses a content_block_delta event.
func (r *StreamEventResult) ParseContentBlockDelta() (*ContentBlockDeltaEvent, error) {
	var event ContentBlockDeltaEvent
	if err := json.Unmarshal(r.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseMessageDelta parses a message_delta event.
func (r *StreamEventResult) ParseMessageDelta() (*MessageDeltaEvent, error) {
	var event MessageDeltaEvent
	if err := json.Unmarshal(r.Data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// ParseError parses an in-stream error event into a canonical error.
func (r *StreamEventResult) ParseError() error {
	apiErr, err := ParseErrorResponse(r.Data)
	if err != nil || apiErr == nil {
		return fmt.Errorf("stream error: %s", string(r.Data))
	}
	return apiErr.ToCanonical(0)
}

func (c *Client) streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamEventResult) {
	defer close(out)
	defer body.Close()

	send := func(ev StreamEventResult) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")

			if !send(StreamEventResult{
				EventType: currentEvent,
				Data:      json.RawMessage(data),
			}) {
				return
			}

			if currentEvent == "message_stop" {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(StreamEventResult{Err: fmt.Errorf("stream read error: %w", err)})
		return
	}
	send(StreamEventResult{Err: fmt.Errorf("stream ended before message_stop: %w", io.ErrUnexpectedEOF)})
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", c.version)
	req.Header.Set("User-Agent", userAgent)

	if opts != nil && opts.BetaFeatures != "" {
		req.Header.Set("anthropic-beta", opts.BetaFeatures)
	}
}

// parseRateLimits extracts anthropic-ratelimit-* headers. Returns nil when
// none are present.
func parseRateLimits(h http.Header) *domain.RateLimitInfo {
	atoi := func(key string) int {
		v, err := strconv.Atoi(h.Get(key))
		if err != nil {
			return 0
		}
		return v
	}

	rl := &domain.RateLimitInfo{
		RequestsLimit:     atoi("anthropic-ratelimit-requests-limit"),
		RequestsRemaining: atoi("anthropic-ratelimit-requests-remaining"),
		RequestsReset:     h.Get("anthropic-ratelimit-requests-reset"),
		TokensLimit:       atoi("anthropic-ratelimit-tokens-limit"),
		TokensRemaining:   atoi("anthropic-ratelimit-tokens-remaining"),
		TokensReset:       h.Get("anthropic-ratelimit-tokens-reset"),
	}
	if *rl == (domain.RateLimitInfo{}) {
		return nil
	}
	return rl
}
