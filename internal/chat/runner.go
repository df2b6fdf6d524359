// Package chat turns a conversation into one continuous answer stream,
// chaining completions when the model stops at its output token ceiling.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/chatrelay/internal/domain"
	"github.com/tjfontaine/chatrelay/internal/stream"
)

const (
	// DefaultModel is the model used when none is configured.
	DefaultModel = "claude-3-5-sonnet-20241022"

	// DefaultMaxTokens is the per-call output ceiling.
	DefaultMaxTokens = 8192

	// DefaultMaxSegments bounds the completion calls behind one answer.
	DefaultMaxSegments = 2
)

// Provider is the completion capability. Stream returns once the upstream
// call has been accepted; req.OnFinish is called exactly once, after the
// completion body has reached end of stream.
type Provider interface {
	Stream(ctx context.Context, req *domain.CompletionRequest) (*domain.Completion, error)
}

// TokenCounter estimates the size of a history.
type TokenCounter interface {
	CountMessages(msgs []domain.Message) int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithModel sets the model identifier.
func WithModel(model string) Option {
	return func(r *Runner) {
		if model != "" {
			r.model = model
		}
	}
}

// WithMaxTokens sets the per-call output ceiling.
func WithMaxTokens(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxTokens = n
		}
	}
}

// WithMaxSegments sets how many completion calls may back one answer.
func WithMaxSegments(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxSegments = n
		}
	}
}

// WithTokenCounter enables prompt size estimates in continuation logs.
func WithTokenCounter(c TokenCounter) Option {
	return func(r *Runner) {
		r.counter = c
	}
}

// WithTracer sets the tracer used for per-segment spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		r.tracer = t
	}
}

// Runner drives completions for chat requests. A Runner holds no
// per-request state and may serve concurrent requests.
type Runner struct {
	provider    Provider
	logger      *slog.Logger
	model       string
	maxTokens   int
	maxSegments int
	counter     TokenCounter
	tracer      trace.Tracer
}

// NewRunner creates a Runner backed by provider.
func NewRunner(provider Provider, opts ...Option) *Runner {
	r := &Runner{
		provider:    provider,
		logger:      slog.Default(),
		model:       DefaultModel,
		maxTokens:   DefaultMaxTokens,
		maxSegments: DefaultMaxSegments,
		tracer:      otel.Tracer("github.com/tjfontaine/chatrelay/internal/chat"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Answer is the consumer side of one chat request. Read returns the answer
// text as it is produced across all segments, io.EOF when it completes, or
// the error that aborted it.
type Answer struct {
	out    *stream.Switchable
	cancel context.CancelFunc

	// RateLimits reports the upstream limits seen on the first segment.
	RateLimits *domain.RateLimitInfo

	mu       sync.Mutex
	text     strings.Builder
	segments int

	done chan struct{}
	err  error
}

func (a *Answer) Read(p []byte) (int, error) {
	return a.out.Read(p)
}

// Close stops the answer, cancelling any upstream call in flight.
func (a *Answer) Close() error {
	a.cancel()
	return a.out.Close()
}

// Wait blocks until the answer has finished and returns why it stopped:
// nil when the model finished naturally.
func (a *Answer) Wait() error {
	<-a.done
	return a.err
}

// Segments reports how many completion calls have finished.
func (a *Answer) Segments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.segments
}

// Text returns the text of every finished segment.
func (a *Answer) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text.String()
}

func (a *Answer) addSegment(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.segments++
	a.text.WriteString(text)
}

// Run starts answering messages. It returns as soon as the first completion
// has been accepted upstream; continuation happens while the caller reads.
// messages is never modified.
func (r *Runner) Run(ctx context.Context, messages []domain.Message) (*Answer, error) {
	return r.start(ctx, messages, true)
}

// Enhance asks the model to rewrite prompt into a better one. The answer is a
// single segment and is not continued.
func (r *Runner) Enhance(ctx context.Context, prompt string) (*Answer, error) {
	return r.start(ctx, []domain.Message{
		{Role: domain.RoleUser, Content: enhancerPrompt(prompt)},
	}, false)
}

func (r *Runner) start(ctx context.Context, messages []domain.Message, continueOnLength bool) (*Answer, error) {
	history := slices.Clone(messages)

	ctx, cancel := context.WithCancel(ctx)
	a := &Answer{
		out:    stream.New(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Buffered: exactly one result per call and the loop drains it before
	// issuing the next call.
	finished := make(chan domain.FinishResult, 1)

	seg, err := r.request(ctx, history, finished, 1)
	if err != nil {
		cancel()
		a.out.Close()
		return nil, fmt.Errorf("request completion: %w", err)
	}
	a.RateLimits = seg.completion.RateLimits

	if err := a.out.SwitchSource(seg.completion.Body); err != nil {
		seg.span.End()
		cancel()
		return nil, err
	}

	go r.loop(ctx, a, history, finished, seg, continueOnLength)
	return a, nil
}

// segment is one in-flight completion call.
type segment struct {
	completion *domain.Completion
	span       trace.Span
}

func (r *Runner) request(ctx context.Context, history []domain.Message, finished chan<- domain.FinishResult, n int) (*segment, error) {
	ctx, span := r.tracer.Start(ctx, "chat.segment", trace.WithAttributes(
		attribute.Int("chat.segment", n),
		attribute.Int("chat.history_len", len(history)),
		attribute.String("llm.model", r.model),
	))

	completion, err := r.provider.Stream(ctx, &domain.CompletionRequest{
		Model:        r.model,
		Messages:     slices.Clone(history),
		MaxTokens:    r.maxTokens,
		DisableTools: true,
		OnFinish: func(res domain.FinishResult) {
			finished <- res
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	return &segment{completion: completion, span: span}, nil
}

// loop waits for each segment to finish and decides whether to close the
// answer, continue it, or abort it. The segment ceiling bounds the number of
// iterations.
func (r *Runner) loop(ctx context.Context, a *Answer, history []domain.Message, finished chan domain.FinishResult, seg *segment, continueOnLength bool) {
	defer close(a.done)
	defer a.cancel()

	end := func(err error) {
		if err != nil {
			a.out.Abort(err)
		} else {
			a.out.Close()
		}
		a.err = err
	}

	for {
		var res domain.FinishResult
		select {
		case res = <-finished:
		case <-ctx.Done():
			seg.span.End()
			// The consumer went away; nothing is left to signal.
			a.out.Close()
			a.err = ctx.Err()
			return
		}

		a.addSegment(res.Text)
		seg.span.SetAttributes(
			attribute.String("llm.finish_reason", string(res.Reason)),
			attribute.Int("llm.usage.completion_tokens", res.Usage.CompletionTokens),
		)

		if res.Err != nil {
			seg.span.RecordError(res.Err)
			seg.span.SetStatus(codes.Error, res.Err.Error())
			seg.span.End()
			if ctx.Err() == nil {
				r.logger.Error("completion failed",
					slog.Int("segment", a.Segments()),
					slog.String("error", res.Err.Error()),
				)
			}
			end(res.Err)
			return
		}
		seg.span.End()

		// Hand every byte of the finished segment to the consumer before
		// the source is closed or replaced.
		if err := a.out.WaitIdle(ctx); err != nil {
			end(err)
			return
		}

		if res.Reason != domain.FinishReasonLength || !continueOnLength {
			end(nil)
			return
		}

		switches := a.out.Switches()
		if switches >= r.maxSegments {
			r.logger.Error("cannot continue message",
				slog.Int("max_segments", r.maxSegments),
				slog.String("error", domain.ErrMaxSegments.Error()),
			)
			end(domain.ErrMaxSegments)
			return
		}

		history = append(history,
			domain.Message{Role: domain.RoleAssistant, Content: res.Text},
			domain.Message{Role: domain.RoleUser, Content: ContinuePrompt},
		)

		attrs := []any{
			slog.Int("max_tokens", r.maxTokens),
			slog.Int("switches_left", r.maxSegments-switches),
		}
		if r.counter != nil {
			attrs = append(attrs, slog.Int("prompt_tokens_estimate", r.counter.CountMessages(history)))
		}
		r.logger.Info("reached max token limit, continuing message", attrs...)

		next, err := r.request(ctx, history, finished, switches+1)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("continuation request failed", slog.String("error", err.Error()))
			}
			end(fmt.Errorf("continue message: %w", err))
			return
		}
		if err := a.out.SwitchSource(next.completion.Body); err != nil {
			next.span.End()
			end(err)
			return
		}
		seg = next
	}
}
