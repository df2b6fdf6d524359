package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/tjfontaine/chatrelay/internal/domain"
)

// rateLimitContextKey is the context key for the rate limit slot.
type rateLimitContextKey struct{}

type rateLimitSlot struct {
	mu   sync.Mutex
	info *domain.RateLimitInfo
}

// SetRateLimits records upstream limits for the current request so
// RateLimitNormalizingMiddleware can emit them before the first byte of the
// response. No-op outside the middleware.
func SetRateLimits(ctx context.Context, rl *domain.RateLimitInfo) {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		slot.mu.Lock()
		slot.info = rl
		slot.mu.Unlock()
	}
}

// GetRateLimits retrieves rate limit info recorded for the request.
// Returns nil if none were set.
func GetRateLimits(ctx context.Context) *domain.RateLimitInfo {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		slot.mu.Lock()
		defer slot.mu.Unlock()
		return slot.info
	}
	return nil
}

// RateLimitNormalizingMiddleware writes standardized x-ratelimit-* headers
// from the limits a handler recorded with SetRateLimits.
func RateLimitNormalizingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := &rateLimitSlot{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, slot)
		next.ServeHTTP(&rateLimitResponseWriter{ResponseWriter: w, slot: slot}, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	slot         *rateLimitSlot
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	rw.writeRateLimitHeaders()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	rw.writeRateLimitHeaders()
	return rw.ResponseWriter.Write(b)
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	rw.writeRateLimitHeaders()
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *rateLimitResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	if rw.wroteHeaders {
		return
	}
	rw.wroteHeaders = true

	rw.slot.mu.Lock()
	rl := rw.slot.info
	rw.slot.mu.Unlock()
	if rl == nil {
		return
	}

	// x-ratelimit-{limit|remaining|reset}-{requests|tokens}
	h := rw.Header()
	if rl.RequestsLimit > 0 {
		h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
		// 0 is a valid remaining value once a limit is known
		h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	}
	if rl.RequestsReset != "" {
		h.Set("x-ratelimit-reset-requests", rl.RequestsReset)
	}
	if rl.TokensLimit > 0 {
		h.Set("x-ratelimit-limit-tokens", strconv.Itoa(rl.TokensLimit))
		h.Set("x-ratelimit-remaining-tokens", strconv.Itoa(rl.TokensRemaining))
	}
	if rl.TokensReset != "" {
		h.Set("x-ratelimit-reset-tokens", rl.TokensReset)
	}
}
