// Package chat is the HTTP frontdoor for browser chat clients. Answers are
// streamed as plain text; continuation across segments is invisible to the
// client.
package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	chatcore "github.com/tjfontaine/chatrelay/internal/chat"
	"github.com/tjfontaine/chatrelay/internal/conversation"
	"github.com/tjfontaine/chatrelay/internal/domain"
	"github.com/tjfontaine/chatrelay/internal/server"
	"github.com/tjfontaine/chatrelay/internal/storage"
)

const (
	msgInvalidJSON    = "Invalid JSON"
	msgBadChatBody    = "Body must be { messages: ChatMessage[] }"
	msgBadEnhanceBody = "Body must be { message: string }"
	msgProcessing     = "There was an error processing your request"
	msgBodyTooLarge   = "Request body too large"

	// maxBodyBytes bounds request bodies; histories grow with every turn.
	maxBodyBytes = 8 << 20

	// ConversationIDHeader names the transcript of a recorded answer.
	ConversationIDHeader = "X-Conversation-ID"
)

// ProviderFactory builds a completion provider bound to an upstream key.
type ProviderFactory func(apiKey string) chatcore.Provider

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithAPIKey sets the configured upstream key.
func WithAPIKey(key string) HandlerOption {
	return func(h *Handler) {
		h.apiKey = key
	}
}

// WithStore enables transcript recording.
func WithStore(store storage.ConversationStore) HandlerOption {
	return func(h *Handler) {
		h.store = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithModel names the model in logs and transcripts.
func WithModel(model string) HandlerOption {
	return func(h *Handler) {
		h.model = model
	}
}

// WithRunnerOptions configures the orchestrator built for each request.
func WithRunnerOptions(opts ...chatcore.Option) HandlerOption {
	return func(h *Handler) {
		h.runnerOpts = append(h.runnerOpts, opts...)
	}
}

type Handler struct {
	newProvider ProviderFactory
	apiKey      string
	store       storage.ConversationStore
	logger      *slog.Logger
	model       string
	runnerOpts  []chatcore.Option
	lookupEnv   func(string) string

	active atomic.Int64
}

func NewHandler(newProvider ProviderFactory, opts ...HandlerOption) *Handler {
	h := &Handler{
		newProvider: newProvider,
		logger:      slog.Default(),
		model:       chatcore.DefaultModel,
		lookupEnv:   os.Getenv,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Active reports how many answers are streaming.
func (h *Handler) Active() int64 {
	return h.active.Load()
}

// Mount registers the chat routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Post("/api/enhancer", h.HandleEnhancer)
	r.Get("/api/conversations/{id}", h.HandleGetConversation)
}

// ChatMessage is a wire conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// EnhancerRequest is the body of POST /api/enhancer.
type EnhancerRequest struct {
	Message string `json:"message"`
}

func (req *ChatRequest) toDomain() ([]domain.Message, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages is required")
	}
	msgs := make([]domain.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role, err := domain.ParseRole(m.Role)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, domain.Message{Role: role, Content: m.Content})
	}
	return msgs, nil
}

// decodeBody reads a JSON body into v. A body that is not JSON at all fails
// with msgInvalidJSON; JSON of the wrong shape fails with shapeMsg. The
// returned status is the one to reply with on error.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, shapeMsg string) (int, string, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, msgBodyTooLarge, err
		}
		return http.StatusBadRequest, msgInvalidJSON, err
	}
	if !json.Valid(data) {
		return http.StatusBadRequest, msgInvalidJSON, errors.New("body is not valid JSON")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return http.StatusBadRequest, shapeMsg, err
	}
	return http.StatusOK, "", nil
}

// resolveAPIKey picks the upstream key: caller-supplied, then configured,
// then the process environment.
func (h *Handler) resolveAPIKey(r *http.Request) (key, source string) {
	if key := server.APIKeyFromContext(r.Context()); key != "" {
		return key, "request"
	}
	if h.apiKey != "" {
		return h.apiKey, "config"
	}
	if key := h.lookupEnv("ANTHROPIC_API_KEY"); key != "" {
		return key, "env"
	}
	return "", ""
}

func (h *Handler) runner(w http.ResponseWriter, r *http.Request) *chatcore.Runner {
	key, source := h.resolveAPIKey(r)
	if key == "" {
		h.logger.Error("ANTHROPIC_API_KEY is not configured",
			slog.String("request_id", server.GetRequestID(r.Context())),
		)
		server.AddError(r.Context(), domain.ErrNotConfigured)
		http.Error(w, domain.ErrNotConfigured.Message, domain.ErrNotConfigured.HTTPStatusCode())
		return nil
	}
	server.AddLogField(r.Context(), "credential", source)

	opts := append([]chatcore.Option{
		chatcore.WithLogger(h.logger),
		chatcore.WithModel(h.model),
	}, h.runnerOpts...)
	return chatcore.NewRunner(h.newProvider(key), opts...)
}

func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	server.AddLogField(r.Context(), "frontdoor", "chat")

	var req ChatRequest
	if status, msg, err := decodeBody(w, r, &req, msgBadChatBody); err != nil {
		server.AddError(r.Context(), err)
		http.Error(w, msg, status)
		return
	}
	messages, err := req.toDomain()
	if err != nil {
		server.AddError(r.Context(), err)
		http.Error(w, msgBadChatBody, http.StatusBadRequest)
		return
	}

	runner := h.runner(w, r)
	if runner == nil {
		return
	}

	answer, err := runner.Run(r.Context(), messages)
	if err != nil {
		h.startFailed(w, r, err)
		return
	}

	var convID string
	if h.store != nil {
		convID = "conv_" + uuid.New().String()
		w.Header().Set(ConversationIDHeader, convID)
		server.AddLogField(r.Context(), "conversation_id", convID)
	}

	waitErr := h.stream(w, r, answer)

	if h.store != nil {
		conversation.Record(r.Context(), h.store, h.logger, conversation.Transcript{
			ConversationID: convID,
			Model:          h.model,
			Messages:       messages,
			Answer:         answer.Text(),
			Segments:       answer.Segments(),
			Err:            waitErr,
		})
	}

	if waitErr != nil {
		// Headers and part of the answer are already out; breaking the
		// connection is the only way to tell the client it is incomplete.
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) HandleEnhancer(w http.ResponseWriter, r *http.Request) {
	server.AddLogField(r.Context(), "frontdoor", "enhancer")

	var req EnhancerRequest
	if status, msg, err := decodeBody(w, r, &req, msgBadEnhanceBody); err != nil {
		server.AddError(r.Context(), err)
		http.Error(w, msg, status)
		return
	}
	if req.Message == "" {
		http.Error(w, msgBadEnhanceBody, http.StatusBadRequest)
		return
	}

	runner := h.runner(w, r)
	if runner == nil {
		return
	}

	answer, err := runner.Enhance(r.Context(), req.Message)
	if err != nil {
		h.startFailed(w, r, err)
		return
	}

	if err := h.stream(w, r, answer); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (h *Handler) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.store == nil {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		server.AddError(r.Context(), err)
		http.Error(w, msgProcessing, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conv)
}

// startFailed reports a run that never produced a byte. Upstream throttling
// keeps its status so clients can back off; everything else is a 500.
func (h *Handler) startFailed(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("failed to run chat",
		slog.String("request_id", server.GetRequestID(r.Context())),
		slog.String("error", err.Error()),
	)
	server.AddError(r.Context(), err)

	status := http.StatusInternalServerError
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case domain.ErrorTypeRateLimit, domain.ErrorTypeOverloaded:
			status = apiErr.HTTPStatusCode()
		}
	}
	http.Error(w, msgProcessing, status)
}

// stream copies the answer to w, flushing each chunk, and returns why the
// answer stopped: nil only when it completed.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, answer *chatcore.Answer) error {
	h.active.Add(1)
	defer h.active.Add(-1)

	server.SetRateLimits(r.Context(), answer.RateLimits)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := answer.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away.
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}

	// Stops the upstream call if the answer is still running.
	answer.Close()
	waitErr := answer.Wait()

	server.AddLogField(r.Context(), "segments", strconv.Itoa(answer.Segments()))
	server.AddLogField(r.Context(), "outcome", conversation.Outcome(waitErr))
	if waitErr != nil {
		server.AddError(r.Context(), waitErr)
	}
	return waitErr
}
