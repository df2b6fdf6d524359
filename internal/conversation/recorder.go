// Package conversation persists finished chat answers as transcripts.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/chatrelay/internal/domain"
	"github.com/tjfontaine/chatrelay/internal/server"
	"github.com/tjfontaine/chatrelay/internal/storage"
)

// Transcript is one finished exchange.
type Transcript struct {
	// ConversationID is generated when empty.
	ConversationID string
	Model          string
	Messages       []domain.Message
	Answer         string
	Segments       int
	// Err is why the answer stopped early, nil when the model finished.
	Err      error
	Metadata map[string]string
}

// Outcome names how an answer ended.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "complete"
	case errors.Is(err, domain.ErrMaxSegments):
		return "max_segments"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// Record stores t in the conversation store and returns the conversation id.
// Failures are logged and never reach the caller.
func Record(ctx context.Context, store storage.ConversationStore, logger *slog.Logger, t Transcript) string {
	convID := t.ConversationID
	if convID == "" {
		convID = "conv_" + uuid.New().String()
	}
	if store == nil {
		return convID
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Decouple persistence from the request lifecycle so transcripts survive
	// client disconnects; still enforce a short timeout.
	persistCtx, cancel := buildPersistenceContext(ctx, 5*time.Second)
	defer cancel()

	meta := maps.Clone(t.Metadata)
	if meta == nil {
		meta = make(map[string]string)
	}
	if t.Model != "" {
		meta["model"] = t.Model
	}
	meta["segments"] = strconv.Itoa(t.Segments)
	meta["outcome"] = Outcome(t.Err)
	if t.Err != nil {
		meta["error"] = t.Err.Error()
	}
	if reqID := server.GetRequestID(persistCtx); reqID != "" {
		meta["request_id"] = reqID
	}

	if err := store.CreateConversation(persistCtx, &storage.Conversation{
		ID:       convID,
		Metadata: meta,
	}); err != nil {
		logger.Error("failed to create conversation",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()),
		)
		return convID
	}

	addMessage := func(role domain.Role, content string) {
		if content == "" {
			return
		}
		if err := store.AddMessage(persistCtx, convID, &storage.StoredMessage{
			ID:      "msg_" + uuid.New().String(),
			Role:    string(role),
			Content: content,
		}); err != nil {
			logger.Error("failed to store message",
				slog.String("conversation_id", convID),
				slog.String("role", string(role)),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, msg := range t.Messages {
		addMessage(msg.Role, msg.Content)
	}
	addMessage(domain.RoleAssistant, t.Answer)

	return convID
}

func buildPersistenceContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, timeout)
}
