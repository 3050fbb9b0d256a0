package chat

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"

	"debatechat/internal/models"
	"debatechat/internal/service/completion"
)

// ConversationStore is the persistence surface the chat core depends on.
type ConversationStore interface {
	UserOwnsTopic(ctx context.Context, userID, topicID uuid.UUID) (bool, error)
	GetMessages(ctx context.Context, topicID uuid.UUID) ([]*models.Message, error)
	InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	DeleteMessageAndDescendants(ctx context.Context, userID, messageID, topicID uuid.UUID) error
}

// Orchestrator drives one completion stream: relay each token to the caller
// in arrival order, accumulate the full response, and persist the assistant
// message once the stream is exhausted.
type Orchestrator struct {
	provider completion.Streamer
	store    ConversationStore
}

// NewOrchestrator wires the completion provider and the store.
func NewOrchestrator(provider completion.Streamer, store ConversationStore) *Orchestrator {
	return &Orchestrator{provider: provider, store: store}
}

// Generate runs one completion over the ordered history. onToken is called
// once per provider increment, in arrival order, before the next increment
// is polled. On success the persisted assistant message is returned.
//
// Cancellation (ctx) stops the stream within one token poll and persists
// nothing; a provider failure mid-stream persists nothing; a store failure
// after a complete stream returns PersistenceError, since the streamed
// tokens were already delivered.
func (o *Orchestrator) Generate(ctx context.Context, history []*models.Message, onToken func(string) error) (*models.Message, error) {
	if len(history) == 0 {
		return nil, ErrEmptyHistory
	}

	stream, err := o.provider.StreamCompletion(ctx, history)
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	defer stream.Close()

	var content string
	completionTokens := 0
	for {
		token, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &ProviderError{Err: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := onToken(token); err != nil {
			return nil, err
		}
		content += token
		completionTokens++
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	msg := models.NewMessage(history[0].TopicID, models.RoleAssistant, content, len(history)+1)
	msg.CompletionTokens = &completionTokens

	saved, err := o.store.InsertMessage(ctx, msg)
	if err != nil {
		return nil, &PersistenceError{Err: err}
	}
	return saved, nil
}
