package chat

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"

	"debatechat/internal/models"
	"debatechat/internal/service/completion"
)

// fakeStream replays a fixed token sequence, then io.EOF or a configured
// error. When built with a context it aborts as soon as that context ends.
type fakeStream struct {
	tokens []string
	idx    int
	err    error
	ctx    context.Context
	closed bool
}

func (s *fakeStream) Recv() (string, error) {
	if s.ctx != nil && s.ctx.Err() != nil {
		return "", s.ctx.Err()
	}
	if s.idx < len(s.tokens) {
		tok := s.tokens[s.idx]
		s.idx++
		return tok, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() { s.closed = true }

// blockingStream hands out tokens pushed through a channel, unblocking on
// context cancellation. Closing the channel ends the stream cleanly.
type blockingStream struct {
	ctx    context.Context
	tokens chan string
}

func (s *blockingStream) Recv() (string, error) {
	select {
	case tok, ok := <-s.tokens:
		if !ok {
			return "", io.EOF
		}
		return tok, nil
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
}

func (s *blockingStream) Close() {}

type fakeStreamer struct {
	mu        sync.Mutex
	openErr   error
	newStream func(ctx context.Context) completion.TokenStream
	opened    int
}

func (f *fakeStreamer) StreamCompletion(ctx context.Context, history []*models.Message) (completion.TokenStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	return f.newStream(ctx), nil
}

func (f *fakeStreamer) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

type fakeStore struct {
	mu        sync.Mutex
	owns      bool
	ownsErr   error
	messages  map[uuid.UUID][]*models.Message
	inserted  []*models.Message
	insertErr error
	deleteErr error
	deleted   []uuid.UUID
}

func (s *fakeStore) UserOwnsTopic(ctx context.Context, userID, topicID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owns, s.ownsErr
}

func (s *fakeStore) GetMessages(ctx context.Context, topicID uuid.UUID) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[topicID], nil
}

func (s *fakeStore) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	s.inserted = append(s.inserted, msg)
	return msg, nil
}

func (s *fakeStore) DeleteMessageAndDescendants(ctx context.Context, userID, messageID, topicID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *fakeStore) insertedMessages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Message(nil), s.inserted...)
}

func userHistory(topicID uuid.UUID, contents ...string) []*models.Message {
	history := make([]*models.Message, 0, len(contents))
	for i, content := range contents {
		history = append(history, &models.Message{
			ID:             uuid.New(),
			TopicID:        topicID,
			Role:           models.RoleUser,
			Content:        content,
			SequenceNumber: i + 1,
		})
	}
	return history
}

func TestGenerateStreamsAndPersists(t *testing.T) {
	topicID := uuid.New()
	store := &fakeStore{owns: true}
	streamer := &fakeStreamer{newStream: func(ctx context.Context) completion.TokenStream {
		return &fakeStream{tokens: []string{"The ", "answer ", "is 42."}}
	}}
	orch := NewOrchestrator(streamer, store)

	var got []string
	msg, err := orch.Generate(context.Background(), userHistory(topicID, "question"), func(token string) error {
		got = append(got, token)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if len(got) != 3 || got[0] != "The " || got[1] != "answer " || got[2] != "is 42." {
		t.Fatalf("tokens out of order: %v", got)
	}
	if msg.Content != "The answer is 42." {
		t.Fatalf("content mismatch: %q", msg.Content)
	}
	if msg.Role != models.RoleAssistant {
		t.Fatalf("expected assistant role, got %s", msg.Role)
	}
	if msg.TopicID != topicID {
		t.Fatalf("topic mismatch: %s", msg.TopicID)
	}
	if msg.SequenceNumber != 2 {
		t.Fatalf("expected sequence 2, got %d", msg.SequenceNumber)
	}
	if msg.CompletionTokens == nil || *msg.CompletionTokens != 3 {
		t.Fatalf("expected 3 completion tokens, got %v", msg.CompletionTokens)
	}
	if inserted := store.insertedMessages(); len(inserted) != 1 || inserted[0] != msg {
		t.Fatalf("message not persisted")
	}
}

func TestGenerateEmptyHistory(t *testing.T) {
	orch := NewOrchestrator(&fakeStreamer{}, &fakeStore{})
	if _, err := orch.Generate(context.Background(), nil, func(string) error { return nil }); !errors.Is(err, ErrEmptyHistory) {
		t.Fatalf("expected ErrEmptyHistory, got %v", err)
	}
}

func TestGenerateProviderOpenError(t *testing.T) {
	store := &fakeStore{}
	streamer := &fakeStreamer{openErr: errors.New("upstream down")}
	orch := NewOrchestrator(streamer, store)

	_, err := orch.Generate(context.Background(), userHistory(uuid.New(), "hi"), func(string) error { return nil })
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if len(store.insertedMessages()) != 0 {
		t.Fatalf("nothing should be persisted after provider failure")
	}
}

func TestGenerateMidStreamError(t *testing.T) {
	store := &fakeStore{}
	streamer := &fakeStreamer{newStream: func(ctx context.Context) completion.TokenStream {
		return &fakeStream{tokens: []string{"partial "}, err: errors.New("stream reset")}
	}}
	orch := NewOrchestrator(streamer, store)

	var got []string
	_, err := orch.Generate(context.Background(), userHistory(uuid.New(), "hi"), func(token string) error {
		got = append(got, token)
		return nil
	})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the partial token to have been relayed, got %v", got)
	}
	if len(store.insertedMessages()) != 0 {
		t.Fatalf("nothing should be persisted after mid-stream failure")
	}
}

func TestGenerateCancellation(t *testing.T) {
	store := &fakeStore{}
	streamer := &fakeStreamer{newStream: func(ctx context.Context) completion.TokenStream {
		return &fakeStream{ctx: ctx, tokens: []string{"one", "two", "three"}}
	}}
	orch := NewOrchestrator(streamer, store)

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	_, err := orch.Generate(ctx, userHistory(uuid.New(), "hi"), func(token string) error {
		got = append(got, token)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one token before cancellation, got %v", got)
	}
	if len(store.insertedMessages()) != 0 {
		t.Fatalf("cancelled generation must not persist")
	}
}

func TestGeneratePersistenceError(t *testing.T) {
	store := &fakeStore{insertErr: sql.ErrConnDone}
	streamer := &fakeStreamer{newStream: func(ctx context.Context) completion.TokenStream {
		return &fakeStream{tokens: []string{"done"}}
	}}
	orch := NewOrchestrator(streamer, store)

	_, err := orch.Generate(context.Background(), userHistory(uuid.New(), "hi"), func(string) error { return nil })
	var persErr *PersistenceError
	if !errors.As(err, &persErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if !errors.Is(err, sql.ErrConnDone) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestGenerateClosesStream(t *testing.T) {
	stream := &fakeStream{tokens: []string{"x"}}
	streamer := &fakeStreamer{newStream: func(ctx context.Context) completion.TokenStream { return stream }}
	orch := NewOrchestrator(streamer, &fakeStore{})

	if _, err := orch.Generate(context.Background(), userHistory(uuid.New(), "hi"), func(string) error { return nil }); err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if !stream.closed {
		t.Fatalf("stream must be closed after generation")
	}
}
