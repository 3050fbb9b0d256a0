package conversation

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"

	"debatechat/internal/config"
	"debatechat/internal/models"
	"debatechat/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return NewStore(db, NewCache(nil)), db
}

func TestRegisterAndLogin(t *testing.T) {
	store, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	user, err := store.RegisterUser(ctx, "Debater@Example.com", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if user.Email != "debater@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}

	got, err := store.Login(ctx, "debater@example.com", "secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned wrong user")
	}

	if _, err := store.Login(ctx, "debater@example.com", "wrong"); err == nil {
		t.Fatalf("expected bad-password rejection")
	}
	if _, err := store.Login(ctx, "nobody@example.com", "secret"); err == nil {
		t.Fatalf("expected unknown-user rejection")
	}
	if _, err := store.RegisterUser(ctx, "debater@example.com", "again"); err == nil {
		t.Fatalf("expected duplicate email rejection")
	}
}

func TestDeleteUser(t *testing.T) {
	store, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	user, err := store.RegisterUser(ctx, "gone@example.com", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if err := store.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := store.DeleteUser(ctx, user.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on second delete, got %v", err)
	}
}

func TestTopicLifecycle(t *testing.T) {
	store, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	user, err := store.RegisterUser(ctx, "topics@example.com", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	stranger, err := store.RegisterUser(ctx, "stranger@example.com", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}

	topic, err := store.CreateTopic(ctx, user.ID, "Nuclear Energy")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if topic.Name != "Nuclear Energy" {
		t.Fatalf("name mismatch: %q", topic.Name)
	}

	// Empty names get a placeholder.
	unnamed, err := store.CreateTopic(ctx, user.ID, "   ")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if unnamed.Name != "New Topic" {
		t.Fatalf("expected placeholder name, got %q", unnamed.Name)
	}

	owns, err := store.UserOwnsTopic(ctx, user.ID, topic.ID)
	if err != nil || !owns {
		t.Fatalf("owner not recognized: owns=%v err=%v", owns, err)
	}
	owns, err = store.UserOwnsTopic(ctx, stranger.ID, topic.ID)
	if err != nil || owns {
		t.Fatalf("stranger must not own topic: owns=%v err=%v", owns, err)
	}

	topics, err := store.ListTopics(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}

	if err := store.UpdateTopicName(ctx, user.ID, topic.ID, "Renamed"); err != nil {
		t.Fatalf("UpdateTopicName: %v", err)
	}
	if err := store.UpdateTopicName(ctx, stranger.ID, topic.ID, "Hijacked"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for foreign rename, got %v", err)
	}
	renamed, err := store.GetTopic(ctx, topic.ID)
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if renamed.Name != "Renamed" {
		t.Fatalf("rename not persisted: %q", renamed.Name)
	}

	if err := store.DeleteTopic(ctx, stranger.ID, topic.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for foreign delete, got %v", err)
	}
	if err := store.DeleteTopic(ctx, user.ID, topic.ID); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if _, err := store.GetTopic(ctx, topic.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected topic gone, got %v", err)
	}
}

func TestMessagesOrderedBySequence(t *testing.T) {
	store, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	user, _ := store.RegisterUser(ctx, "seq@example.com", "secret")
	topic, _ := store.CreateTopic(ctx, user.ID, "Ordering")

	// Insert out of order; reads must come back sorted.
	for _, seq := range []int{3, 1, 2} {
		role := models.RoleUser
		if seq%2 == 0 {
			role = models.RoleAssistant
		}
		msg := models.NewMessage(topic.ID, role, "msg", seq)
		if _, err := store.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
	}

	messages, err := store.GetMessages(ctx, topic.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, m := range messages {
		if m.SequenceNumber != i+1 {
			t.Fatalf("position %d holds sequence %d", i, m.SequenceNumber)
		}
	}
}

func TestInsertMessagePreservesTokenCounts(t *testing.T) {
	store, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	user, _ := store.RegisterUser(ctx, "tokens@example.com", "secret")
	topic, _ := store.CreateTopic(ctx, user.ID, "Counting")

	count := 7
	msg := models.NewMessage(topic.ID, models.RoleAssistant, "counted", 1)
	msg.CompletionTokens = &count
	if _, err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	messages, err := store.GetMessages(ctx, topic.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if messages[0].CompletionTokens == nil || *messages[0].CompletionTokens != 7 {
		t.Fatalf("completion tokens lost: %v", messages[0].CompletionTokens)
	}
	if messages[0].PromptTokens != nil {
		t.Fatalf("prompt tokens should stay null")
	}
}

func TestDeleteMessageAndDescendants(t *testing.T) {
	store, db := newTestStore(t)
	defer db.Close()
	ctx := context.Background()

	user, _ := store.RegisterUser(ctx, "truncate@example.com", "secret")
	stranger, _ := store.RegisterUser(ctx, "other@example.com", "secret")
	topic, _ := store.CreateTopic(ctx, user.ID, "History")

	ids := make([]uuid.UUID, 0, 4)
	for seq := 1; seq <= 4; seq++ {
		msg := models.NewMessage(topic.ID, models.RoleUser, "turn", seq)
		if _, err := store.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("InsertMessage: %v", err)
		}
		ids = append(ids, msg.ID)
	}

	if err := store.DeleteMessageAndDescendants(ctx, stranger.ID, ids[2], topic.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ownership rejection, got %v", err)
	}
	if err := store.DeleteMessageAndDescendants(ctx, user.ID, uuid.New(), topic.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected missing-message rejection, got %v", err)
	}

	if err := store.DeleteMessageAndDescendants(ctx, user.ID, ids[2], topic.ID); err != nil {
		t.Fatalf("DeleteMessageAndDescendants: %v", err)
	}
	messages, err := store.GetMessages(ctx, topic.ID)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 surviving messages, got %d", len(messages))
	}
	if messages[0].ID != ids[0] || messages[1].ID != ids[1] {
		t.Fatalf("wrong messages survived")
	}
}
