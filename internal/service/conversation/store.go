package conversation

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"debatechat/internal/models"
)

// Store persists users, topics, and messages, and answers the ownership
// and history queries the chat session depends on.
type Store struct {
	db    *sql.DB
	cache *Cache
}

// NewStore builds a conversation store. The cache may be nil, in which case
// every read goes to the database.
func NewStore(db *sql.DB, cache *Cache) *Store {
	return &Store{db: db, cache: cache}
}

// RegisterUser creates a user with the supplied credentials.
func (s *Store) RegisterUser(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}

	user := &models.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hashPassword(password),
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		user.ID.String(), user.Email, user.PasswordHash, user.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login validates credentials and returns the user profile.
func (s *Store) Login(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, created_at FROM users WHERE email = ?`, email,
	)
	var user models.User
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid credentials")
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if user.PasswordHash != hashPassword(password) {
		return nil, errors.New("invalid credentials")
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded topics/messages.
func (s *Store) DeleteUser(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateTopic inserts a new topic for the given user and returns the record.
func (s *Store) CreateTopic(ctx context.Context, userID uuid.UUID, name string) (*models.Topic, error) {
	if userID == uuid.Nil {
		return nil, errors.New("user id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "New Topic"
	}
	now := time.Now().UTC()
	topic := &models.Topic{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO topics (id, user_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		topic.ID.String(), userID.String(), name, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create topic: %w", err)
	}
	return topic, nil
}

// GetTopic returns one topic by id. sql.ErrNoRows when absent.
func (s *Store) GetTopic(ctx context.Context, topicID uuid.UUID) (*models.Topic, error) {
	var topic models.Topic
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at, updated_at FROM topics WHERE id = ?`,
		topicID.String(),
	).Scan(&topic.ID, &topic.UserID, &topic.Name, &topic.CreatedAt, &topic.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get topic: %w", err)
	}
	return &topic, nil
}

// UserOwnsTopic reports whether the topic exists and belongs to the user.
func (s *Store) UserOwnsTopic(ctx context.Context, userID, topicID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM topics WHERE id = ? AND user_id = ?)`,
		topicID.String(), userID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("verify topic ownership: %w", err)
	}
	return exists, nil
}

// ListTopics returns all topics for a user ordered by last activity.
func (s *Store) ListTopics(ctx context.Context, userID uuid.UUID) ([]models.Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, created_at, updated_at FROM topics WHERE user_id = ? ORDER BY updated_at DESC`,
		userID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var t models.Topic
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// UpdateTopicName renames a topic owned by the user.
func (s *Store) UpdateTopicName(ctx context.Context, userID, topicID uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE topics SET name = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		name, time.Now().UTC(), topicID.String(), userID.String(),
	)
	if err != nil {
		return fmt.Errorf("update topic name: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("topic rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteTopic removes a topic and all its messages for the user.
func (s *Store) DeleteTopic(ctx context.Context, userID, topicID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE id = ? AND user_id = ?`,
		topicID.String(), userID.String())
	if err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("topic rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE topic_id = ?`, topicID.String()); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete topic: %w", err)
	}
	s.cache.Invalidate(ctx, topicID)
	return nil
}

// GetMessages returns the topic's messages ordered by sequence number.
// Reads go through the cache when one is configured.
func (s *Store) GetMessages(ctx context.Context, topicID uuid.UUID) ([]*models.Message, error) {
	if cached, ok := s.cache.Load(ctx, topicID); ok {
		return cached, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic_id, role, content, sequence_number, prompt_tokens, completion_tokens, created_at
		 FROM messages WHERE topic_id = ? ORDER BY sequence_number ASC`,
		topicID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.cache.Save(ctx, topicID, messages)
	return messages, nil
}

// InsertMessage stores a new message and touches the topic's updated_at.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg == nil {
		return nil, errors.New("message cannot be nil")
	}
	if msg.TopicID == uuid.Nil {
		return nil, errors.New("topic id is required")
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, topic_id, role, content, sequence_number, prompt_tokens, completion_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.TopicID.String(), msg.Role, msg.Content, msg.SequenceNumber,
		nullableInt(msg.PromptTokens), nullableInt(msg.CompletionTokens), msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE topics SET updated_at = ? WHERE id = ?`, now, msg.TopicID.String()); err != nil {
		return nil, fmt.Errorf("touch topic: %w", err)
	}
	s.cache.Invalidate(ctx, msg.TopicID)
	return msg, nil
}

// DeleteMessageAndDescendants removes the target message and every message
// after it in the topic's sequence. The topic must belong to the user.
func (s *Store) DeleteMessageAndDescendants(ctx context.Context, userID, messageID, topicID uuid.UUID) error {
	owns, err := s.UserOwnsTopic(ctx, userID, topicID)
	if err != nil {
		return err
	}
	if !owns {
		return sql.ErrNoRows
	}

	var seq int
	err = s.db.QueryRowContext(ctx,
		`SELECT sequence_number FROM messages WHERE id = ? AND topic_id = ?`,
		messageID.String(), topicID.String(),
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("find message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE topic_id = ? AND sequence_number >= ?`,
		topicID.String(), seq,
	); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	s.cache.Invalidate(ctx, topicID)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var promptTokens, completionTokens sql.NullInt64
	if err := row.Scan(&m.ID, &m.TopicID, &m.Role, &m.Content, &m.SequenceNumber,
		&promptTokens, &completionTokens, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if promptTokens.Valid {
		v := int(promptTokens.Int64)
		m.PromptTokens = &v
	}
	if completionTokens.Valid {
		v := int(completionTokens.Int64)
		m.CompletionTokens = &v
	}
	return &m, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
