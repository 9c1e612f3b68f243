package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (User, error) {
	u := User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	q := s.sql.Insert("users").
		Columns("id", "username", "password_hash", "created_at").
		Values(u.ID, u.Username, u.PasswordHash, u.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build create user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrConflict
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByName(ctx context.Context, username string) (User, error) {
	return s.getUser(ctx, sq.Eq{"username": username})
}

func (s *Store) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getUser(ctx, sq.Eq{"id": id})
}

func (s *Store) getUser(ctx context.Context, where sq.Sqlizer) (User, error) {
	q := s.sql.Select("id", "username", "password_hash", "created_at").
		From("users").
		Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get user query: %w", err)
	}

	var u User
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) CreateSession(ctx context.Context, tokenHash, userID string, ttl time.Duration) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		TokenHash: tokenHash,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	q := s.sql.Insert("sessions").
		Columns("token_hash", "user_id", "created_at", "expires_at").
		Values(sess.TokenHash, sess.UserID, sess.CreatedAt, sess.ExpiresAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Session{}, fmt.Errorf("build create session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSessionUser resolves a session token hash to its owning user. Expired
// sessions are treated as absent and deleted on the way out.
func (s *Store) GetSessionUser(ctx context.Context, tokenHash string, now time.Time) (User, error) {
	q := s.sql.Select("u.id", "u.username", "u.password_hash", "u.created_at", "s.expires_at").
		From("sessions s").
		Join("users u ON s.user_id = u.id").
		Where(sq.Eq{"s.token_hash": tokenHash})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return User{}, fmt.Errorf("build get session query: %w", err)
	}

	var u User
	var expiresAt time.Time
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("get session: %w", err)
	}

	if !now.UTC().Before(expiresAt) {
		_ = s.DeleteSession(ctx, tokenHash)
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	q := s.sql.Delete("sessions").Where(sq.Eq{"token_hash": tokenHash})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	q := s.sql.Delete("sessions").Where(sq.LtOrEq{"expires_at": now.UTC()})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build expired sessions query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *Store) CreateConversation(ctx context.Context, userID, title string) (Conversation, error) {
	if strings.TrimSpace(title) == "" {
		title = DefaultTitle
	}
	now := time.Now().UTC()
	c := Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q := s.sql.Insert("conversations").
		Columns("id", "user_id", "title", "created_at", "updated_at").
		Values(c.ID, c.UserID, c.Title, c.CreatedAt, c.UpdatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	q := s.sql.Select("id", "user_id", "title", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}

	var c Conversation
	var userID sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &userID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.UserID = userID.String
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	q := s.sql.Select("id", "user_id", "title", "created_at", "updated_at").
		From("conversations").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateConversationTitle(ctx context.Context, userID, id, title string) error {
	q := s.sql.Update("conversations").
		Set("title", title).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update title query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation: %w", err)
	}
	defer tx.Rollback()

	q := s.sql.Delete("conversations").Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}

	mq := s.sql.Delete("messages").Where(sq.Eq{"conversation_id": id})
	sqlStr, args, err = mq.ToSql()
	if err != nil {
		return fmt.Errorf("build delete messages query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

// AppendMessage inserts a message and bumps the owning conversation's
// updated_at in one transaction, so a crash cannot leave the two out of sync.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, truncated bool) (Message, error) {
	now := time.Now().UTC()
	m := Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Truncated:      truncated,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append message: %w", err)
	}
	defer tx.Rollback()

	q := s.sql.Insert("messages").
		Columns("conversation_id", "role", "content", "truncated", "created_at").
		Values(m.ConversationID, m.Role, m.Content, m.Truncated, m.CreatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build append message query: %w", err)
	}
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&m.ID); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}

	uq := s.sql.Update("conversations").
		Set("updated_at", now).
		Where(sq.Eq{"id": conversationID})
	sqlStr, args, err = uq.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build touch conversation query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return Message{}, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append message: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	q := s.sql.Select("id", "conversation_id", "role", "content", "truncated", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Truncated, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}
