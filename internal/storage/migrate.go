package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// The legacy user absorbs conversations written before accounts existed.
// Its password hash is random noise that no bcrypt comparison can match,
// so the account can never be logged into.
const (
	LegacyUserID   = "00000000-0000-0000-0000-000000000000"
	LegacyUsername = "_legacy_user"
)

// MigrateLegacy reassigns ownerless conversations to a reserved sentinel
// user. It runs inside one transaction and is safe to call on every boot.
func (s *Store) MigrateLegacy(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin legacy migration: %w", err)
	}
	defer tx.Rollback()

	q := s.sql.Select("id").From("users").Where(sq.Eq{"id": LegacyUserID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build legacy user query: %w", err)
	}

	var existing string
	err = tx.QueryRowContext(ctx, sqlStr, args...).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		iq := s.sql.Insert("users").
			Columns("id", "username", "password_hash").
			Values(LegacyUserID, LegacyUsername, unusablePasswordHash())
		sqlStr, args, err = iq.ToSql()
		if err != nil {
			return fmt.Errorf("build legacy user insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert legacy user: %w", err)
		}
	case err != nil:
		return fmt.Errorf("check legacy user: %w", err)
	}

	uq := s.sql.Update("conversations").
		Set("user_id", LegacyUserID).
		Where(sq.Or{sq.Eq{"user_id": nil}, sq.Eq{"user_id": ""}})
	sqlStr, args, err = uq.ToSql()
	if err != nil {
		return fmt.Errorf("build legacy reassignment query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("reassign legacy conversations: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit legacy migration: %w", err)
	}
	return nil
}

func unusablePasswordHash() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
