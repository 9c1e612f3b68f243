package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"chatrelay/internal/storage"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
)

// dummyHash absorbs a bcrypt comparison when the username does not exist,
// keeping the unknown-user and wrong-password paths on the same timing.
var dummyHash = mustDummyHash()

type Service struct {
	store    *storage.Store
	tokenTTL time.Duration
}

type Config struct {
	Store    *storage.Store
	TokenTTL time.Duration
}

func NewService(cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 168 * time.Hour
	}
	return &Service{
		store:    cfg.Store,
		tokenTTL: cfg.TokenTTL,
	}
}

func (s *Service) Signup(ctx context.Context, username, password string) (string, storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", storage.User{}, ErrInvalidInput
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", storage.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, username, string(hash))
	if err != nil {
		return "", storage.User{}, err
	}

	token, err := s.issueToken(ctx, user.ID)
	if err != nil {
		return "", storage.User{}, err
	}
	return token, user, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (string, storage.User, error) {
	username = strings.TrimSpace(username)

	user, err := s.store.GetUserByName(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		// Burn the same work as a real comparison before rejecting.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return "", storage.User{}, ErrUnauthorized
	}
	if err != nil {
		return "", storage.User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", storage.User{}, ErrUnauthorized
	}

	token, err := s.issueToken(ctx, user.ID)
	if err != nil {
		return "", storage.User{}, err
	}
	return token, user, nil
}

// Logout is idempotent: unknown or already-revoked tokens succeed, so the
// response never leaks whether a token was valid.
func (s *Service) Logout(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	return s.store.DeleteSession(ctx, hashToken(token))
}

// Authenticate resolves a bearer token to its user. It is a pure lookup with
// no in-process session cache; expiry is evaluated at call time.
func (s *Service) Authenticate(ctx context.Context, token string) (storage.User, error) {
	if strings.TrimSpace(token) == "" {
		return storage.User{}, ErrUnauthorized
	}
	user, err := s.store.GetSessionUser(ctx, hashToken(token), time.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, ErrUnauthorized
	}
	if err != nil {
		return storage.User{}, err
	}
	return user, nil
}

func (s *Service) issueToken(ctx context.Context, userID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	if _, err := s.store.CreateSession(ctx, hashToken(token), userID, s.tokenTTL); err != nil {
		return "", err
	}
	return token, nil
}

// Only the hash of a token is ever persisted; a leaked sessions table does
// not yield usable bearer credentials.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func mustDummyHash() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("chatrelay-dummy-password"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}
