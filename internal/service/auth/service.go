package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/airliftd/airlift/internal/domain"
	"github.com/airliftd/airlift/internal/repository"
	"github.com/airliftd/airlift/pkg/config"
	"github.com/airliftd/airlift/pkg/crypto"
	jwtpkg "github.com/airliftd/airlift/pkg/jwt"
)

// Service handles account and token workflows.
type Service struct {
	users  repository.UserRepository
	tokens repository.TokenRepository
	logger *slog.Logger
	cfg    config.APIConfig
}

// New constructs a Service.
func New(users repository.UserRepository, tokens repository.TokenRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{users: users, tokens: tokens, logger: logger, cfg: cfg}
}

// TokenPair contains access and refresh tokens for console sessions.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

var (
	// ErrInvalidCredentials covers unknown emails and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrEmailTaken rejects signups reusing an email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidToken covers missing, malformed and unknown tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Signup registers a new user and opens a session.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, TokenPair{}, ErrEmailTaken
		}
		return nil, TokenPair{}, err
	}
	pair, err := s.issueSession(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, pair, nil
}

// Login authenticates a user and opens a session.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	pair, err := s.issueSession(user.ID)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, pair, nil
}

// AuthorizeSession validates a console JWT and loads its user.
func (s Service) AuthorizeSession(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrInvalidToken
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return user, nil
}

// AuthorizeToken maps a presented API token to its owning user via a
// stateless store lookup. No server-side session state exists.
func (s Service) AuthorizeToken(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, ErrInvalidToken
	}
	record, err := s.tokens.GetToken(ctx, trimmed)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	user, err := s.users.GetUserByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return user, nil
}

// CreateToken mints a named API token for the management surface.
func (s Service) CreateToken(ctx context.Context, userID, name string) (*domain.APIToken, error) {
	token := &domain.APIToken{
		Token:     uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.tokens.CreateToken(ctx, token); err != nil {
		return nil, err
	}
	s.logger.Info("api token created", "user_id", userID, "token_name", token.Name)
	return token, nil
}

// ListTokens returns the user's API tokens, newest first.
func (s Service) ListTokens(ctx context.Context, userID string) ([]domain.APIToken, error) {
	return s.tokens.ListTokensByUser(ctx, userID)
}

func (s Service) issueSession(userID string) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: int64(s.cfg.AccessTokenTTL.Seconds())}, nil
}
