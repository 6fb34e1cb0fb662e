package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/airliftd/airlift/internal/domain"
	"github.com/airliftd/airlift/internal/repository"
)

// CreateInput encapsulates app registration attributes.
type CreateInput struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	UserID string `json:"-"`
}

// Service orchestrates app management.
type Service struct {
	apps   repository.AppRepository
	logger *slog.Logger
}

// New returns an app service.
func New(apps repository.AppRepository, logger *slog.Logger) Service {
	return Service{apps: apps, logger: logger}
}

var (
	// ErrMissingFields rejects creates without both id and name.
	ErrMissingFields = errors.New("missing required fields: name, id")
	// ErrDuplicateID rejects creates reusing an existing app id.
	ErrDuplicateID = errors.New("app with this ID already exists")
)

// Create registers a new app under the caller's account. The id is
// caller-supplied and must be unique.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.App, error) {
	if strings.TrimSpace(input.ID) == "" || strings.TrimSpace(input.Name) == "" {
		return nil, ErrMissingFields
	}
	app := &domain.App{
		ID:        input.ID,
		UserID:    input.UserID,
		Name:      input.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.apps.CreateApp(ctx, app); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateID
		}
		return nil, err
	}
	s.logger.Info("app created", "app_id", app.ID, "user_id", app.UserID)
	return app, nil
}

// ListByUser returns apps owned by the authenticated user.
func (s Service) ListByUser(ctx context.Context, userID string) ([]domain.App, error) {
	return s.apps.ListAppsByUser(ctx, userID)
}

// Get returns an app the caller owns.
func (s Service) Get(ctx context.Context, userID, appID string) (*domain.App, error) {
	app, err := s.apps.GetAppByID(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return app, nil
}
