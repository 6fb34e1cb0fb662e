package build

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/airliftd/airlift/internal/artifact"
	"github.com/airliftd/airlift/internal/domain"
	"github.com/airliftd/airlift/internal/repository"
)

// CreateInput encapsulates build publication attributes.
type CreateInput struct {
	AppID         string `json:"-"`
	ArtifactURL   string `json:"artifact_url"`
	ArtifactType  string `json:"artifact_type"`
	CommitSHA     string `json:"commit_sha"`
	CommitMessage string `json:"commit_message"`
	CommitRef     string `json:"commit_ref"`
}

// Service orchestrates build publication.
type Service struct {
	apps   repository.AppRepository
	builds repository.BuildRepository
	logger *slog.Logger
}

// New returns a build service.
func New(apps repository.AppRepository, builds repository.BuildRepository, logger *slog.Logger) Service {
	return Service{apps: apps, builds: builds, logger: logger}
}

// ErrMissingFields rejects creates without the full commit and artifact set.
var ErrMissingFields = errors.New("missing required fields: artifact_url, artifact_type, commit_sha, commit_message, commit_ref")

// ErrAppNotFound marks an unknown owning app.
var ErrAppNotFound = errors.New("app not found")

// Create validates the artifact declaration, mints a snapshot id and
// stores the build. Builds are immutable once created.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Build, error) {
	for _, field := range []string{input.ArtifactURL, input.ArtifactType, input.CommitSHA, input.CommitMessage, input.CommitRef} {
		if strings.TrimSpace(field) == "" {
			return nil, ErrMissingFields
		}
	}
	if err := artifact.Validate(input.ArtifactType, input.ArtifactURL); err != nil {
		return nil, err
	}
	if _, err := s.apps.GetAppByID(ctx, input.AppID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAppNotFound
		}
		return nil, err
	}
	build := &domain.Build{
		AppID:         input.AppID,
		ArtifactURL:   input.ArtifactURL,
		ArtifactType:  input.ArtifactType,
		SnapshotID:    uuid.NewString(),
		CommitSHA:     input.CommitSHA,
		CommitMessage: input.CommitMessage,
		CommitRef:     input.CommitRef,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.builds.CreateBuild(ctx, build); err != nil {
		return nil, err
	}
	s.logger.Info("build created", "app_id", build.AppID, "build_id", build.ID, "snapshot_id", build.SnapshotID)
	return build, nil
}

// ListByApp returns an app's builds, newest first.
func (s Service) ListByApp(ctx context.Context, appID string) ([]domain.Build, error) {
	if _, err := s.apps.GetAppByID(ctx, appID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAppNotFound
		}
		return nil, err
	}
	return s.builds.ListBuildsByApp(ctx, appID)
}
