package release

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/airliftd/airlift/internal/domain"
	"github.com/airliftd/airlift/internal/repository"
	"github.com/airliftd/airlift/internal/ws"
)

// CreateInput encapsulates deployment creation attributes.
type CreateInput struct {
	AppID       string `json:"-"`
	BuildID     int64  `json:"build_id"`
	ChannelName string `json:"channel_name"`
}

// Service appends deployments to the channel log and notifies watchers.
type Service struct {
	apps        repository.AppRepository
	builds      repository.BuildRepository
	deployments repository.DeploymentRepository
	hub         *ws.Hub
	logger      *slog.Logger
}

// New returns a release service.
func New(apps repository.AppRepository, builds repository.BuildRepository, deployments repository.DeploymentRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{apps: apps, builds: builds, deployments: deployments, hub: hub, logger: logger}
}

var (
	// ErrMissingFields rejects creates without build id and channel name.
	ErrMissingFields = errors.New("missing required fields: build_id, channel_name")
	// ErrAppNotFound marks an unknown owning app.
	ErrAppNotFound = errors.New("app not found")
	// ErrBuildNotFound marks a referenced build that does not exist or
	// belongs to another app.
	ErrBuildNotFound = errors.New("build not found")
)

// Event is the payload broadcast to channel watchers when a deployment
// lands.
type Event struct {
	DeploymentID int64     `json:"deployment_id"`
	AppID        string    `json:"app_id"`
	BuildID      int64     `json:"build_id"`
	ChannelName  string    `json:"channel_name"`
	SnapshotID   string    `json:"snapshot_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Create appends a deployment row assigning the build to the channel.
// The referenced build must exist and belong to the same app. Rows are
// never mutated; the latest row wins at read time.
func (s Service) Create(ctx context.Context, input CreateInput) (*domain.Deployment, error) {
	if input.BuildID == 0 || strings.TrimSpace(input.ChannelName) == "" {
		return nil, ErrMissingFields
	}
	if _, err := s.apps.GetAppByID(ctx, input.AppID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAppNotFound
		}
		return nil, err
	}
	build, err := s.builds.GetBuildByID(ctx, input.BuildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrBuildNotFound
		}
		return nil, err
	}
	if build.AppID != input.AppID {
		return nil, ErrBuildNotFound
	}
	deployment := &domain.Deployment{
		AppID:       input.AppID,
		BuildID:     input.BuildID,
		ChannelName: input.ChannelName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, err
	}
	s.logger.Info("deployment created",
		"app_id", deployment.AppID,
		"deployment_id", deployment.ID,
		"build_id", deployment.BuildID,
		"channel", deployment.ChannelName)
	s.broadcast(deployment, build.SnapshotID)
	return deployment, nil
}

// ListByApp returns an app's deployments with joined build fields,
// newest first.
func (s Service) ListByApp(ctx context.Context, appID string) ([]domain.DeploymentDetail, error) {
	if _, err := s.apps.GetAppByID(ctx, appID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAppNotFound
		}
		return nil, err
	}
	return s.deployments.ListDeploymentsByApp(ctx, appID)
}

func (s Service) broadcast(deployment *domain.Deployment, snapshotID string) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(Event{
		DeploymentID: deployment.ID,
		AppID:        deployment.AppID,
		BuildID:      deployment.BuildID,
		ChannelName:  deployment.ChannelName,
		SnapshotID:   snapshotID,
		CreatedAt:    deployment.CreatedAt,
	})
	if err != nil {
		s.logger.Error("failed to encode deployment event", "error", err)
		return
	}
	s.hub.Broadcast(ws.Topic(deployment.AppID, deployment.ChannelName), payload)
}
