package repository

import (
	"context"

	"github.com/airliftd/airlift/internal/domain"
)

// AppRepository persists registered apps.
type AppRepository interface {
	CreateApp(ctx context.Context, app *domain.App) error
	GetAppByID(ctx context.Context, appID string) (*domain.App, error)
	ListAppsByUser(ctx context.Context, userID string) ([]domain.App, error)
}

// BuildRepository persists immutable build records.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuildByID(ctx context.Context, buildID int64) (*domain.Build, error)
	GetBuildBySnapshot(ctx context.Context, appID, snapshotID string) (*domain.Build, error)
	ListBuildsByApp(ctx context.Context, appID string) ([]domain.Build, error)
}

// DeploymentRepository stores the append-only deployment log.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetLatestDeployment(ctx context.Context, appID, channelName string) (*domain.Deployment, error)
	ListDeploymentsByApp(ctx context.Context, appID string) ([]domain.DeploymentDetail, error)
}

// UserRepository persists developer accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// TokenRepository persists management API tokens.
type TokenRepository interface {
	CreateToken(ctx context.Context, token *domain.APIToken) error
	GetToken(ctx context.Context, token string) (*domain.APIToken, error)
	ListTokensByUser(ctx context.Context, userID string) ([]domain.APIToken, error)
}
