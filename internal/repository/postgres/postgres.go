package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/airliftd/airlift/internal/domain"
	"github.com/airliftd/airlift/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.AppRepository        = (*Repository)(nil)
	_ repository.BuildRepository      = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.TokenRepository      = (*Repository)(nil)
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateApp inserts an app with its caller-supplied identifier.
func (r *Repository) CreateApp(ctx context.Context, app *domain.App) error {
	const query = `INSERT INTO apps (id, user_id, name, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, app.ID, app.UserID, app.Name, app.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

// GetAppByID fetches an app by identifier.
func (r *Repository) GetAppByID(ctx context.Context, appID string) (*domain.App, error) {
	const query = `SELECT id, user_id, name, created_at FROM apps WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, appID)
	var app domain.App
	if err := row.Scan(&app.ID, &app.UserID, &app.Name, &app.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &app, nil
}

// ListAppsByUser returns apps owned by the user, newest first.
func (r *Repository) ListAppsByUser(ctx context.Context, userID string) ([]domain.App, error) {
	const query = `SELECT id, user_id, name, created_at FROM apps
		WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.App, 0)
	for rows.Next() {
		var app domain.App
		if err := rows.Scan(&app.ID, &app.UserID, &app.Name, &app.CreatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// CreateBuild inserts a build and reads back the generated id.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	const query = `INSERT INTO builds (app_id, artifact_url, artifact_type, snapshot_id, commit_sha, commit_message, commit_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query, build.AppID, build.ArtifactURL, build.ArtifactType, build.SnapshotID, build.CommitSHA, build.CommitMessage, build.CommitRef, build.CreatedAt)
	return row.Scan(&build.ID)
}

// GetBuildByID fetches a build by its numeric id.
func (r *Repository) GetBuildByID(ctx context.Context, buildID int64) (*domain.Build, error) {
	const query = `SELECT id, app_id, artifact_url, artifact_type, snapshot_id, commit_sha, commit_message, commit_ref, created_at
		FROM builds WHERE id = $1`
	return r.scanBuild(r.pool.QueryRow(ctx, query, buildID))
}

// GetBuildBySnapshot fetches the app's build carrying the snapshot id.
func (r *Repository) GetBuildBySnapshot(ctx context.Context, appID, snapshotID string) (*domain.Build, error) {
	const query = `SELECT id, app_id, artifact_url, artifact_type, snapshot_id, commit_sha, commit_message, commit_ref, created_at
		FROM builds WHERE app_id = $1 AND snapshot_id = $2`
	return r.scanBuild(r.pool.QueryRow(ctx, query, appID, snapshotID))
}

func (r *Repository) scanBuild(row pgx.Row) (*domain.Build, error) {
	var b domain.Build
	if err := row.Scan(&b.ID, &b.AppID, &b.ArtifactURL, &b.ArtifactType, &b.SnapshotID, &b.CommitSHA, &b.CommitMessage, &b.CommitRef, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// ListBuildsByApp returns builds for an app, newest first.
func (r *Repository) ListBuildsByApp(ctx context.Context, appID string) ([]domain.Build, error) {
	const query = `SELECT id, app_id, artifact_url, artifact_type, snapshot_id, commit_sha, commit_message, commit_ref, created_at
		FROM builds WHERE app_id = $1 ORDER BY id DESC`
	rows, err := r.pool.Query(ctx, query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		var b domain.Build
		if err := rows.Scan(&b.ID, &b.AppID, &b.ArtifactURL, &b.ArtifactType, &b.SnapshotID, &b.CommitSHA, &b.CommitMessage, &b.CommitRef, &b.CreatedAt); err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// CreateDeployment appends a deployment row and reads back the generated id.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (app_id, build_id, channel_name, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query, deployment.AppID, deployment.BuildID, deployment.ChannelName, deployment.CreatedAt)
	return row.Scan(&deployment.ID)
}

// GetLatestDeployment resolves the channel's current deployment: the row
// with the largest id for the (app, channel) pair.
func (r *Repository) GetLatestDeployment(ctx context.Context, appID, channelName string) (*domain.Deployment, error) {
	const query = `SELECT id, app_id, build_id, channel_name, created_at
		FROM deployments WHERE app_id = $1 AND channel_name = $2
		ORDER BY id DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, appID, channelName)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.AppID, &d.BuildID, &d.ChannelName, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeploymentsByApp returns deployments joined with their builds,
// newest first.
func (r *Repository) ListDeploymentsByApp(ctx context.Context, appID string) ([]domain.DeploymentDetail, error) {
	const query = `SELECT d.id, d.app_id, d.build_id, d.channel_name, d.created_at,
			b.artifact_type, b.artifact_url, b.snapshot_id, b.commit_sha, b.commit_message, b.commit_ref
		FROM deployments d
		INNER JOIN builds b ON b.id = d.build_id
		WHERE d.app_id = $1
		ORDER BY d.id DESC`
	rows, err := r.pool.Query(ctx, query, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.DeploymentDetail, 0)
	for rows.Next() {
		var d domain.DeploymentDetail
		if err := rows.Scan(&d.ID, &d.AppID, &d.BuildID, &d.ChannelName, &d.CreatedAt,
			&d.ArtifactType, &d.ArtifactURL, &d.SnapshotID, &d.CommitSHA, &d.CommitMessage, &d.CommitRef); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateToken inserts an API token.
func (r *Repository) CreateToken(ctx context.Context, token *domain.APIToken) error {
	const query = `INSERT INTO api_tokens (token, user_id, name, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, token.Token, token.UserID, token.Name, token.CreatedAt)
	return err
}

// GetToken resolves a presented token string to its record.
func (r *Repository) GetToken(ctx context.Context, token string) (*domain.APIToken, error) {
	const query = `SELECT token, user_id, name, created_at FROM api_tokens WHERE token = $1`
	row := r.pool.QueryRow(ctx, query, token)
	var t domain.APIToken
	if err := row.Scan(&t.Token, &t.UserID, &t.Name, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListTokensByUser returns the user's tokens, newest first.
func (r *Repository) ListTokensByUser(ctx context.Context, userID string) ([]domain.APIToken, error) {
	const query = `SELECT token, user_id, name, created_at FROM api_tokens
		WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]domain.APIToken, 0)
	for rows.Next() {
		var t domain.APIToken
		if err := rows.Scan(&t.Token, &t.UserID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
