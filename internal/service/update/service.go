// Package update implements the device-facing update resolution
// protocol: deciding whether a polling device should fetch a newer
// build for its channel, and resolving snapshot redirects.
package update

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"log/slog"

	"github.com/google/uuid"

	"github.com/airliftd/airlift/internal/domain"
	"github.com/airliftd/airlift/internal/repository"
)

// ProtocolVersion is the fixed version string reported in every
// check-device response.
const ProtocolVersion = "2.0.0-sdlc-beta.0"

// Redirect endpoint names appended to synthesized fetch URLs.
const (
	endpointManifest = "manifest_v2"
	endpointDownload = "download"
)

// CheckInput is the device-reported state for one update check.
type CheckInput struct {
	AppID       string
	ChannelName string
	// WantsManifest selects the expected artifact type: differential
	// when true, zip otherwise.
	WantsManifest bool
	// ExistingSnapshotID and ExistingBuildID describe the device's
	// currently installed state. Empty means nothing installed.
	ExistingSnapshotID string
	ExistingBuildID    *int64
}

// CheckResult is the update decision for one device poll.
type CheckResult struct {
	Available  bool
	Compatible bool
	// Partial and IncompatibleUpdateAvailable are reserved by the
	// protocol and always false.
	Partial                     bool
	Snapshot                    *string
	URL                         *string
	Build                       *int64
	IncompatibleUpdateAvailable bool
	RequestID                   string
	Version                     string
}

var (
	// ErrMissingChannel rejects checks without a channel name.
	ErrMissingChannel = errors.New("channel_name is required")
	// ErrAppNotFound marks an unknown app id.
	ErrAppNotFound = errors.New("app not found")
	// ErrDeploymentNotFound marks a channel with no deployments.
	ErrDeploymentNotFound = errors.New("deployment not found")
	// ErrBuildNotFound marks a missing build row, an integrity fault
	// for check-device and an unknown snapshot for redirects.
	ErrBuildNotFound = errors.New("build not found")
)

// FormatMismatchError reports a build whose artifact type differs from
// what the device requested. Distinct from "no update": collapsing it
// into "up to date" would mask a configuration error.
type FormatMismatchError struct {
	BuildType     string
	RequestedType string
}

func (e *FormatMismatchError) Error() string {
	return fmt.Sprintf("Build is a %s, but the SDK is requesting a %s", e.BuildType, e.RequestedType)
}

// Service answers update checks and snapshot redirects. All paths are
// read-only; builds and deployments are immutable once inserted.
type Service struct {
	apps        repository.AppRepository
	builds      repository.BuildRepository
	deployments repository.DeploymentRepository
	logger      *slog.Logger
	baseURL     string
}

// New returns an update service. baseURL is the externally-supplied
// prefix for synthesized fetch URLs.
func New(apps repository.AppRepository, builds repository.BuildRepository, deployments repository.DeploymentRepository, logger *slog.Logger, baseURL string) Service {
	return Service{
		apps:        apps,
		builds:      builds,
		deployments: deployments,
		logger:      logger,
		baseURL:     strings.TrimRight(baseURL, "/"),
	}
}

// CheckDevice resolves the channel's current build and decides whether
// the device needs it.
func (s Service) CheckDevice(ctx context.Context, input CheckInput) (*CheckResult, error) {
	if strings.TrimSpace(input.ChannelName) == "" {
		return nil, ErrMissingChannel
	}
	if _, err := s.apps.GetAppByID(ctx, input.AppID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAppNotFound
		}
		return nil, err
	}

	deployment, err := s.deployments.GetLatestDeployment(ctx, input.AppID, input.ChannelName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeploymentNotFound
		}
		return nil, err
	}

	build, err := s.builds.GetBuildByID(ctx, deployment.BuildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Foreign keys make this unreachable in a healthy store.
			s.logger.Error("deployment references missing build",
				"app_id", input.AppID,
				"deployment_id", deployment.ID,
				"build_id", deployment.BuildID)
			return nil, ErrBuildNotFound
		}
		return nil, err
	}

	requestedType := domain.ArtifactTypeZip
	if input.WantsManifest {
		requestedType = domain.ArtifactTypeDifferential
	}
	if build.ArtifactType != requestedType {
		return nil, &FormatMismatchError{BuildType: build.ArtifactType, RequestedType: requestedType}
	}

	result := &CheckResult{
		RequestID: uuid.NewString(),
		Version:   ProtocolVersion,
	}

	// Both reported identifiers must differ from the resolved build for
	// an update to be offered; either one matching means the device
	// already has it, even if the other is stale.
	snapshotDiffers := build.SnapshotID != input.ExistingSnapshotID
	buildDiffers := input.ExistingBuildID == nil || build.ID != *input.ExistingBuildID
	if !snapshotDiffers || !buildDiffers {
		return result, nil
	}

	url := fmt.Sprintf("%s/apps/%s/snapshots/%s/%s", s.baseURL, input.AppID, build.SnapshotID, s.endpointFor(build.ArtifactType))
	result.Available = true
	result.Compatible = true
	result.Snapshot = &build.SnapshotID
	result.Build = &build.ID
	result.URL = &url
	return result, nil
}

func (s Service) endpointFor(artifactType string) string {
	if artifactType == domain.ArtifactTypeDifferential {
		return endpointManifest
	}
	return endpointDownload
}

// ResolveArtifact maps a snapshot id to its build's stored artifact URL
// for a redirect. The lookup is scoped to the app from the route.
func (s Service) ResolveArtifact(ctx context.Context, appID, snapshotID string) (string, error) {
	if _, err := s.apps.GetAppByID(ctx, appID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrAppNotFound
		}
		return "", err
	}
	build, err := s.builds.GetBuildBySnapshot(ctx, appID, snapshotID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrBuildNotFound
		}
		return "", err
	}
	return build.ArtifactURL, nil
}
