package domain

import "time"

// Deployment assigns one build to a named channel at a point in time.
// Channel state is derived: the deployment with the largest id for an
// (app, channel) pair is the channel's current build.
type Deployment struct {
	ID          int64
	AppID       string
	BuildID     int64
	ChannelName string
	CreatedAt   time.Time
}

// DeploymentDetail joins a deployment with its build for listings.
type DeploymentDetail struct {
	Deployment
	ArtifactType  string
	ArtifactURL   string
	SnapshotID    string
	CommitSHA     string
	CommitMessage string
	CommitRef     string
}
