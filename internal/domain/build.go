package domain

import "time"

// Artifact types a build can carry.
const (
	ArtifactTypeDifferential = "differential"
	ArtifactTypeZip          = "zip"
)

// Build is an immutable distributable artifact tied to a source commit.
type Build struct {
	ID            int64
	AppID         string
	ArtifactURL   string
	ArtifactType  string
	SnapshotID    string
	CommitSHA     string
	CommitMessage string
	CommitRef     string
	CreatedAt     time.Time
}
