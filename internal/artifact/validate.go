// Package artifact validates build artifact declarations before storage.
package artifact

import (
	"errors"
	"strings"

	"github.com/airliftd/airlift/internal/domain"
)

const manifestSuffix = "live-update-manifest.json"

var (
	// ErrInvalidType rejects unknown artifact types.
	ErrInvalidType = errors.New("artifact_type must be differential or zip")
	// ErrInvalidManifestURL rejects differential builds without a manifest URL.
	ErrInvalidManifestURL = errors.New("artifact_url must be a live-update-manifest.json file")
	// ErrInvalidZipURL rejects zip builds without a .zip URL.
	ErrInvalidZipURL = errors.New("artifact_url must be a .zip file")
)

// Validate checks an (artifact_type, artifact_url) pair against format
// rules. Rules are ordered and the first failure wins.
func Validate(artifactType, artifactURL string) error {
	switch artifactType {
	case domain.ArtifactTypeDifferential:
		if !strings.HasSuffix(artifactURL, manifestSuffix) {
			return ErrInvalidManifestURL
		}
	case domain.ArtifactTypeZip:
		if !strings.HasSuffix(artifactURL, ".zip") {
			return ErrInvalidZipURL
		}
	default:
		return ErrInvalidType
	}
	return nil
}
