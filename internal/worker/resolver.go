package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgestack/exportpipe/internal/exporterr"
)

// ProjectResolver locates the file tree to archive for a project (optionally
// a pinned version of it).
type ProjectResolver interface {
	ResolveProjectRoot(ctx context.Context, projectID, versionID string) (string, error)
}

// FSResolver resolves projects on a local filesystem laid out as
// {base}/{projectID} with pinned versions under
// {base}/{projectID}/versions/{versionID}.
type FSResolver struct {
	base string
}

func NewFSResolver(base string) *FSResolver {
	return &FSResolver{base: base}
}

// ResolveProjectRoot returns the directory for the project/version, or
// exporterr.ErrNotFound when it does not exist. IDs carrying path structure
// are rejected outright.
func (r *FSResolver) ResolveProjectRoot(_ context.Context, projectID, versionID string) (string, error) {
	if !validID(projectID) {
		return "", fmt.Errorf("%w: invalid project id %q", exporterr.ErrValidation, projectID)
	}
	if versionID != "" && !validID(versionID) {
		return "", fmt.Errorf("%w: invalid version id %q", exporterr.ErrValidation, versionID)
	}

	root := filepath.Join(r.base, projectID)
	if versionID != "" {
		root = filepath.Join(root, "versions", versionID)
	}

	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: project %s", exporterr.ErrNotFound, projectID)
	}
	if err != nil {
		return "", fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: project %s", exporterr.ErrNotFound, projectID)
	}

	return root, nil
}

func validID(id string) bool {
	if id == "" || strings.Contains(id, "..") {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
