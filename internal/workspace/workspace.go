// Package workspace owns the on-disk layout a job works in: the durable
// model, output and temp directories on the volume, the backend's models
// link, per-job output directories and transient workflow artifacts.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/vk/comfyjob/internal/ctxlog"
	"github.com/vk/comfyjob/internal/fsutil"
	"github.com/vk/comfyjob/internal/graph"
)

// ImageExtensions are the file types reported as job outputs.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// Layout names the directories a job touches.
type Layout struct {
	// BackendDir is the backend's install directory. Its "models" entry is
	// linked to ModelDir. Empty disables linking.
	BackendDir string
	ModelDir   string
	TempDir    string
	OutputDir  string
}

// NewLayout returns the standard layout under a volume:
// <volume>/comfyui/{models,temp,output}.
func NewLayout(volumePath, backendDir string) Layout {
	root := filepath.Join(volumePath, "comfyui")
	return Layout{
		BackendDir: backendDir,
		ModelDir:   filepath.Join(root, "models"),
		TempDir:    filepath.Join(root, "temp"),
		OutputDir:  filepath.Join(root, "output"),
	}
}

// Workspace performs filesystem operations for jobs. It is safe for
// concurrent use as long as jobs use distinct identifiers.
type Workspace struct {
	layout Layout
}

// New creates a Workspace for the given layout.
func New(layout Layout) *Workspace {
	return &Workspace{layout: layout}
}

// Layout returns the directories the workspace was created with.
func (w *Workspace) Layout() Layout {
	return w.layout
}

// Prepare creates the durable directories and links the backend's models
// directory to the model store. It is idempotent.
func (w *Workspace) Prepare(ctx context.Context) error {
	for _, dir := range []string{w.layout.ModelDir, w.layout.TempDir, w.layout.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if w.layout.BackendDir == "" {
		return nil
	}
	return w.ensureModelsLink(ctx)
}

// ensureModelsLink makes <backend>/models a symlink to the model store. An
// empty real directory is replaced; anything else that is already there is
// left alone with a warning.
func (w *Workspace) ensureModelsLink(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	link := filepath.Join(w.layout.BackendDir, "models")
	target := w.layout.ModelDir

	info, err := os.Lstat(link)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Nothing there yet.
	case err != nil:
		return fmt.Errorf("failed to inspect %s: %w", link, err)
	case info.Mode()&fs.ModeSymlink != 0:
		current, err := os.Readlink(link)
		if err != nil {
			return fmt.Errorf("failed to read link %s: %w", link, err)
		}
		if current != target {
			logger.Warn("Models link points elsewhere; leaving it in place.", "path", link, "target", current, "expected", target)
		}
		return nil
	case info.IsDir():
		empty, err := fsutil.IsEmptyDir(link)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", link, err)
		}
		if !empty {
			logger.Warn("Found non-empty models directory; not replacing with symlink.", "path", link)
			return nil
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("failed to remove empty models directory: %w", err)
		}
	default:
		logger.Warn("Cannot create models symlink; path exists and is not a directory.", "path", link)
		return nil
	}

	if err := os.Symlink(target, link); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("failed to link models directory: %w", err)
	}
	logger.Info("Linked models directory.", "path", link, "target", target)
	return nil
}

// JobOutputDir creates and returns the output directory of a job.
func (w *Workspace) JobOutputDir(jobID string) (string, error) {
	if jobID == "" || jobID != filepath.Base(jobID) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	dir := filepath.Join(w.layout.OutputDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job output directory: %w", err)
	}
	return dir, nil
}

// WriteArtifact writes g to a uniquely named file in the temp directory and
// returns its path.
func (w *Workspace) WriteArtifact(g *graph.Graph) (string, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode workflow: %w", err)
	}
	path := filepath.Join(w.layout.TempDir, fmt.Sprintf("workflow_%s.json", uuid.NewString()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write workflow artifact: %w", err)
	}
	return path, nil
}

// RemoveArtifact deletes a file written by WriteArtifact. A file that is
// already gone is not an error.
func (w *Workspace) RemoveArtifact(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CollectOutputs returns the absolute, sorted paths of the images directly
// inside dir.
func CollectOutputs(dir string) ([]string, error) {
	files, err := fsutil.FindFilesByExtension(dir, ImageExtensions...)
	if err != nil {
		return nil, fmt.Errorf("failed to collect outputs: %w", err)
	}
	return files, nil
}
