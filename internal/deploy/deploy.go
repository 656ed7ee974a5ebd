package deploy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/depsyncd/internal/install"
)

// ArchiveExpander unpacks an archive into a directory
type ArchiveExpander interface {
	// Expand unpacks archive into dest, dropping strip leading path
	// components, and returns the absolute path of every file written.
	Expand(archive, dest string, strip int) ([]string, error)
}

// DeployError reports a failure to place a fetched artifact on disk
type DeployError struct {
	Dependency string
	Err        error
}

func (e *DeployError) Error() string {
	return fmt.Sprintf("failed to deploy %s: %v", e.Dependency, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// IsDeployError reports whether err is a DeployError
func IsDeployError(err error) bool {
	var de *DeployError
	return errors.As(err, &de)
}

// Deployer installs fetched artifacts and cleans up previous installs
type Deployer struct {
	expander ArchiveExpander
	logger   *slog.Logger
}

// NewDeployer creates a new deployer
func NewDeployer(expander ArchiveExpander, logger *slog.Logger) *Deployer {
	return &Deployer{
		expander: expander,
		logger:   logger,
	}
}

// Deploy removes the files of the prior inventory, then places artifact into
// dest. Archives are expanded when dep.Expand is set, otherwise the artifact
// is moved to dest/<name>. The returned inventory lists every installed file
// followed by dest itself.
func (d *Deployer) Deploy(dep install.Dependency, dest, artifact string, prior []string) ([]string, error) {
	if len(prior) > 0 {
		d.Cleanup(prior)
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, &DeployError{Dependency: dep.Name, Err: fmt.Errorf("failed to create destination: %w", err)}
	}

	var installed []string
	if dep.Expand {
		strip := 0
		if dep.IsRepository {
			// repository archives wrap everything in one <owner>-<repo>-<sha> folder
			strip = 1
		}
		files, err := d.expander.Expand(artifact, dest, strip)
		if err != nil {
			return nil, &DeployError{Dependency: dep.Name, Err: fmt.Errorf("failed to expand archive: %w", err)}
		}
		installed = files
	} else {
		target := filepath.Join(dest, dep.Name)
		if err := moveFile(artifact, target); err != nil {
			return nil, &DeployError{Dependency: dep.Name, Err: fmt.Errorf("failed to move artifact: %w", err)}
		}
		installed = []string{target}
	}

	d.logger.Debug("deployed dependency", "dependency", dep.Name, "dest", dest, "files", len(installed))

	return append(installed, dest), nil
}

// Cleanup removes every path of a previous inventory. Failures are ignored.
// The last entry is the destination directory of that install; directories
// emptied below it are pruned and it is removed itself only when empty.
func (d *Deployer) Cleanup(inventory []string) {
	if len(inventory) == 0 {
		return
	}

	root := filepath.Clean(inventory[len(inventory)-1])
	for _, path := range inventory[:len(inventory)-1] {
		path = filepath.Clean(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			d.logger.Debug("failed to remove previously installed file", "path", path, "error", err)
			continue
		}
		pruneEmptyParents(path, root)
	}

	if err := os.Remove(root); err != nil && !os.IsNotExist(err) {
		d.logger.Debug("keeping non-empty destination", "path", root)
	}
}

// pruneEmptyParents removes empty directories between path and root, exclusive of root
func pruneEmptyParents(path, root string) {
	dir := filepath.Dir(path)
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// moveFile renames src to dst, copying when a rename across filesystems fails
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".depsyncd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(srcInfo.Mode()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
