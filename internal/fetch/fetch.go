package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/schaermu/depsyncd/internal/install"
)

// Downloader retrieves a URL into a local file
type Downloader interface {
	// Download writes the body of url to dest, replacing dest only on success
	Download(ctx context.Context, url, dest string) error
}

// Hasher computes the content identifier of a downloaded file
type Hasher interface {
	HashFile(path string) (string, error)
}

// Repository resolves version-controlled dependencies
type Repository interface {
	// LatestCommit returns the default branch head revision of repoURL
	LatestCommit(ctx context.Context, repoURL string) (string, error)
	// ArchiveURL returns the downloadable archive of repoURL's current state
	ArchiveURL(repoURL string) (string, error)
}

// AcquisitionError reports a network or API failure for one dependency.
// It aborts processing of that dependency only.
type AcquisitionError struct {
	Dependency string
	Op         string
	Err        error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("failed to %s for %s: %v", e.Op, e.Dependency, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// IsAcquisitionError reports whether err is an AcquisitionError
func IsAcquisitionError(err error) bool {
	var acq *AcquisitionError
	return errors.As(err, &acq)
}

// Artifact is the result of resolving a dependency
type Artifact struct {
	// ID is the content identifier: commit SHA or content hash
	ID string
	// Path is the downloaded file for static dependencies, empty for repositories
	Path string
}

// Fetcher resolves dependencies to content identifiers and artifacts
type Fetcher struct {
	downloader Downloader
	hasher     Hasher
	repo       Repository
	logger     *slog.Logger
}

// NewFetcher creates a new fetcher
func NewFetcher(downloader Downloader, hasher Hasher, repo Repository, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		downloader: downloader,
		hasher:     hasher,
		repo:       repo,
		logger:     logger,
	}
}

// Resolve returns the current content identifier of dep. Repository
// dependencies only query the latest commit; static files are downloaded into
// workspace and hashed.
func (f *Fetcher) Resolve(ctx context.Context, workspace string, dep install.Dependency) (Artifact, error) {
	if dep.IsRepository {
		sha, err := f.repo.LatestCommit(ctx, dep.URL)
		if err != nil {
			return Artifact{}, &AcquisitionError{Dependency: dep.Name, Op: "query latest commit", Err: err}
		}
		f.logger.Debug("resolved repository head", "dependency", dep.Name, "id", sha)
		return Artifact{ID: sha}, nil
	}

	dest := filepath.Join(workspace, dep.Name)
	if err := f.downloader.Download(ctx, dep.URL, dest); err != nil {
		return Artifact{}, &AcquisitionError{Dependency: dep.Name, Op: "download", Err: err}
	}

	hash, err := f.hasher.HashFile(dest)
	if err != nil {
		return Artifact{}, &AcquisitionError{Dependency: dep.Name, Op: "hash download", Err: err}
	}
	f.logger.Debug("hashed download", "dependency", dep.Name, "id", hash)

	return Artifact{ID: hash, Path: dest}, nil
}

// FetchArchive downloads the repository archive of dep into workspace and
// returns its path.
func (f *Fetcher) FetchArchive(ctx context.Context, workspace string, dep install.Dependency) (string, error) {
	archiveURL, err := f.repo.ArchiveURL(dep.URL)
	if err != nil {
		return "", &AcquisitionError{Dependency: dep.Name, Op: "format archive url", Err: err}
	}

	dest := filepath.Join(workspace, dep.Name+".zip")
	if err := f.downloader.Download(ctx, archiveURL, dest); err != nil {
		return "", &AcquisitionError{Dependency: dep.Name, Op: "download archive", Err: err}
	}
	return dest, nil
}
