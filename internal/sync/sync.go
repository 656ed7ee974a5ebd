package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/depsyncd/internal/fetch"
	"github.com/schaermu/depsyncd/internal/install"
	"github.com/schaermu/depsyncd/internal/metrics"
	"github.com/schaermu/depsyncd/internal/state"
)

// Fetcher resolves content identifiers and retrieves artifacts
type Fetcher interface {
	Resolve(ctx context.Context, workspace string, dep install.Dependency) (fetch.Artifact, error)
	FetchArchive(ctx context.Context, workspace string, dep install.Dependency) (string, error)
}

// Deployer places artifacts on disk and returns the installed-files inventory
type Deployer interface {
	Deploy(dep install.Dependency, dest, artifact string, prior []string) ([]string, error)
}

// Engine orchestrates the sync process
type Engine struct {
	fetcher  Fetcher
	deployer Deployer
	recorder *metrics.Recorder
	progress *progress
	logger   *slog.Logger
	dryRun   bool
	newRunID func() string
}

// NewEngine creates a new sync engine. Progress lines are written to out;
// recorder may be nil.
func NewEngine(fetcher Fetcher, deployer Deployer, recorder *metrics.Recorder, out io.Writer, logger *slog.Logger, dryRun bool) *Engine {
	return &Engine{
		fetcher:  fetcher,
		deployer: deployer,
		recorder: recorder,
		progress: newProgress(out),
		logger:   logger,
		dryRun:   dryRun,
		newRunID: uuid.NewString,
	}
}

// RunAll syncs every installation in order. A run-level failure of one
// installation is logged and does not stop the others; the returned error
// names every installation that failed.
func (e *Engine) RunAll(ctx context.Context, insts []*install.Installation) ([]*Report, error) {
	reports := make([]*Report, 0, len(insts))
	var failed []string

	for _, inst := range insts {
		if ctx.Err() != nil {
			break
		}
		report, err := e.Run(ctx, inst)
		if err != nil {
			e.logger.Error("sync failed", "installation", inst.Name, "error", err)
			failed = append(failed, inst.Name)
			continue
		}
		reports = append(reports, report)
	}

	if len(failed) > 0 {
		return reports, fmt.Errorf("sync failed for installations: %v", failed)
	}
	return reports, ctx.Err()
}

// Run executes the complete sync process for one installation
func (e *Engine) Run(ctx context.Context, inst *install.Installation) (*Report, error) {
	runID := e.newRunID()
	logger := e.logger.With("installation", inst.Name, "run_id", runID)
	report := &Report{
		Installation: inst.Name,
		RunID:        runID,
		DryRun:       e.dryRun,
		Started:      time.Now(),
	}

	logger.Info("starting sync",
		"path", inst.Path,
		"dependencies", len(inst.Dependencies),
		"dry_run", e.dryRun)

	for _, dir := range inst.BookkeepingDirs() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	workspace := filepath.Join(inst.DownloadPath(), runID)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			logger.Warn("failed to remove download workspace", "path", workspace, "error", err)
		}
	}()

	store := state.NewStore(inst, logger)

	e.progress.header(inst.Name)
	for idx, raw := range inst.Dependencies {
		if err := ctx.Err(); err != nil {
			logger.Warn("sync interrupted", "remaining", len(inst.Dependencies)-idx, "error", err)
			for _, rest := range inst.Dependencies[idx:] {
				report.Results = append(report.Results, Result{Dependency: rest.Name, Outcome: OutcomeNotProcessed})
			}
			break
		}

		dep := install.Normalize(raw)
		result := e.syncDependency(ctx, inst, store, workspace, dep, logger)
		report.Results = append(report.Results, result)
		if e.recorder != nil && result.Outcome != OutcomeNotProcessed {
			e.recorder.Dependency(inst.Name, string(result.Outcome))
		}
	}
	e.progress.done()

	if !e.dryRun {
		if err := install.Save(inst.Normalized()); err != nil {
			logger.Warn("failed to rewrite manifest", "error", err)
		}
	}

	report.Finished = time.Now()
	if e.recorder != nil {
		e.recorder.Run(inst.Name, report.Finished, report.Finished.Sub(report.Started))
	}

	logger.Info("sync finished",
		"installed", report.Count(OutcomeInstalled),
		"skipped", report.Count(OutcomeSkipped),
		"failed", report.Count(OutcomeFailed))

	return report, nil
}

// syncDependency runs Comparing -> {Skipped | Deploying -> Persisted} for one dependency
func (e *Engine) syncDependency(ctx context.Context, inst *install.Installation, store *state.Store, workspace string, dep install.Dependency, logger *slog.Logger) Result {
	logger = logger.With("dependency", dep.Name)
	result := Result{Dependency: dep.Name}

	e.progress.checking(dep.Name)

	artifact, err := e.fetcher.Resolve(ctx, workspace, dep)
	if err != nil {
		return e.fail(result, err, logger)
	}
	result.ID = artifact.ID

	stored, ok := store.Load(dep.Name)
	result.PreviousID = stored

	if artifact.ID == "" || (ok && stored == artifact.ID) {
		logger.Debug("dependency up to date", "id", artifact.ID)
		e.progress.upToDate()
		result.Outcome = OutcomeSkipped
		return result
	}

	if e.dryRun {
		logger.Info("[dry-run] would install", "id", artifact.ID, "stored_id", stored)
		e.progress.updateAvailable()
		result.Outcome = OutcomeWouldInstall
		return result
	}

	e.progress.downloading()

	path := artifact.Path
	if dep.IsRepository {
		// the archive is fetched before any cleanup so a failed download keeps the old install
		path, err = e.fetcher.FetchArchive(ctx, workspace, dep)
		if err != nil {
			return e.fail(result, err, logger)
		}
	}

	inventory, err := e.deployer.Deploy(dep, inst.DependencyPath(dep), path, store.Inventory(dep.Name))
	if err != nil {
		return e.fail(result, err, logger)
	}

	if err := store.Save(dep.Name, artifact.ID, inventory); err != nil {
		return e.fail(result, err, logger)
	}

	logger.Info("dependency installed", "id", artifact.ID, "stored_id", stored, "files", len(inventory))
	e.progress.installed()
	result.Outcome = OutcomeInstalled
	result.Files = len(inventory)
	return result
}

func (e *Engine) fail(result Result, err error, logger *slog.Logger) Result {
	logger.Warn("dependency failed", "error", err)
	e.progress.failed(err)
	result.Outcome = OutcomeFailed
	result.Err = err
	return result
}
