package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/depsyncd/internal/deploy"
	"github.com/schaermu/depsyncd/internal/fetch"
	"github.com/schaermu/depsyncd/internal/install"
	"github.com/schaermu/depsyncd/internal/metrics"
	"github.com/schaermu/depsyncd/internal/state"
	"github.com/schaermu/depsyncd/internal/testutil"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRemote implements fetch.Downloader and fetch.Repository for testing.
type fakeRemote struct {
	files     map[string][]byte
	commits   map[string]string
	failURLs  map[string]bool
	downloads []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:    make(map[string][]byte),
		commits:  make(map[string]string),
		failURLs: make(map[string]bool),
	}
}

func (r *fakeRemote) Download(_ context.Context, url, dest string) error {
	r.downloads = append(r.downloads, url)
	if r.failURLs[url] {
		return fmt.Errorf("connection refused: %s", url)
	}
	data, ok := r.files[url]
	if !ok {
		return fmt.Errorf("404 Not Found: %s", url)
	}
	return os.WriteFile(dest, data, 0644)
}

func (r *fakeRemote) LatestCommit(_ context.Context, repoURL string) (string, error) {
	if r.failURLs[repoURL] {
		return "", errors.New("api unavailable")
	}
	sha, ok := r.commits[repoURL]
	if !ok {
		return "", errors.New("repository not found")
	}
	return sha, nil
}

func (r *fakeRemote) ArchiveURL(repoURL string) (string, error) {
	return repoURL + "/zipball", nil
}

// countingDeployer counts Deploy calls and delegates to a real deployer.
type countingDeployer struct {
	inner Deployer
	calls int
}

func (d *countingDeployer) Deploy(dep install.Dependency, dest, artifact string, prior []string) ([]string, error) {
	d.calls++
	return d.inner.Deploy(dep, dest, artifact, prior)
}

// checkingExpander asserts that nothing of the prior inventory exists when expansion starts.
type checkingExpander struct {
	t     *testing.T
	prior []string
}

func (c *checkingExpander) Expand(archive, dest string, strip int) ([]string, error) {
	for _, p := range c.prior[:max(len(c.prior)-1, 0)] {
		_, err := os.Stat(p)
		assert.True(c.t, os.IsNotExist(err), "%s must be removed before new files are written", p)
	}
	return deploy.ZipExpander{}.Expand(archive, dest, strip)
}

type harness struct {
	t        *testing.T
	remote   *fakeRemote
	deployer *countingDeployer
	recorder *metrics.Recorder
	out      *bytes.Buffer
	engine   *Engine
	inst     *install.Installation
}

func newHarness(t *testing.T, deps ...install.Dependency) *harness {
	t.Helper()
	return newHarnessWithExpander(t, deploy.ZipExpander{}, deps...)
}

func newHarnessWithExpander(t *testing.T, expander deploy.ArchiveExpander, deps ...install.Dependency) *harness {
	t.Helper()
	logger := testLogger()
	remote := newFakeRemote()
	h := &harness{
		t:        t,
		remote:   remote,
		deployer: &countingDeployer{inner: deploy.NewDeployer(expander, logger)},
		recorder: metrics.NewRecorder(),
		out:      &bytes.Buffer{},
		inst: &install.Installation{
			Name:         "lobby",
			Path:         filepath.Join(t.TempDir(), "lobby"),
			Dependencies: deps,
		},
	}
	fetcher := fetch.NewFetcher(remote, fetch.SHA256Hasher{}, remote, logger)
	h.engine = NewEngine(fetcher, h.deployer, h.recorder, h.out, logger, false)
	return h
}

func (h *harness) run() *Report {
	h.t.Helper()
	h.out.Reset()
	report, err := h.engine.Run(context.Background(), h.inst)
	require.NoError(h.t, err)
	return report
}

func (h *harness) store() *state.Store {
	return state.NewStore(h.inst, testLogger())
}

func (h *harness) path(rel ...string) string {
	return filepath.Join(append([]string{h.inst.Path}, rel...)...)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

var (
	staticDep = install.Dependency{Name: "core", URL: "https://cdn.example.com/core.jar", Location: "/plugins"}
	repoDep   = install.Dependency{Name: "maps", URL: "https://github.com/acme/maps", Location: "world", IsRepository: true, Expand: true}
)

func TestRun_FirstRunInstallsEverything(t *testing.T) {
	h := newHarness(t, staticDep, repoDep)
	h.remote.files[staticDep.URL] = []byte("jar v1")
	h.remote.commits[repoDep.URL] = "sha1"
	h.remote.files[repoDep.URL+"/zipball"] = testutil.ZipArchive(t, "acme-maps-sha1/level.dat", "L1")

	report := h.run()

	assert.Equal(t, 2, report.Count(OutcomeInstalled))
	assert.Equal(t, 0, report.Failed())
	assert.Equal(t, "jar v1", readFile(t, h.path("plugins", "core")))
	assert.Equal(t, "L1", readFile(t, h.path("world", "level.dat")))

	id, ok := h.store().Load("maps")
	assert.True(t, ok)
	assert.Equal(t, "sha1", id)

	res, ok := report.Result("core")
	require.True(t, ok)
	assert.Empty(t, res.PreviousID)
	assert.Equal(t, 2, res.Files)

	assert.Contains(t, h.out.String(), "Checking core...downloading...installed\n")
	assert.Contains(t, h.out.String(), "Checking maps...downloading...installed\n")
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t, staticDep, repoDep)
	h.remote.files[staticDep.URL] = []byte("jar v1")
	h.remote.commits[repoDep.URL] = "sha1"
	h.remote.files[repoDep.URL+"/zipball"] = testutil.ZipArchive(t, "root/a.txt", "A")

	h.run()
	s := h.store()
	idBefore := readFile(t, s.IDPath("core"))
	invBefore := readFile(t, s.InventoryPath("maps"))
	callsBefore := h.deployer.calls

	report := h.run()

	assert.Equal(t, callsBefore, h.deployer.calls, "second run must not deploy")
	assert.Equal(t, 2, report.Count(OutcomeSkipped))
	assert.Equal(t, idBefore, readFile(t, s.IDPath("core")))
	assert.Equal(t, invBefore, readFile(t, s.InventoryPath("maps")))
	assert.Contains(t, h.out.String(), "Checking core...Already exists\n")
	assert.Contains(t, h.out.String(), "Checking maps...Already exists\n")
}

func TestRun_StaticFileChangeDetected(t *testing.T) {
	h := newHarness(t, staticDep)
	h.remote.files[staticDep.URL] = []byte("jar v1")
	h.run()
	firstID, _ := h.store().Load("core")

	h.remote.files[staticDep.URL] = []byte("jar v2")
	report := h.run()

	res, _ := report.Result("core")
	assert.Equal(t, OutcomeInstalled, res.Outcome)
	assert.Equal(t, firstID, res.PreviousID)

	newID, _ := h.store().Load("core")
	assert.NotEqual(t, firstID, newID)
	assert.Equal(t, res.ID, newID)
	assert.Equal(t, "jar v2", readFile(t, h.path("plugins", "core")))
}

func TestRun_RepositoryChangeDetected(t *testing.T) {
	h := newHarness(t, repoDep)
	archive := testutil.ZipArchive(t, "root/a.txt", "same")
	h.remote.commits[repoDep.URL] = "sha1"
	h.remote.files[repoDep.URL+"/zipball"] = archive
	h.run()

	// identical archive bytes, new commit: the commit alone decides
	h.remote.commits[repoDep.URL] = "sha2"
	h.remote.downloads = nil
	report := h.run()

	res, _ := report.Result("maps")
	assert.Equal(t, OutcomeInstalled, res.Outcome)
	assert.Equal(t, 2, h.deployer.calls)
	id, _ := h.store().Load("maps")
	assert.Equal(t, "sha2", id)
	assert.Equal(t, []string{repoDep.URL + "/zipball"}, h.remote.downloads)
}

func TestRun_RepositoryUnchangedDownloadsNothing(t *testing.T) {
	h := newHarness(t, repoDep)
	h.remote.commits[repoDep.URL] = "sha1"
	h.remote.files[repoDep.URL+"/zipball"] = testutil.ZipArchive(t, "root/a.txt", "A")
	h.run()

	h.remote.downloads = nil
	h.run()
	assert.Empty(t, h.remote.downloads)
}

func TestRun_CleanupPrecedesInstall(t *testing.T) {
	expander := &checkingExpander{t: t}
	h := newHarnessWithExpander(t, expander, repoDep)
	h.remote.commits[repoDep.URL] = "sha1"
	h.remote.files[repoDep.URL+"/zipball"] = testutil.ZipArchive(t, "root/old.txt", "o", "root/dir/old2.txt", "o")
	h.run()

	prior := h.store().Inventory("maps")
	require.Len(t, prior, 3)
	expander.prior = prior

	h.remote.commits[repoDep.URL] = "sha2"
	h.remote.files[repoDep.URL+"/zipball"] = testutil.ZipArchive(t, "root/new.txt", "n")
	h.run()

	_, err := os.Stat(h.path("world", "old.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(h.path("world", "dir"))
	assert.True(t, os.IsNotExist(err))

	assert.Equal(t, []string{h.path("world", "new.txt"), h.path("world")}, h.store().Inventory("maps"))
}

func TestRun_FailureIsolation(t *testing.T) {
	a := install.Dependency{Name: "a", URL: "https://x/a.jar", Location: "libs"}
	b := install.Dependency{Name: "b", URL: "https://x/b.jar", Location: "libs"}
	c := install.Dependency{Name: "c", URL: "https://github.com/acme/c", Location: "c", IsRepository: true}

	h := newHarness(t, a, b, c)
	h.remote.files[a.URL] = []byte("A")
	h.remote.failURLs[b.URL] = true
	h.remote.commits[c.URL] = "shaC"
	h.remote.files[c.URL+"/zipball"] = []byte("zip-as-file")

	report := h.run()

	resA, _ := report.Result("a")
	resB, _ := report.Result("b")
	resC, _ := report.Result("c")
	assert.Equal(t, OutcomeInstalled, resA.Outcome)
	assert.Equal(t, OutcomeFailed, resB.Outcome)
	assert.True(t, fetch.IsAcquisitionError(resB.Err))
	assert.Equal(t, OutcomeInstalled, resC.Outcome)

	_, ok := h.store().Load("b")
	assert.False(t, ok, "failed dependency must not get state")
	assert.Equal(t, "zip-as-file", readFile(t, h.path("c", "c")))
	assert.Contains(t, h.out.String(), "Checking b...failed: ")
}

func TestRun_FirstRunWithoutStateAlwaysDeploys(t *testing.T) {
	h := newHarness(t, staticDep)
	h.remote.files[staticDep.URL] = []byte("x")

	// files exist on disk but no identifier was ever stored
	require.NoError(t, os.MkdirAll(h.path("plugins"), 0755))
	require.NoError(t, os.WriteFile(h.path("plugins", "core"), []byte("x"), 0644))

	report := h.run()
	res, _ := report.Result("core")
	assert.Equal(t, OutcomeInstalled, res.Outcome)
	assert.Equal(t, 1, h.deployer.calls)
}

func TestRun_SingleFileInventory(t *testing.T) {
	dep := install.Dependency{Name: "x.jar", URL: "https://x/x.jar", Location: "mods"}
	h := newHarness(t, dep)
	h.remote.files[dep.URL] = []byte("jar")

	h.run()
	assert.Equal(t, []string{h.path("mods", "x.jar"), h.path("mods")}, h.store().Inventory("x.jar"))
}

func TestRun_StaticArchiveExpanded(t *testing.T) {
	dep := install.Dependency{Name: "pack", URL: "https://x/pack.zip", Location: "data", Expand: true}
	h := newHarness(t, dep)
	h.remote.files[dep.URL] = testutil.ZipArchive(t, "a.txt", "A", "sub/b.txt", "B")

	h.run()
	assert.Equal(t, []string{
		h.path("data", "a.txt"),
		h.path("data", "sub", "b.txt"),
		h.path("data"),
	}, h.store().Inventory("pack"))
}

func TestRun_DeployFailureDoesNotPersist(t *testing.T) {
	dep := install.Dependency{Name: "pack", URL: "https://x/pack.zip", Location: "data", Expand: true}
	h := newHarness(t, dep)
	h.remote.files[dep.URL] = []byte("definitely not a zip")

	report := h.run()
	res, _ := report.Result("pack")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, deploy.IsDeployError(res.Err))

	_, ok := h.store().Load("pack")
	assert.False(t, ok)
}

func TestRun_DeployFailureKeepsPreviousIdentifier(t *testing.T) {
	dep := install.Dependency{Name: "pack", URL: "https://x/pack.zip", Location: "data", Expand: true}
	h := newHarness(t, dep)
	h.remote.files[dep.URL] = testutil.ZipArchive(t, "a.txt", "A")
	h.run()
	before, _ := h.store().Load("pack")

	h.remote.files[dep.URL] = []byte("corrupt")
	h.run()

	after, _ := h.store().Load("pack")
	assert.Equal(t, before, after)

	// the broken install is retried on the next run
	h.remote.files[dep.URL] = testutil.ZipArchive(t, "a.txt", "A2")
	report := h.run()
	res, _ := report.Result("pack")
	assert.Equal(t, OutcomeInstalled, res.Outcome)
}

func TestRun_ArchiveDownloadFailureKeepsOldInstall(t *testing.T) {
	h := newHarness(t, repoDep)
	h.remote.commits[repoDep.URL] = "sha1"
	h.remote.files[repoDep.URL+"/zipball"] = testutil.ZipArchive(t, "root/a.txt", "A")
	h.run()

	h.remote.commits[repoDep.URL] = "sha2"
	h.remote.failURLs[repoDep.URL+"/zipball"] = true
	report := h.run()

	res, _ := report.Result("maps")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.True(t, fetch.IsAcquisitionError(res.Err))
	assert.Equal(t, "A", readFile(t, h.path("world", "a.txt")))
	id, _ := h.store().Load("maps")
	assert.Equal(t, "sha1", id)
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t, staticDep, repoDep)
	h.engine.dryRun = true
	h.remote.files[staticDep.URL] = []byte("x")
	h.remote.commits[repoDep.URL] = "sha1"

	report := h.run()

	assert.True(t, report.DryRun)
	assert.Equal(t, 2, report.Count(OutcomeWouldInstall))
	assert.Equal(t, 0, h.deployer.calls)
	_, ok := h.store().Load("core")
	assert.False(t, ok)
	_, err := os.Stat(h.inst.ManifestPath())
	assert.True(t, os.IsNotExist(err), "dry-run must not rewrite the manifest")
	assert.Contains(t, h.out.String(), "Checking core...update available\n")
}

func TestRun_WorkspaceRemoved(t *testing.T) {
	h := newHarness(t, staticDep, install.Dependency{Name: "broken", URL: "https://x/broken"})
	h.remote.files[staticDep.URL] = []byte("x")
	h.engine.newRunID = func() string { return "run-1" }

	h.run()

	_, err := os.Stat(filepath.Join(h.inst.DownloadPath(), "run-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRun_NormalizesLocationAndRewritesManifest(t *testing.T) {
	h := newHarness(t, staticDep)
	h.remote.files[staticDep.URL] = []byte("x")

	h.run()

	assert.Equal(t, "/plugins", h.inst.Dependencies[0].Location, "input must not be mutated")
	saved, err := install.Load(h.inst.Path)
	require.NoError(t, err)
	assert.Equal(t, "plugins", saved.Dependencies[0].Location)
}

func TestRun_RewriteKeepsUnknownManifestFields(t *testing.T) {
	h := newHarness(t)
	h.remote.files[staticDep.URL] = []byte("x")

	manifest := `{
  "name": "srv",
  "branch": "main",
  "gameVersion": "1.20",
  "dependencies": [
    {"name": "core", "url": "https://cdn.example.com/core.jar", "location": "/mods", "isRepository": false, "expand": false, "sha256": "pin"}
  ]
}`
	require.NoError(t, os.MkdirAll(h.inst.MetaPath(), 0755))
	require.NoError(t, os.WriteFile(h.inst.ManifestPath(), []byte(manifest), 0644))
	inst, err := install.Load(h.inst.Path)
	require.NoError(t, err)
	h.inst = inst

	report := h.run()
	assert.Equal(t, 1, report.Count(OutcomeInstalled))
	assert.Equal(t, "x", readFile(t, h.path("mods", "core")))

	assert.JSONEq(t, `{
  "name": "srv",
  "branch": "main",
  "gameVersion": "1.20",
  "dependencies": [
    {"name": "core", "url": "https://cdn.example.com/core.jar", "location": "mods", "isRepository": false, "expand": false, "sha256": "pin"}
  ]
}`, readFile(t, h.inst.ManifestPath()))
}

func TestRun_Canceled(t *testing.T) {
	h := newHarness(t, staticDep, repoDep)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.engine.Run(ctx, h.inst)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(OutcomeNotProcessed))
	assert.Empty(t, h.remote.downloads)
}

func TestRun_BookkeepingError(t *testing.T) {
	h := newHarness(t, staticDep)
	require.NoError(t, os.MkdirAll(h.inst.Path, 0755))
	require.NoError(t, os.WriteFile(h.inst.ToolboxPath(), []byte("blocker"), 0644))

	_, err := h.engine.Run(context.Background(), h.inst)
	assert.Error(t, err)
}

func TestRun_RecordsMetrics(t *testing.T) {
	h := newHarness(t, staticDep, install.Dependency{Name: "broken", URL: "https://x/broken"})
	h.remote.files[staticDep.URL] = []byte("x")
	h.run()
	h.run()

	path := filepath.Join(t.TempDir(), "depsyncd.prom")
	require.NoError(t, h.recorder.WriteTextfile(path))
	out := readFile(t, path)
	assert.Contains(t, out, `depsyncd_dependencies_total{installation="lobby",outcome="installed"} 1`)
	assert.Contains(t, out, `depsyncd_dependencies_total{installation="lobby",outcome="skipped"} 1`)
	assert.Contains(t, out, `depsyncd_dependencies_total{installation="lobby",outcome="failed"} 2`)
	assert.Contains(t, out, `depsyncd_last_run_timestamp_seconds{installation="lobby"}`)
}

func TestRunAll(t *testing.T) {
	h := newHarness(t, staticDep)
	h.remote.files[staticDep.URL] = []byte("x")

	broken := &install.Installation{Name: "broken", Path: filepath.Join(t.TempDir(), "broken")}
	require.NoError(t, os.MkdirAll(broken.Path, 0755))
	require.NoError(t, os.WriteFile(broken.ToolboxPath(), []byte("blocker"), 0644))

	reports, err := h.engine.RunAll(context.Background(), []*install.Installation{broken, h.inst})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	require.Len(t, reports, 1)
	assert.Equal(t, "lobby", reports[0].Installation)
	assert.Equal(t, 1, reports[0].Count(OutcomeInstalled))

	reports, err = h.engine.RunAll(context.Background(), []*install.Installation{h.inst})
	require.NoError(t, err)
	assert.Equal(t, 1, reports[0].Count(OutcomeSkipped))
}

func TestReport(t *testing.T) {
	r := &Report{Results: []Result{
		{Dependency: "a", Outcome: OutcomeInstalled},
		{Dependency: "b", Outcome: OutcomeFailed},
		{Dependency: "c", Outcome: OutcomeFailed},
	}}
	assert.Equal(t, 2, r.Failed())
	assert.Equal(t, 1, r.Count(OutcomeInstalled))
	_, ok := r.Result("z")
	assert.False(t, ok)
}
