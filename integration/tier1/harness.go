//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/depsyncd/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the depsyncd binary and runs it against a fake GitHub
type Harness struct {
	t          *testing.T
	binary     string
	configPath string
	InstallDir string
	Remote     *Remote
}

// NewHarness creates a new test harness with its own installs directory and remote
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	work := t.TempDir()
	h := &Harness{
		t:          t,
		binary:     filepath.Join(work, "depsyncd"),
		configPath: filepath.Join(work, "config.yaml"),
		InstallDir: filepath.Join(work, "installs"),
		Remote:     NewRemote(t),
	}
	if err := os.MkdirAll(h.InstallDir, 0755); err != nil {
		t.Fatalf("mkdir installs: %v", err)
	}
	return h
}

// Build compiles cmd/depsyncd and writes a config pointing at the remote
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/depsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}

	config := fmt.Sprintf(`paths:
  installs_dir: %q
github:
  api_url: %q
http:
  timeout: 10s
metrics:
  textfile: %q
`, h.InstallDir, h.Remote.URL(), filepath.Join(filepath.Dir(h.configPath), "metrics", "depsyncd.prom"))

	return os.WriteFile(h.configPath, []byte(config), 0644)
}

// Run executes depsyncd with args and returns stdout, stderr and the exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	args = append([]string{"--config", h.configPath, "--log-level", "debug"}, args...)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes depsyncd and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("depsyncd failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// Path returns a path below the installs directory
func (h *Harness) Path(rel ...string) string {
	return filepath.Join(append([]string{h.InstallDir}, rel...)...)
}

// ReadFile reads a file below the installs directory
func (h *Harness) ReadFile(rel ...string) (string, error) {
	data, err := os.ReadFile(h.Path(rel...))
	return string(data), err
}

// FileExists checks if a file exists below the installs directory
func (h *Harness) FileExists(rel ...string) bool {
	_, err := os.Stat(h.Path(rel...))
	return err == nil
}

// Remote fakes the GitHub API and a static file host
type Remote struct {
	srv      *httptest.Server
	mu       sync.Mutex
	commits  map[string]string // owner/repo -> sha
	zipballs map[string][]byte // owner/repo -> archive
	files    map[string][]byte // path -> content
	requests []string
}

// NewRemote starts the fake remote; it is closed with the test
func NewRemote(t *testing.T) *Remote {
	t.Helper()
	r := &Remote{
		commits:  make(map[string]string),
		zipballs: make(map[string][]byte),
		files:    make(map[string][]byte),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

// URL returns the base URL of the remote
func (r *Remote) URL() string {
	return r.srv.URL
}

// SetRepository publishes a new commit and archive for owner/repo
func (r *Remote) SetRepository(fullName, sha string, archive []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commits[fullName] = sha
	r.zipballs[fullName] = archive
}

// SetFile publishes content at path
func (r *Remote) SetFile(path string, content []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[path] = content
}

// Requests returns and clears the request log
func (r *Remote) Requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.requests
	r.requests = nil
	return out
}

func (r *Remote) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req.URL.Path)

	if content, ok := r.files[req.URL.Path]; ok {
		_, _ = w.Write(content)
		return
	}

	// /repos/{owner}/{repo}/commits/HEAD and /repos/{owner}/{repo}/zipball
	parts := strings.Split(strings.Trim(req.URL.Path, "/"), "/")
	if len(parts) >= 4 && parts[0] == "repos" {
		fullName := parts[1] + "/" + parts[2]
		switch {
		case parts[3] == "commits" && r.commits[fullName] != "":
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"sha":%q}`, r.commits[fullName])
			return
		case parts[3] == "zipball" && r.zipballs[fullName] != nil:
			w.Header().Set("Content-Type", "application/zip")
			_, _ = w.Write(r.zipballs[fullName])
			return
		}
	}

	http.NotFound(w, req)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
