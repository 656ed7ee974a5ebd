package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/depsyncd/internal/activation"
	"github.com/schaermu/depsyncd/internal/config"
	"github.com/schaermu/depsyncd/internal/github"
	"github.com/schaermu/depsyncd/internal/install"
	"github.com/schaermu/depsyncd/internal/metrics"
	depsyncd "github.com/schaermu/depsyncd/internal/sync"
)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

// Syncer runs the sync engine over a set of installations
type Syncer interface {
	RunAll(ctx context.Context, insts []*install.Installation) ([]*depsyncd.Report, error)
}

// DiscoverFunc returns the installations currently present on disk
type DiscoverFunc func() ([]*install.Installation, error)

// syncRequest describes which installations a sync run covers
type syncRequest struct {
	all   bool
	repos map[string]bool // lower-cased owner/repo
}

func (r *syncRequest) merge(other *syncRequest) *syncRequest {
	if r == nil {
		return other
	}
	if other == nil {
		return r
	}
	if other.all {
		r.all = true
	}
	for repo := range other.repos {
		if r.repos == nil {
			r.repos = make(map[string]bool)
		}
		r.repos[repo] = true
	}
	return r
}

// Server implements the webhook HTTP server
type Server struct {
	cfg         *config.Config
	syncer      Syncer
	discover    DiscoverFunc
	recorder    *metrics.Recorder
	logger      *slog.Logger
	secret      []byte
	baseCtx     context.Context
	syncMu      sync.Mutex   // guards syncRunning, syncPending and queued
	syncRunning bool         // whether a sync is currently in progress
	syncPending *syncRequest // work requested while the current sync runs
	queued      *syncRequest // work collected during the debounce window
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server. recorder may be nil.
func NewServer(cfg *config.Config, syncer Syncer, discover DiscoverFunc, recorder *metrics.Recorder, logger *slog.Logger) (*Server, error) {
	// Load webhook secret from file
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	return &Server{
		cfg:      cfg,
		syncer:   syncer,
		discover: discover,
		recorder: recorder,
		logger:   logger,
		secret:   secret,
		baseCtx:  context.Background(),
		debounce: &debouncer{delay: 2 * time.Second},
	}, nil
}

// Start performs an initial full sync and then serves webhooks until ctx is
// canceled. A systemd-activated socket is used when one was passed in.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial sync before starting webhook server")
	s.performSync(ctx, &syncRequest{all: true})

	if ctx.Err() != nil {
		return nil
	}

	// Prefer a socket passed in by systemd
	listener, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", listener.Addr().String(), "socket_activated", activated)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	// Only accept POST requests
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	// Read body
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	// Verify signature
	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	// Parse event type
	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	// Check if event type is allowed
	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	// Parse push event
	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if event.Repository.FullName == "" {
		s.logger.Warn("rejecting payload without repository")
		http.Error(w, "Missing repository", http.StatusBadRequest)
		return
	}

	// dependencies track the default branch head, other refs never change them
	if !isDefaultBranch(event) {
		s.logger.Info("ignoring push to non-default branch", "ref", event.Ref, "repo", event.Repository.FullName)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	// Trigger debounced sync
	s.enqueue(&syncRequest{repos: map[string]bool{strings.ToLower(event.Repository.FullName): true}})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// enqueue adds req to the debounce window and (re)arms the debouncer
func (s *Server) enqueue(req *syncRequest) {
	s.syncMu.Lock()
	s.queued = s.queued.merge(req)
	s.syncMu.Unlock()

	s.debounce.trigger(func() {
		s.syncMu.Lock()
		queued := s.queued
		s.queued = nil
		s.syncMu.Unlock()

		if queued != nil {
			s.performSync(s.baseCtx, queued)
		}
	})
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	// Compute expected signature
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

func isDefaultBranch(event GitHubPushEvent) bool {
	if event.Repository.DefaultBranch == "" {
		return true
	}
	return event.Ref == "refs/heads/"+event.Repository.DefaultBranch
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress the request is merged into a single
// pending re-run, so concurrent callers never pile up goroutines.
func (s *Server) performSync(ctx context.Context, req *syncRequest) {
	// Check if sync is already running
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = s.syncPending.merge(req)
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	// Run until no pending request is left
	for {
		s.runOnce(ctx, req)

		s.syncMu.Lock()
		if s.syncPending == nil {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		req = s.syncPending
		s.syncPending = nil
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// runOnce discovers installations, syncs the ones req selects and writes metrics
func (s *Server) runOnce(ctx context.Context, req *syncRequest) {
	all, err := s.discover()
	if err != nil {
		s.logger.Error("failed to discover installations", "error", err)
		return
	}

	// Filter to installations depending on the pushed repositories
	selected := selectInstallations(all, req)
	if len(selected) == 0 {
		s.logger.Info("no installation depends on the pushed repositories", "repos", req.names())
		return
	}

	s.logger.Info("performing sync operation", "installations", len(selected), "repos", req.names())

	reports, err := s.syncer.RunAll(ctx, selected)
	if err != nil {
		s.logger.Error("sync failed", "error", err)
	} else {
		failed := 0
		for _, r := range reports {
			failed += r.Failed()
		}
		s.logger.Info("sync completed", "installations", len(reports), "failed_dependencies", failed)
	}

	// Write metrics
	if s.recorder != nil && s.cfg.Metrics.Textfile != "" {
		if err := s.recorder.WriteTextfile(s.cfg.Metrics.Textfile); err != nil {
			s.logger.Warn("failed to write metrics", "error", err)
		}
	}
}

func (r *syncRequest) names() []string {
	if r.all {
		return nil
	}
	names := make([]string, 0, len(r.repos))
	for repo := range r.repos {
		names = append(names, repo)
	}
	sort.Strings(names)
	return names
}

// selectInstallations returns the installations with a repository dependency
// named in req, or all of them for a full sync
func selectInstallations(all []*install.Installation, req *syncRequest) []*install.Installation {
	if req.all {
		return all
	}

	var selected []*install.Installation
	for _, inst := range all {
		for _, dep := range inst.Dependencies {
			if !dep.IsRepository {
				continue
			}
			repo, err := github.ParseRepo(dep.URL)
			if err != nil {
				continue
			}
			if req.repos[strings.ToLower(repo.FullName())] {
				selected = append(selected, inst)
				break
			}
		}
	}
	return selected
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Store the latest callback
	d.callback = callback

	// Cancel existing timer if any
	if d.timer != nil {
		d.timer.Stop()
	}

	// Create new timer
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
