package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultMaxDownloadBytes caps a single artifact
	DefaultMaxDownloadBytes = int64(500 * 1024 * 1024)

	downloadRetryCount   = 1
	downloadRetryBackoff = 250 * time.Millisecond
)

// HTTPDownloader implements Downloader over HTTP(S)
type HTTPDownloader struct {
	client    *http.Client
	maxBytes  int64
	authorize func(*http.Request)
	sleep     func(time.Duration)
}

// NewHTTPDownloader creates a downloader. authorize may be nil; it is called
// on every request to add headers such as credentials.
func NewHTTPDownloader(client *http.Client, maxBytes int64, authorize func(*http.Request)) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDownloadBytes
	}
	return &HTTPDownloader{
		client:    client,
		maxBytes:  maxBytes,
		authorize: authorize,
		sleep:     time.Sleep,
	}
}

// Download fetches url into dest via a temp file in dest's directory
func (d *HTTPDownloader) Download(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	for attempt := 0; attempt <= downloadRetryCount; attempt++ {
		retry, err := d.fetchInto(ctx, url, tmp, attempt)
		if retry {
			d.sleep(downloadRetryBackoff)
			continue
		}
		if err != nil {
			return err
		}

		if err := tmp.Sync(); err != nil {
			return fmt.Errorf("failed to sync download: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("failed to close download: %w", err)
		}
		if err := os.Rename(tmpPath, dest); err != nil {
			return fmt.Errorf("failed to move download into place: %w", err)
		}
		committed = true
		return nil
	}

	return fmt.Errorf("failed to download %s: retry budget exhausted", url)
}

// fetchInto performs a single attempt. It reports whether the caller should retry.
func (d *HTTPDownloader) fetchInto(ctx context.Context, url string, dest *os.File, attempt int) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	if d.authorize != nil {
		d.authorize(req)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if shouldRetryDownload(attempt, err, 0) {
			return true, nil
		}
		return false, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		if shouldRetryDownload(attempt, nil, resp.StatusCode) {
			return true, nil
		}
		return false, fmt.Errorf("unexpected status downloading %s: %s", url, resp.Status)
	}

	if err := dest.Truncate(0); err != nil {
		return false, fmt.Errorf("failed to truncate temp file: %w", err)
	}
	if _, err := dest.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("failed to rewind temp file: %w", err)
	}

	n, err := io.Copy(dest, io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		if shouldRetryDownload(attempt, err, 0) {
			return true, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if n > d.maxBytes {
		return false, fmt.Errorf("download %s exceeds %d bytes", url, d.maxBytes)
	}

	return false, nil
}

func shouldRetryDownload(attempt int, err error, statusCode int) bool {
	if attempt >= downloadRetryCount {
		return false
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var netErr net.Error
		return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF)
	}
	return statusCode >= 500 && statusCode <= 599
}

// SHA256Hasher implements Hasher with hex encoded SHA-256
type SHA256Hasher struct{}

// HashFile computes the SHA256 hash of a file
func (SHA256Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
