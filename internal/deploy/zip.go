package deploy

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ZipExpander implements ArchiveExpander for zip archives
type ZipExpander struct{}

// Expand extracts every regular file of archive below dest
func (ZipExpander) Expand(archive, dest string, strip int) ([]string, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return nil, err
	}

	var written []string
	for _, f := range r.File {
		if hasParentRef(f.Name) {
			return written, fmt.Errorf("archive entry %q escapes destination", f.Name)
		}

		rel, ok := stripComponents(f.Name, strip)
		if !ok {
			continue
		}

		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, dest+string(filepath.Separator)) {
			return written, fmt.Errorf("archive entry %q escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, err
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}

		if err := extractFile(f, target); err != nil {
			return written, fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
		written = append(written, target)
	}

	return written, nil
}

// stripComponents drops the first n elements of a slash separated archive name.
// It reports false when nothing remains.
func stripComponents(name string, n int) (string, bool) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	parts := strings.Split(name, "/")
	if len(parts) <= n {
		return "", false
	}
	rel := strings.Join(parts[n:], "/")
	return rel, rel != ""
}

func hasParentRef(name string) bool {
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return true
		}
	}
	return false
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
