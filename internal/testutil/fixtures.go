package testutil

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/schaermu/depsyncd/internal/install"
)

// FindProjectRoot walks up the directory tree from the caller's file to find go.mod
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}

// ZipArchive builds an in-memory zip from alternating name, content pairs.
// Entries keep the given order.
func ZipArchive(t testing.TB, entries ...string) []byte {
	t.Helper()
	require.Zero(t, len(entries)%2, "entries must be name, content pairs")

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for i := 0; i < len(entries); i += 2 {
		fw, err := w.Create(entries[i])
		require.NoError(t, err)
		_, err = fw.Write([]byte(entries[i+1]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// WriteInstallation creates parent/name with a manifest listing deps
func WriteInstallation(t testing.TB, parent, name string, deps ...install.Dependency) *install.Installation {
	t.Helper()

	inst := &install.Installation{
		Name:         name,
		Path:         filepath.Join(parent, name),
		Dependencies: deps,
	}
	require.NoError(t, install.Save(inst))
	return inst
}
