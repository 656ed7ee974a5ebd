package deploy

import (
	"archive/zip"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/depsyncd/internal/install"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeZip creates a zip archive with the given name -> content entries.
// Names ending in "/" become directory entries.
func writeZip(t *testing.T, path string, entries map[string]string, order ...string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()

	w := zip.NewWriter(f)
	for _, name := range order {
		fw, err := w.Create(name)
		require.NoError(t, err)
		if content, ok := entries[name]; ok {
			_, err = fw.Write([]byte(content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, w.Close())
}

type failingExpander struct{}

func (failingExpander) Expand(string, string, int) ([]string, error) {
	return nil, errors.New("corrupt archive")
}

func TestDeploy_Expand(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "pack.zip")
	writeZip(t, archive, map[string]string{"a.txt": "A", "sub/b.txt": "B"}, "a.txt", "sub/", "sub/b.txt")

	dest := filepath.Join(tmp, "install", "data")
	d := NewDeployer(ZipExpander{}, testLogger())

	inventory, err := d.Deploy(install.Dependency{Name: "pack", Expand: true}, dest, archive, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dest, "a.txt"),
		filepath.Join(dest, "sub", "b.txt"),
		dest,
	}, inventory)

	data, err := os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "B", string(data))
}

func TestDeploy_ExpandRepositoryStripsRoot(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "maps.zip")
	writeZip(t, archive, map[string]string{
		"acme-maps-c0ffee/README.md":      "hi",
		"acme-maps-c0ffee/world/level.dat": "lvl",
	}, "acme-maps-c0ffee/", "acme-maps-c0ffee/README.md", "acme-maps-c0ffee/world/level.dat")

	dest := filepath.Join(tmp, "maps")
	d := NewDeployer(ZipExpander{}, testLogger())

	inventory, err := d.Deploy(install.Dependency{Name: "maps", Expand: true, IsRepository: true}, dest, archive, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dest, "README.md"),
		filepath.Join(dest, "world", "level.dat"),
		dest,
	}, inventory)
}

func TestDeploy_SingleFile(t *testing.T) {
	tmp := t.TempDir()
	artifact := filepath.Join(tmp, "download", "x.jar")
	require.NoError(t, os.MkdirAll(filepath.Dir(artifact), 0755))
	require.NoError(t, os.WriteFile(artifact, []byte("jar"), 0644))

	dest := filepath.Join(tmp, "plugins")
	d := NewDeployer(ZipExpander{}, testLogger())

	inventory, err := d.Deploy(install.Dependency{Name: "core"}, dest, artifact, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dest, "core"), dest}, inventory)

	data, err := os.ReadFile(filepath.Join(dest, "core"))
	require.NoError(t, err)
	assert.Equal(t, "jar", string(data))

	_, err = os.Stat(artifact)
	assert.True(t, os.IsNotExist(err), "artifact should have been moved")
}

func TestDeploy_CleanupPrecedesInstall(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "plugins")
	old := filepath.Join(dest, "old-name.jar")
	nested := filepath.Join(dest, "cfg", "old.yml")
	require.NoError(t, os.MkdirAll(filepath.Dir(nested), 0755))
	require.NoError(t, os.WriteFile(old, []byte("old"), 0644))
	require.NoError(t, os.WriteFile(nested, []byte("old"), 0644))

	artifact := filepath.Join(tmp, "new.jar")
	require.NoError(t, os.WriteFile(artifact, []byte("new"), 0644))

	prior := []string{old, nested, filepath.Join(dest, "already-gone"), dest}
	d := NewDeployer(ZipExpander{}, testLogger())

	inventory, err := d.Deploy(install.Dependency{Name: "core"}, dest, artifact, prior)
	require.NoError(t, err)

	for _, p := range []string{old, nested, filepath.Join(dest, "cfg")} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s should be removed", p)
	}
	assert.Equal(t, []string{filepath.Join(dest, "core"), dest}, inventory)
}

func TestCleanup_KeepsForeignFiles(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "plugins")
	mine := filepath.Join(dest, "mine.jar")
	foreign := filepath.Join(dest, "someone-else.jar")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(mine, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(foreign, []byte("y"), 0644))

	NewDeployer(ZipExpander{}, testLogger()).Cleanup([]string{mine, dest})

	_, err := os.Stat(mine)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(foreign)
	assert.NoError(t, err, "destination shared with other files must survive")
}

func TestCleanup_RemovesEmptyDestination(t *testing.T) {
	tmp := t.TempDir()
	dest := filepath.Join(tmp, "plugins")
	mine := filepath.Join(dest, "mine.jar")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(mine, []byte("x"), 0644))

	d := NewDeployer(ZipExpander{}, testLogger())
	d.Cleanup([]string{mine, dest})
	d.Cleanup(nil)

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestDeploy_ExpandFailure(t *testing.T) {
	tmp := t.TempDir()
	d := NewDeployer(failingExpander{}, testLogger())

	_, err := d.Deploy(install.Dependency{Name: "pack", Expand: true}, filepath.Join(tmp, "d"), filepath.Join(tmp, "a.zip"), nil)
	require.Error(t, err)
	assert.True(t, IsDeployError(err))
	assert.Contains(t, err.Error(), "corrupt archive")
}

func TestDeploy_MoveFailure(t *testing.T) {
	tmp := t.TempDir()
	d := NewDeployer(ZipExpander{}, testLogger())

	_, err := d.Deploy(install.Dependency{Name: "core"}, filepath.Join(tmp, "d"), filepath.Join(tmp, "missing"), nil)
	require.Error(t, err)
	assert.True(t, IsDeployError(err))
}

func TestDeploy_DestinationBlocked(t *testing.T) {
	tmp := t.TempDir()
	blocker := filepath.Join(tmp, "plugins")
	require.NoError(t, os.WriteFile(blocker, []byte("file"), 0644))

	_, err := NewDeployer(ZipExpander{}, testLogger()).Deploy(install.Dependency{Name: "core"}, blocker, filepath.Join(tmp, "a"), nil)
	assert.True(t, IsDeployError(err))
}

func TestZipExpander_RejectsTraversal(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "evil.zip")
	writeZip(t, archive, map[string]string{"../evil.txt": "x"}, "../evil.txt")

	_, err := ZipExpander{}.Expand(archive, filepath.Join(tmp, "dest"), 0)
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(tmp, "evil.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestZipExpander_NotAnArchive(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "plain.txt")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0644))

	_, err := ZipExpander{}.Expand(path, filepath.Join(tmp, "dest"), 0)
	assert.Error(t, err)
}

func TestStripComponents(t *testing.T) {
	tests := []struct {
		name   string
		strip  int
		want   string
		wantOK bool
	}{
		{"a.txt", 0, "a.txt", true},
		{"root/a.txt", 1, "a.txt", true},
		{"root/", 1, "", false},
		{"root/sub/", 1, "sub", true},
		{"a.txt", 1, "", false},
	}

	for _, tt := range tests {
		got, ok := stripComponents(tt.name, tt.strip)
		assert.Equal(t, tt.wantOK, ok, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}
}
