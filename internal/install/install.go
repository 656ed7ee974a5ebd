package install

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Directory names below an installation root
const (
	ToolboxDir   = ".toolbox"
	MetaDir      = "meta"
	DownloadsDir = "downloads"
	HashesDir    = "hashes"
	LogsDir      = "logs"
	ManifestName = "toolbox.json"
)

// Dependency describes one external artifact an installation depends on
type Dependency struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Location     string `json:"location"`
	IsRepository bool   `json:"isRepository"`
	Expand       bool   `json:"expand"`

	// manifest keys not modeled above, written back unchanged
	extra map[string]json.RawMessage
}

// Installation is one application instance rooted at Path
type Installation struct {
	Name         string       `json:"name"`
	Dependencies []Dependency `json:"dependencies"`

	// Path is the installation root; it is not part of the manifest.
	Path string `json:"-"`

	extra       map[string]json.RawMessage
	nameFromDir bool
}

// Normalize returns a copy of dep whose Location is relative to the
// installation root. A single leading separator is stripped.
func Normalize(dep Dependency) Dependency {
	out := dep
	if strings.HasPrefix(out.Location, "/") || strings.HasPrefix(out.Location, `\`) {
		out.Location = out.Location[1:]
	}
	return out
}

// Normalized returns a copy of the installation with every dependency normalized.
func (i *Installation) Normalized() *Installation {
	out := *i
	out.Dependencies = make([]Dependency, len(i.Dependencies))
	for idx, dep := range i.Dependencies {
		out.Dependencies[idx] = Normalize(dep)
	}
	return &out
}

// Validate checks that dependency names are usable as state keys and that
// every location stays inside the installation root
func (i *Installation) Validate() error {
	seen := make(map[string]bool, len(i.Dependencies))
	for idx, dep := range i.Dependencies {
		if dep.Name == "" {
			return fmt.Errorf("dependency %d: name is required", idx)
		}
		if strings.ContainsAny(dep.Name, `/\`) || dep.Name == "." || dep.Name == ".." {
			return fmt.Errorf("dependency %q: name must not contain path separators", dep.Name)
		}
		if seen[dep.Name] {
			return fmt.Errorf("dependency %q: duplicate name", dep.Name)
		}
		if dep.URL == "" {
			return fmt.Errorf("dependency %q: url is required", dep.Name)
		}
		if !i.contains(Normalize(dep).Location) {
			return fmt.Errorf("dependency %q: location %q escapes the installation", dep.Name, dep.Location)
		}
		seen[dep.Name] = true
	}
	return nil
}

// contains reports whether location resolves to the installation root or below it
func (i *Installation) contains(location string) bool {
	root := filepath.Clean(i.Path)
	rel, err := filepath.Rel(root, filepath.Join(root, filepath.FromSlash(location)))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Dependency returns the dependency with the given name.
func (i *Installation) Dependency(name string) (Dependency, bool) {
	for _, dep := range i.Dependencies {
		if dep.Name == name {
			return dep, true
		}
	}
	return Dependency{}, false
}

// ToolboxPath returns the root of the installation's bookkeeping directory
func (i *Installation) ToolboxPath() string {
	return filepath.Join(i.Path, ToolboxDir)
}

// MetaPath returns the directory holding the manifest
func (i *Installation) MetaPath() string {
	return filepath.Join(i.ToolboxPath(), MetaDir)
}

// ManifestPath returns the path of the manifest file
func (i *Installation) ManifestPath() string {
	return filepath.Join(i.MetaPath(), ManifestName)
}

// DownloadPath returns the directory used for transient downloads
func (i *Installation) DownloadPath() string {
	return filepath.Join(i.ToolboxPath(), DownloadsDir)
}

// HashPath returns the directory holding identifier files
func (i *Installation) HashPath() string {
	return filepath.Join(i.ToolboxPath(), HashesDir)
}

// LogPath returns the directory holding inventory logs
func (i *Installation) LogPath() string {
	return filepath.Join(i.ToolboxPath(), LogsDir)
}

// DependencyPath returns the destination directory of a normalized dependency
func (i *Installation) DependencyPath(dep Dependency) string {
	return filepath.Join(i.Path, filepath.FromSlash(dep.Location))
}

// BookkeepingDirs lists every directory a sync run needs to exist
func (i *Installation) BookkeepingDirs() []string {
	return []string{i.MetaPath(), i.DownloadPath(), i.HashPath(), i.LogPath()}
}
