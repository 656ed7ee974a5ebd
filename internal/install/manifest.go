package install

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	installationKeys = []string{"name", "dependencies"}
	dependencyKeys   = []string{"name", "url", "location", "isRepository", "expand"}
)

// UnmarshalJSON decodes a manifest dependency and keeps unknown keys
func (d *Dependency) UnmarshalJSON(data []byte) error {
	type plain Dependency
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := unknownFields(data, dependencyKeys)
	if err != nil {
		return err
	}
	*d = Dependency(p)
	d.extra = extra
	return nil
}

// MarshalJSON encodes the modeled fields followed by any unknown keys
func (d Dependency) MarshalJSON() ([]byte, error) {
	type plain Dependency
	known, err := json.Marshal(plain(d))
	if err != nil {
		return nil, err
	}
	return appendFields(known, d.extra)
}

// UnmarshalJSON decodes a manifest and keeps unknown top-level keys
func (i *Installation) UnmarshalJSON(data []byte) error {
	type plain Installation
	p := plain(*i)
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	extra, err := unknownFields(data, installationKeys)
	if err != nil {
		return err
	}
	*i = Installation(p)
	i.extra = extra
	return nil
}

// MarshalJSON encodes the manifest. A name taken from the directory is not
// written back.
func (i Installation) MarshalJSON() ([]byte, error) {
	type plain Installation

	var known []byte
	var err error
	if i.nameFromDir {
		known, err = json.Marshal(struct {
			Dependencies []Dependency `json:"dependencies"`
		}{i.Dependencies})
	} else {
		known, err = json.Marshal(plain(i))
	}
	if err != nil {
		return nil, err
	}
	return appendFields(known, i.extra)
}

// unknownFields returns the keys of the JSON object in data that are not in
// known. Matching is case-insensitive like encoding/json field matching.
func unknownFields(data []byte, known []string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for key := range all {
		for _, k := range known {
			if strings.EqualFold(key, k) {
				delete(all, key)
				break
			}
		}
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// appendFields adds extra to the encoded object obj
func appendFields(obj []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return obj, nil
	}
	rest, err := json.Marshal(extra)
	if err != nil {
		return nil, err
	}
	if string(obj) == "{}" {
		return rest, nil
	}
	out := make([]byte, 0, len(obj)+len(rest))
	out = append(out, obj[:len(obj)-1]...)
	out = append(out, ',')
	return append(out, rest[1:]...), nil
}

// Load reads the manifest of the installation rooted at root
func Load(root string) (*Installation, error) {
	inst := &Installation{Path: root}

	data, err := os.ReadFile(inst.ManifestPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	if err := json.Unmarshal(data, inst); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", inst.ManifestPath(), err)
	}
	inst.Path = root

	if inst.Name == "" {
		inst.Name = filepath.Base(root)
		inst.nameFromDir = true
	}

	if err := inst.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", inst.ManifestPath(), err)
	}

	return inst, nil
}

// Save writes the manifest back to disk with an atomic rename
func Save(inst *Installation) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := os.MkdirAll(inst.MetaPath(), 0755); err != nil {
		return fmt.Errorf("failed to create meta directory: %w", err)
	}

	tmp, err := os.CreateTemp(inst.MetaPath(), ".toolbox-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tmpPath, inst.ManifestPath()); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// Discover finds every installation directly below dir. A directory is an
// installation when it contains .toolbox/meta/toolbox.json. Installations with
// unreadable manifests are returned in the second result instead of failing
// the whole scan. Results are sorted by directory name.
func Discover(dir string) ([]*Installation, map[string]error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read installs directory: %w", err)
	}

	var found []*Installation
	broken := make(map[string]error)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		root := filepath.Join(dir, entry.Name())
		candidate := &Installation{Path: root}
		if _, err := os.Stat(candidate.ManifestPath()); err != nil {
			continue
		}

		inst, err := Load(root)
		if err != nil {
			broken[root] = err
			continue
		}
		found = append(found, inst)
	}

	sort.Slice(found, func(a, b int) bool {
		return found[a].Path < found[b].Path
	})

	return found, broken, nil
}

// Select filters installations by name or directory base name. An empty
// names list selects everything. Unknown names are reported as an error.
func Select(all []*Installation, names []string) ([]*Installation, error) {
	if len(names) == 0 {
		return all, nil
	}

	var selected []*Installation
	for _, name := range names {
		var match *Installation
		for _, inst := range all {
			if inst.Name == name || filepath.Base(inst.Path) == name {
				match = inst
				break
			}
		}
		if match == nil {
			return nil, fmt.Errorf("installation %q not found", name)
		}
		selected = append(selected, match)
	}
	return selected, nil
}
