package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/concretebackup/concrete-backup/pkg/plog"
	"github.com/concretebackup/concrete-backup/pkg/util"
)

// AppDirName is the per-user configuration directory name.
const AppDirName = "concrete-backup"

// profileExtensions are tried in order when loading by name.
var profileExtensions = []string{".yaml", ".yml", ".json"}

// Store persists profiles as whole units under a profiles directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at the given directory. The directory is
// created on first save, not here, so a read-only inspection never mutates
// the filesystem.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// StoreUnder returns a store rooted at the profiles directory below an
// already-resolved application config directory.
func StoreUnder(configDir string) *Store {
	return NewStore(filepath.Join(configDir, "profiles"))
}

// Dir returns the directory the store reads and writes.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of the named profile's file and whether it
// exists on disk. The scheduler requires an existing path: the cron-invoked
// script must reference a durable profile locator.
func (s *Store) Path(name string) (string, bool) {
	for _, ext := range profileExtensions {
		p := filepath.Join(s.dir, name+ext)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return filepath.Join(s.dir, name+profileExtensions[0]), false
}

// Save writes the profile back in its existing on-disk format, stamping
// ModifiedAt. New profiles are written as YAML.
func (s *Store) Save(p *Profile) error {
	if path, ok := s.Path(p.Name); ok && strings.EqualFold(filepath.Ext(path), ".json") {
		return s.SaveJSON(p)
	}
	return s.saveAs(p, "yaml")
}

// SaveJSON writes the profile in JSON format, stamping ModifiedAt.
func (s *Store) SaveJSON(p *Profile) error {
	return s.saveAs(p, "json")
}

func (s *Store) saveAs(p *Profile, format string) error {
	if p.Name == "" {
		return fmt.Errorf("cannot save profile without a name")
	}
	if err := os.MkdirAll(s.dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create profiles directory %s: %w", s.dir, err)
	}

	p.ModifiedAt = time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = p.ModifiedAt
	}

	var data []byte
	var err error
	var ext string
	switch format {
	case "json":
		data, err = json.MarshalIndent(p, "", "  ")
		ext = ".json"
	default:
		data, err = yaml.Marshal(p)
		ext = ".yaml"
	}
	if err != nil {
		return fmt.Errorf("could not marshal profile %q: %w", p.Name, err)
	}

	path := filepath.Join(s.dir, p.Name+ext)
	if err := os.WriteFile(path, data, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("could not write profile file %s: %w", path, err)
	}
	plog.Debug("Saved profile", "name", p.Name, "path", path)
	return nil
}

// Load reads a profile by name, trying yaml, yml and json extensions.
func (s *Store) Load(name string) (*Profile, error) {
	path, ok := s.Path(name)
	if !ok {
		return nil, fmt.Errorf("profile %q not found in %s", name, s.dir)
	}
	return s.LoadPath(path)
}

// LoadPath reads a profile from an explicit file path. The format is
// derived from the extension.
func (s *Store) LoadPath(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read profile file %s: %w", path, err)
	}

	var p Profile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &p)
	} else {
		err = yaml.Unmarshal(data, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("could not parse profile file %s: %w", path, err)
	}
	return &p, nil
}

// List returns the names of all stored profiles, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No profiles saved yet.
		}
		return nil, fmt.Errorf("could not read profiles directory %s: %w", s.dir, err)
	}

	seen := make(map[string]struct{})
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		for _, known := range profileExtensions {
			if strings.EqualFold(ext, known) {
				name := strings.TrimSuffix(entry.Name(), ext)
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					names = append(names, name)
				}
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named profile from disk. It is not an error if the
// profile does not exist.
func (s *Store) Delete(name string) error {
	deleted := false
	for _, ext := range profileExtensions {
		path := filepath.Join(s.dir, name+ext)
		err := os.Remove(path)
		if err == nil {
			deleted = true
			continue
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not delete profile file %s: %w", path, err)
		}
	}
	if deleted {
		plog.Debug("Deleted profile", "name", name)
	}
	return nil
}
