package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry holds discovered profiles indexed by plugin name.
type Registry struct {
	profiles map[string]*Profile
}

// NewRegistry creates an empty profile registry.
func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]*Profile),
	}
}

// Get retrieves a profile by plugin name.
func (r *Registry) Get(name string) (*Profile, bool) {
	p, ok := r.profiles[name]
	return p, ok
}

// All returns all registered profiles.
func (r *Registry) All() map[string]*Profile {
	return r.profiles
}

// Names returns registered plugin names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Add registers a profile in the registry.
func (r *Registry) Add(p *Profile) error {
	if _, exists := r.profiles[p.Name]; exists {
		return fmt.Errorf("profile %q already registered", p.Name)
	}
	r.profiles[p.Name] = p
	return nil
}

// Discover scans profilesDir for *.yaml profile files and validates them.
// Invalid profiles are logged through logger but are not fatal; duplicate
// plugin names keep the first discovered profile.
func Discover(profilesDir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absDir, err := filepath.Abs(profilesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve profiles dir %q: %w", profilesDir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("profiles dir does not exist: %s", absDir)
		}
		return nil, fmt.Errorf("failed to stat profiles dir %s: %w", absDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("profiles dir is not a directory: %s", absDir)
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles dir %s: %w", absDir, err)
	}

	registry := NewRegistry()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		// The checksum manifest lives alongside the profiles.
		if strings.HasPrefix(name, ".") {
			continue
		}

		path := filepath.Join(absDir, name)
		p, err := Load(path)
		if err != nil {
			logger("warn", "failed to load profile", "path", path, "error", err.Error())
			continue
		}

		if err := registry.Add(p); err != nil {
			logger("warn", "duplicate profile ignored (keeping first discovered)", "plugin", p.Name, "ignored_path", path)
			continue
		}
		logger("info", "loaded profile", "plugin", p.Name, "url", p.URL, "methods", len(p.Methods))
	}

	return registry, nil
}

// Load reads and validates a single profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile YAML: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return &p, nil
}
