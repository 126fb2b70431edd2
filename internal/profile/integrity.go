package profile

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumFilename = ".checksums"

// ChecksumManifest records the expected BLAKE3 hash of every profile file in
// a directory. It is written by `remix-host profile lock` and verified at
// startup and by `remix-host profile check`.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeHash computes the BLAKE3 hash of a file.
func ComputeHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock computes hashes for every profile file in dir and writes the
// .checksums manifest. Returns the hashed filenames.
func Lock(dir string) ([]string, error) {
	files, err := profileFiles(dir)
	if err != nil {
		return nil, err
	}

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	for _, name := range files {
		hash, err := ComputeHash(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.Hashes[name] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Restrictive permissions: the manifest holds the expected hashes.
	if err := os.WriteFile(filepath.Join(dir, checksumFilename), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return files, nil
}

// Verify checks every profile file in dir against the .checksums manifest.
// Returns an error on any mismatch, missing hash, or stale manifest entry.
func Verify(dir string) error {
	manifest, err := loadChecksums(dir)
	if err != nil {
		return err
	}

	files, err := profileFiles(dir)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(files))
	for _, name := range files {
		seen[name] = struct{}{}

		expected, ok := manifest.Hashes[name]
		if !ok {
			return fmt.Errorf("profile %s has no hash in checksums (run 'remix-host profile lock')", name)
		}
		actual, err := ComputeHash(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to compute hash: %w", err)
		}
		if actual != expected {
			return fmt.Errorf("hash mismatch for %s: expected %s, got %s", name, expected, actual)
		}
	}

	for name := range manifest.Hashes {
		if _, ok := seen[name]; !ok {
			return fmt.Errorf("profile %s is in checksums but missing from disk", name)
		}
	}
	return nil
}

func loadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, checksumFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'remix-host profile lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

func profileFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles dir %s: %w", dir, err)
	}

	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			out = append(out, name)
		}
	}
	return out, nil
}
