package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const calcYAML = `name: calc
url: https://plugins.example.com/calc
methods:
  - add
notifications:
  math:
    - overflow
`

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "calc.yaml", calcYAML)
	writeProfile(t, dir, "broken.yaml", "name: [not, a, string\n")
	writeProfile(t, dir, "notes.txt", "not a profile")

	var warned int
	registry, err := Discover(dir, func(level, msg string, args ...any) {
		if level == "warn" {
			warned++
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"calc"}, registry.Names())
	assert.Equal(t, 1, warned, "broken profile should warn, not fail discovery")

	p, ok := registry.Get("calc")
	require.True(t, ok)
	assert.Equal(t, "https://plugins.example.com/calc", p.URL)
	assert.True(t, p.HasMethod("add"))
	assert.True(t, p.DeclaresNotification("overflow"))
}

func TestDiscoverKeepsFirstDuplicate(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a-calc.yaml", calcYAML)
	writeProfile(t, dir, "b-calc.yaml", calcYAML)

	registry, err := Discover(dir, nil)
	require.NoError(t, err)
	assert.Len(t, registry.All(), 1)
}

func TestDiscoverMissingDir(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLockAndVerify(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "calc.yaml", calcYAML)

	files, err := Lock(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc.yaml"}, files)

	require.NoError(t, Verify(dir))

	// Tampering must be detected.
	require.NoError(t, os.WriteFile(path, []byte(calcYAML+"  - sneaky\n"), 0644))
	err = Verify(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestVerifyDetectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "calc.yaml", calcYAML)

	_, err := Lock(dir)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	err = Verify(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing from disk")
}

func TestVerifyWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "calc.yaml", calcYAML)

	err := Verify(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksums file not found")
}
