package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const loaderFixture = `{
  "version": "file-v1",
  "policies": [
    {
      "id": "uri",
      "title": "Routine URI care",
      "citation": "AM-08",
      "matchers": {"symptoms_any_of": ["cough"]},
      "recommended_actions": ["Symptomatic care"]
    }
  ]
}`

func writePack(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pack.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoaderEmbeddedDefault(t *testing.T) {
	l, err := NewLoader("", zap.NewNop())
	require.NoError(t, err)
	snap := l.Snapshot()
	assert.Equal(t, SourceEmbedded, snap.Source)
	assert.NotEmpty(t, snap.Pack.Policies)
}

func TestLoaderFromFile(t *testing.T) {
	path := writePack(t, loaderFixture)
	l, err := NewLoader(path, zap.NewNop())
	require.NoError(t, err)
	snap := l.Snapshot()
	assert.Equal(t, "file-v1", snap.Pack.Version)
	assert.Equal(t, path, snap.Source)
}

func TestLoaderStartupFailsOnBadPack(t *testing.T) {
	path := writePack(t, `{"version":"x","policies":[]}`)
	_, err := NewLoader(path, zap.NewNop())
	assert.Error(t, err)
}

func TestLoaderReloadKeepsSnapshotOnFailure(t *testing.T) {
	path := writePack(t, loaderFixture)
	l, err := NewLoader(path, zap.NewNop())
	require.NoError(t, err)
	before := l.Snapshot()

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	assert.Error(t, l.Reload())
	assert.Same(t, before, l.Snapshot())

	// A repaired pack swaps the snapshot.
	fixed := `{
  "version": "file-v2",
  "policies": [
    {
      "id": "uri",
      "title": "Routine URI care",
      "citation": "AM-08",
      "matchers": {"symptoms_any_of": ["cough"]},
      "recommended_actions": ["Symptomatic care"]
    }
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(fixed), 0o644))
	require.NoError(t, l.Reload())
	assert.Equal(t, "file-v2", l.Snapshot().Pack.Version)
	assert.NotEqual(t, before.SHA256, l.Snapshot().SHA256)
}
