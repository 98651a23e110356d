package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/atlasprobe/internal/config"
)

func TestCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.yaml")
	require.NoError(t, os.WriteFile(path, []byte(mapScenario), 0o600))

	cfg := config.DefaultConfig()
	cfg.ScenarioFiles = []string{path}

	c, err := NewCatalog(cfg)
	require.NoError(t, err)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "map-view", list[0].Name)
	assert.Equal(t, TimelineAlignmentName, list[1].Name)

	sc, err := c.Get(TimelineAlignmentName)
	require.NoError(t, err)
	sc.Steps[0].URL = "http://elsewhere"

	again, err := c.Get(TimelineAlignmentName)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultBaseURL, again.Steps[0].URL, "Get must hand out copies")

	_, err = c.Get("nope")
	assert.Error(t, err)
}

func TestCatalogRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: bad\nsteps: []\n"), 0o600))

	cfg := config.DefaultConfig()
	cfg.ScenarioFiles = []string{path}

	_, err := NewCatalog(cfg)
	assert.Error(t, err)
}
