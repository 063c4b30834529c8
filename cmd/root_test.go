package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-census/internal/conf"
	"github.com/tphakala/birdnet-census/internal/errors"
)

// execute runs the CLI with args against fresh settings.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	root := RootCommand(&conf.Settings{Version: "test"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`database:
  type: sqlite
  sqlite:
    path: %s
storage:
  path: %s
classifier:
  type: static
  static:
    rules:
      - species: Turdus merula
        commonname: Blackbird
        confidence: 0.8
`, filepath.Join(dir, "census.db"), filepath.Join(dir, "recordings"))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "config.yaml")

	out, err := execute(t, "", "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "database:")

	_, err = execute(t, "", "config", "init", "--config", path)
	require.Error(t, err, "existing file is kept")

	_, err = execute(t, "", "config", "init", "--config", path, "--force")
	require.NoError(t, err)
}

func TestMigrateAndUserCreate(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "", "migrate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date (sqlite")

	out, err = execute(t, "correct-horse\n", "user", "create", "--config", cfg, "--email", "Ops@Example.org", "--superuser")
	require.NoError(t, err)
	assert.Contains(t, out, "Created superuser 1 <ops@example.org>")

	_, err = execute(t, "", "user", "create", "--config", cfg, "--email", "ops@example.org", "--password", "another-secret")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	_, err = execute(t, "", "user", "create", "--config", cfg, "--email", "short@example.org", "--password", "short")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestAnalyzeAndRetryUnknownRecording(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "", "migrate", "--config", cfg)
	require.NoError(t, err)

	_, err = execute(t, "", "analyze", "--config", cfg, "0b6f8a7e-2d0c-4a51-9c39-5d8f0c2f4a11")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = execute(t, "", "retry", "--config", cfg, "0b6f8a7e-2d0c-4a51-9c39-5d8f0c2f4a11")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestInvalidConfigIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  overlap: 1.5\n"), 0o600))

	_, err := execute(t, "", "migrate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.overlap")
}

func TestSpeciesImportAndList(t *testing.T) {
	cfg := writeConfig(t)
	labels := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(labels, []byte("Turdus merula_Eurasian Blackbird\nParus major_Great Tit\n\n"), 0o600))

	_, err := execute(t, "", "migrate", "--config", cfg)
	require.NoError(t, err)

	out, err := execute(t, "", "species", "import", "--config", cfg, labels)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 species (2 new, 0 updated)")

	out, err = execute(t, "", "species", "import", "--config", cfg, labels)
	require.NoError(t, err)
	assert.Contains(t, out, "(0 new, 2 updated)")

	out, err = execute(t, "", "species", "list", "--config", cfg, "--search", "tit")
	require.NoError(t, err)
	assert.Contains(t, out, "Parus major")
	assert.Contains(t, out, "Great Tit")
	assert.NotContains(t, out, "Turdus merula")
	assert.Contains(t, out, "1 of 1 species")
}
