package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/dbh"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	fn := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(fn, []byte(content), 0644))
	return fn
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	fn := writeConfig(t, `{
		"dataset": {"root": "/data/out", "baseName": "spheres"},
		"run": {"sequences": 3},
		"manifest": {"Driver": "sqlite3", "Database": "/data/manifest.sqlite"},
		"upload": {"gcs": {"bucket": "gt-datasets", "prefix": "runs/"}}
	}`)
	cfg, err := LoadConfig(fn)
	require.NoError(t, err)
	require.Equal(t, "/data/out", cfg.Dataset.Root)
	require.Equal(t, "spheres", cfg.Dataset.BaseName)
	require.Equal(t, 90, cfg.Dataset.JPEGQuality)
	require.True(t, cfg.Dataset.Resume)
	require.Equal(t, 3, cfg.Run.Sequences)
	require.Equal(t, 20, cfg.Run.StepsPerSequence)
	require.EqualValues(t, 300, cfg.Visibility.MaxPendingFrames)
	require.NotNil(t, cfg.Manifest)
	require.Equal(t, dbh.DriverSqlite, cfg.Manifest.Driver)
	require.True(t, cfg.Upload.IsConfigured())
	require.Equal(t, "gt-datasets", cfg.Upload.GCS.Bucket)
	require.Equal(t, 256, cfg.LiveView.HistorySize)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, `{"dataset": `))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{"dataset": {"baseName": "../escape"}}`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{"run": {"framesPerStep": 0}}`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{"upload": {"filesystem": {"root": "/a"}, "gcs": {"bucket": "b"}}}`))
	require.Error(t, err)
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}
