package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStorageFS(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := Open(ctx, logs.NewTestingLog(t), Config{Filesystem: &ConfigFS{Root: root}})
	require.NoError(t, err)

	require.NoError(t, WriteFile(ctx, s, "run/sequence.0/step0.frame_data.json", bytes.NewReader([]byte("{}"))))
	b, err := ReadFile(ctx, s, "run/sequence.0/step0.frame_data.json")
	require.NoError(t, err)
	require.Equal(t, "{}", string(b))
	_, err = os.Stat(filepath.Join(root, "run", "sequence.0", "step0.frame_data.json.tmp"))
	require.True(t, os.IsNotExist(err))

	for _, bad := range []string{"../x", "/abs", "a//b", "a/./b", ""} {
		_, err := s.WriteFile(ctx, bad)
		require.Error(t, err, bad)
	}

	_, err = s.URL("x")
	require.ErrorIs(t, err, ErrNoPublicUrl)

	require.NoError(t, s.DeleteFile(ctx, "run/sequence.0/step0.frame_data.json"))
	_, err = s.ReadFile(ctx, "run/sequence.0/step0.frame_data.json")
	require.Error(t, err)
}

func TestOpenConfig(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, logs.NewTestingLog(t), Config{})
	require.ErrorIs(t, err, ErrNoBackend)
	_, err = Open(ctx, logs.NewTestingLog(t), Config{Filesystem: &ConfigFS{Root: t.TempDir()}, GCS: &ConfigGCS{Bucket: "b"}})
	require.Error(t, err)
}
