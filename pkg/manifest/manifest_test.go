package manifest

import (
	"image"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/groundtruth/pkg/dataset"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func openTestManifest(t *testing.T) *Manifest {
	m, err := Open(logs.NewTestingLog(t), dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "manifest.sqlite")))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestManifestRecordsWriterFiles(t *testing.T) {
	m := openTestManifest(t)

	opt := dataset.DefaultOptions()
	opt.Root = t.TempDir()
	opt.BaseName = "run"
	w, err := dataset.NewWriter(logs.NewTestingLog(t), opt)
	require.NoError(t, err)
	w.AddFileHook(m)

	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	mask.Pix[0] = 1
	for step := 0; step < 2; step++ {
		fd := &dataset.FrameData{Step: step, Captures: []dataset.Capture{{ID: "cam"}}}
		require.NoError(t, w.WriteStep(fd, "", []dataset.Image{{Channel: "seg", Mask: mask}}))
	}
	require.NoError(t, w.Complete(dataset.Definitions{}))
	require.NoError(t, m.CompleteRun(w.Dir(), w.FramesWritten()))

	files, err := m.Files(w.Dir())
	require.NoError(t, err)
	require.Equal(t, 8, len(files))
	require.Equal(t, "sequence.0/step0.seg.png", files[0].Path)
	require.Equal(t, string(dataset.FileKindImage), files[0].Kind)
	require.Greater(t, files[0].Size, int64(0))
	require.Equal(t, dataset.MetadataFile, files[7].Path)
	require.Equal(t, -1, files[7].Sequence)

	runs, err := m.Runs()
	require.NoError(t, err)
	require.Equal(t, 1, len(runs))
	require.Equal(t, w.Dir(), runs[0].Directory)
	require.EqualValues(t, 2, runs[0].Frames)
	require.False(t, runs[0].CompletedAt.IsZero())
}

func TestManifestRewriteAndForget(t *testing.T) {
	m := openTestManifest(t)
	dir := "/data/run_1"
	runID, err := m.BeginRun(dir, "run", false)
	require.NoError(t, err)

	for seq := 0; seq < 3; seq++ {
		require.NoError(t, m.FileWritten(dataset.WrittenFile{
			RunDir:   dir,
			Path:     filepath.ToSlash(filepath.Join(dataset.SequenceDirName(seq), dataset.StepFileName(0))),
			Kind:     dataset.FileKindStep,
			Size:     10,
			Sequence: seq,
		}))
	}
	// Rewriting a file replaces its record
	require.NoError(t, m.FileWritten(dataset.WrittenFile{RunDir: dir, Path: "sequence.0/step0.frame_data.json", Kind: dataset.FileKindStep, Size: 99}))
	files, err := m.Files(dir)
	require.NoError(t, err)
	require.Equal(t, 3, len(files))
	require.EqualValues(t, 99, files[0].Size)

	// Resume after sequence 0
	require.NoError(t, m.ForgetSequencesAfter(dir, 0))
	files, err = m.Files(dir)
	require.NoError(t, err)
	require.Equal(t, 1, len(files))

	again, err := m.BeginRun(dir, "run", true)
	require.NoError(t, err)
	require.Equal(t, runID, again)
}
