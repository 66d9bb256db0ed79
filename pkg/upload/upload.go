// Package upload mirrors completed dataset runs into blob storage.
package upload

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cyclopcam/groundtruth/pkg/dataset"
	"github.com/cyclopcam/groundtruth/pkg/storage"
	"github.com/cyclopcam/logs"
)

// Result of uploading one run
type Result struct {
	RunDir   string
	Files    int
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Uploader copies runs into storage, one at a time, on its own goroutine
type Uploader struct {
	ShutdownComplete chan bool // Closed when the queue has drained after Close()

	log      logs.Log
	store    storage.Storage
	queue    chan string
	onResult func(r Result)
}

// Create an uploader and start its goroutine.
// onResult (which may be nil) is called on the uploader's goroutine after every run.
func NewUploader(log logs.Log, store storage.Storage, onResult func(r Result)) *Uploader {
	u := &Uploader{
		ShutdownComplete: make(chan bool),
		log:              logs.NewPrefixLogger(log, "Upload:"),
		store:            store,
		queue:            make(chan string, 16),
		onResult:         onResult,
	}
	go u.run()
	return u
}

// Enqueue a completed run directory for upload
func (u *Uploader) Enqueue(runDir string) {
	u.queue <- runDir
}

// Close stops accepting work. Queued runs are still uploaded.
// Wait on ShutdownComplete to know when they are done.
func (u *Uploader) Close() {
	close(u.queue)
}

func (u *Uploader) run() {
	defer close(u.ShutdownComplete)
	for runDir := range u.queue {
		start := time.Now()
		files, bytes, err := UploadRun(context.Background(), u.store, runDir)
		r := Result{
			RunDir:   runDir,
			Files:    files,
			Bytes:    bytes,
			Duration: time.Since(start),
			Err:      err,
		}
		if err != nil {
			u.log.Errorf("Failed to upload %v: %v", runDir, err)
		} else {
			u.log.Infof("Uploaded %v (%v files, %.1f MB) in %.1f seconds", runDir, files, float64(bytes)/(1024*1024), r.Duration.Seconds())
		}
		if u.onResult != nil {
			u.onResult(r)
		}
	}
}

// UploadRun copies every file of a finished run into storage, under "<run directory name>/".
// The completion documents are uploaded last, so that a reader of the bucket never sees
// a metadata.json before the data that it describes.
func UploadRun(ctx context.Context, store storage.Storage, runDir string) (files int, bytes int64, err error) {
	if !dataset.IsFinished(runDir) {
		return 0, 0, fmt.Errorf("%v is not a finished run", runDir)
	}
	runName := filepath.Base(runDir)

	var data, completion []string
	err = filepath.WalkDir(runDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(runDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if isCompletionFile(rel) {
			completion = append(completion, rel)
		} else {
			data = append(data, rel)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	sort.Strings(data)
	sort.Slice(completion, func(i, j int) bool {
		// metadata.json is the very last file
		return completionOrder(completion[i]) < completionOrder(completion[j])
	})

	for _, rel := range append(data, completion...) {
		n, err := uploadFile(ctx, store, filepath.Join(runDir, filepath.FromSlash(rel)), path.Join(runName, rel))
		if err != nil {
			return files, bytes, fmt.Errorf("Failed to upload %v: %w", rel, err)
		}
		files++
		bytes += n
	}
	return files, bytes, nil
}

func isCompletionFile(rel string) bool {
	return completionOrder(rel) >= 0
}

// Index into dataset.CompletionFiles (where metadata.json comes first), rotated so that metadata.json sorts last
func completionOrder(rel string) int {
	dir, name := path.Split(rel)
	if dir != "" && dir != dataset.MetadataSubdir+"/" {
		return -1
	}
	for i, c := range dataset.CompletionFiles {
		if name == c {
			if name == dataset.MetadataFile {
				return len(dataset.CompletionFiles)
			}
			return i
		}
	}
	return -1
}

func uploadFile(ctx context.Context, store storage.Storage, src, dst string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := storage.WriteFile(ctx, store, dst, f); err != nil {
		return 0, err
	}
	return st.Size(), nil
}
