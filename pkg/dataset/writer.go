// Package dataset writes per-frame ground-truth payloads into a directory tree,
// and resumes a run that was interrupted.
//
// Layout of a run:
//
//	<root>/<base>[_<n>]/
//	  sequence.0/
//	    step0.frame_data.json
//	    step0.rgb.jpg
//	    step1.frame_data.json
//	    ...
//	  sequence.1/
//	  metadata.json                   written when the run completes
//	  annotation_definitions.json
//	  metric_definitions.json
//	  sensor_definitions.json
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cyclopcam/groundtruth/pkg/iox"
	"github.com/cyclopcam/logs"
)

var ErrRunCompleted = errors.New("Dataset run has already been completed")
var ErrUnknownCapture = errors.New("Image refers to an unknown capture")

// Options for the dataset writer
type Options struct {
	Root               string        `json:"root"`               // Parent directory of all runs
	BaseName           string        `json:"baseName"`           // Name of the run directory
	MaxDirectorySuffix int           `json:"maxDirectorySuffix"` // Try <base>_1 ... <base>_<n>, before using a random suffix
	MetadataSubdir     bool          `json:"metadataSubdir"`     // Write the completion documents into a "metadata" subdirectory
	JPEGQuality        int           `json:"jpegQuality"`
	Resume             bool          `json:"resume"` // Continue an unfinished previous run, instead of starting a new directory
	ResumeOptions      ResumeOptions `json:"resumeOptions"`
}

func DefaultOptions() Options {
	return Options{
		Root:               "datasets",
		BaseName:           "groundtruth",
		MaxDirectorySuffix: DefaultMaxDirectorySuffix,
		JPEGQuality:        90,
		Resume:             true,
		ResumeOptions:      DefaultResumeOptions(),
	}
}

type FileKind string

const (
	FileKindStep       FileKind = "step"
	FileKindImage      FileKind = "image"
	FileKindDefinition FileKind = "definition"
)

// WrittenFile describes a file that the writer has produced
type WrittenFile struct {
	RunDir   string
	Path     string // Relative to RunDir, with forward slashes
	Kind     FileKind
	Size     int64
	Sequence int // -1 for run-level documents
	Step     int // -1 for run-level documents
}

// FileHook is notified of every file that the writer produces.
// A failing hook is logged, but does not fail the write.
type FileHook interface {
	FileWritten(f WrittenFile) error
}

// Writer persists ground-truth payloads into a single run directory.
// Writer is not safe for use from multiple goroutines.
type Writer struct {
	log     logs.Log
	options Options
	hooks   []FileHook

	dir           string       // Allocated lazily, and then fixed for the lifetime of the Writer
	resume        *ResumePoint // Non-nil if we are continuing a previous run
	framesWritten int64
	imagesWritten int64
	sequences     map[int]bool
	startedAt     time.Time
	completed     bool
	lastErrAt     time.Time
}

// Create a new dataset writer. Nothing is touched on disk until Open or WriteStep.
func NewWriter(log logs.Log, options Options) (*Writer, error) {
	if err := ValidateBaseName(options.BaseName); err != nil {
		return nil, err
	}
	if options.Root == "" {
		return nil, errors.New("Dataset root directory is not set")
	}
	if options.JPEGQuality <= 0 || options.JPEGQuality > 100 {
		options.JPEGQuality = DefaultOptions().JPEGQuality
	}
	return &Writer{
		log:       logs.NewPrefixLogger(log, "Dataset:"),
		options:   options,
		sequences: map[int]bool{},
		startedAt: time.Now().UTC(),
	}, nil
}

// AddFileHook registers a hook that is told about every file that we write
func (w *Writer) AddFileHook(h FileHook) {
	w.hooks = append(w.hooks, h)
}

// Open selects the run directory, which is cached for the rest of the run.
// If resume is enabled, and the most recent run with our base name is unfinished,
// then that run is continued, and its resume point is returned.
// Otherwise a fresh directory is allocated, and the returned ResumePoint is nil.
func (w *Writer) Open() (*ResumePoint, error) {
	if w.dir != "" {
		return w.resume, nil
	}
	if w.options.Resume {
		rp, err := FindResumePoint(w.log, w.options.Root, w.options.BaseName, w.options.MaxDirectorySuffix, w.options.ResumeOptions)
		if err != nil {
			return nil, err
		}
		if rp != nil && rp.Finished {
			w.log.Infof("Previous run %v is finished, starting a new one", rp.Dir)
		} else if rp != nil {
			if err := w.discardIncomplete(rp); err != nil {
				return nil, err
			}
			w.dir = rp.Dir
			w.resume = rp
			w.framesWritten = rp.Frames
			w.imagesWritten = rp.Images
			for i := 0; i <= rp.LastCompleteSequence; i++ {
				w.sequences[i] = true
			}
			w.log.Infof("Resuming %v at sequence %v (%v frames already written)", rp.Dir, rp.NextSequence(), rp.Frames)
			return rp, nil
		}
	}
	dir, err := AllocateDirectory(w.options.Root, w.options.BaseName, w.options.MaxDirectorySuffix)
	if err != nil {
		return nil, err
	}
	w.dir = dir
	w.log.Infof("Writing to %v", dir)
	return nil, nil
}

// Remove sequences after the resume point, so that stale steps don't survive into the new run
func (w *Writer) discardIncomplete(rp *ResumePoint) error {
	entries, err := os.ReadDir(rp.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var seq int
		if !e.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(e.Name(), "sequence.%d", &seq); err != nil || e.Name() != SequenceDirName(seq) {
			continue
		}
		if seq > rp.LastCompleteSequence {
			if err := os.RemoveAll(filepath.Join(rp.Dir, e.Name())); err != nil {
				return fmt.Errorf("Failed to discard incomplete %v: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// Dir returns the run directory, or an empty string if it has not been chosen yet
func (w *Writer) Dir() string {
	return w.dir
}

func (w *Writer) BaseName() string {
	return w.options.BaseName
}

// SetStepsPerSequence tells resume validation how many steps a complete sequence holds.
// Call this before Open.
func (w *Writer) SetStepsPerSequence(n int) {
	w.options.ResumeOptions.StepsPerSequence = n
}

// NextSequence returns the first sequence index that has not been written
func (w *Writer) NextSequence() int {
	next := 0
	for seq := range w.sequences {
		next = max(next, seq+1)
	}
	return next
}

func (w *Writer) FramesWritten() int64 {
	return w.framesWritten
}

func (w *Writer) ImagesWritten() int64 {
	return w.imagesWritten
}

// WriteStep writes the images of a step, and then the step document.
// The images are attached to the capture with ID captureID (or the first capture, if
// captureID is empty). Images are written first, so a step document never refers to an
// image that isn't on disk.
func (w *Writer) WriteStep(data *FrameData, captureID string, images []Image) error {
	if w.completed {
		return ErrRunCompleted
	}
	if _, err := w.Open(); err != nil {
		return err
	}
	if data.Sequence < 0 || data.Step < 0 {
		return fmt.Errorf("Invalid sequence/step %v/%v", data.Sequence, data.Step)
	}
	data.Version = FormatVersion

	var capture *Capture
	if len(images) != 0 {
		for i := range data.Captures {
			if captureID == "" || data.Captures[i].ID == captureID {
				capture = &data.Captures[i]
				break
			}
		}
		if capture == nil {
			return fmt.Errorf("%w: '%v'", ErrUnknownCapture, captureID)
		}
	}

	seqName := SequenceDirName(data.Sequence)
	for i := range images {
		img := &images[i]
		if err := ValidateBaseName(img.Channel); err != nil {
			return fmt.Errorf("Invalid image channel: %w", err)
		}
		enc, err := img.encode(w.options.JPEGQuality)
		if err != nil {
			return fmt.Errorf("Channel %v: %w", img.Channel, err)
		}
		name := ImageFileName(data.Step, img.Channel, enc.ext)
		if err := w.writeFile(path.Join(seqName, name), enc.data, FileKindImage, data.Sequence, data.Step); err != nil {
			return err
		}
		w.imagesWritten++
		capture.Images = append(capture.Images, ImageRef{
			Channel:  img.Channel,
			FileName: name,
			Format:   enc.format,
			Width:    enc.width,
			Height:   enc.height,
		})
	}

	raw, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return fmt.Errorf("Failed to encode %v: %w", StepFileName(data.Step), err)
	}
	if err := w.writeFile(path.Join(seqName, StepFileName(data.Step)), raw, FileKindStep, data.Sequence, data.Step); err != nil {
		return err
	}
	w.framesWritten++
	w.sequences[data.Sequence] = true
	return nil
}

// Complete writes the definition documents and metadata.json.
// If no frames were written, nothing is written.
func (w *Writer) Complete(defs Definitions) error {
	if w.completed {
		return ErrRunCompleted
	}
	w.completed = true
	if w.framesWritten == 0 {
		w.log.Infof("No frames were written, so there is nothing to complete")
		return nil
	}

	docDir := ""
	if w.options.MetadataSubdir {
		docDir = MetadataSubdir
	}

	docs := []struct {
		name string
		doc  any
	}{
		{AnnotationDefinitionsFile, &annotationDefinitionsDoc{FormatVersion, nonNil(defs.Annotations)}},
		{MetricDefinitionsFile, &metricDefinitionsDoc{FormatVersion, nonNil(defs.Metrics)}},
		{SensorDefinitionsFile, &sensorDefinitionsDoc{FormatVersion, nonNil(defs.Sensors)}},
		// metadata.json goes last, so that a run with metadata.json is almost certainly finished
		{MetadataFile, &Metadata{
			Version:        FormatVersion,
			BaseName:       w.options.BaseName,
			Directory:      filepath.Base(w.dir),
			StartedAt:      w.startedAt,
			CompletedAt:    time.Now().UTC(),
			TotalFrames:    w.framesWritten,
			TotalSequences: len(w.sequences),
			ImageCount:     w.imagesWritten,
			Resumed:        w.resume != nil,
			Extra:          defs.Extra,
		}},
	}
	for _, d := range docs {
		raw, err := json.MarshalIndent(d.doc, "", "\t")
		if err != nil {
			return fmt.Errorf("Failed to encode %v: %w", d.name, err)
		}
		if err := w.writeFile(path.Join(docDir, d.name), raw, FileKindDefinition, -1, -1); err != nil {
			return err
		}
	}
	w.log.Infof("Run complete: %v frames in %v sequences", w.framesWritten, len(w.sequences))
	return nil
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

func (w *Writer) writeFile(relPath string, data []byte, kind FileKind, sequence, step int) error {
	if err := iox.WriteFileAtomic(filepath.Join(w.dir, filepath.FromSlash(relPath)), data); err != nil {
		return fmt.Errorf("Failed to write %v: %w", relPath, err)
	}
	f := WrittenFile{
		RunDir:   w.dir,
		Path:     relPath,
		Kind:     kind,
		Size:     int64(len(data)),
		Sequence: sequence,
		Step:     step,
	}
	for _, h := range w.hooks {
		if err := h.FileWritten(f); err != nil && time.Since(w.lastErrAt) > 15*time.Second {
			w.log.Errorf("File hook failed on %v: %v", relPath, err)
			w.lastErrAt = time.Now()
		}
	}
	return nil
}
