// Package pipeline drives a dataset run. It ticks frames, feeds the visibility engine,
// and writes every step once the step's visibility metrics have come back from the device.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/groundtruth/pkg/dataset"
	"github.com/cyclopcam/groundtruth/pkg/gen"
	"github.com/cyclopcam/groundtruth/pkg/manifest"
	"github.com/cyclopcam/groundtruth/pkg/upload"
	"github.com/cyclopcam/groundtruth/pkg/visibility"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

// OcclusionMetricID is the definition ID of the visibility metric in step documents
const OcclusionMetricID = "occlusion"

var ErrInvalidOptions = errors.New("Invalid pipeline options")

// Options of a run
type Options struct {
	Sequences        int     `json:"sequences"`
	StepsPerSequence int     `json:"stepsPerSequence"`
	FramesPerStep    int     `json:"framesPerStep"` // A step is captured on the first frame of every FramesPerStep frames
	FrameRate        float64 `json:"frameRate"`     // Frames per second of simulated time, for step timestamps

	// At the end of a run, we keep ticking for up to this many frames, waiting for outstanding
	// metrics. Steps that are still waiting after that are written without metrics.
	DrainFrames int64 `json:"drainFrames"`
}

func DefaultOptions() Options {
	return Options{
		Sequences:        10,
		StepsPerSequence: 20,
		FramesPerStep:    4,
		FrameRate:        30,
		DrainFrames:      300,
	}
}

func (o *Options) Validate() error {
	if o.Sequences <= 0 || o.StepsPerSequence <= 0 || o.FramesPerStep <= 0 {
		return fmt.Errorf("%w: sequences %v, steps %v, frames per step %v", ErrInvalidOptions, o.Sequences, o.StepsPerSequence, o.FramesPerStep)
	}
	if o.FrameRate <= 0 {
		return fmt.Errorf("%w: frame rate %v", ErrInvalidOptions, o.FrameRate)
	}
	return nil
}

// Ticker is the device whose queued work completes as frames advance
type Ticker interface {
	Tick(frame int64) int
	InFlight() int
}

// Result of a run
type Result struct {
	Dir                 string
	Resumed             bool
	FirstSequence       int   // First sequence that this run wrote
	StepsWritten        int64 // Steps written by this run, excluding those of a resumed predecessor
	StepsWithoutMetrics int64
	Completed           bool
}

// A captured step, waiting for its metrics
type pendingStep struct {
	data    *dataset.FrameData
	capture string
	images  []dataset.Image
	written bool
}

// Pipeline runs a single dataset run. All of its work, including the writing of steps,
// happens on the goroutine that calls Run.
type Pipeline struct {
	// Optional collaborators. Set these before calling Run.
	Engine   *visibility.Engine // If nil, steps are written without visibility metrics
	Manifest *manifest.Manifest
	Uploader *upload.Uploader

	log     logs.Log
	options Options
	source  Source
	device  Ticker
	writer  *dataset.Writer

	waiting   map[int64]*pendingStep // Key is the capture frame
	result    Result
	writeErr  error
	lastErrAt time.Time
}

func New(log logs.Log, options Options, source Source, device Ticker, writer *dataset.Writer) (*Pipeline, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if source == nil || device == nil || writer == nil {
		return nil, fmt.Errorf("%w: source, device, and writer are required", ErrInvalidOptions)
	}
	writer.SetStepsPerSequence(options.StepsPerSequence)
	return &Pipeline{
		log:     logs.NewPrefixLogger(log, "Pipeline:"),
		options: options,
		source:  source,
		device:  device,
		writer:  writer,
		waiting: map[int64]*pendingStep{},
	}, nil
}

// Frame number of the first frame of a step
func (p *Pipeline) stepFrame(sequence, step int) int64 {
	return (int64(sequence)*int64(p.options.StepsPerSequence) + int64(step)) * int64(p.options.FramesPerStep)
}

// Run produces all of the sequences that the dataset doesn't have yet, and then completes the run.
// If ctx is cancelled, Run returns ctx.Err() without completing, so that the next run can resume.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if p.Manifest != nil {
		p.writer.AddFileHook(p.Manifest)
	}
	rp, err := p.writer.Open()
	if err != nil {
		return nil, err
	}
	dir := p.writer.Dir()
	first := p.writer.NextSequence()
	p.result = Result{
		Dir:           dir,
		Resumed:       rp != nil,
		FirstSequence: first,
	}
	if p.Manifest != nil {
		if rp != nil {
			if err := p.Manifest.ForgetSequencesAfter(dir, rp.LastCompleteSequence); err != nil {
				p.log.Errorf("Failed to update manifest: %v", err)
			}
		}
		if _, err := p.Manifest.BeginRun(dir, p.writer.BaseName(), rp != nil); err != nil {
			p.log.Errorf("Failed to record run in manifest: %v", err)
		}
	}
	if first >= p.options.Sequences {
		p.log.Infof("All %v sequences were already written", p.options.Sequences)
	}

	frame := int64(0)
	for seq := first; seq < p.options.Sequences; seq++ {
		if err := p.source.BeginSequence(seq); err != nil {
			return &p.result, fmt.Errorf("Failed to start sequence %v: %w", seq, err)
		}
		for step := 0; step < p.options.StepsPerSequence; step++ {
			if err := ctx.Err(); err != nil {
				return &p.result, err
			}
			for i := 0; i < p.options.FramesPerStep; i++ {
				frame = p.stepFrame(seq, step) + int64(i)
				if err := p.tick(frame); err != nil {
					return &p.result, err
				}
				if i == 0 {
					if err := p.captureStep(frame, seq, step); err != nil {
						return &p.result, err
					}
				}
			}
		}
		p.logStats(seq)
	}

	if err := p.drain(ctx, frame); err != nil {
		return &p.result, err
	}

	if err := p.writer.Complete(p.definitions()); err != nil {
		return &p.result, err
	}
	p.result.Completed = true
	if p.writer.FramesWritten() == 0 {
		return &p.result, nil
	}
	if p.Manifest != nil {
		if err := p.Manifest.CompleteRun(dir, p.writer.FramesWritten()); err != nil {
			p.log.Errorf("Failed to complete run in manifest: %v", err)
		}
	}
	if p.Uploader != nil {
		p.Uploader.Enqueue(dir)
	}
	return &p.result, nil
}

// Advance the device and the scene to 'frame'. Device completions may write steps.
func (p *Pipeline) tick(frame int64) error {
	p.device.Tick(frame)
	if p.writeErr != nil {
		return p.writeErr
	}
	return p.source.Advance(frame)
}

func (p *Pipeline) captureStep(frame int64, seq, step int) error {
	c, images, err := p.source.Capture(frame)
	if err != nil {
		return fmt.Errorf("Capture failed on frame %v: %w", frame, err)
	}
	ps := &pendingStep{
		data: &dataset.FrameData{
			Sequence:  seq,
			Step:      step,
			Frame:     frame,
			Timestamp: float64(step*p.options.FramesPerStep) / p.options.FrameRate,
			Captures:  []dataset.Capture{c},
		},
		capture: c.ID,
		images:  images,
	}
	if p.Engine == nil {
		return p.writeStep(ps)
	}
	p.waiting[frame] = ps
	future := p.Engine.BeginFrame(frame)
	future.OnDone(func(frame int64, metrics []visibility.Metric, err error) {
		if err != nil {
			p.logRateLimited("Frame %v has no visibility metrics: %v", frame, err)
		} else {
			ps.data.Metrics = append(ps.data.Metrics, dataset.MetricValue{
				ID:           uuid.NewString(),
				DefinitionID: OcclusionMetricID,
				SensorID:     c.SensorID,
				Values:       metrics,
			})
		}
		delete(p.waiting, frame)
		if werr := p.writeStep(ps); werr != nil && p.writeErr == nil {
			p.writeErr = werr
		}
	})
	return p.writeErr
}

func (p *Pipeline) writeStep(ps *pendingStep) error {
	if ps.written {
		return nil
	}
	ps.written = true
	if len(ps.data.Metrics) == 0 && p.Engine != nil {
		p.result.StepsWithoutMetrics++
	}
	if err := p.writer.WriteStep(ps.data, ps.capture, ps.images); err != nil {
		return err
	}
	p.result.StepsWritten++
	return nil
}

// Keep ticking until every captured step has been written, or we run out of patience
func (p *Pipeline) drain(ctx context.Context, lastFrame int64) error {
	frame := lastFrame
	for len(p.waiting) != 0 && frame-lastFrame < p.options.DrainFrames {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame++
		p.device.Tick(frame)
		if p.writeErr != nil {
			return p.writeErr
		}
	}
	if len(p.waiting) != 0 {
		p.log.Warnf("%v steps are still waiting for metrics after %v frames. Writing them without metrics.", len(p.waiting), frame-lastFrame)
		// Write in frame order, so that sequences fill up in order
		for _, f := range gen.SortedKeys(p.waiting) {
			if err := p.writeStep(p.waiting[f]); err != nil {
				return err
			}
			delete(p.waiting, f)
		}
	}
	return nil
}

func (p *Pipeline) logStats(seq int) {
	if p.Engine == nil {
		p.log.Infof("Sequence %v done. %v steps written", seq, p.result.StepsWritten)
		return
	}
	s := p.Engine.Stats()
	p.log.Infof("Sequence %v done. %v steps written, %v frames pending, %v expired, latency %.1f frames (max %.0f), in-frame %v, out-of-frame %v",
		seq, p.result.StepsWritten, s.PendingFrames, s.Registry.Expired, s.Registry.Latency.Average(), s.Registry.Latency.Max,
		s.InFrameTime.String(), s.OutOfFrameTime.String())
}

func (p *Pipeline) definitions() dataset.Definitions {
	return dataset.Definitions{
		Annotations: []dataset.AnnotationDefinition{
			{
				ID:          SegmentationAnnotationID,
				Description: "Instance segmentation. Each pixel of the segmentation image holds the instance ID, or zero.",
				Spec: []map[string]any{
					{"field": "instanceId", "type": "uint32"},
					{"field": "labelId", "type": "int"},
					{"field": "labelName", "type": "string"},
					{"field": "pixelValue", "type": "uint8"},
				},
			},
		},
		Metrics: []dataset.MetricDefinition{
			{
				ID:          OcclusionMetricID,
				Description: "Fraction of each labeled object that is visible, and that lies inside the camera frustum",
				Spec: []map[string]any{
					{"field": "instanceId", "type": "uint32"},
					{"field": "percentVisible", "type": "float", "range": "[0,1]"},
					{"field": "percentInFrame", "type": "float", "range": "[0,1]"},
					{"field": "visibilityInFrame", "type": "float", "range": "[0,1]", "optional": true},
				},
			},
		},
		Sensors: []dataset.SensorDefinition{p.source.Sensor()},
		Extra: map[string]any{
			"sequences":        p.options.Sequences,
			"stepsPerSequence": p.options.StepsPerSequence,
			"framesPerStep":    p.options.FramesPerStep,
		},
	}
}

func (p *Pipeline) logRateLimited(format string, args ...any) {
	if time.Since(p.lastErrAt) > 15*time.Second {
		p.log.Warnf(format, args...)
		p.lastErrAt = time.Now()
	}
}
