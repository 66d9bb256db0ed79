// Package visibility measures how much of every labeled object is visible to the camera.
//
// For every instance on every frame, we measure three weights:
//
//	inFrame     The instance rendered alone, through the production camera.
//	outOfFrame  The instance rendered alone, onto the six faces of a cube map centered on
//	            the camera, excluding the part of the cube that the camera itself sees.
//	visible     The pixels of the composited frame that the instance actually occupies.
//
// The three weights come back from the device on different, later frames. They are
// joined by origin frame in a frameresult.Registry, and once all three have arrived, the
// ratios are computed and the frame's Future is resolved.
package visibility

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/groundtruth/pkg/capture"
	"github.com/cyclopcam/groundtruth/pkg/frameresult"
	"github.com/cyclopcam/groundtruth/pkg/gen"
	"github.com/cyclopcam/groundtruth/pkg/perfstats"
	"github.com/cyclopcam/groundtruth/pkg/projection"
	"github.com/cyclopcam/logs"
)

const (
	ConcernInFrame    frameresult.Concern = "inFrame"
	ConcernOutOfFrame frameresult.Concern = "outOfFrame"
	ConcernVisible    frameresult.Concern = "visible"
)

var allConcerns = []frameresult.Concern{ConcernInFrame, ConcernOutOfFrame, ConcernVisible}

var ErrMissingObjectRegistry = errors.New("Visibility requires an object registry")
var ErrMissingSceneCapture = errors.New("Visibility requires a scene capture")
var ErrMissingDevice = errors.New("Visibility requires a device")
var ErrFrameAlreadyStarted = errors.New("Visibility was already started for this frame")

// Options for the visibility engine
type Options struct {
	// Resolution of each cube face. Higher is more accurate, and more expensive.
	FaceResolution int `json:"faceResolution"`

	// Work that has not completed after this many frames is dropped, and the frame's
	// result fails with frameresult.ErrExpired. Zero disables expiry.
	MaxPendingFrames int64 `json:"maxPendingFrames"`
}

func DefaultOptions() Options {
	return Options{
		FaceResolution:   64,
		MaxPendingFrames: frameresult.DefaultMaxPendingFrames,
	}
}

// Listener receives the metrics of every frame, synchronously, as soon as they are known
type Listener func(frame int64, metrics []Metric)

// Engine computes per-instance visibility metrics, one frame at a time.
// Engine is not safe for use from multiple goroutines. BeginFrame, and all device
// completions, must run on the coordination goroutine.
type Engine struct {
	log     logs.Log
	objects capture.ObjectRegistry
	scene   capture.SceneCapture
	device  capture.Device
	weights *projection.WeightCache
	options Options

	pending   *frameresult.Registry[Weights]
	futures   map[int64]*frameresult.Future[[]Metric]
	listeners []Listener
	frame     int64 // Most recent frame passed to BeginFrame
	started   bool  // BeginFrame has been called at least once

	// Scratch render targets. Cleared before every isolated render.
	cameraMask *capture.Mask
	faceMask   *capture.Mask

	lastErrAt      time.Time
	inFrameTime    perfstats.TimeAccumulator
	outOfFrameTime perfstats.TimeAccumulator
	framesDone     int64
	fastPaths      int64
}

// Create a new visibility engine.
// Missing collaborators, or a camera that we can't measure, are configuration errors.
// The caller is expected to log the error and carry on without visibility metrics.
func NewEngine(log logs.Log, objects capture.ObjectRegistry, scene capture.SceneCapture, device capture.Device, weights *projection.WeightCache, options Options) (*Engine, error) {
	if objects == nil {
		return nil, ErrMissingObjectRegistry
	}
	if scene == nil {
		return nil, ErrMissingSceneCapture
	}
	if device == nil {
		return nil, ErrMissingDevice
	}
	cam, err := scene.Camera()
	if err != nil {
		return nil, fmt.Errorf("Failed to read camera: %w", err)
	}
	if err := cam.Validate(); err != nil {
		return nil, err
	}
	if options.FaceResolution <= 0 {
		return nil, fmt.Errorf("Invalid cube face resolution %v", options.FaceResolution)
	}
	if weights == nil {
		weights = projection.NewWeightCache()
	}
	e := &Engine{
		log:        logs.NewPrefixLogger(log, "Visibility:"),
		objects:    objects,
		scene:      scene,
		device:     device,
		weights:    weights,
		options:    options,
		pending:    frameresult.NewRegistry[Weights](options.MaxPendingFrames),
		futures:    map[int64]*frameresult.Future[[]Metric]{},
		cameraMask: capture.NewMask(cam.Width, cam.Height),
		faceMask:   capture.NewMask(options.FaceResolution, options.FaceResolution),
	}
	// Build the weight maps now, instead of on the first frame
	weights.Get(&cam, options.FaceResolution)
	e.log.Infof("Camera %v x %v, %.1f degrees. Cube face resolution %v", cam.Width, cam.Height, cam.VerticalFOV, options.FaceResolution)
	return e, nil
}

// AddListener registers a function that is called synchronously with every frame's metrics
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// BeginFrame issues the render passes and the id buffer readback for 'frame'.
// The returned future is resolved on a later frame, once all device work has completed.
// If there are no eligible instances, the future is resolved immediately with an empty
// list, and no render work is issued.
func (e *Engine) BeginFrame(frame int64) *frameresult.Future[[]Metric] {
	if existing, ok := e.futures[frame]; ok {
		e.log.Errorf("BeginFrame called twice for frame %v", frame)
		return existing
	}
	if e.started && frame <= e.frame {
		// The frame has already been reported (or we've gone backwards), and must not be reported again
		e.log.Errorf("BeginFrame called for frame %v, but frame %v has already started", frame, e.frame)
		future := frameresult.NewFuture[[]Metric](frame)
		future.Fail(fmt.Errorf("%w: %v", ErrFrameAlreadyStarted, frame))
		return future
	}
	e.started = true
	e.frame = frame
	e.expire(frame)

	instances := e.eligibleInstances()
	if len(instances) == 0 {
		e.fastPaths++
		metrics := []Metric{}
		e.notify(frame, metrics)
		return frameresult.Resolved(frame, metrics)
	}

	future := frameresult.NewFuture[[]Metric](frame)

	cam, err := e.scene.Camera()
	if err == nil {
		err = cam.Validate()
	}
	if err != nil {
		e.logRateLimited("Frame %v: camera unusable: %v", frame, err)
		future.Fail(err)
		return future
	}

	for _, c := range allConcerns {
		if err := e.pending.Register(frameresult.Key{Frame: frame, Concern: c}); err != nil {
			// Only possible if somebody else registered our keys, which would be a bug
			e.log.Errorf("%v", err)
			e.pending.Drop(frame)
			future.Fail(fmt.Errorf("%w: %v", ErrFrameAlreadyStarted, frame))
			return future
		}
	}
	e.futures[frame] = future

	weights := e.weights.Get(&cam, e.options.FaceResolution)
	e.ensureScratch(&cam)

	// The order of issue is fixed: in-frame, out-of-frame, id buffer.
	inFrame := e.renderInFrame(frame, &cam, weights, instances)
	e.device.Submit(frame, func() {
		e.deliver(frame, ConcernInFrame, inFrame)
	})

	outOfFrame := e.renderOutOfFrame(frame, weights, instances, inFrame)
	e.device.Submit(frame, func() {
		e.deliver(frame, ConcernOutOfFrame, outOfFrame)
	})

	camWeights := weights.Camera
	e.scene.RequestIDBuffer(frame, func(origin int64, buf *capture.IDBuffer, err error) {
		if err == nil && (buf.Width != camWeights.Width || buf.Height != camWeights.Height) {
			err = fmt.Errorf("ID buffer is %v x %v, but camera is %v x %v", buf.Width, buf.Height, camWeights.Width, camWeights.Height)
		}
		if err != nil {
			e.abandon(origin, fmt.Errorf("ID buffer readback failed: %w", err))
			return
		}
		e.deliver(origin, ConcernVisible, visibleWeights(camWeights, buf))
	})

	return future
}

// Pending returns the number of frames whose results have not yet been reported
func (e *Engine) Pending() int {
	return len(e.futures)
}

// Stats about the engine's work so far
type Stats struct {
	FramesDone     int64
	FastPaths      int64
	PendingFrames  int
	Registry       frameresult.Stats
	InFrameTime    perfstats.TimeAccumulator
	OutOfFrameTime perfstats.TimeAccumulator
}

func (e *Engine) Stats() Stats {
	return Stats{
		FramesDone:     e.framesDone,
		FastPaths:      e.fastPaths,
		PendingFrames:  len(e.futures),
		Registry:       e.pending.Stats(),
		InFrameTime:    e.inFrameTime,
		OutOfFrameTime: e.outOfFrameTime,
	}
}

// Snapshot of all labeled instances that have something to render
func (e *Engine) eligibleInstances() []capture.InstanceID {
	all := e.objects.Instances()
	ids := make([]capture.InstanceID, 0, len(all))
	for _, inst := range all {
		if e.objects.HasSurface(inst.ID) {
			ids = append(ids, inst.ID)
		}
	}
	return ids
}

func (e *Engine) ensureScratch(cam *projection.Camera) {
	if e.cameraMask.Width != cam.Width || e.cameraMask.Height != cam.Height {
		e.cameraMask = capture.NewMask(cam.Width, cam.Height)
	}
}

// Render every instance alone through the production camera, and sum its pixel weights.
// The result has an entry for every instance that rendered successfully, even if its weight is zero.
func (e *Engine) renderInFrame(frame int64, cam *projection.Camera, weights *projection.WeightSet, instances []capture.InstanceID) Weights {
	start := time.Now()
	defer e.inFrameTime.Since(start)

	view := cam.View()
	out := make(Weights, len(instances))
	for _, id := range instances {
		e.cameraMask.Clear()
		if err := e.scene.RenderIsolated(view, id, e.cameraMask); err != nil {
			// Skip this instance for this frame, rather than reporting a bogus zero
			e.logRateLimited("Frame %v: in-frame render of instance %v failed: %v", frame, id, err)
			continue
		}
		out[id] = weightedSum(weights.Camera, e.cameraMask)
	}
	return out
}

// Render every instance alone onto the six cube faces, and sum its pixel weights outside of
// the camera's field of view. Only instances that survived the in-frame pass are rendered.
func (e *Engine) renderOutOfFrame(frame int64, weights *projection.WeightSet, instances []capture.InstanceID, inFrame Weights) Weights {
	start := time.Now()
	defer e.outOfFrameTime.Since(start)

	out := make(Weights, len(inFrame))
	failed := map[capture.InstanceID]bool{}
	for face := projection.Face(0); face < projection.NumFaces; face++ {
		faceWeights := weights.Faces[face]
		if weights.FaceEmpty[face] {
			// The camera sees all of this face (eg the forward face of a wide camera)
			continue
		}
		view := projection.FaceView(face, e.options.FaceResolution)
		for _, id := range instances {
			if _, ok := inFrame[id]; !ok || failed[id] {
				continue
			}
			e.faceMask.Clear()
			if err := e.scene.RenderIsolated(view, id, e.faceMask); err != nil {
				e.logRateLimited("Frame %v: %v face render of instance %v failed: %v", frame, face, id, err)
				failed[id] = true
				continue
			}
			out[id] += weightedSum(faceWeights, e.faceMask)
		}
	}
	for id := range failed {
		// An instance with a partial out-of-frame weight would overstate its visibility
		delete(inFrame, id)
		delete(out, id)
	}
	return out
}

// Store the payload of one concern, and complete the frame if everything has arrived
func (e *Engine) deliver(frame int64, concern frameresult.Concern, w Weights) {
	if err := e.pending.Deliver(frameresult.Key{Frame: frame, Concern: concern}, w, e.frame); err != nil {
		// Typically a frame that already expired
		e.logRateLimited("Dropping %v result of frame %v: %v", concern, frame, err)
		return
	}
	values, ok := e.pending.TryConsumeAll(frame, allConcerns...)
	if !ok {
		return
	}
	metrics := ComputeMetrics(values[ConcernInFrame], values[ConcernOutOfFrame], values[ConcernVisible])
	future := e.futures[frame]
	delete(e.futures, frame)
	e.framesDone++
	e.notify(frame, metrics)
	if future != nil {
		future.Resolve(metrics)
	}
}

// Give up on a frame, releasing everything that is held for it
func (e *Engine) abandon(frame int64, err error) {
	e.pending.Drop(frame)
	e.logRateLimited("Frame %v abandoned: %v", frame, err)
	if future, ok := e.futures[frame]; ok {
		delete(e.futures, frame)
		future.Fail(err)
	}
}

// Drop work that has been pending for too long
func (e *Engine) expire(frame int64) {
	dropped := e.pending.Expire(frame)
	if len(dropped) == 0 {
		return
	}
	frames := map[int64]bool{}
	for _, k := range dropped {
		frames[k.Frame] = true
	}
	for _, f := range gen.SortedKeys(frames) {
		// Remaining concerns of the frame (if any) may have been delivered already
		e.pending.Drop(f)
		if future, ok := e.futures[f]; ok {
			delete(e.futures, f)
			future.Fail(frameresult.ErrExpired)
		}
	}
	e.log.Warnf("Expired %v pending results, from %v frames (device work never completed)", len(dropped), len(frames))
}

func (e *Engine) notify(frame int64, metrics []Metric) {
	for _, l := range e.listeners {
		l(frame, metrics)
	}
}

func (e *Engine) logRateLimited(format string, args ...any) {
	if time.Since(e.lastErrAt) > 15*time.Second {
		e.log.Errorf(format, args...)
		e.lastErrAt = time.Now()
	}
}
