// Package capture defines what the ground-truth pipeline needs from the scene and the renderer.
// The real implementations live outside this module (the render pipeline and the label registry).
// See the simcapture package for a software implementation.
package capture

import (
	"math"

	"github.com/cyclopcam/groundtruth/pkg/projection"
)

// InstanceID is a stable id, assigned once per logical scene object
type InstanceID uint32

// NoInstance marks a pixel that is not covered by any labeled object
const NoInstance InstanceID = math.MaxUint32

// Instance is a labeled object in the scene
type Instance struct {
	ID        InstanceID
	LabelID   int
	LabelName string
}

// ObjectRegistry enumerates labeled objects
type ObjectRegistry interface {
	// Instances returns every currently labeled instance, ordered by ID
	Instances() []Instance

	// HasSurface returns false if the instance has nothing to render (eg no mesh)
	HasSurface(id InstanceID) bool
}

// SceneCapture renders the scene on behalf of the ground-truth pipeline
type SceneCapture interface {
	// Camera returns the parameters of the production camera for the current frame
	Camera() (projection.Camera, error)

	// RenderIsolated draws only the given instance into dst, using 'view' (which shares
	// the production camera's position). Every pixel covered by the instance is set.
	// dst has already been cleared by the caller, and is the size of the view.
	RenderIsolated(view projection.View, id InstanceID, dst *Mask) error

	// RequestIDBuffer asks for a readback of the per-pixel instance id buffer of the
	// composited frame. done runs on the coordination goroutine on some later frame,
	// and receives the frame on which the request was made.
	RequestIDBuffer(frame int64, done func(frame int64, buf *IDBuffer, err error))
}

// Device completes asynchronous device work.
// Submit queues work that was issued on 'frame'. complete runs on the coordination
// goroutine once the device has finished, which is always on a later frame.
// Work can not be cancelled once it has been submitted.
type Device interface {
	Submit(frame int64, complete func())
}

// Mask is a single-channel coverage surface, used as a scratch render target
type Mask struct {
	Width  int
	Height int
	Pixels []byte // Row-major. Non-zero = covered.
}

func NewMask(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Pixels: make([]byte, width*height),
	}
}

func (m *Mask) Clear() {
	clear(m.Pixels)
}

func (m *Mask) Set(x, y int) {
	m.Pixels[y*m.Width+x] = 1
}

func (m *Mask) IsSet(x, y int) bool {
	return m.Pixels[y*m.Width+x] != 0
}

// Count returns the number of covered pixels
func (m *Mask) Count() int {
	n := 0
	for _, p := range m.Pixels {
		if p != 0 {
			n++
		}
	}
	return n
}

// IDBuffer holds the instance id that is visible at every pixel of the composited frame
type IDBuffer struct {
	Width  int
	Height int
	IDs    []InstanceID // Row-major. NoInstance where no labeled object is visible.
}

func NewIDBuffer(width, height int) *IDBuffer {
	b := &IDBuffer{
		Width:  width,
		Height: height,
		IDs:    make([]InstanceID, width*height),
	}
	for i := range b.IDs {
		b.IDs[i] = NoInstance
	}
	return b
}

func (b *IDBuffer) At(x, y int) InstanceID {
	return b.IDs[y*b.Width+x]
}
