// Package simcapture is a software implementation of the capture interfaces.
// The scene is a set of spheres, rendered by casting one ray per pixel.
// It exists so that the pipeline can run (and be tested) without a GPU.
package simcapture

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
	"github.com/chewxy/math32"
	"github.com/cyclopcam/groundtruth/pkg/capture"
	"github.com/cyclopcam/groundtruth/pkg/projection"
)

var ErrUnknownInstance = errors.New("Unknown instance")
var ErrDuplicateInstance = errors.New("Instance already exists")

// Sphere is a labeled object in the simulated scene
type Sphere struct {
	Instance  capture.Instance
	Center    projection.Vec3
	Radius    float32
	NoSurface bool // Simulates an object without a mesh
}

// Scene is a simulated scene, which implements capture.ObjectRegistry and capture.SceneCapture.
// Scene is not safe for use from multiple goroutines.
type Scene struct {
	Cam          projection.Camera
	Device       *Device
	Initializers capture.Initializers
	FailIDBuffer bool // Simulate an aborted id buffer readback

	objects      map[capture.InstanceID]*Sphere
	segmentation map[capture.InstanceID]capture.InstanceID // Value written into the id buffer, set by an initializer
	renderCount  int
}

// Create a new scene, with the given camera, whose readbacks complete on 'device'
func NewScene(cam projection.Camera, device *Device) *Scene {
	s := &Scene{
		Cam:          cam,
		Device:       device,
		objects:      map[capture.InstanceID]*Sphere{},
		segmentation: map[capture.InstanceID]capture.InstanceID{},
	}
	// The first initializer assigns the value that the segmentation pass writes for each instance
	s.Initializers.Add(capture.InitializerFunc(func(inst capture.Instance) error {
		s.segmentation[inst.ID] = inst.ID
		return nil
	}))
	return s
}

// Add an object to the scene, running every initializer on it
func (s *Scene) Add(obj Sphere) error {
	if _, ok := s.objects[obj.Instance.ID]; ok {
		return fmt.Errorf("%w: %v", ErrDuplicateInstance, obj.Instance.ID)
	}
	if err := s.Initializers.Run(obj.Instance); err != nil {
		return err
	}
	o := obj
	s.objects[obj.Instance.ID] = &o
	return nil
}

// Remove an object from the scene
func (s *Scene) Remove(id capture.InstanceID) {
	delete(s.objects, id)
	delete(s.segmentation, id)
}

// Move an object
func (s *Scene) Move(id capture.InstanceID, center projection.Vec3) error {
	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownInstance, id)
	}
	obj.Center = center
	return nil
}

// Clear removes every object
func (s *Scene) Clear() {
	s.objects = map[capture.InstanceID]*Sphere{}
	s.segmentation = map[capture.InstanceID]capture.InstanceID{}
}

// RenderCount returns the number of isolated renders performed so far
func (s *Scene) RenderCount() int {
	return s.renderCount
}

func (s *Scene) Instances() []capture.Instance {
	list := make([]capture.Instance, 0, len(s.objects))
	for _, obj := range s.objects {
		list = append(list, obj.Instance)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	return list
}

func (s *Scene) HasSurface(id capture.InstanceID) bool {
	obj, ok := s.objects[id]
	return ok && !obj.NoSurface && obj.Radius > 0
}

func (s *Scene) Camera() (projection.Camera, error) {
	return s.Cam, nil
}

func (s *Scene) RenderIsolated(view projection.View, id capture.InstanceID, dst *capture.Mask) error {
	obj, ok := s.objects[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownInstance, id)
	}
	if dst.Width != view.Width || dst.Height != view.Height {
		return fmt.Errorf("Render target is %v x %v, but view is %v x %v", dst.Width, dst.Height, view.Width, view.Height)
	}
	s.renderCount++
	worldFromView := s.Cam.Rotation.Mul(view.Rotation)
	for y := 0; y < view.Height; y++ {
		for x := 0; x < view.Width; x++ {
			dir := worldFromView.MulVec(view.PixelDirection(x, y)).Normalized()
			if _, hit := intersectSphere(s.Cam.Position, dir, obj.Center, obj.Radius); hit {
				dst.Set(x, y)
			}
		}
	}
	return nil
}

// RequestIDBuffer renders the id buffer of the scene as it is right now, and delivers it
// when the device completes the readback.
func (s *Scene) RequestIDBuffer(frame int64, done func(frame int64, buf *capture.IDBuffer, err error)) {
	if s.FailIDBuffer {
		s.Device.Submit(frame, func() {
			done(frame, nil, errors.New("Simulated readback failure"))
		})
		return
	}
	buf := s.RenderIDBuffer()
	s.Device.Submit(frame, func() {
		done(frame, buf, nil)
	})
}

// RenderIDBuffer ray casts the composited frame, recording the nearest object at every pixel
func (s *Scene) RenderIDBuffer() *capture.IDBuffer {
	cam := &s.Cam
	view := cam.View()
	buf := capture.NewIDBuffer(cam.Width, cam.Height)

	// Index the screen-space bounds of every object, so that we only test a few objects per pixel
	type candidate struct {
		obj   *Sphere
		segID capture.InstanceID
	}
	var candidates []candidate
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(s.objects))
	cameraFromWorld := cam.Rotation.Transpose()
	for _, obj := range s.objects {
		segID, ok := s.segmentation[obj.Instance.ID]
		if !ok || obj.NoSurface || obj.Radius <= 0 {
			continue
		}
		minX, minY, maxX, maxY := screenBounds(&view, cameraFromWorld.MulVec(obj.Center.Sub(cam.Position)), obj.Radius)
		fb.Add(minX, minY, maxX, maxY)
		candidates = append(candidates, candidate{obj, segID})
	}
	if len(candidates) == 0 {
		return buf
	}
	fb.Finish()

	for y := 0; y < cam.Height; y++ {
		for x := 0; x < cam.Width; x++ {
			px := float32(x) + 0.5
			py := float32(y) + 0.5
			hits := fb.Search(px, py, px, py)
			if len(hits) == 0 {
				continue
			}
			dir := cam.Rotation.MulVec(view.PixelDirection(x, y)).Normalized()
			bestT := math32.Inf(1)
			best := capture.NoInstance
			for _, i := range hits {
				c := candidates[i]
				if t, hit := intersectSphere(cam.Position, dir, c.obj.Center, c.obj.Radius); hit && t < bestT {
					bestT = t
					best = c.segID
				}
			}
			buf.IDs[y*buf.Width+x] = best
		}
	}
	return buf
}

// Conservative screen-space bounds of a sphere, given its center in camera space.
// If any part of the sphere's bounding cube is behind the eye, we return the whole screen.
func screenBounds(view *projection.View, center projection.Vec3, radius float32) (minX, minY, maxX, maxY float32) {
	minX, minY = math32.Inf(1), math32.Inf(1)
	maxX, maxY = math32.Inf(-1), math32.Inf(-1)
	for i := 0; i < 8; i++ {
		corner := projection.Vec3{
			X: center.X + radius*float32(2*(i&1)-1),
			Y: center.Y + radius*float32((i&2)-1),
			Z: center.Z + radius*float32((i&4)/2-1),
		}
		px, py, ok := view.Project(corner)
		if !ok {
			return 0, 0, float32(view.Width), float32(view.Height)
		}
		minX = math32.Min(minX, px)
		minY = math32.Min(minY, py)
		maxX = math32.Max(maxX, px)
		maxY = math32.Max(maxY, py)
	}
	return
}

// Returns the distance along the ray to the nearest intersection in front of the origin.
// dir must be normalized.
func intersectSphere(origin, dir, center projection.Vec3, radius float32) (float32, bool) {
	oc := origin.Sub(center)
	b := oc.Dot(dir)
	c := oc.Dot(oc) - radius*radius
	disc := b*b - c
	if disc < 0 {
		return 0, false
	}
	sq := math32.Sqrt(disc)
	t := -b - sq
	if t < 0 {
		// Origin is inside the sphere
		t = -b + sq
	}
	if t < 0 {
		return 0, false
	}
	return t, true
}

// Randomize replaces the scene's objects with n spheres, scattered around the camera.
// Instance ids are firstID, firstID+1, ... and labels cycle through 'labels'.
func (s *Scene) Randomize(rng *rand.Rand, n int, firstID capture.InstanceID, labels []string) error {
	s.Clear()
	for i := 0; i < n; i++ {
		// Mostly in front of the camera, but some to the sides and behind
		yaw := (rng.Float32()*2 - 1) * math32.Pi * 0.75
		pitch := (rng.Float32()*2 - 1) * math32.Pi * 0.2
		dist := 3 + rng.Float32()*12
		dir := projection.RotationY(yaw).Mul(projection.RotationX(pitch)).MulVec(projection.Vec3{X: 0, Y: 0, Z: 1})
		label := 0
		name := ""
		if len(labels) != 0 {
			label = i % len(labels)
			name = labels[label]
		}
		err := s.Add(Sphere{
			Instance: capture.Instance{
				ID:        firstID + capture.InstanceID(i),
				LabelID:   label,
				LabelName: name,
			},
			Center: s.Cam.Position.Add(s.Cam.Rotation.MulVec(dir.Scale(dist))),
			Radius: 0.3 + rng.Float32()*1.2,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
