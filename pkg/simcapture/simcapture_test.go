package simcapture

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/cyclopcam/groundtruth/pkg/capture"
	"github.com/cyclopcam/groundtruth/pkg/projection"
	"github.com/stretchr/testify/require"
)

func testCamera() projection.Camera {
	return projection.Camera{
		Width:       64,
		Height:      48,
		VerticalFOV: 60,
		Projection:  projection.ProjectionPerspective,
		Rotation:    projection.Identity(),
	}
}

func TestDeviceLatency(t *testing.T) {
	d := NewDevice(2, 4, 1)
	done := map[int64]int64{}
	for f := int64(0); f < 10; f++ {
		frame := f
		d.Submit(frame, func() {
			done[frame] = d.frame
		})
	}
	for f := int64(0); f < 20; f++ {
		d.Tick(f)
	}
	require.Equal(t, 10, len(done))
	for origin, at := range done {
		require.GreaterOrEqual(t, at-origin, int64(2))
		require.LessOrEqual(t, at-origin, int64(4))
	}
	require.Equal(t, 0, d.InFlight())
}

func TestDeviceNeverCompletesOnSameFrame(t *testing.T) {
	d := NewDevice(0, 0, 1)
	ran := false
	d.Submit(5, func() { ran = true })
	require.Equal(t, 0, d.Tick(5))
	require.False(t, ran)
	require.Equal(t, 1, d.Tick(6))
	require.True(t, ran)
}

func TestDeviceLost(t *testing.T) {
	d := NewDevice(1, 1, 1)
	ran := 0
	d.Submit(0, func() { ran++ })
	d.Lose()
	d.Submit(1, func() { ran++ })
	for f := int64(0); f < 5; f++ {
		d.Tick(f)
	}
	require.Equal(t, 0, ran)
	require.Equal(t, 0, d.InFlight())
}

func TestSceneInitializers(t *testing.T) {
	s := NewScene(testCamera(), NewDevice(1, 1, 1))
	seen := []capture.InstanceID{}
	s.Initializers.Add(capture.InitializerFunc(func(inst capture.Instance) error {
		seen = append(seen, inst.ID)
		if inst.ID == 99 {
			return errors.New("no")
		}
		return nil
	}))
	require.NoError(t, s.Add(Sphere{Instance: capture.Instance{ID: 1}, Center: projection.Vec3{Z: 5}, Radius: 1}))
	require.ErrorIs(t, s.Add(Sphere{Instance: capture.Instance{ID: 1}}), ErrDuplicateInstance)
	require.Error(t, s.Add(Sphere{Instance: capture.Instance{ID: 99}, Radius: 1}))
	require.Equal(t, []capture.InstanceID{1, 99}, seen)
	require.Equal(t, 1, len(s.Instances()))
}

func TestRenderIsolated(t *testing.T) {
	cam := testCamera()
	s := NewScene(cam, NewDevice(1, 1, 1))
	require.NoError(t, s.Add(Sphere{Instance: capture.Instance{ID: 1}, Center: projection.Vec3{Z: 5}, Radius: 1}))
	require.NoError(t, s.Add(Sphere{Instance: capture.Instance{ID: 2}, Center: projection.Vec3{Z: -5}, Radius: 1}))

	view := cam.View()
	mask := capture.NewMask(cam.Width, cam.Height)
	require.NoError(t, s.RenderIsolated(view, 1, mask))
	require.True(t, mask.IsSet(cam.Width/2, cam.Height/2))
	require.False(t, mask.IsSet(0, 0))

	// Behind the camera
	mask.Clear()
	require.NoError(t, s.RenderIsolated(view, 2, mask))
	require.Equal(t, 0, mask.Count())

	// ... but visible on the back face of the cube
	face := capture.NewMask(16, 16)
	require.NoError(t, s.RenderIsolated(projection.FaceView(projection.FaceBack, 16), 2, face))
	require.True(t, face.IsSet(8, 8))

	require.ErrorIs(t, s.RenderIsolated(view, 3, mask), ErrUnknownInstance)
	require.Error(t, s.RenderIsolated(view, 1, face))
}

func TestIDBufferOcclusion(t *testing.T) {
	cam := testCamera()
	s := NewScene(cam, NewDevice(1, 1, 1))
	require.NoError(t, s.Add(Sphere{Instance: capture.Instance{ID: 1}, Center: projection.Vec3{Z: 4}, Radius: 0.5}))
	require.NoError(t, s.Add(Sphere{Instance: capture.Instance{ID: 2}, Center: projection.Vec3{Z: 10}, Radius: 3}))
	require.NoError(t, s.Add(Sphere{Instance: capture.Instance{ID: 3}, Center: projection.Vec3{X: 2, Z: 4}, Radius: 0.5, NoSurface: true}))

	buf := s.RenderIDBuffer()
	require.Equal(t, capture.InstanceID(1), buf.At(cam.Width/2, cam.Height/2))
	require.Equal(t, capture.NoInstance, buf.At(0, 0))

	// The far sphere is partially visible around the near one
	counts := map[capture.InstanceID]int{}
	for _, id := range buf.IDs {
		counts[id]++
	}
	require.Greater(t, counts[2], 0)
	require.Equal(t, 0, counts[3])
	require.False(t, s.HasSurface(3))
}

func TestRequestIDBufferIsSnapshot(t *testing.T) {
	cam := testCamera()
	d := NewDevice(3, 3, 1)
	s := NewScene(cam, d)
	require.NoError(t, s.Add(Sphere{Instance: capture.Instance{ID: 1}, Center: projection.Vec3{Z: 4}, Radius: 0.5}))

	var got *capture.IDBuffer
	var origin int64
	s.RequestIDBuffer(7, func(frame int64, buf *capture.IDBuffer, err error) {
		require.NoError(t, err)
		origin = frame
		got = buf
	})
	// Moving the object after the request must not change what is delivered
	require.NoError(t, s.Move(1, projection.Vec3{X: 100, Z: 4}))
	for f := int64(7); f <= 10; f++ {
		d.Tick(f)
	}
	require.NotNil(t, got)
	require.EqualValues(t, 7, origin)
	require.Equal(t, capture.InstanceID(1), got.At(cam.Width/2, cam.Height/2))

	s.FailIDBuffer = true
	var failErr error
	s.RequestIDBuffer(11, func(frame int64, buf *capture.IDBuffer, err error) {
		failErr = err
	})
	d.Tick(14)
	require.Error(t, failErr)
}

func TestRandomize(t *testing.T) {
	s := NewScene(testCamera(), NewDevice(1, 1, 1))
	rng := rand.New(rand.NewSource(3))
	require.NoError(t, s.Randomize(rng, 10, 100, []string{"car", "person"}))
	insts := s.Instances()
	require.Equal(t, 10, len(insts))
	require.EqualValues(t, 100, insts[0].ID)
	require.Equal(t, "person", insts[1].LabelName)
}
