package visibility

import (
	"math/rand"
	"testing"

	"github.com/cyclopcam/groundtruth/pkg/capture"
	"github.com/cyclopcam/groundtruth/pkg/frameresult"
	"github.com/cyclopcam/groundtruth/pkg/projection"
	"github.com/cyclopcam/groundtruth/pkg/simcapture"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func testCamera() projection.Camera {
	return projection.Camera{
		Width:       48,
		Height:      32,
		VerticalFOV: 60,
		Projection:  projection.ProjectionPerspective,
		Rotation:    projection.Identity(),
	}
}

func testOptions() Options {
	opt := DefaultOptions()
	opt.FaceResolution = 16
	return opt
}

func ptr(v float64) *float64 {
	return &v
}

func TestComputeMetrics(t *testing.T) {
	in := Weights{0: 5, 1: 0, 2: 12}
	out := Weights{0: 3, 1: 0, 2: 0}
	vis := Weights{0: 4, 1: 0, 2: 6}
	metrics := ComputeMetrics(in, out, vis)
	require.Equal(t, []Metric{
		{InstanceID: 0, PercentVisible: 0.5, PercentInFrame: 0.625, VisibilityInFrame: ptr(0.8)},
		{InstanceID: 2, PercentVisible: 0.5, PercentInFrame: 1, VisibilityInFrame: ptr(0.5)},
	}, metrics)
}

func TestMetricEdgeCases(t *testing.T) {
	// Entirely outside of the camera's view
	r := Record{InstanceID: 7, InFrameWeight: 0, OutOfFrameWeight: 2, VisibleWeight: 0}
	m, ok := r.Metric()
	require.True(t, ok)
	require.Equal(t, 0.0, m.PercentInFrame)
	require.Equal(t, 0.0, m.PercentVisible)
	require.Nil(t, m.VisibilityInFrame)

	// Sampling noise can make visible slightly larger than inFrame
	r = Record{InstanceID: 8, InFrameWeight: 1, OutOfFrameWeight: 0, VisibleWeight: 1.0001}
	m, ok = r.Metric()
	require.True(t, ok)
	require.Equal(t, 1.0, m.PercentVisible)
	require.Equal(t, 1.0, *m.VisibilityInFrame)

	// Not observable
	r = Record{InstanceID: 9}
	_, ok = r.Metric()
	require.False(t, ok)

	// Instances that are visible but were not measured in-frame are not reported
	require.Equal(t, 0, len(ComputeMetrics(Weights{}, Weights{}, Weights{3: 1})))
}

func TestNewEngineConfigErrors(t *testing.T) {
	log := logs.NewTestingLog(t)
	device := simcapture.NewDevice(1, 1, 1)
	scene := simcapture.NewScene(testCamera(), device)

	_, err := NewEngine(log, nil, scene, device, nil, testOptions())
	require.ErrorIs(t, err, ErrMissingObjectRegistry)
	_, err = NewEngine(log, scene, nil, device, nil, testOptions())
	require.ErrorIs(t, err, ErrMissingSceneCapture)
	_, err = NewEngine(log, scene, scene, nil, nil, testOptions())
	require.ErrorIs(t, err, ErrMissingDevice)

	scene.Cam.Projection = projection.ProjectionOrthographic
	_, err = NewEngine(log, scene, scene, device, nil, testOptions())
	require.ErrorIs(t, err, projection.ErrUnsupportedProjection)
}

func TestEmptySceneFastPath(t *testing.T) {
	device := simcapture.NewDevice(1, 1, 1)
	scene := simcapture.NewScene(testCamera(), device)
	// An object with nothing to render is not eligible
	require.NoError(t, scene.Add(simcapture.Sphere{Instance: capture.Instance{ID: 1}, Center: projection.Vec3{Z: 5}, Radius: 1, NoSurface: true}))

	e, err := NewEngine(logs.NewTestingLog(t), scene, scene, device, nil, testOptions())
	require.NoError(t, err)

	notified := 0
	e.AddListener(func(frame int64, metrics []Metric) {
		notified++
		require.EqualValues(t, 3, frame)
		require.Equal(t, 0, len(metrics))
	})

	f := e.BeginFrame(3)
	require.True(t, f.Done())
	metrics, _, err := f.Result()
	require.NoError(t, err)
	require.NotNil(t, metrics)
	require.Equal(t, 0, len(metrics))
	require.Equal(t, 1, notified)

	// No render work was issued
	require.Equal(t, 0, scene.RenderCount())
	require.Equal(t, 0, device.InFlight())
	require.Equal(t, 0, e.Pending())
}

func TestSingleObject(t *testing.T) {
	device := simcapture.NewDevice(2, 2, 1)
	scene := simcapture.NewScene(testCamera(), device)
	require.NoError(t, scene.Add(simcapture.Sphere{Instance: capture.Instance{ID: 1}, Center: projection.Vec3{Z: 5}, Radius: 1}))
	// Directly behind the camera
	require.NoError(t, scene.Add(simcapture.Sphere{Instance: capture.Instance{ID: 2}, Center: projection.Vec3{Z: -5}, Radius: 1}))

	e, err := NewEngine(logs.NewTestingLog(t), scene, scene, device, nil, testOptions())
	require.NoError(t, err)

	device.Tick(0)
	f := e.BeginFrame(0)
	require.False(t, f.Done())
	device.Tick(1)
	require.False(t, f.Done())
	device.Tick(2)
	require.True(t, f.Done())

	metrics, _, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, 2, len(metrics))

	front := metrics[0]
	require.EqualValues(t, 1, front.InstanceID)
	require.InDelta(t, 1.0, front.PercentInFrame, 1e-6)
	require.InDelta(t, 1.0, *front.VisibilityInFrame, 1e-6)

	back := metrics[1]
	require.EqualValues(t, 2, back.InstanceID)
	require.Equal(t, 0.0, back.PercentInFrame)
	require.Equal(t, 0.0, back.PercentVisible)
	require.Nil(t, back.VisibilityInFrame)

	stats := e.Stats()
	require.EqualValues(t, 1, stats.FramesDone)
	require.Equal(t, 0, stats.Registry.Pending)
}

func TestPartiallyOutOfFrame(t *testing.T) {
	device := simcapture.NewDevice(1, 1, 1)
	cam := testCamera()
	scene := simcapture.NewScene(cam, device)
	// Straddles the right edge of the image
	tanH, _ := cam.TanHalfFOV()
	require.NoError(t, scene.Add(simcapture.Sphere{Instance: capture.Instance{ID: 1}, Center: projection.Vec3{X: 6 * tanH, Z: 6}, Radius: 1}))

	e, err := NewEngine(logs.NewTestingLog(t), scene, scene, device, nil, testOptions())
	require.NoError(t, err)
	f := e.BeginFrame(0)
	device.Tick(1)
	metrics, ok, err := f.Result()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 1, len(metrics))
	require.InDelta(t, 0.5, metrics[0].PercentInFrame, 0.15)
	require.InDelta(t, metrics[0].PercentInFrame, metrics[0].PercentVisible, 1e-6)
}

// Build a scene of spheres, that we can move deterministically on every frame
func makeMovingScene(t *testing.T, device *simcapture.Device) *simcapture.Scene {
	scene := simcapture.NewScene(testCamera(), device)
	require.NoError(t, scene.Randomize(rand.New(rand.NewSource(42)), 8, 10, []string{"car"}))
	return scene
}

func moveScene(t *testing.T, scene *simcapture.Scene, frame int64) {
	for i, inst := range scene.Instances() {
		angle := float32(frame)*0.05 + float32(i)
		center := projection.RotationY(angle).MulVec(projection.Vec3{Z: 3 + float32(i)})
		require.NoError(t, scene.Move(inst.ID, center))
	}
}

// Results must be attributed to the frame on which they were requested, regardless
// of the order in which device work completes.
func TestResultsIndependentOfLatency(t *testing.T) {
	run := func(minLatency, maxLatency int64) map[int64][]Metric {
		device := simcapture.NewDevice(minLatency, maxLatency, 7)
		scene := makeMovingScene(t, device)
		e, err := NewEngine(logs.NewTestingLog(t), scene, scene, device, nil, testOptions())
		require.NoError(t, err)
		results := map[int64][]Metric{}
		e.AddListener(func(frame int64, metrics []Metric) {
			_, exists := results[frame]
			require.False(t, exists, "frame %v reported twice", frame)
			results[frame] = metrics
		})
		for frame := int64(0); frame < 40; frame++ {
			device.Tick(frame)
			moveScene(t, scene, frame)
			e.BeginFrame(frame)
		}
		for frame := int64(40); device.InFlight() != 0; frame++ {
			device.Tick(frame)
		}
		require.Equal(t, 0, e.Pending())
		return results
	}

	reference := run(1, 1)
	jittered := run(1, 6)
	require.Equal(t, 40, len(reference))
	require.Equal(t, reference, jittered)

	for _, metrics := range reference {
		for _, m := range metrics {
			require.GreaterOrEqual(t, m.PercentVisible, 0.0)
			require.LessOrEqual(t, m.PercentVisible, 1.0)
			require.GreaterOrEqual(t, m.PercentInFrame, 0.0)
			require.LessOrEqual(t, m.PercentInFrame, 1.0)
			if m.VisibilityInFrame != nil {
				require.GreaterOrEqual(t, *m.VisibilityInFrame, 0.0)
				require.LessOrEqual(t, *m.VisibilityInFrame, 1.0)
			}
		}
	}
}

func TestDeviceLossExpires(t *testing.T) {
	device := simcapture.NewDevice(1, 1, 1)
	scene := makeMovingScene(t, device)
	opt := testOptions()
	opt.MaxPendingFrames = 5
	e, err := NewEngine(logs.NewTestingLog(t), scene, scene, device, nil, opt)
	require.NoError(t, err)

	first := e.BeginFrame(0)
	device.Lose()
	for frame := int64(1); frame <= 6; frame++ {
		device.Tick(frame)
		e.BeginFrame(frame)
	}
	require.True(t, first.Done())
	_, _, err = first.Result()
	require.ErrorIs(t, err, frameresult.ErrExpired)
	require.Equal(t, 6, e.Pending())
	require.Greater(t, e.Stats().Registry.Expired, int64(0))
}

func TestIDBufferFailureAbandonsFrame(t *testing.T) {
	device := simcapture.NewDevice(1, 1, 1)
	scene := makeMovingScene(t, device)
	e, err := NewEngine(logs.NewTestingLog(t), scene, scene, device, nil, testOptions())
	require.NoError(t, err)

	scene.FailIDBuffer = true
	f := e.BeginFrame(0)
	device.Tick(1)
	_, ok, err := f.Result()
	require.True(t, ok)
	require.Error(t, err)
	require.Equal(t, 0, e.Pending())
	require.Equal(t, 0, e.Stats().Registry.Pending)

	// The next frame is unaffected
	scene.FailIDBuffer = false
	f = e.BeginFrame(1)
	device.Tick(2)
	_, ok, err = f.Result()
	require.True(t, ok)
	require.NoError(t, err)
}

func TestBeginFrameTwice(t *testing.T) {
	device := simcapture.NewDevice(1, 1, 1)
	scene := makeMovingScene(t, device)
	e, err := NewEngine(logs.NewTestingLog(t), scene, scene, device, nil, testOptions())
	require.NoError(t, err)
	reports := map[int64]int{}
	e.AddListener(func(frame int64, metrics []Metric) {
		reports[frame]++
	})
	a := e.BeginFrame(4)
	b := e.BeginFrame(4)
	require.True(t, a == b)

	// Once the frame has resolved, it must not be started (and reported) again
	device.Tick(5)
	require.True(t, a.Done())
	renders := scene.RenderCount()
	again := e.BeginFrame(4)
	require.False(t, again == a)
	_, ok, err := again.Result()
	require.True(t, ok)
	require.ErrorIs(t, err, ErrFrameAlreadyStarted)
	device.Tick(6)
	require.Equal(t, 1, reports[4])
	require.Equal(t, renders, scene.RenderCount())

	// Nor may frames go backwards
	_, _, err = e.BeginFrame(2).Result()
	require.ErrorIs(t, err, ErrFrameAlreadyStarted)

	_, _, err = e.BeginFrame(7).Result()
	require.NotErrorIs(t, err, ErrFrameAlreadyStarted)
}
