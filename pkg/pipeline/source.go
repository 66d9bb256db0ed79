package pipeline

import (
	"fmt"
	"hash/fnv"
	"image"
	"math/rand"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/groundtruth/pkg/capture"
	"github.com/cyclopcam/groundtruth/pkg/dataset"
	"github.com/cyclopcam/groundtruth/pkg/projection"
	"github.com/cyclopcam/groundtruth/pkg/simcapture"
)

// Source produces the scene content of a run. The pipeline tells it when a sequence
// starts, advances it on every frame, and asks it for sensor output on every step.
type Source interface {
	BeginSequence(sequence int) error
	Advance(frame int64) error
	Capture(frame int64) (dataset.Capture, []dataset.Image, error)
	Sensor() dataset.SensorDefinition
}

// Options of the simulated source
type SimOptions struct {
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	VerticalFOV float32  `json:"verticalFov"` // Degrees
	Objects     int      `json:"objects"`     // Spheres per sequence
	Labels      []string `json:"labels"`
	Seed        int64    `json:"seed"`
	MinLatency  int64    `json:"minLatency"` // Device latency, in frames
	MaxLatency  int64    `json:"maxLatency"`
	Speed       float32  `json:"speed"` // Radians per frame, of the camera's yaw
}

func DefaultSimOptions() SimOptions {
	return SimOptions{
		Width:       320,
		Height:      240,
		VerticalFOV: 60,
		Objects:     12,
		Labels:      []string{"car", "person", "bicycle"},
		Seed:        1,
		MinLatency:  1,
		MaxLatency:  3,
		Speed:       0.01,
	}
}

const SensorID = "camera"

// SegmentationAnnotationID identifies the instance segmentation annotations of a capture
const SegmentationAnnotationID = "instance_segmentation"

// SimSource is a Source backed by the simulated capture subsystem.
// Every sequence is a new random scene, and the camera turns slowly on the spot.
type SimSource struct {
	Scene   *simcapture.Scene
	Device  *simcapture.Device
	options SimOptions
}

func NewSimSource(options SimOptions) *SimSource {
	cam := projection.Camera{
		Width:       options.Width,
		Height:      options.Height,
		VerticalFOV: options.VerticalFOV,
		Projection:  projection.ProjectionPerspective,
		Rotation:    projection.Identity(),
	}
	device := simcapture.NewDevice(options.MinLatency, options.MaxLatency, options.Seed)
	return &SimSource{
		Scene:   simcapture.NewScene(cam, device),
		Device:  device,
		options: options,
	}
}

func (s *SimSource) BeginSequence(sequence int) error {
	// Seeded per sequence, so that a resumed run produces the same scenes as an uninterrupted one
	rng := rand.New(rand.NewSource(s.options.Seed*1000003 + int64(sequence)))
	return s.Scene.Randomize(rng, s.options.Objects, 1, s.options.Labels)
}

func (s *SimSource) Advance(frame int64) error {
	s.Scene.Cam.Rotation = projection.RotationY(float32(frame) * s.options.Speed)
	return nil
}

func (s *SimSource) Sensor() dataset.SensorDefinition {
	cam := &s.Scene.Cam
	return dataset.SensorDefinition{
		ID:          SensorID,
		Modality:    "camera",
		Description: "Simulated perspective camera",
		Width:       cam.Width,
		Height:      cam.Height,
		VerticalFOV: cam.VerticalFOV,
		Projection:  cam.Projection.String(),
	}
}

// Capture renders the composited frame into an RGB image and an instance segmentation mask
func (s *SimSource) Capture(frame int64) (dataset.Capture, []dataset.Image, error) {
	cam := &s.Scene.Cam
	ids := s.Scene.RenderIDBuffer()

	rgb := cimg.NewImage(cam.Width, cam.Height, cimg.PixelFormatRGB)
	seg := image.NewGray(image.Rect(0, 0, cam.Width, cam.Height))
	for y := 0; y < cam.Height; y++ {
		for x := 0; x < cam.Width; x++ {
			id := ids.At(x, y)
			r, g, b := byte(40), byte(40), byte(48)
			if id != capture.NoInstance {
				r, g, b = instanceColor(id)
				if id < 255 {
					seg.Pix[y*seg.Stride+x] = byte(id)
				}
			}
			p := rgb.Pixels[y*rgb.Stride+x*3:]
			p[0], p[1], p[2] = r, g, b
		}
	}

	var annotations []dataset.Annotation
	for _, inst := range s.Scene.Instances() {
		if inst.ID >= 255 {
			continue
		}
		annotations = append(annotations, dataset.Annotation{
			ID:           fmt.Sprintf("instance.%v", inst.ID),
			DefinitionID: SegmentationAnnotationID,
			Values:       []byte(fmt.Sprintf(`{"instanceId":%v,"labelId":%v,"labelName":%q,"pixelValue":%v}`, inst.ID, inst.LabelID, inst.LabelName, inst.ID)),
		})
	}

	rot := cam.Rotation
	c := dataset.Capture{
		ID:          fmt.Sprintf("%v.%v", SensorID, frame),
		SensorID:    SensorID,
		Position:    [3]float32{cam.Position.X, cam.Position.Y, cam.Position.Z},
		Rotation:    [9]float32(rot),
		Annotations: annotations,
	}
	images := []dataset.Image{
		{Channel: "rgb", Color: rgb},
		{Channel: "segmentation", Mask: seg},
	}
	return c, images, nil
}

func instanceColor(id capture.InstanceID) (r, g, b byte) {
	h := fnv.New32a()
	h.Write([]byte{byte(id), byte(id >> 8), byte(id >> 16), byte(id >> 24)})
	v := h.Sum32()
	return byte(v) | 0x40, byte(v>>8) | 0x40, byte(v>>16) | 0x40
}
