package projection

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

var ErrUnsupportedProjection = errors.New("Unsupported camera projection")

type Projection int

const (
	ProjectionPerspective Projection = iota
	ProjectionOrthographic
)

func (p Projection) String() string {
	switch p {
	case ProjectionPerspective:
		return "perspective"
	case ProjectionOrthographic:
		return "orthographic"
	}
	return fmt.Sprintf("projection(%d)", int(p))
}

// Camera is the production camera that renders the composited frame
type Camera struct {
	Width       int        // Pixels
	Height      int        // Pixels
	VerticalFOV float32    // Degrees. Only meaningful for perspective projection.
	Projection  Projection // Only perspective is supported by the visibility pass
	Position    Vec3       // World space
	Rotation    Mat3       // World-from-camera rotation
}

// Validate returns an error if we can't derive pixel weights for this camera
func (c *Camera) Validate() error {
	if c.Projection != ProjectionPerspective {
		return fmt.Errorf("%w: %v", ErrUnsupportedProjection, c.Projection)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("Invalid camera resolution %v x %v", c.Width, c.Height)
	}
	if c.VerticalFOV <= 0 || c.VerticalFOV >= 180 {
		return fmt.Errorf("Invalid camera field of view %v", c.VerticalFOV)
	}
	return nil
}

// View returns the camera's own view (no extra rotation)
func (c *Camera) View() View {
	return View{
		Rotation:    Identity(),
		VerticalFOV: c.VerticalFOV,
		Width:       c.Width,
		Height:      c.Height,
	}
}

// TanHalfFOV returns tan(hfov/2), tan(vfov/2)
func (c *Camera) TanHalfFOV() (float32, float32) {
	tanV := math32.Tan(c.VerticalFOV * math32.Pi / 360)
	return tanV * float32(c.Width) / float32(c.Height), tanV
}

// Contains returns true if the camera-space direction d falls inside the camera's field of view
func (c *Camera) Contains(d Vec3) bool {
	if d.Z <= 0 {
		return false
	}
	tanH, tanV := c.TanHalfFOV()
	return math32.Abs(d.X/d.Z) <= tanH && math32.Abs(d.Y/d.Z) <= tanV
}

// View is a perspective view rigidly rotated from the production camera.
// It shares the camera's position.
type View struct {
	Rotation    Mat3    // Camera-from-view rotation
	VerticalFOV float32 // Degrees
	Width       int
	Height      int
}

// TanHalfFOV returns tan(hfov/2), tan(vfov/2)
func (v *View) TanHalfFOV() (float32, float32) {
	tanV := math32.Tan(v.VerticalFOV * math32.Pi / 360)
	return tanV * float32(v.Width) / float32(v.Height), tanV
}

// PixelDirection returns the view-space direction through the center of pixel (x, y).
// Row 0 is the top of the image. The direction is not normalized (Z = 1).
func (v *View) PixelDirection(x, y int) Vec3 {
	tanH, tanV := v.TanHalfFOV()
	u := (2*(float32(x)+0.5)/float32(v.Width) - 1) * tanH
	w := (1 - 2*(float32(y)+0.5)/float32(v.Height)) * tanV
	return Vec3{u, w, 1}
}

// Project maps a view-space point onto pixel coordinates.
// ok is false if the point is behind the view.
func (v *View) Project(p Vec3) (px, py float32, ok bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	tanH, tanV := v.TanHalfFOV()
	u := p.X / (p.Z * tanH)
	w := p.Y / (p.Z * tanV)
	px = (u + 1) * 0.5 * float32(v.Width)
	py = (1 - w) * 0.5 * float32(v.Height)
	return px, py, true
}
