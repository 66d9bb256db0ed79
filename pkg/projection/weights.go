package projection

import (
	"math"
)

// WeightMap holds one weight per pixel, which converts a pixel count into an
// equivalent number of "reference pixels".
//
// A pixel near the edge of a wide-angle perspective image subtends a smaller solid angle
// than a pixel at the center, so counting pixels over-weights objects near the edges.
// We divide each pixel's solid angle by the solid angle of a pixel on the optical axis
// of the production camera. Weight maps for the cube faces use the same reference,
// so that in-frame and out-of-frame sums are in the same units.
type WeightMap struct {
	Width   int
	Height  int
	Weights []float32 // Row-major, Width * Height
}

// At returns the weight of pixel (x, y)
func (w *WeightMap) At(x, y int) float32 {
	return w.Weights[y*w.Width+x]
}

// Total returns the sum of all weights
func (w *WeightMap) Total() float64 {
	total := 0.0
	for _, v := range w.Weights {
		total += float64(v)
	}
	return total
}

// Solid angle of the rectangle [0,x]x[0,y] on the image plane at distance 1, measured from the eye.
// This is evaluated in float64, because a pixel's solid angle is the small difference of four
// large terms, and float32 loses most of its precision there.
func cornerSolidAngle(x, y float64) float64 {
	return math.Atan(x * y / math.Sqrt(1+x*x+y*y))
}

// RectSolidAngle returns the exact solid angle subtended by the image-plane rectangle
// [x0,x1] x [y0,y1], where the image plane is at distance 1 from the eye.
func RectSolidAngle(x0, y0, x1, y1 float64) float64 {
	return cornerSolidAngle(x1, y1) - cornerSolidAngle(x0, y1) - cornerSolidAngle(x1, y0) + cornerSolidAngle(x0, y0)
}

// ReferenceSolidAngle returns the solid angle of one pixel centered on the optical axis of 'cam'
func ReferenceSolidAngle(cam *Camera) float64 {
	tanH, tanV := cam.TanHalfFOV()
	du := float64(tanH) / float64(cam.Width)
	dv := float64(tanV) / float64(cam.Height)
	return RectSolidAngle(-du, -dv, du, dv)
}

// NewViewWeightMap computes the weight of every pixel of 'view', relative to 'reference'.
// If mask is not nil, then any pixel for which mask returns true is given a weight of zero.
// mask receives the camera-space direction through the pixel center.
func NewViewWeightMap(view *View, reference float64, mask func(cameraDir Vec3) bool) *WeightMap {
	tanH, tanV := view.TanHalfFOV()
	w := &WeightMap{
		Width:   view.Width,
		Height:  view.Height,
		Weights: make([]float32, view.Width*view.Height),
	}
	du := 2 * float64(tanH) / float64(view.Width)
	dv := 2 * float64(tanV) / float64(view.Height)
	for y := 0; y < view.Height; y++ {
		// Image rows run top to bottom, image-plane v runs bottom to top
		v1 := float64(tanV) - float64(y)*dv
		v0 := v1 - dv
		for x := 0; x < view.Width; x++ {
			if mask != nil && mask(view.Rotation.MulVec(view.PixelDirection(x, y))) {
				continue
			}
			u0 := -float64(tanH) + float64(x)*du
			u1 := u0 + du
			w.Weights[y*view.Width+x] = float32(RectSolidAngle(u0, v0, u1, v1) / reference)
		}
	}
	return w
}

// NewCameraWeightMap computes the weight map for the production camera's own view
func NewCameraWeightMap(cam *Camera) *WeightMap {
	view := cam.View()
	return NewViewWeightMap(&view, ReferenceSolidAngle(cam), nil)
}
