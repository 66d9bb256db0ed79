package projection

import "fmt"

// Face is one face of a cube map centered on the camera
type Face int

const (
	FaceForward Face = iota
	FaceUp
	FaceDown
	FaceLeft
	FaceRight
	FaceBack
	NumFaces
)

// CubeFaceFOV is the vertical (and horizontal) field of view of every cube face
const CubeFaceFOV = 90

var faceNames = [NumFaces]string{"forward", "up", "down", "left", "right", "back"}

func (f Face) String() string {
	if f >= 0 && f < NumFaces {
		return faceNames[f]
	}
	return fmt.Sprintf("face(%d)", int(f))
}

// Camera-from-face rotations. Each maps the face's forward (+Z) axis onto a camera-space axis.
var faceRotations = [NumFaces]Mat3{
	// forward
	{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	},
	// up: +Z -> +Y
	{
		1, 0, 0,
		0, 0, 1,
		0, -1, 0,
	},
	// down: +Z -> -Y
	{
		1, 0, 0,
		0, 0, -1,
		0, 1, 0,
	},
	// left: +Z -> -X
	{
		0, 0, -1,
		0, 1, 0,
		1, 0, 0,
	},
	// right: +Z -> +X
	{
		0, 0, 1,
		0, 1, 0,
		-1, 0, 0,
	},
	// back: +Z -> -Z
	{
		-1, 0, 0,
		0, 1, 0,
		0, 0, -1,
	},
}

// FaceRotation returns the camera-from-face rotation of a cube face
func FaceRotation(f Face) Mat3 {
	return faceRotations[f]
}

// FaceView returns the square, 90 degree view of a cube face, with the given resolution
func FaceView(f Face, resolution int) View {
	return View{
		Rotation:    faceRotations[f],
		VerticalFOV: CubeFaceFOV,
		Width:       resolution,
		Height:      resolution,
	}
}

// NewFaceWeightMap computes the weights of a cube face, in units of the production camera's
// center pixel. Pixels that fall inside the camera's own field of view get zero weight,
// because they are already counted by the in-frame pass.
func NewFaceWeightMap(cam *Camera, f Face, resolution int) *WeightMap {
	view := FaceView(f, resolution)
	return NewViewWeightMap(&view, ReferenceSolidAngle(cam), cam.Contains)
}
