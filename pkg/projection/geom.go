package projection

import "github.com/chewxy/math32"

// Vec3 is a direction or position.
// Camera space is left handed: +X right, +Y up, +Z forward.
type Vec3 struct {
	X, Y, Z float32
}

func (a Vec3) Add(b Vec3) Vec3 {
	return Vec3{a.X + b.X, a.Y + b.Y, a.Z + b.Z}
}

func (a Vec3) Sub(b Vec3) Vec3 {
	return Vec3{a.X - b.X, a.Y - b.Y, a.Z - b.Z}
}

func (a Vec3) Scale(s float32) Vec3 {
	return Vec3{a.X * s, a.Y * s, a.Z * s}
}

func (a Vec3) Dot(b Vec3) float32 {
	return a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

func (a Vec3) Length() float32 {
	return math32.Sqrt(a.Dot(a))
}

func (a Vec3) Normalized() Vec3 {
	l := a.Length()
	if l == 0 {
		return a
	}
	return a.Scale(1 / l)
}

// Mat3 is a row-major 3x3 matrix. We only use it for rotations.
type Mat3 [9]float32

func Identity() Mat3 {
	return Mat3{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	}
}

// MulVec returns m * v
func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Mul returns m * b
func (m Mat3) Mul(b Mat3) Mat3 {
	r := Mat3{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i*3+j] = m[i*3]*b[j] + m[i*3+1]*b[3+j] + m[i*3+2]*b[6+j]
		}
	}
	return r
}

// Transpose of a rotation matrix is its inverse
func (m Mat3) Transpose() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// RotationY returns a rotation of 'radians' about the +Y (up) axis.
// Positive angles turn +Z towards +X.
func RotationY(radians float32) Mat3 {
	s, c := math32.Sincos(radians)
	return Mat3{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	}
}

// RotationX returns a rotation of 'radians' about the +X (right) axis.
// Positive angles turn +Z towards -Y (pitch down).
func RotationX(radians float32) Mat3 {
	s, c := math32.Sincos(radians)
	return Mat3{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	}
}
