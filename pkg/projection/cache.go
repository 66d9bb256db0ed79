package projection

import "sync"

// WeightSet is every weight map needed to measure one camera
type WeightSet struct {
	Camera    *WeightMap
	Faces     [NumFaces]*WeightMap
	FaceEmpty [NumFaces]bool // True if every pixel of the face lies inside the camera's field of view
}

type weightKey struct {
	width, height  int
	fov            float32
	faceResolution int
}

// WeightCache derives weight maps once per (resolution, field of view, face resolution).
// Computing a weight map touches every pixel, so we don't want to do it every frame.
type WeightCache struct {
	lock sync.Mutex
	sets map[weightKey]*WeightSet
}

func NewWeightCache() *WeightCache {
	return &WeightCache{
		sets: map[weightKey]*WeightSet{},
	}
}

// Get returns the weights for the given camera and cube face resolution, creating them if necessary.
// The camera must have passed Validate().
func (c *WeightCache) Get(cam *Camera, faceResolution int) *WeightSet {
	key := weightKey{cam.Width, cam.Height, cam.VerticalFOV, faceResolution}
	c.lock.Lock()
	defer c.lock.Unlock()
	if set, ok := c.sets[key]; ok {
		return set
	}
	set := &WeightSet{
		Camera: NewCameraWeightMap(cam),
	}
	for f := Face(0); f < NumFaces; f++ {
		set.Faces[f] = NewFaceWeightMap(cam, f, faceResolution)
		set.FaceEmpty[f] = set.Faces[f].Total() == 0
	}
	c.sets[key] = set
	return set
}

// Len returns the number of cached weight sets
func (c *WeightCache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.sets)
}
