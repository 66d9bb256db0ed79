package visibility

import (
	"github.com/cyclopcam/groundtruth/pkg/capture"
	"github.com/cyclopcam/groundtruth/pkg/gen"
	"github.com/cyclopcam/groundtruth/pkg/projection"
)

// Weights is a projection-corrected pixel weight per instance
type Weights map[capture.InstanceID]float64

// Record holds the raw weights of one instance on one frame
type Record struct {
	InstanceID       capture.InstanceID
	InFrameWeight    float64 // Weight the instance would cover in the camera image, if unoccluded
	OutOfFrameWeight float64 // Weight the instance would cover outside the camera image, if unoccluded
	VisibleWeight    float64 // Weight actually covered by the instance in the composited frame
}

// Metric is the occlusion metric of one instance on one frame.
// All ratios are in [0,1].
type Metric struct {
	InstanceID     capture.InstanceID `json:"instanceId"`
	PercentVisible float64            `json:"percentVisible"` // visible / (inFrame + outOfFrame)
	PercentInFrame float64            `json:"percentInFrame"` // inFrame / (inFrame + outOfFrame)
	// visible / inFrame. Nil when the instance has no in-frame weight.
	VisibilityInFrame *float64 `json:"visibilityInFrame,omitempty"`
}

// Metric derives the ratios of a record.
// ok is false if the instance is not observable at all (inFrame + outOfFrame == 0),
// in which case the instance must be omitted from the frame's results.
func (r *Record) Metric() (m Metric, ok bool) {
	observable := r.InFrameWeight + r.OutOfFrameWeight
	if observable <= 0 {
		return Metric{}, false
	}
	m = Metric{
		InstanceID:     r.InstanceID,
		PercentVisible: gen.Clamp01(r.VisibleWeight / observable),
		PercentInFrame: gen.Clamp01(r.InFrameWeight / observable),
	}
	if r.InFrameWeight > 0 {
		v := gen.Clamp01(r.VisibleWeight / r.InFrameWeight)
		m.VisibilityInFrame = &v
	}
	return m, true
}

// BuildRecords joins the three weight sources of a single frame.
// The instance set is defined by the in-frame pass, which has an entry for every
// instance that was measured on the frame (even if its weight is zero).
func BuildRecords(inFrame, outOfFrame, visible Weights) []Record {
	ids := gen.SortedKeys(inFrame)
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, Record{
			InstanceID:       id,
			InFrameWeight:    inFrame[id],
			OutOfFrameWeight: outOfFrame[id],
			VisibleWeight:    visible[id],
		})
	}
	return records
}

// ComputeMetrics returns the metrics of every observable instance, ordered by instance id
func ComputeMetrics(inFrame, outOfFrame, visible Weights) []Metric {
	records := BuildRecords(inFrame, outOfFrame, visible)
	metrics := make([]Metric, 0, len(records))
	for i := range records {
		if m, ok := records[i].Metric(); ok {
			metrics = append(metrics, m)
		}
	}
	return metrics
}

// Sum of the weights of all pixels covered by the mask
func weightedSum(w *projection.WeightMap, m *capture.Mask) float64 {
	sum := 0.0
	for y := 0; y < m.Height; y++ {
		row := m.Pixels[y*m.Width : (y+1)*m.Width]
		for x, p := range row {
			if p != 0 {
				sum += float64(w.At(x, y))
			}
		}
	}
	return sum
}

// Sum of weights per instance id, over the whole id buffer
func visibleWeights(w *projection.WeightMap, buf *capture.IDBuffer) Weights {
	out := Weights{}
	for y := 0; y < buf.Height; y++ {
		row := buf.IDs[y*buf.Width : (y+1)*buf.Width]
		for x, id := range row {
			if id != capture.NoInstance {
				out[id] += float64(w.At(x, y))
			}
		}
	}
	return out
}
