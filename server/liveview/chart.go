package liveview

import (
	"fmt"
	"io"

	"github.com/fogleman/gg"
)

// DrawChart renders one pair of bars per instance: percent in frame (grey) and percent visible (green).
// If summary is nil, an empty chart is drawn.
func DrawChart(w io.Writer, summary *FrameSummary, width, height int) error {
	dc := gg.NewContext(width, height)
	dc.SetRGB(0.1, 0.1, 0.12)
	dc.Clear()

	const margin = 20.0
	plotW := float64(width) - 2*margin
	plotH := float64(height) - 2*margin

	// Axis
	dc.SetRGB(0.5, 0.5, 0.5)
	dc.SetLineWidth(1)
	dc.DrawLine(margin, margin+plotH, margin+plotW, margin+plotH)
	dc.Stroke()

	if summary != nil && len(summary.Metrics) != 0 {
		slot := plotW / float64(len(summary.Metrics))
		barW := slot * 0.4
		for i, m := range summary.Metrics {
			x := margin + float64(i)*slot + slot*0.1
			hIn := m.PercentInFrame * plotH
			hVis := m.PercentVisible * plotH
			dc.SetRGB(0.6, 0.6, 0.6)
			dc.DrawRectangle(x, margin+plotH-hIn, barW, hIn)
			dc.Fill()
			dc.SetRGB(0.2, 0.8, 0.3)
			dc.DrawRectangle(x+barW, margin+plotH-hVis, barW, hVis)
			dc.Fill()
		}
		dc.SetRGB(1, 1, 1)
		dc.DrawStringAnchored(fmt.Sprintf("frame %v, %v instances", summary.Frame, len(summary.Metrics)), margin, margin/2, 0, 0.5)
	}
	return dc.EncodePNG(w)
}
