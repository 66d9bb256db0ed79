// Package perfstats holds small accumulators for measuring how long pipeline stages take,
// and how many frames device work spends in flight.
package perfstats

import (
	"fmt"
	"time"
)

// Two scalars (N samples and X total amount), which can measure total and average values.
type Accumulator struct {
	Samples int64
	Total   float64
	Max     float64
}

func (a *Accumulator) Reset() {
	a.Samples = 0
	a.Total = 0
	a.Max = 0
}

func (a *Accumulator) AddSample(v float64) {
	if a.Samples == 0 || v > a.Max {
		a.Max = v
	}
	a.Samples++
	a.Total += v
}

func (a *Accumulator) Average() float64 {
	if a.Samples == 0 {
		return 0
	}
	return a.Total / float64(a.Samples)
}

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

// Measure the time since 'start', and add it as a sample
func (a *TimeAccumulator) Since(start time.Time) {
	a.AddSample(time.Since(start))
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

func (a *TimeAccumulator) String() string {
	return fmt.Sprintf("%v avg (%v samples)", a.Average(), a.Samples)
}

