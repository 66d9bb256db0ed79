package simcapture

import (
	"math/rand"
	"sort"
)

type deviceJob struct {
	origin   int64
	due      int64
	seq      int64
	complete func()
}

// Device simulates a GPU whose work completes a variable number of frames after it was submitted.
// Completions run inside Tick(), on the caller's goroutine.
type Device struct {
	MinLatency int64 // Minimum number of frames between Submit and completion (at least 1)
	MaxLatency int64 // Maximum number of frames between Submit and completion

	rng   *rand.Rand
	jobs  []deviceJob
	seq   int64
	lost  bool
	frame int64
}

// Create a simulated device. Latencies are chosen uniformly in [minLatency, maxLatency].
func NewDevice(minLatency, maxLatency int64, seed int64) *Device {
	if minLatency < 1 {
		minLatency = 1
	}
	if maxLatency < minLatency {
		maxLatency = minLatency
	}
	return &Device{
		MinLatency: minLatency,
		MaxLatency: maxLatency,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

func (d *Device) Submit(frame int64, complete func()) {
	if d.lost {
		return
	}
	latency := d.MinLatency
	if d.MaxLatency > d.MinLatency {
		latency += d.rng.Int63n(d.MaxLatency - d.MinLatency + 1)
	}
	d.seq++
	d.jobs = append(d.jobs, deviceJob{
		origin:   frame,
		due:      frame + latency,
		seq:      d.seq,
		complete: complete,
	})
}

// Tick runs the completion of every job that is due on or before 'frame'.
// Jobs complete in order of due frame, and then submission order.
func (d *Device) Tick(frame int64) int {
	d.frame = frame
	sort.SliceStable(d.jobs, func(i, j int) bool {
		if d.jobs[i].due != d.jobs[j].due {
			return d.jobs[i].due < d.jobs[j].due
		}
		return d.jobs[i].seq < d.jobs[j].seq
	})
	n := 0
	for n < len(d.jobs) && d.jobs[n].due <= frame {
		n++
	}
	ready := d.jobs[:n:n]
	d.jobs = append([]deviceJob(nil), d.jobs[n:]...)
	for _, j := range ready {
		j.complete()
	}
	return n
}

// InFlight returns the number of jobs that have not completed
func (d *Device) InFlight() int {
	return len(d.jobs)
}

// Lose simulates device loss. All in-flight work is discarded, and future work is never completed.
func (d *Device) Lose() {
	d.lost = true
	d.jobs = nil
}
