// Package frameresult correlates work requested on one frame with the data that
// resolves it on a later frame.
//
// GPU readbacks arrive an unknown number of frames after they were requested, and
// not necessarily in request order. Everything in here is keyed by the origin frame,
// never by arrival order.
package frameresult

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cyclopcam/groundtruth/pkg/perfstats"
)

var ErrAlreadyRegistered = errors.New("Concern is already registered for this frame")
var ErrNotRegistered = errors.New("Concern is not registered for this frame")
var ErrAlreadyDelivered = errors.New("Concern has already been delivered for this frame")

// DefaultMaxPendingFrames is the default age, in frames, after which an unresolved entry is dropped.
const DefaultMaxPendingFrames = 300

// Concern names one independent source of data for a frame (eg "inFrame", or "visible")
type Concern string

// Key identifies one outstanding piece of work
type Key struct {
	Frame   int64
	Concern Concern
}

func (k Key) String() string {
	return fmt.Sprintf("%v@%v", k.Concern, k.Frame)
}

type entry[T any] struct {
	registeredAt int64 // Frame on which Register() was called (normally equal to Key.Frame)
	delivered    bool
	value        T
}

// Registry statistics
type Stats struct {
	Pending   int                   // Number of entries currently registered
	Delivered int64                 // Total number of Deliver() calls that succeeded
	Consumed  int64                 // Total number of entries consumed
	Expired   int64                 // Total number of entries dropped by Expire()
	Latency   perfstats.Accumulator // Frames between Register() and Deliver()
}

// Registry holds one entry per outstanding (frame, concern).
// An entry is created by Register, filled by Deliver, and removed by TryConsume.
// Empty values are stored and consumed like any other value.
// Registry is not safe for use from multiple goroutines.
type Registry[T any] struct {
	// Entries older than this many frames are dropped by Expire().
	// Zero means entries never expire.
	MaxPendingFrames int64

	entries map[Key]*entry[T]
	stats   Stats
}

func NewRegistry[T any](maxPendingFrames int64) *Registry[T] {
	return &Registry[T]{
		MaxPendingFrames: maxPendingFrames,
		entries:          map[Key]*entry[T]{},
	}
}

// Register marks a concern as outstanding for a frame.
// It must be called at most once per key before the key is consumed.
func (r *Registry[T]) Register(key Key) error {
	if _, ok := r.entries[key]; ok {
		return fmt.Errorf("%w: %v", ErrAlreadyRegistered, key)
	}
	r.entries[key] = &entry[T]{
		registeredAt: key.Frame,
	}
	return nil
}

// Deliver stores the resolved value for a registered key.
// 'now' is the frame on which the value arrived, and is only used for latency statistics.
func (r *Registry[T]) Deliver(key Key, value T, now int64) error {
	e, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotRegistered, key)
	}
	if e.delivered {
		return fmt.Errorf("%w: %v", ErrAlreadyDelivered, key)
	}
	e.delivered = true
	e.value = value
	r.stats.Delivered++
	r.stats.Latency.AddSample(float64(now - e.registeredAt))
	return nil
}

// IsRegistered returns true if the key is outstanding or delivered, but not yet consumed
func (r *Registry[T]) IsRegistered(key Key) bool {
	_, ok := r.entries[key]
	return ok
}

// Has returns true if the value for key has arrived and has not been consumed
func (r *Registry[T]) Has(key Key) bool {
	e, ok := r.entries[key]
	return ok && e.delivered
}

// TryConsume removes and returns the value for key, if it has arrived.
// If the value has not arrived yet, the entry is left in place and ok is false.
func (r *Registry[T]) TryConsume(key Key) (value T, ok bool) {
	e, exists := r.entries[key]
	if !exists || !e.delivered {
		return value, false
	}
	delete(r.entries, key)
	r.stats.Consumed++
	return e.value, true
}

// TryConsumeAll consumes every concern of a frame, but only if all of them have arrived.
// If any concern is missing, nothing is consumed and ok is false.
func (r *Registry[T]) TryConsumeAll(frame int64, concerns ...Concern) (values map[Concern]T, ok bool) {
	for _, c := range concerns {
		if !r.Has(Key{Frame: frame, Concern: c}) {
			return nil, false
		}
	}
	values = make(map[Concern]T, len(concerns))
	for _, c := range concerns {
		values[c], _ = r.TryConsume(Key{Frame: frame, Concern: c})
	}
	return values, true
}

// Drop removes every entry of the given frame, regardless of state, and returns the number removed
func (r *Registry[T]) Drop(frame int64) int {
	n := 0
	for k := range r.entries {
		if k.Frame == frame {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Expire drops every entry that was registered more than MaxPendingFrames before currentFrame.
// This bounds the memory held by work that will never complete (eg device loss, or an aborted readback).
// The dropped keys are returned in ascending frame order.
func (r *Registry[T]) Expire(currentFrame int64) []Key {
	if r.MaxPendingFrames <= 0 {
		return nil
	}
	var dropped []Key
	for k, e := range r.entries {
		if currentFrame-e.registeredAt > r.MaxPendingFrames {
			dropped = append(dropped, k)
		}
	}
	for _, k := range dropped {
		delete(r.entries, k)
	}
	r.stats.Expired += int64(len(dropped))
	sort.Slice(dropped, func(i, j int) bool {
		if dropped[i].Frame != dropped[j].Frame {
			return dropped[i].Frame < dropped[j].Frame
		}
		return dropped[i].Concern < dropped[j].Concern
	})
	return dropped
}

// Len returns the number of registered entries (delivered or not)
func (r *Registry[T]) Len() int {
	return len(r.entries)
}

func (r *Registry[T]) Stats() Stats {
	s := r.stats
	s.Pending = len(r.entries)
	return s
}
