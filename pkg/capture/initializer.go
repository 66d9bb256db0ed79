package capture

import "fmt"

// Initializer sets up per-object device state (eg the id that a segmentation shader writes)
// when an object is registered with the capture subsystem.
type Initializer interface {
	InitInstance(inst Instance) error
}

// InitializerFunc adapts a function to the Initializer interface
type InitializerFunc func(inst Instance) error

func (f InitializerFunc) InitInstance(inst Instance) error {
	return f(inst)
}

// Initializers is an ordered collection of Initializer, owned by the capture subsystem.
// Initializers run in the order in which they were added.
type Initializers struct {
	list []Initializer
}

func (s *Initializers) Add(i Initializer) {
	s.list = append(s.list, i)
}

func (s *Initializers) Len() int {
	return len(s.list)
}

// Run every initializer on the instance, stopping at the first error
func (s *Initializers) Run(inst Instance) error {
	for idx, i := range s.list {
		if err := i.InitInstance(inst); err != nil {
			return fmt.Errorf("Initializer %v failed on instance %v: %w", idx, inst.ID, err)
		}
	}
	return nil
}
