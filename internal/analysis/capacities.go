// v1
// internal/analysis/capacities.go
package analysis

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownDirection is returned when a capacity operation references
// a direction that is not tracked.
var ErrUnknownDirection = errors.New("unknown direction")

// ErrCapacityRange indicates that a capacity value falls outside the
// permitted range.
var ErrCapacityRange = errors.New("capacity outside configured range")

// Capacities stores the per-direction calibration constants (vehicles
// at congestion score 100) behind a RWMutex so the analyzer can read
// them concurrently while operators adjust values over HTTP.
type Capacities struct {
	mu     sync.RWMutex
	values map[string]int
	min    int
	max    int
}

// NewCapacities builds the runtime store from configuration. Every
// direction must have an initial value inside the permitted range.
func NewCapacities(values map[string]int, min, max int) (*Capacities, error) {
	if len(values) == 0 {
		return nil, errors.New("capacities: no directions configured")
	}
	c := &Capacities{values: make(map[string]int, len(values)), min: min, max: max}
	for d, v := range values {
		if v < min || v > max {
			return nil, fmt.Errorf("capacities: direction %s initial %d outside %d..%d", d, v, min, max)
		}
		c.values[d] = v
	}
	return c, nil
}

// Get returns the calibrated capacity for the direction. The boolean
// reports whether the direction is known.
func (c *Capacities) Get(direction string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[direction]
	return v, ok
}

// All returns a copy of the current values.
func (c *Capacities) All() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.values))
	for d, v := range c.values {
		out[d] = v
	}
	return out
}

// Set updates one direction's capacity after range validation. Errors
// are wrapped with sentinel values so HTTP handlers can translate them
// into status codes.
func (c *Capacities) Set(direction string, value int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[direction]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDirection, direction)
	}
	if value < c.min || value > c.max {
		return 0, fmt.Errorf("%w: %d", ErrCapacityRange, value)
	}
	c.values[direction] = value
	return value, nil
}

// Replace swaps in a full calibration map after a configuration
// reload, so directions added or removed at runtime stay calibrated.
// The swap is all-or-nothing: any value outside the new range leaves
// the store untouched.
func (c *Capacities) Replace(values map[string]int, min, max int) error {
	if len(values) == 0 {
		return errors.New("capacities: no directions configured")
	}
	next := make(map[string]int, len(values))
	for d, v := range values {
		if v < min || v > max {
			return fmt.Errorf("capacities: direction %s value %d outside %d..%d", d, v, min, max)
		}
		next[d] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = next
	c.min = min
	c.max = max
	return nil
}

// Range exposes the permitted bounds for validation messages.
func (c *Capacities) Range() (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.min, c.max
}
