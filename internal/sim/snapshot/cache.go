// Package snapshot holds the most recently published StateSnapshot of an
// episode. Reads are a single atomic load and never wait on an
// in-progress step.
package snapshot

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/signalsfoundry/traffic-gateway/model"
)

var (
	// ErrEmpty is returned by Publish when given no snapshot.
	ErrEmpty = errors.New("snapshot is nil")
	// ErrStepGap is returned when a snapshot does not follow the published
	// one by exactly one step.
	ErrStepGap = errors.New("snapshot step does not follow the published step")
)

// Cache publishes immutable snapshots. The zero value is empty and
// ready to use.
type Cache struct {
	current atomic.Pointer[model.StateSnapshot]
}

// New returns a cache with initial already published.
func New(initial *model.StateSnapshot) *Cache {
	c := &Cache{}
	if initial != nil {
		c.current.Store(initial)
	}
	return c
}

// Latest returns the published snapshot and its step, or (nil, -1) when
// nothing has been published yet.
func (c *Cache) Latest() (*model.StateSnapshot, int64) {
	s := c.current.Load()
	if s == nil {
		return nil, -1
	}
	return s, s.Step
}

// Publish replaces the current snapshot with s. After the first
// publication every snapshot must be tagged exactly one step after its
// predecessor, which keeps the published sequence gapless. The caller
// hands over ownership of s.
func (c *Cache) Publish(s *model.StateSnapshot) error {
	if s == nil {
		return ErrEmpty
	}
	for {
		prev := c.current.Load()
		if prev != nil && s.Step != prev.Step+1 {
			return fmt.Errorf("%w: published %d, got %d", ErrStepGap, prev.Step, s.Step)
		}
		if c.current.CompareAndSwap(prev, s) {
			return nil
		}
	}
}
