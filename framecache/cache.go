// Package framecache holds the previously synthesized frames a temporal
// generator conditions on between forward passes.
package framecache

import (
	"errors"
	"fmt"
	"slices"

	"github.com/vtonlabs/tryon/ml"
)

var ErrNotRGB = errors.New("cached frames must have 3 channels")

// Cache retains the most recent synthesized frame of a clip. Generators
// with a window of n frames zero-fill the older slots, which matches how
// they bootstrap the first frame of a clip.
type Cache struct {
	frames int

	last  ml.Tensor
	shape []int
}

// NewCache returns a cache for a generator conditioned on frames
// previous outputs.
func NewCache(frames int) *Cache {
	return &Cache{frames: max(frames, 1)}
}

// Frames returns the window size the generator was built for.
func (c *Cache) Frames() int {
	return c.frames
}

// Last returns the most recent synthesized frame, or nil at the start of
// a clip.
func (c *Cache) Last() ml.Tensor {
	return c.last
}

// Put stores the frame synthesized by the current forward pass. The frame
// must be RGB and keep the same shape for the whole clip.
func (c *Cache) Put(t ml.Tensor) error {
	if t.Dim(2) != 3 {
		return fmt.Errorf("%w, got %d", ErrNotRGB, t.Dim(2))
	}

	if c.shape != nil && !slices.Equal(c.shape, t.Shape()) {
		return fmt.Errorf("frame shape changed mid clip: had %v, got %v", c.shape, t.Shape())
	}

	c.last = t
	c.shape = t.Shape()
	return nil
}

// Clear forgets the clip history. Call it between clips so the next frame
// starts from zero conditioning.
func (c *Cache) Clear() {
	c.last = nil
	c.shape = nil
}
