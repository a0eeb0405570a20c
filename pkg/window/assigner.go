// Package window implements the event-time windowed aggregation handler.
package window

import (
	"errors"
	"fmt"
)

// Bounds is a half-open event-time interval [Start, End) in milliseconds.
type Bounds struct {
	Start int64
	End   int64
}

func (b Bounds) String() string { return fmt.Sprintf("[%d, %d)", b.Start, b.End) }

// Assigner maps event timestamps to windows. Slide == 0 or Slide == Size
// gives tumbling windows.
type Assigner struct {
	Size  int64
	Slide int64
}

// Validate checks the window shape.
func (a Assigner) Validate() error {
	if a.Size <= 0 {
		return errors.New("window: size must be positive")
	}
	if a.Slide < 0 || a.Slide > a.Size {
		return fmt.Errorf("window: slide %d must be in (0, size %d]", a.Slide, a.Size)
	}
	return nil
}

func (a Assigner) slide() int64 {
	if a.Slide == 0 {
		return a.Size
	}
	return a.Slide
}

// Assign appends to dst every window containing ts, ordered by start.
func (a Assigner) Assign(dst []Bounds, ts int64) []Bounds {
	slide := a.slide()
	last := floorDiv(ts, slide) * slide
	first := last - a.Size + slide
	for start := first; start <= last; start += slide {
		if ts >= start && ts < start+a.Size {
			dst = append(dst, Bounds{Start: start, End: start + a.Size})
		}
	}
	return dst
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
