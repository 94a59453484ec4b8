// Package timeline maps index ranges over the recording's frame timestamps to
// data slices, and correlates timestamped data with capture frames.
package timeline

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrNotMonotonic is returned when frame timestamps decrease.
var ErrNotMonotonic = errors.New("timestamps are not monotonically increasing")

// Range is an inclusive pair of frame indices.
type Range struct {
	Lo int
	Hi int
}

// Len returns the number of frames covered by r.
func (r Range) Len() int {
	if r.Hi < r.Lo {
		return 0
	}
	return r.Hi - r.Lo + 1
}

// Contains reports whether index i lies in r.
func (r Range) Contains(i int) bool {
	return r.Lo <= i && i <= r.Hi
}

// Pair returns r as a two-element array, the on-disk shape.
func (r Range) Pair() [2]int {
	return [2]int{r.Lo, r.Hi}
}

// RangeFromPair is the inverse of Pair.
func RangeFromPair(p [2]int) Range {
	return Range{Lo: p[0], Hi: p[1]}
}

// Index is the master capture timeline: one timestamp per world frame.
type Index struct {
	timestamps []float64
	// midpoints[i] separates frame i from frame i+1.
	midpoints []float64
}

// NewIndex builds an Index. Timestamps must be non-decreasing.
func NewIndex(timestamps []float64) (*Index, error) {
	for i := 1; i < len(timestamps); i++ {
		if timestamps[i] < timestamps[i-1] {
			return nil, fmt.Errorf("frame %d: %w", i, ErrNotMonotonic)
		}
	}
	ts := make([]float64, len(timestamps))
	copy(ts, timestamps)

	var mids []float64
	if len(ts) > 1 {
		mids = make([]float64, len(ts)-1)
		for i := range mids {
			mids[i] = (ts[i] + ts[i+1]) / 2
		}
	}
	return &Index{timestamps: ts, midpoints: mids}, nil
}

// Len returns the number of frames.
func (x *Index) Len() int {
	return len(x.timestamps)
}

// MaxIndex returns the last valid frame index, or -1 for an empty timeline.
func (x *Index) MaxIndex() int {
	return len(x.timestamps) - 1
}

// Timestamp returns the timestamp of frame i after clamping i.
func (x *Index) Timestamp(i int) float64 {
	if len(x.timestamps) == 0 {
		return math.NaN()
	}
	return x.timestamps[x.clampIndex(i)]
}

// Full returns the range covering every frame.
func (x *Index) Full() Range {
	return Range{Lo: 0, Hi: x.MaxIndex()}
}

func (x *Index) clampIndex(i int) int {
	if i < 0 {
		return 0
	}
	if m := x.MaxIndex(); i > m {
		return m
	}
	return i
}

// Clamp returns r restricted to [0, MaxIndex] with Lo <= Hi.
// Out-of-bounds values are clamped rather than rejected.
func (x *Index) Clamp(r Range) Range {
	if x.Len() == 0 {
		return Range{Lo: 0, Hi: -1}
	}
	lo, hi := x.clampIndex(r.Lo), x.clampIndex(r.Hi)
	if lo > hi {
		lo, hi = hi, lo
	}
	return Range{Lo: lo, Hi: hi}
}

// IndicesForRange returns the clamped inclusive bounds of r.
func (x *Index) IndicesForRange(r Range) (lo, hi int) {
	c := x.Clamp(r)
	return c.Lo, c.Hi
}

// Indices returns every frame index in r after clamping.
func (x *Index) Indices(r Range) []int {
	c := x.Clamp(r)
	if c.Len() == 0 {
		return nil
	}
	out := make([]int, 0, c.Len())
	for i := c.Lo; i <= c.Hi; i++ {
		out = append(out, i)
	}
	return out
}

// RangeForTrimMarks converts the seek bar's trim marks into a range.
func (x *Index) RangeForTrimMarks(trimLeft, trimRight int) Range {
	return x.Clamp(Range{Lo: trimLeft, Hi: trimRight})
}

// TimestampsForRange returns the frame timestamps inside r.
func (x *Index) TimestampsForRange(r Range) []float64 {
	c := x.Clamp(r)
	if c.Len() == 0 {
		return nil
	}
	return x.timestamps[c.Lo : c.Hi+1]
}

// FrameForTimestamp returns the frame whose capture interval contains ts.
// Frame i's interval runs from the midpoint with frame i-1 (exclusive) to the
// midpoint with frame i+1 (inclusive).
func (x *Index) FrameForTimestamp(ts float64) int {
	if x.Len() == 0 {
		return -1
	}
	return sort.SearchFloat64s(x.midpoints, ts)
}

// Correlate assigns each timestamp to its capture frame. The result has one
// slice per frame holding positions into ts. ts need not be sorted; the cost
// is O(n log m) for n items over m frames.
func (x *Index) Correlate(ts []float64) [][]int {
	byFrame := make([][]int, x.Len())
	if x.Len() == 0 {
		return byFrame
	}
	for i, t := range ts {
		f := x.FrameForTimestamp(t)
		byFrame[f] = append(byFrame[f], i)
	}
	return byFrame
}

// FormatRange renders r as "MM:SS - MM:SS" relative to the first frame.
func (x *Index) FormatRange(r Range) string {
	c := x.Clamp(r)
	if c.Len() == 0 {
		return "--:-- - --:--"
	}
	t0 := x.timestamps[0]
	return fmt.Sprintf("%s - %s", formatClock(x.timestamps[c.Lo]-t0), formatClock(x.timestamps[c.Hi]-t0))
}

func formatClock(secs float64) string {
	minutes := math.Floor(secs / 60)
	seconds := secs - minutes*60
	return fmt.Sprintf("%02.0f:%02.0f", math.Abs(minutes), math.Floor(seconds))
}
