package timeline

import (
	"sort"

	"github.com/banshee-data/gazecal/internal/gaze"
)

// PupilByFrame holds pupil detections grouped by world frame.
type PupilByFrame struct {
	index  *Index
	frames [][]gaze.PupilDatum
	total  int
}

// NewPupilByFrame sorts data by timestamp and correlates it with index.
func NewPupilByFrame(index *Index, data []gaze.PupilDatum) *PupilByFrame {
	sorted := make([]gaze.PupilDatum, len(data))
	copy(sorted, data)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	ts := make([]float64, len(sorted))
	for i := range sorted {
		ts[i] = sorted[i].Timestamp
	}

	positions := index.Correlate(ts)
	frames := make([][]gaze.PupilDatum, len(positions))
	for f, pos := range positions {
		if len(pos) == 0 {
			continue
		}
		frame := make([]gaze.PupilDatum, len(pos))
		for k, p := range pos {
			frame[k] = sorted[p]
		}
		frames[f] = frame
	}
	return &PupilByFrame{index: index, frames: frames, total: len(sorted)}
}

// Index returns the timeline the data is correlated with.
func (p *PupilByFrame) Index() *Index {
	return p.index
}

// Len returns the total number of pupil data.
func (p *PupilByFrame) Len() int {
	return p.total
}

// Frame returns the pupil data captured during frame i.
func (p *PupilByFrame) Frame(i int) []gaze.PupilDatum {
	if i < 0 || i >= len(p.frames) {
		return nil
	}
	return p.frames[i]
}

// Slice flattens the pupil data of every frame in r, in timestamp order.
// The returned slice is a fresh copy and safe to hand to a worker.
func (p *PupilByFrame) Slice(r Range) []gaze.PupilDatum {
	c := p.index.Clamp(r)
	n := 0
	for i := c.Lo; i <= c.Hi; i++ {
		n += len(p.frames[i])
	}
	if n == 0 {
		return nil
	}
	out := make([]gaze.PupilDatum, 0, n)
	for i := c.Lo; i <= c.Hi; i++ {
		out = append(out, p.frames[i]...)
	}
	return out
}
