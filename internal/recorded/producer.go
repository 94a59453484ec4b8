// Package recorded serves the gaze data that was mapped during recording,
// with a persisted manual offset correction.
package recorded

import (
	"errors"
	"sort"

	"github.com/banshee-data/gazecal/internal/cache"
	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/monitoring"
	"github.com/banshee-data/gazecal/internal/session"
)

// CorrectionFileName is the cache file holding the manual correction.
const CorrectionFileName = "manual_gaze_correction"

// CorrectionVersion is the layout version of the correction file.
const CorrectionVersion = 0

type correction struct {
	DX      float64 `cbor:"dx"`
	DY      float64 `cbor:"dy"`
	Version int     `cbor:"version"`
}

// Producer exposes recorded gaze with an offset applied on read.
type Producer struct {
	sess    *session.Session
	raw     []gaze.GazeDatum
	byFrame [][]int
	dx, dy  float64
}

// New sorts data by timestamp, correlates it with the session's frames and
// restores the saved correction. A missing or unreadable correction starts
// from zero.
func New(sess *session.Session, data []gaze.GazeDatum) *Producer {
	raw := make([]gaze.GazeDatum, len(data))
	copy(raw, data)
	sort.SliceStable(raw, func(i, j int) bool { return raw[i].Timestamp < raw[j].Timestamp })
	ts := make([]float64, len(raw))
	for i := range raw {
		ts[i] = raw[i].Timestamp
	}

	p := &Producer{sess: sess, raw: raw, byFrame: sess.Index.Correlate(ts)}
	var c correction
	err := sess.Cache.LoadInto(sess.CachePath(CorrectionFileName), &c)
	switch {
	case err == nil:
		p.dx, p.dy = c.DX, c.DY
	case !errors.Is(err, cache.ErrNotFound):
		monitoring.Logf("[Recorded] ignoring manual gaze correction: %v", err)
	}
	sess.Notify(session.SubjectGazePositionsChanged, "")
	return p
}

// Offset returns the manual correction.
func (p *Producer) Offset() (dx, dy float64) {
	return p.dx, p.dy
}

// SetOffset changes the manual correction and announces the change.
func (p *Producer) SetOffset(dx, dy float64) {
	if dx == p.dx && dy == p.dy {
		return
	}
	p.dx, p.dy = dx, dy
	monitoring.Debugf("[Recorded] gaze positions changed")
	p.sess.Notify(session.SubjectGazePositionsChanged, "")
}

// GazePositions returns every recorded gaze datum with the offset applied.
func (p *Producer) GazePositions() []gaze.GazeDatum {
	out := make([]gaze.GazeDatum, len(p.raw))
	for i, g := range p.raw {
		out[i] = g.WithOffset(p.dx, p.dy)
	}
	return out
}

// ByFrame returns the corrected gaze for world frame i.
func (p *Producer) ByFrame(i int) []gaze.GazeDatum {
	if i < 0 || i >= len(p.byFrame) {
		return nil
	}
	out := make([]gaze.GazeDatum, len(p.byFrame[i]))
	for k, idx := range p.byFrame[i] {
		out[k] = p.raw[idx].WithOffset(p.dx, p.dy)
	}
	return out
}

// Close saves the correction.
func (p *Producer) Close() error {
	return p.sess.Cache.Save(correction{DX: p.dx, DY: p.dy, Version: CorrectionVersion}, p.sess.CachePath(CorrectionFileName))
}
