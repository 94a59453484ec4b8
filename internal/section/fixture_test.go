package section

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazecal/internal/calibration"
	"github.com/banshee-data/gazecal/internal/fsutil"
	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/monitoring"
	"github.com/banshee-data/gazecal/internal/session"
	"github.com/banshee-data/gazecal/internal/timeutil"
)

const fps = 30.0

func init() {
	monitoring.SetLogger(nil)
}

// truth is the eye-to-scene mapping the synthetic recording follows. It is
// a second-order polynomial, so the 2d model recovers it exactly.
func truth(p gaze.Point2) gaze.Point2 {
	return gaze.Point2{
		X: 0.1 + 0.8*p.X + 0.05*p.Y + 0.1*p.X*p.X,
		Y: 0.05 + 0.02*p.X + 0.9*p.Y - 0.05*p.Y*p.Y,
	}
}

func eyePos(i int) gaze.Point2 {
	return gaze.Point2{
		X: 0.2 + 0.6*math.Mod(float64(i)*0.377, 1),
		Y: 0.2 + 0.6*math.Mod(float64(i)*0.613, 1),
	}
}

type fixture struct {
	sess  *session.Session
	fs    *fsutil.MemoryFileSystem
	notes *session.Recorder
	ts    []float64
}

// newFixture builds a recording with one pupil datum per world frame.
func newFixture(t *testing.T, frames int, method gaze.DetectionMethod) *fixture {
	t.Helper()
	ts := make([]float64, frames)
	pupils := make([]gaze.PupilDatum, frames)
	for i := range ts {
		ts[i] = float64(i) / fps
		pupils[i] = gaze.PupilDatum{Timestamp: ts[i], Confidence: 0.99, NormPos: eyePos(i), Method: method}
		if method == gaze.Detection3D {
			p := eyePos(i)
			u, v := p.X-0.5, p.Y-0.5
			pupils[i].CircleNormal = &gaze.Vec3{X: u, Y: v, Z: -math.Sqrt(1 - u*u - v*v)}
		}
	}
	f := &fixture{fs: fsutil.NewMemoryFileSystem(), notes: &session.Recorder{}, ts: ts}
	sess, err := session.New(session.Config{
		RecordingDir: "/rec",
		Timestamps:   ts,
		Pupils:       pupils,
		FS:           f.fs,
		Clock:        timeutil.NewMockClock(time.Unix(0, 0)),
		Notifier:     f.notes,
	})
	require.NoError(t, err)
	f.sess = sess
	return f
}

// markers builds circle markers at frames lo, lo+step, ... <= hi.
func (f *fixture) markers(lo, hi, step int) []gaze.ReferencePoint {
	var out []gaze.ReferencePoint
	for i := lo; i <= hi; i += step {
		out = append(out, gaze.ReferencePoint{Index: i, Timestamp: f.ts[i], NormPos: truth(eyePos(i))})
	}
	return out
}

func (f *fixture) addMarkers(lo, hi, step int) {
	f.sess.Refs.AppendMarkers(f.markers(lo, hi, step)...)
}

// waitIdle drives the manager until no background work remains.
func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for m.Process() {
		if time.Now().After(deadline) {
			t.Fatal("manager did not become idle")
		}
		time.Sleep(time.Millisecond)
	}
}

// slowModel maps the first fast data at full speed and then sleeps before
// each datum, keeping the mapping task running long enough to act on it.
type slowModel struct {
	calibration.Model
	fast    int64
	applied *atomic.Int64
}

func (m slowModel) Apply(p calibration.Params, d gaze.PupilDatum) ([]gaze.GazeDatum, error) {
	if m.applied.Add(1) > m.fast {
		time.Sleep(time.Millisecond)
	}
	return m.Model.Apply(p, d)
}

// useSlowModel replaces the session's 2d model with a slowModel.
func (f *fixture) useSlowModel(fast int64) {
	reg := calibration.NewRegistry()
	applied := &atomic.Int64{}
	reg.Register(calibration.Method2D, func(opts calibration.Options) calibration.Model {
		return slowModel{Model: calibration.NewPolynomial2D(opts), fast: fast, applied: applied}
	})
	f.sess.Models = reg
}

// processUntil drives m until cond holds.
func processUntil(t *testing.T, m *Manager, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		m.Process()
		time.Sleep(time.Millisecond)
	}
}
