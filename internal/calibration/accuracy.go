package calibration

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gazecal/internal/gaze"
)

// EvalOptions configures accuracy evaluation.
type EvalOptions struct {
	OutlierThresholdDeg float64
	FovXDeg             float64
	FovYDeg             float64
	MatchWindow         time.Duration
}

// Accuracy summarizes the angular error of mapped gaze against references.
type Accuracy struct {
	AccuracyDeg  float64
	PrecisionDeg float64
	// Used and Total count the inlier and all matched samples.
	Used  int
	Total int
}

// Evaluate matches each reference to the temporally closest gaze point and
// reports accuracy (mean angular error of inliers) and precision (RMS of
// the angular distance between successive inlier gaze samples). ok is false
// when nothing could be matched.
func Evaluate(gazeData []gaze.GazeDatum, refs []gaze.ReferencePoint, opts EvalOptions) (acc Accuracy, ok bool) {
	if len(gazeData) == 0 || len(refs) == 0 {
		return Accuracy{}, false
	}

	// Reuse the pupil matcher by viewing gaze points as timestamped data.
	asPupils := make([]gaze.PupilDatum, len(gazeData))
	for i, g := range gazeData {
		asPupils[i] = gaze.PupilDatum{Timestamp: g.Timestamp, NormPos: g.NormPos, Confidence: g.Confidence}
	}
	pairs := MatchClosest(refs, asPupils, opts.MatchWindow, nil)
	if len(pairs) == 0 {
		return Accuracy{}, false
	}

	proj := newProjection(opts.FovXDeg, opts.FovYDeg)
	var errs []float64
	var inliers []gaze.Point2
	for _, p := range pairs {
		e := proj.angleDeg(p.Pupil.NormPos, p.Ref.NormPos)
		if e > opts.OutlierThresholdDeg {
			continue
		}
		errs = append(errs, e)
		inliers = append(inliers, p.Pupil.NormPos)
	}

	acc = Accuracy{Used: len(errs), Total: len(pairs), AccuracyDeg: math.NaN(), PrecisionDeg: math.NaN()}
	if len(errs) == 0 {
		return acc, true
	}
	acc.AccuracyDeg = stat.Mean(errs, nil)

	if len(inliers) > 1 {
		succ := make([]float64, 0, len(inliers)-1)
		for i := 1; i < len(inliers); i++ {
			d := proj.angleDeg(inliers[i-1], inliers[i])
			succ = append(succ, d*d)
		}
		acc.PrecisionDeg = math.Sqrt(stat.Mean(succ, nil))
	}
	return acc, true
}

// projection turns normalized image positions into viewing directions of a
// pinhole camera with the given field of view.
type projection struct {
	fx, fy float64
}

func newProjection(fovXDeg, fovYDeg float64) projection {
	return projection{
		fx: 0.5 / math.Tan(fovXDeg*math.Pi/360),
		fy: 0.5 / math.Tan(fovYDeg*math.Pi/360),
	}
}

func (p projection) dir(pt gaze.Point2) [3]float64 {
	return [3]float64{(pt.X - 0.5) / p.fx, (pt.Y - 0.5) / p.fy, 1}
}

func (p projection) angleDeg(a, b gaze.Point2) float64 {
	u, v := p.dir(a), p.dir(b)
	d := u[0]*v[0] + u[1]*v[1] + u[2]*v[2]
	nu := math.Sqrt(u[0]*u[0] + u[1]*u[1] + u[2]*u[2])
	nv := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	c := d / (nu * nv)
	if c > 1 {
		c = 1
	}
	if c < -1 {
		c = -1
	}
	return math.Acos(c) * 180 / math.Pi
}
