package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/gazecal/internal/gaze"
)

// maxCondition bounds the design matrix condition number; anything larger
// is treated as a degenerate fit.
const maxCondition = 1e10

// leastSquares solves a·x ≈ b and returns x with the RMS residual.
func leastSquares(a *mat.Dense, b []float64) ([]float64, float64, error) {
	rows, cols := a.Dims()
	if rows < cols {
		return nil, 0, fmt.Errorf("%w: %d correspondences for %d coefficients", ErrInsufficientData, rows, cols)
	}

	var qr mat.QR
	qr.Factorize(a)
	if c := qr.Cond(); math.IsNaN(c) || c > maxCondition {
		return nil, 0, fmt.Errorf("%w: condition number %.3g", ErrFitDidNotConverge, c)
	}

	bv := mat.NewVecDense(rows, b)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, bv); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrFitDidNotConverge, err)
	}

	var r mat.VecDense
	r.MulVec(a, &x)
	r.SubVec(&r, bv)
	rms := math.Sqrt(mat.Dot(&r, &r) / float64(rows))
	if math.IsNaN(rms) || math.IsInf(rms, 0) {
		return nil, 0, fmt.Errorf("%w: non-finite residual", ErrFitDidNotConverge)
	}

	coef := make([]float64, cols)
	for i := range coef {
		coef[i] = x.AtVec(i)
	}
	return coef, rms, nil
}

// fitXY fits one coefficient vector per gaze axis over the rows produced by
// features.
func fitXY(pairs []Correspondence, nFeatures int, features func(gaze.PupilDatum) []float64) (cx, cy []float64, rms float64, err error) {
	if len(pairs) < nFeatures {
		return nil, nil, 0, fmt.Errorf("%w: %d correspondences, need %d", ErrInsufficientData, len(pairs), nFeatures)
	}
	a := mat.NewDense(len(pairs), nFeatures, nil)
	bx := make([]float64, len(pairs))
	by := make([]float64, len(pairs))
	for i, c := range pairs {
		a.SetRow(i, features(c.Pupil))
		bx[i] = c.Ref.NormPos.X
		by[i] = c.Ref.NormPos.Y
	}

	cx, rx, err := leastSquares(a, bx)
	if err != nil {
		return nil, nil, 0, err
	}
	cy, ry, err := leastSquares(a, by)
	if err != nil {
		return nil, nil, 0, err
	}
	return cx, cy, math.Hypot(rx, ry), nil
}

func dot(coef, features []float64) float64 {
	var s float64
	for i := range coef {
		s += coef[i] * features[i]
	}
	return s
}

// Polynomial2D maps the pupil's normalized eye-image position through a
// second-order bivariate polynomial.
type Polynomial2D struct {
	opts Options
}

// NewPolynomial2D is the Factory for Method2D.
func NewPolynomial2D(opts Options) Model {
	return &Polynomial2D{opts: opts}
}

const poly2DTerms = 6

func poly2DFeatures(d gaze.PupilDatum) []float64 {
	x, y := d.NormPos.X, d.NormPos.Y
	return []float64{1, x, y, x * y, x * x, y * y}
}

// Method implements Model.
func (m *Polynomial2D) Method() Method { return Method2D }

// Fit implements Model.
func (m *Polynomial2D) Fit(refs []gaze.ReferencePoint, pupils []gaze.PupilDatum) (Params, error) {
	if len(refs) == 0 || len(pupils) == 0 {
		return Params{}, ErrInsufficientData
	}
	pairs := MatchClosest(refs, pupils, m.opts.MatchWindow, func(p gaze.PupilDatum) bool {
		return p.Confidence >= m.opts.MinConfidence
	})
	cx, cy, rms, err := fitXY(pairs, poly2DTerms, poly2DFeatures)
	if err != nil {
		return Params{}, err
	}
	return Params{
		Method: Method2D,
		Args: map[string]any{
			"cx":       cx,
			"cy":       cy,
			"residual": rms,
			"pairs":    len(pairs),
		},
		Version: ParamsVersion,
	}, nil
}

// Apply implements Model. Data with a non-finite position map to nothing.
func (m *Polynomial2D) Apply(p Params, d gaze.PupilDatum) ([]gaze.GazeDatum, error) {
	cx, err := floatsArg(p.Args, "cx", poly2DTerms)
	if err != nil {
		return nil, err
	}
	cy, err := floatsArg(p.Args, "cy", poly2DTerms)
	if err != nil {
		return nil, err
	}
	if !finite(d.NormPos.X) || !finite(d.NormPos.Y) {
		return nil, nil
	}
	f := poly2DFeatures(d)
	return []gaze.GazeDatum{{
		Timestamp:  d.Timestamp,
		NormPos:    gaze.Point2{X: dot(cx, f), Y: dot(cy, f)},
		Confidence: d.Confidence,
		BasePupil:  []gaze.PupilDatum{d},
	}}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Linear3D maps the 3d eye model's pupil normal affinely onto the scene
// image. It needs 3d pupil data; 2d data maps to nothing.
type Linear3D struct {
	opts Options
}

// NewLinear3D is the Factory for Method3D.
func NewLinear3D(opts Options) Model {
	return &Linear3D{opts: opts}
}

const linear3DTerms = 4

func linear3DFeatures(d gaze.PupilDatum) []float64 {
	n := d.CircleNormal
	return []float64{n.X, n.Y, n.Z, 1}
}

// Method implements Model.
func (m *Linear3D) Method() Method { return Method3D }

// Fit implements Model.
func (m *Linear3D) Fit(refs []gaze.ReferencePoint, pupils []gaze.PupilDatum) (Params, error) {
	if len(refs) == 0 || len(pupils) == 0 {
		return Params{}, ErrInsufficientData
	}
	pairs := MatchClosest(refs, pupils, m.opts.MatchWindow, func(p gaze.PupilDatum) bool {
		return p.CircleNormal != nil && p.Confidence >= m.opts.MinConfidence
	})
	cx, cy, rms, err := fitXY(pairs, linear3DTerms, linear3DFeatures)
	if err != nil {
		return Params{}, err
	}
	return Params{
		Method: Method3D,
		Args: map[string]any{
			"cx":       cx,
			"cy":       cy,
			"residual": rms,
			"pairs":    len(pairs),
		},
		Version: ParamsVersion,
	}, nil
}

// Apply implements Model.
func (m *Linear3D) Apply(p Params, d gaze.PupilDatum) ([]gaze.GazeDatum, error) {
	cx, err := floatsArg(p.Args, "cx", linear3DTerms)
	if err != nil {
		return nil, err
	}
	cy, err := floatsArg(p.Args, "cy", linear3DTerms)
	if err != nil {
		return nil, err
	}
	if d.CircleNormal == nil {
		return nil, nil
	}
	f := linear3DFeatures(d)
	return []gaze.GazeDatum{{
		Timestamp:  d.Timestamp,
		NormPos:    gaze.Point2{X: dot(cx, f), Y: dot(cy, f)},
		Confidence: d.Confidence,
		BasePupil:  []gaze.PupilDatum{d},
	}}, nil
}
