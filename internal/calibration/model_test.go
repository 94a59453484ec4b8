package calibration

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazecal/internal/gaze"
)

var testOpts = Options{MinConfidence: 0.8, MatchWindow: time.Second / 15}

// truth2D is the eye-to-scene mapping the synthetic data follows.
func truth2D(p gaze.Point2) gaze.Point2 {
	return gaze.Point2{
		X: 0.1 + 0.8*p.X + 0.05*p.Y + 0.1*p.X*p.X,
		Y: 0.05 + 0.02*p.X + 0.9*p.Y - 0.05*p.Y*p.Y,
	}
}

// gridData builds a 4x4 grid of correspondences, one per second.
func gridData(method gaze.DetectionMethod, confidence float64) ([]gaze.ReferencePoint, []gaze.PupilDatum) {
	var refs []gaze.ReferencePoint
	var pupils []gaze.PupilDatum
	k := 0
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			eye := gaze.Point2{X: 0.2 + 0.2*float64(i), Y: 0.3 + 0.15*float64(j)}
			ts := float64(k)
			pd := gaze.PupilDatum{Timestamp: ts + 0.01, Confidence: confidence, NormPos: eye, Method: method}
			scene := truth2D(eye)
			if method == gaze.Detection3D {
				u, v := eye.X-0.5, eye.Y-0.5
				pd.CircleNormal = &gaze.Vec3{X: u, Y: v, Z: -math.Sqrt(1 - u*u - v*v)}
				scene = gaze.Point2{X: 0.5 + 0.9*u + 0.1*pd.CircleNormal.Z, Y: 0.5 + 0.8*v}
			}
			pupils = append(pupils, pd)
			refs = append(refs, gaze.ReferencePoint{Index: k, Timestamp: ts, NormPos: scene})
			k++
		}
	}
	return refs, pupils
}

func TestPolynomial2D_FitRecoversMapping(t *testing.T) {
	refs, pupils := gridData(gaze.Detection2D, 0.99)
	m := NewPolynomial2D(testOpts)

	params, err := m.Fit(refs, pupils)
	require.NoError(t, err)
	assert.Equal(t, Method2D, params.Method)
	assert.Equal(t, ParamsVersion, params.Version)
	assert.Less(t, params.Args["residual"].(float64), 1e-9)

	probe := gaze.PupilDatum{Timestamp: 42, Confidence: 0.1, NormPos: gaze.Point2{X: 0.45, Y: 0.55}}
	out, err := m.Apply(params, probe)
	require.NoError(t, err)
	require.Len(t, out, 1)
	want := truth2D(probe.NormPos)
	assert.InDelta(t, want.X, out[0].NormPos.X, 1e-9)
	assert.InDelta(t, want.Y, out[0].NormPos.Y, 1e-9)
	assert.Equal(t, 42.0, out[0].Timestamp)
	assert.Equal(t, 0.1, out[0].Confidence, "mapping ignores the confidence floor")
	require.Len(t, out[0].BasePupil, 1)
}

func TestPolynomial2D_ApplyAcceptsDecodedArgs(t *testing.T) {
	refs, pupils := gridData(gaze.Detection2D, 0.99)
	m := NewPolynomial2D(testOpts)
	params, err := m.Fit(refs, pupils)
	require.NoError(t, err)

	decoded := Params{Method: params.Method, Version: params.Version, Args: map[string]any{}}
	for _, key := range []string{"cx", "cy"} {
		var generic []any
		for _, f := range params.Args[key].([]float64) {
			generic = append(generic, f)
		}
		decoded.Args[key] = generic
	}

	a, err := m.Apply(params, pupils[3])
	require.NoError(t, err)
	b, err := m.Apply(decoded, pupils[3])
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = m.Apply(Params{Args: map[string]any{"cx": []any{"x"}}}, pupils[0])
	assert.Error(t, err)
}

func TestPolynomial2D_RejectsNonFinite(t *testing.T) {
	refs, pupils := gridData(gaze.Detection2D, 0.99)
	m := NewPolynomial2D(testOpts)
	params, err := m.Fit(refs, pupils)
	require.NoError(t, err)

	out, err := m.Apply(params, gaze.PupilDatum{NormPos: gaze.Point2{X: math.NaN(), Y: 0.5}})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFit_InsufficientData(t *testing.T) {
	refs, pupils := gridData(gaze.Detection2D, 0.99)
	for _, m := range []Model{NewPolynomial2D(testOpts), NewLinear3D(testOpts)} {
		_, err := m.Fit(nil, pupils)
		assert.ErrorIs(t, err, ErrInsufficientData)
		_, err = m.Fit(refs, nil)
		assert.ErrorIs(t, err, ErrInsufficientData)
	}
}

func TestFit_ConfidenceGating(t *testing.T) {
	refs, pupils := gridData(gaze.Detection2D, 0.5)
	_, err := NewPolynomial2D(testOpts).Fit(refs, pupils)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = NewPolynomial2D(Options{MinConfidence: 0.4, MatchWindow: testOpts.MatchWindow}).Fit(refs, pupils)
	assert.NoError(t, err)
}

func TestFit_DegenerateDoesNotConverge(t *testing.T) {
	refs, pupils := gridData(gaze.Detection2D, 0.99)
	for i := range pupils {
		pupils[i].NormPos = gaze.Point2{X: 0.5, Y: 0.5}
	}
	_, err := NewPolynomial2D(testOpts).Fit(refs, pupils)
	assert.ErrorIs(t, err, ErrFitDidNotConverge)
}

func TestLinear3D(t *testing.T) {
	refs, pupils := gridData(gaze.Detection3D, 0.99)
	m := NewLinear3D(testOpts)

	params, err := m.Fit(refs, pupils)
	require.NoError(t, err)
	assert.Equal(t, Method3D, params.Method)

	out, err := m.Apply(params, pupils[5])
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, refs[5].NormPos.X, out[0].NormPos.X, 1e-9)
	assert.InDelta(t, refs[5].NormPos.Y, out[0].NormPos.Y, 1e-9)

	out, err = m.Apply(params, gaze.PupilDatum{Method: gaze.Detection2D})
	require.NoError(t, err)
	assert.Empty(t, out, "2d data carries no normal")

	_, twoD := gridData(gaze.Detection2D, 0.99)
	_, err = m.Fit(refs, twoD)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestMatchClosest(t *testing.T) {
	refs := []gaze.ReferencePoint{{Index: 0, Timestamp: 1.0}, {Index: 1, Timestamp: 2.0}, {Index: 2, Timestamp: 9.0}}
	pupils := []gaze.PupilDatum{
		{Timestamp: 2.05, Confidence: 1},
		{Timestamp: 0.97, Confidence: 1},
		{Timestamp: 1.02, Confidence: 0.1},
		{Timestamp: 1.98, Confidence: 1},
	}

	pairs := MatchClosest(refs, pupils, 100*time.Millisecond, func(p gaze.PupilDatum) bool { return p.Confidence > 0.5 })
	require.Len(t, pairs, 2)
	assert.Equal(t, 0.97, pairs[0].Pupil.Timestamp)
	assert.Equal(t, 1.98, pairs[1].Pupil.Timestamp)

	assert.Nil(t, MatchClosest(refs, nil, time.Second, nil))
}

func TestMedianIs2D(t *testing.T) {
	assert.False(t, MedianIs2D(nil))
	data := []gaze.PupilDatum{{Method: gaze.Detection3D}, {Method: gaze.Detection2D}, {Method: gaze.Detection3D}}
	assert.True(t, MedianIs2D(data))
	data[1].Method = gaze.Detection3D
	assert.False(t, MedianIs2D(data))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []Method{Method2D, Method3D}, r.Methods())

	m, err := r.Get(Method3D, testOpts)
	require.NoError(t, err)
	assert.Equal(t, Method3D, m.Method())

	_, err = r.Get(Method("4d"), testOpts)
	assert.ErrorIs(t, err, ErrUnknownMethod)

	_, err = ParseMethod("4d")
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
