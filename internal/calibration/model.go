// Package calibration fits and applies the models that map pupil detections
// to normalized gaze positions.
//
// A Model is looked up by Method in a Registry. Fitted parameters are an
// opaque argument blob (Params.Args) that survives the cache codec, so a
// model must accept both its own Go types and their decoded generic forms.
package calibration

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/gazecal/internal/gaze"
)

var (
	// ErrInsufficientData is returned when either input to Fit is empty or
	// too few correspondences remain after gating and matching.
	ErrInsufficientData = errors.New("insufficient calibration data")

	// ErrFitDidNotConverge is returned for numerically degenerate
	// correspondences.
	ErrFitDidNotConverge = errors.New("calibration fit did not converge")

	// ErrUnknownMethod is returned by Registry.Get for unregistered methods.
	ErrUnknownMethod = errors.New("unknown calibration method")
)

// ParamsVersion is the on-disk version of fitted parameters.
const ParamsVersion = 1

// Method names a calibration/mapping method.
type Method string

const (
	Method2D Method = "2d"
	Method3D Method = "3d"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case Method2D, Method3D:
		return Method(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Params is the result of a successful fit.
type Params struct {
	Method  Method         `cbor:"name"`
	Args    map[string]any `cbor:"args"`
	Version int            `cbor:"version"`
}

// Options configures a model.
type Options struct {
	// MinConfidence excludes pupil data from fitting. Mapping ignores it.
	MinConfidence float64
	// MatchWindow is the largest reference/pupil time distance that still
	// forms a correspondence.
	MatchWindow time.Duration
}

// Model fits and applies one calibration method.
type Model interface {
	Method() Method

	// Fit computes parameters from reference points and pupil data.
	Fit(refs []gaze.ReferencePoint, pupils []gaze.PupilDatum) (Params, error)

	// Apply maps one pupil datum to zero or more gaze points. It must be a
	// pure function of its arguments.
	Apply(p Params, d gaze.PupilDatum) ([]gaze.GazeDatum, error)
}

// Factory builds a Model for the given options.
type Factory func(opts Options) Model

// Registry maps methods to model factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Method]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Method]Factory)}
}

// DefaultRegistry returns a registry holding the bundled models.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Method2D, NewPolynomial2D)
	r.Register(Method3D, NewLinear3D)
	return r
}

// Register adds a factory, replacing any previous one for method.
func (r *Registry) Register(method Method, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[method] = f
}

// Get builds the model registered for method.
func (r *Registry) Get(method Method, opts Options) (Model, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return f(opts), nil
}

// Methods lists the registered methods in sorted order.
func (r *Registry) Methods() []Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Method, 0, len(r.factories))
	for m := range r.factories {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MedianIs2D reports whether the median pupil datum (by position in the
// slice) comes from 2d detection. 3d calibration needs 3d pupil data.
func MedianIs2D(pupils []gaze.PupilDatum) bool {
	if len(pupils) == 0 {
		return false
	}
	return pupils[len(pupils)/2].Is2D()
}

// Correspondence pairs a reference point with the pupil datum observed
// closest to it in time.
type Correspondence struct {
	Ref   gaze.ReferencePoint
	Pupil gaze.PupilDatum
}

// MatchClosest pairs each reference with the temporally closest pupil datum
// within window. Pupils rejected by keep are ignored.
func MatchClosest(refs []gaze.ReferencePoint, pupils []gaze.PupilDatum, window time.Duration, keep func(gaze.PupilDatum) bool) []Correspondence {
	candidates := make([]gaze.PupilDatum, 0, len(pupils))
	for _, p := range pupils {
		if keep == nil || keep(p) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 || len(refs) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Timestamp < candidates[j].Timestamp
	})

	maxDt := window.Seconds()
	var out []Correspondence
	for _, ref := range refs {
		i := sort.Search(len(candidates), func(i int) bool {
			return candidates[i].Timestamp >= ref.Timestamp
		})
		best := -1
		bestDt := maxDt
		for _, j := range []int{i - 1, i} {
			if j < 0 || j >= len(candidates) {
				continue
			}
			dt := candidates[j].Timestamp - ref.Timestamp
			if dt < 0 {
				dt = -dt
			}
			if dt <= bestDt {
				best, bestDt = j, dt
			}
		}
		if best >= 0 {
			out = append(out, Correspondence{Ref: ref, Pupil: candidates[best]})
		}
	}
	return out
}

// floatsArg reads a []float64 argument, accepting the []any form produced
// by the cache decoder.
func floatsArg(args map[string]any, key string, n int) ([]float64, error) {
	raw, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("missing argument %q", key)
	}
	var out []float64
	switch v := raw.(type) {
	case []float64:
		out = v
	case []any:
		out = make([]float64, len(v))
		for i, e := range v {
			f, ok := toFloat(e)
			if !ok {
				return nil, fmt.Errorf("argument %q[%d]: unexpected %T", key, i, e)
			}
			out[i] = f
		}
	default:
		return nil, fmt.Errorf("argument %q: unexpected %T", key, raw)
	}
	if len(out) != n {
		return nil, fmt.Errorf("argument %q: want %d coefficients, got %d", key, n, len(out))
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
