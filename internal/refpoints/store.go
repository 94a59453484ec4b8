// Package refpoints stores the reference points used for calibration: circle
// markers found by the external detector and manually placed natural features.
package refpoints

import (
	"fmt"
	"sort"

	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/monitoring"
)

// Method selects which collection a section calibrates against.
type Method string

const (
	CircleMarker    Method = "circle_marker"
	NaturalFeatures Method = "natural_features"
)

// ParseMethod validates a reference method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case CircleMarker, NaturalFeatures:
		return Method(s), nil
	}
	return "", fmt.Errorf("unknown reference method %q", s)
}

// Store holds both reference collections, each kept sorted by frame index.
// It is owned by the controller goroutine; workers receive copies.
type Store struct {
	markers  []gaze.ReferencePoint
	features []gaze.ReferencePoint

	// IndexRadius is the half-width of the index range given to new natural
	// features.
	IndexRadius int
}

// NewStore creates an empty store.
func NewStore(indexRadius int) *Store {
	return &Store{IndexRadius: indexRadius}
}

func sortByIndex(points []gaze.ReferencePoint) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Index < points[j].Index
	})
}

// Markers returns a copy of the detected circle markers.
func (s *Store) Markers() []gaze.ReferencePoint {
	return clonePoints(s.markers)
}

// NaturalFeatures returns a copy of the natural features.
func (s *Store) NaturalFeatures() []gaze.ReferencePoint {
	return clonePoints(s.features)
}

// SetMarkers replaces the detected markers.
func (s *Store) SetMarkers(points []gaze.ReferencePoint) {
	s.markers = clonePoints(points)
	sortByIndex(s.markers)
}

// AppendMarkers adds newly detected markers.
func (s *Store) AppendMarkers(points ...gaze.ReferencePoint) {
	s.markers = append(s.markers, points...)
	sortByIndex(s.markers)
}

// SetNaturalFeatures replaces the natural features.
func (s *Store) SetNaturalFeatures(points []gaze.ReferencePoint) {
	s.features = clonePoints(points)
	sortByIndex(s.features)
}

// AddManual adds a natural feature.
func (s *Store) AddManual(p gaze.ReferencePoint) {
	s.features = append(s.features, p)
	sortByIndex(s.features)
}

// RemoveNear removes the first natural feature at frame index whose screen
// position lies within radiusPx of screenPos. It reports whether a point was
// removed.
func (s *Store) RemoveNear(screenPos gaze.Point2, index int, radiusPx float64) bool {
	for i, p := range s.features {
		if p.Index != index {
			continue
		}
		if p.ScreenPos.Dist(screenPos) < radiusPx {
			s.features = append(s.features[:i], s.features[i+1:]...)
			return true
		}
	}
	return false
}

// ToggleAt applies a click at frame index: a nearby natural feature is
// removed, otherwise a new one is placed there.
func (s *Store) ToggleAt(screenPos, normPos gaze.Point2, index int, timestamp, radiusPx float64) (added bool) {
	if s.RemoveNear(screenPos, index, radiusPx) {
		return false
	}
	indexRange := make([]int, 0, 2*s.IndexRadius)
	for i := index - s.IndexRadius; i < index+s.IndexRadius; i++ {
		indexRange = append(indexRange, i)
	}
	s.AddManual(gaze.ReferencePoint{
		Index:      index,
		Timestamp:  timestamp,
		NormPos:    normPos,
		ScreenPos:  screenPos,
		IndexRange: indexRange,
	})
	return true
}

// InRange returns copies of the points of method with lo <= Index <= hi.
func (s *Store) InRange(method Method, lo, hi int) []gaze.ReferencePoint {
	var out []gaze.ReferencePoint
	for _, p := range s.collection(method) {
		if p.Index < lo {
			continue
		}
		if p.Index > hi {
			break
		}
		out = append(out, p)
	}
	return clonePoints(out)
}

// InFrame returns the natural features whose index range covers frame index.
func (s *Store) InFrame(index int) []gaze.ReferencePoint {
	var out []gaze.ReferencePoint
	for _, p := range s.features {
		if p.Index == index {
			out = append(out, p)
			continue
		}
		if n := len(p.IndexRange); n > 0 && p.IndexRange[0] <= index && index <= p.IndexRange[n-1] {
			out = append(out, p)
		}
	}
	return out
}

// NextAfter returns the natural feature with the smallest index strictly
// greater than index.
func (s *Store) NextAfter(index int) (gaze.ReferencePoint, bool) {
	i := sort.Search(len(s.features), func(i int) bool {
		return s.features[i].Index > index
	})
	if i == len(s.features) {
		monitoring.Logf("[RefPoints] No further natural feature available")
		return gaze.ReferencePoint{}, false
	}
	return s.features[i], true
}

// UseMarkersAsNaturalFeatures copies every detected marker into the natural
// features.
func (s *Store) UseMarkersAsNaturalFeatures() {
	s.features = append(s.features, clonePoints(s.markers)...)
	sortByIndex(s.features)
}

// ClearNaturalFeatures drops every natural feature.
func (s *Store) ClearNaturalFeatures() {
	s.features = nil
}

// Snapshot returns a copy of the collection for method, safe to hand to a
// worker goroutine.
func (s *Store) Snapshot(method Method) []gaze.ReferencePoint {
	return clonePoints(s.collection(method))
}

func (s *Store) collection(method Method) []gaze.ReferencePoint {
	if method == NaturalFeatures {
		return s.features
	}
	return s.markers
}

func clonePoints(points []gaze.ReferencePoint) []gaze.ReferencePoint {
	if points == nil {
		return nil
	}
	out := make([]gaze.ReferencePoint, len(points))
	for i, p := range points {
		if p.IndexRange != nil {
			p.IndexRange = append([]int(nil), p.IndexRange...)
		}
		out[i] = p
	}
	return out
}
