// Package gaze defines the data records that flow through the offline
// calibration pipeline: pupil detections, reference points and mapped gaze.
package gaze

import (
	"fmt"
	"math"
)

// DetectionMethod identifies how a pupil datum was detected.
type DetectionMethod string

const (
	Detection2D DetectionMethod = "2d"
	Detection3D DetectionMethod = "3d"
)

// ParseDetectionMethod accepts "2d"/"3d" as well as the longer method names
// written by the pupil detectors ("2d c++", "3d c++").
func ParseDetectionMethod(s string) (DetectionMethod, error) {
	switch {
	case len(s) >= 2 && s[:2] == "2d":
		return Detection2D, nil
	case len(s) >= 2 && s[:2] == "3d":
		return Detection3D, nil
	}
	return "", fmt.Errorf("unknown detection method %q", s)
}

// Point2 is a 2D position. NormPos values are in [0,1] with origin bottom-left.
type Point2 struct {
	X float64 `cbor:"x" json:"x"`
	Y float64 `cbor:"y" json:"y"`
}

// Add returns p shifted by (dx, dy).
func (p Point2) Add(dx, dy float64) Point2 {
	return Point2{X: p.X + dx, Y: p.Y + dy}
}

// Dist returns the Euclidean distance between p and q.
func (p Point2) Dist(q Point2) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Vec3 is a 3D direction or position.
type Vec3 struct {
	X float64 `cbor:"x" json:"x"`
	Y float64 `cbor:"y" json:"y"`
	Z float64 `cbor:"z" json:"z"`
}

// Ellipse is the fitted pupil outline in eye-image pixels.
type Ellipse struct {
	Center Point2  `cbor:"center" json:"center"`
	Axes   Point2  `cbor:"axes" json:"axes"`
	Angle  float64 `cbor:"angle" json:"angle"`
}

// PupilDatum is a single pupil detection. It is produced upstream and never
// modified by this module.
type PupilDatum struct {
	Timestamp  float64         `cbor:"timestamp" json:"timestamp"`
	Confidence float64         `cbor:"confidence" json:"confidence"`
	NormPos    Point2          `cbor:"norm_pos" json:"norm_pos"`
	Method     DetectionMethod `cbor:"method" json:"method"`
	Diameter   float64         `cbor:"diameter" json:"diameter"`
	Ellipse    Ellipse         `cbor:"ellipse" json:"ellipse"`

	// CircleNormal is the 3d model's pupil normal; nil for 2d detections.
	CircleNormal *Vec3 `cbor:"circle_normal,omitempty" json:"circle_normal,omitempty"`
}

// Is2D reports whether the datum came from 2d detection.
func (p PupilDatum) Is2D() bool {
	return p.Method == Detection2D
}

// ReferencePoint is a known gaze target at a world frame.
type ReferencePoint struct {
	Index      int     `cbor:"index" json:"index"`
	Timestamp  float64 `cbor:"timestamp" json:"timestamp"`
	NormPos    Point2  `cbor:"norm_pos" json:"norm_pos"`
	ScreenPos  Point2  `cbor:"screen_pos" json:"screen_pos"`
	IndexRange []int   `cbor:"index_range,omitempty" json:"index_range,omitempty"`
}

// GazeDatum is a mapped gaze point. NormPos holds the position produced by
// the calibration model; offsets are applied on read via WithOffset.
type GazeDatum struct {
	Timestamp  float64      `cbor:"timestamp" json:"timestamp"`
	NormPos    Point2       `cbor:"norm_pos" json:"norm_pos"`
	Confidence float64      `cbor:"confidence" json:"confidence"`
	Section    string       `cbor:"section" json:"section"`
	BasePupil  []PupilDatum `cbor:"base_data" json:"base_data"`
}

// WithOffset returns a copy of g with its position shifted by (dx, dy).
// BasePupil is shared with g; pupil data are immutable.
func (g GazeDatum) WithOffset(dx, dy float64) GazeDatum {
	g.NormPos = g.NormPos.Add(dx, dy)
	return g
}

// RGBA is a display colour carried with a section.
type RGBA [4]float64

// Palette is the cycle of section colours.
var Palette = []RGBA{
	{0.66015625, 0.859375, 0.4609375, 0.8},
	{0.99609375, 0.84375, 0.3984375, 0.8},
	{0.46875, 0.859375, 0.90625, 0.8},
	{0.984375, 0.59375, 0.40234375, 0.8},
	{0.66796875, 0.61328125, 0.9453125, 0.8},
	{0.99609375, 0.37890625, 0.53125, 0.8},
}
