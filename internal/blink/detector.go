// Package blink detects blinks from sudden drops and recoveries in pupil
// detection confidence.
package blink

import (
	"math/cmplx"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gazecal/internal/gaze"
)

// Kind is the type of blink event.
type Kind string

const (
	Onset  Kind = "onset"
	Offset Kind = "offset"
)

// Event marks the start or end of a blink. Response is the confidence
// change that triggered it. Q25 and Q50 are the spectrum bins below which a
// quarter and half of the window's confidence activity lies; a sharp blink
// spreads energy into higher bins than slow confidence drift.
type Event struct {
	Kind      Kind
	Timestamp float64
	Response  float64
	Q25       int
	Q50       int
}

// Detector keeps a sliding history of pupil confidence.
type Detector struct {
	historyLen float64
	onset      float64
	offset     float64

	history  []gaze.PupilDatum
	inBlink  bool
	spectrum []float64
	fft      *fourier.FFT
}

// NewDetector creates a detector with the given history length and minimum
// onset/offset responses.
func NewDetector(history time.Duration, onset, offset float64) *Detector {
	return &Detector{historyLen: history.Seconds(), onset: onset, offset: offset}
}

// Update adds pupil data in timestamp order and returns the blink events
// found at the newest datum.
func (d *Detector) Update(pupils []gaze.PupilDatum) []Event {
	d.history = append(d.history, pupils...)
	if len(d.history) == 0 {
		return nil
	}

	newest := d.history[len(d.history)-1].Timestamp
	threshold := newest - d.historyLen
	drop := 0
	for drop+1 < len(d.history) && d.history[drop+1].Timestamp < threshold {
		drop++
	}
	if drop > 0 {
		d.history = append(d.history[:0], d.history[drop:]...)
	}

	n := len(d.history)
	if n < 2 || newest-d.history[0].Timestamp < d.historyLen {
		return nil
	}

	activity := make([]float64, n)
	for i, p := range d.history {
		activity[i] = p.Confidence
	}
	d.updateSpectrum(activity)

	half := n / 2
	response := stat.Mean(activity[:half], nil) - stat.Mean(activity[half:], nil)
	var e Event
	switch {
	case !d.inBlink && response >= d.onset:
		d.inBlink = true
		e = Event{Kind: Onset, Timestamp: newest, Response: response}
	case d.inBlink && -response >= d.offset:
		d.inBlink = false
		e = Event{Kind: Offset, Timestamp: newest, Response: -response}
	default:
		return nil
	}
	e.Q25, e.Q50 = d.Quantiles()
	return []Event{e}
}

func (d *Detector) updateSpectrum(activity []float64) {
	if d.fft == nil || d.fft.Len() != len(activity) {
		d.fft = fourier.NewFFT(len(activity))
	}
	coeff := d.fft.Coefficients(nil, activity)
	if cap(d.spectrum) < len(coeff) {
		d.spectrum = make([]float64, len(coeff))
	}
	d.spectrum = d.spectrum[:len(coeff)]
	for i, c := range coeff {
		d.spectrum[i] = cmplx.Abs(c)
	}
}

// Spectrum returns the magnitude of the confidence history's spectrum from
// the last full window, or nil.
func (d *Detector) Spectrum() []float64 {
	if d.spectrum == nil {
		return nil
	}
	return append([]float64(nil), d.spectrum...)
}

// Quantiles returns the frequency bins (excluding DC) below which 25% and
// 50% of the spectrum's energy lies.
func (d *Detector) Quantiles() (q25, q50 int) {
	if len(d.spectrum) < 2 {
		return 0, 0
	}
	ac := d.spectrum[1:]
	cs := make([]float64, len(ac))
	var sum float64
	for i, v := range ac {
		sum += v
		cs[i] = sum
	}
	q25, q50 = -1, -1
	for i, v := range cs {
		if q25 < 0 && v > sum*.25 {
			q25 = i
		}
		if q50 < 0 && v > sum*.5 {
			q50 = i
		}
	}
	return max(q25, 0), max(q50, 0)
}

// InBlink reports whether an onset has been seen without a matching offset.
func (d *Detector) InBlink() bool {
	return d.inBlink
}

// Detect runs a fresh detector over pupil data sorted by timestamp.
func Detect(pupils []gaze.PupilDatum, history time.Duration, onset, offset float64) []Event {
	d := NewDetector(history, onset, offset)
	var events []Event
	for i := range pupils {
		events = append(events, d.Update(pupils[i:i+1])...)
	}
	return events
}
