package session

import (
	"sync"

	"github.com/banshee-data/gazecal/internal/monitoring"
)

// Notification subjects.
const (
	SubjectGazePositionsChanged  = "gaze_positions_changed"
	SubjectPupilPositionsChanged = "pupil_positions_changed"
	SubjectCalibrationComputed   = "calibration_computed"
	SubjectSectionFailed         = "section_failed"
)

// Notification is a broadcast event. Label names the section, if any.
type Notification struct {
	Subject string
	Label   string
}

// Notifier receives notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier logs notifications at debug level.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(n Notification) {
	if n.Label != "" {
		monitoring.Debugf("[Notify] %s (%s)", n.Subject, n.Label)
		return
	}
	monitoring.Debugf("[Notify] %s", n.Subject)
}

// Recorder collects notifications.
type Recorder struct {
	mu  sync.Mutex
	got []Notification
}

// Notify implements Notifier.
func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

// Subjects returns the recorded subjects in order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, n := range r.got {
		out[i] = n.Subject
	}
	return out
}

// Count returns how many notifications with subject were recorded.
func (r *Recorder) Count(subject string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, g := range r.got {
		if g.Subject == subject {
			n++
		}
	}
	return n
}

// Reset clears the recorded notifications.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = nil
}
