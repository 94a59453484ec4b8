// Package markers consumes the output of an external circle marker
// detector. The detector runs elsewhere and streams batches of found
// markers over a channel; Feed drains them without blocking.
package markers

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/monitoring"
)

// ErrDetectorStopped is reported when the detector's channel closes without
// a finished message.
var ErrDetectorStopped = errors.New("marker detector stopped unexpectedly")

// Topic identifies a detector message.
type Topic string

const (
	TopicProgress  Topic = "progress"
	TopicFinished  Topic = "finished"
	TopicException Topic = "exception"
)

// Batch is a group of detection results. Progress is a percentage.
type Batch struct {
	Progress float64
	Points   []gaze.ReferencePoint
}

// Message is one item sent by a detector.
type Message struct {
	Topic  Topic
	Batch  Batch
	Reason string
}

// Detector starts a detection run and returns its message channel. It must
// stop sending once ctx is done and should close the channel when it exits.
type Detector func(ctx context.Context) <-chan Message

// Update summarizes everything drained in one call.
type Update struct {
	Points   []gaze.ReferencePoint
	Finished bool
	Err      error
}

// Feed tracks one detection run at a time.
type Feed struct {
	detector Detector
	ch       <-chan Message
	cancel   context.CancelFunc
	progress float64
}

// NewFeed creates an idle feed.
func NewFeed(d Detector) *Feed {
	return &Feed{detector: d}
}

// Start begins a new detection run, cancelling any current one.
func (f *Feed) Start() {
	f.Cancel()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.ch = f.detector(ctx)
	f.progress = 0
	monitoring.Logf("[Markers] circle marker detection started")
}

// Cancel stops the current run. Progress is kept.
func (f *Feed) Cancel() {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.cancel = nil
	f.ch = nil
	monitoring.Logf("[Markers] circle marker detection cancelled")
}

// Active reports whether a run is in progress.
func (f *Feed) Active() bool {
	return f.ch != nil
}

// Progress returns the detection progress in percent.
func (f *Feed) Progress() float64 {
	return f.progress
}

// Complete reports whether a run has finished.
func (f *Feed) Complete() bool {
	return f.progress >= 100
}

// MarkComplete records a finished detection, e.g. restored from cache.
func (f *Feed) MarkComplete() {
	f.progress = 100
}

// Drain collects every message currently queued without blocking.
func (f *Feed) Drain() Update {
	var u Update
	for f.ch != nil {
		select {
		case msg, ok := <-f.ch:
			if !ok {
				f.stop(ErrDetectorStopped, &u)
				return u
			}
			switch msg.Topic {
			case TopicProgress:
				u.Points = append(u.Points, msg.Batch.Points...)
				f.progress = msg.Batch.Progress
			case TopicFinished:
				f.progress = 100
				f.release()
				u.Finished = true
				monitoring.Logf("[Markers] circle marker detection finished")
				return u
			case TopicException:
				f.stop(fmt.Errorf("marker detection raised exception: %s", msg.Reason), &u)
				return u
			}
		default:
			return u
		}
	}
	return u
}

func (f *Feed) stop(err error, u *Update) {
	monitoring.Logf("[Markers] Marker detection was interrupted: %v", err)
	f.release()
	f.progress = 0
	u.Err = err
}

func (f *Feed) release() {
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = nil
	f.ch = nil
}

// Replay returns a detector that emits precomputed markers in batches of
// batchSize, reporting progress as the share of markers sent.
func Replay(points []gaze.ReferencePoint, batchSize int) Detector {
	if batchSize <= 0 {
		batchSize = 1
	}
	return func(ctx context.Context) <-chan Message {
		ch := make(chan Message)
		go func() {
			defer close(ch)
			send := func(m Message) bool {
				select {
				case ch <- m:
					return true
				case <-ctx.Done():
					return false
				}
			}
			for lo := 0; lo < len(points); lo += batchSize {
				hi := min(lo+batchSize, len(points))
				batch := Batch{
					Progress: 100 * float64(hi) / float64(len(points)),
					Points:   append([]gaze.ReferencePoint(nil), points[lo:hi]...),
				}
				if !send(Message{Topic: TopicProgress, Batch: batch}) {
					return
				}
			}
			send(Message{Topic: TopicFinished})
		}()
		return ch
	}
}
