// Package session holds the per-recording context shared by the calibration
// components: the frame timeline, correlated pupil data, reference points,
// settings and the injected collaborators (filesystem, clock, notifier).
package session

import (
	"fmt"
	"path/filepath"

	"github.com/banshee-data/gazecal/internal/cache"
	"github.com/banshee-data/gazecal/internal/calibration"
	"github.com/banshee-data/gazecal/internal/config"
	"github.com/banshee-data/gazecal/internal/fsutil"
	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/refpoints"
	"github.com/banshee-data/gazecal/internal/timeline"
	"github.com/banshee-data/gazecal/internal/timeutil"
)

// Config describes a session. Only RecordingDir and Timestamps are
// required; nil collaborators get production defaults.
type Config struct {
	RecordingDir string
	Timestamps   []float64
	Pupils       []gaze.PupilDatum

	Settings *config.CalibrationConfig
	FS       fsutil.FileSystem
	Clock    timeutil.Clock
	Notifier Notifier
	Models   *calibration.Registry
}

// Session is the context object handed to sections and the manager. It is
// owned by the controller goroutine.
type Session struct {
	RecordingDir string
	Index        *timeline.Index
	Pupils       *timeline.PupilByFrame
	Refs         *refpoints.Store
	Settings     *config.CalibrationConfig
	Cache        *cache.Codec
	Clock        timeutil.Clock
	Notifier     Notifier
	Models       *calibration.Registry

	// TrimLeft and TrimRight are the seek bar trim marks, as frame indices.
	TrimLeft  int
	TrimRight int
}

// New builds a session from cfg.
func New(cfg Config) (*Session, error) {
	if cfg.RecordingDir == "" {
		return nil, fmt.Errorf("recording directory is required")
	}
	index, err := timeline.NewIndex(cfg.Timestamps)
	if err != nil {
		return nil, fmt.Errorf("invalid world timestamps: %w", err)
	}

	settings := cfg.Settings
	if settings == nil {
		settings = config.DefaultCalibrationConfig()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = LogNotifier{}
	}
	models := cfg.Models
	if models == nil {
		models = calibration.DefaultRegistry()
	}

	return &Session{
		RecordingDir: cfg.RecordingDir,
		Index:        index,
		Pupils:       timeline.NewPupilByFrame(index, cfg.Pupils),
		Refs:         refpoints.NewStore(settings.GetNaturalFeatureIndexRadius()),
		Settings:     settings,
		Cache:        cache.New(cfg.FS),
		Clock:        clock,
		Notifier:     notifier,
		Models:       models,
		TrimLeft:     0,
		TrimRight:    index.MaxIndex(),
	}, nil
}

// CacheDir is where calibration artifacts and session caches live.
func (s *Session) CacheDir() string {
	return filepath.Join(s.RecordingDir, s.Settings.GetCacheDir())
}

// CachePath returns the path of a file inside CacheDir.
func (s *Session) CachePath(name string) string {
	return filepath.Join(s.CacheDir(), name)
}

// ModelOptions returns the calibration options derived from the settings.
func (s *Session) ModelOptions() calibration.Options {
	return calibration.Options{
		MinConfidence: s.Settings.GetMinCalibrationConfidence(),
		MatchWindow:   s.Settings.GetMatchWindow(),
	}
}

// EvalOptions returns the accuracy evaluation options for a section with
// the given outlier threshold.
func (s *Session) EvalOptions(outlierThresholdDeg float64) calibration.EvalOptions {
	return calibration.EvalOptions{
		OutlierThresholdDeg: outlierThresholdDeg,
		FovXDeg:             s.Settings.GetFovXDeg(),
		FovYDeg:             s.Settings.GetFovYDeg(),
		MatchWindow:         s.Settings.GetMatchWindow(),
	}
}

// SetTrimMarks moves the seek bar trim marks.
func (s *Session) SetTrimMarks(left, right int) {
	r := s.Index.RangeForTrimMarks(left, right)
	s.TrimLeft, s.TrimRight = r.Lo, r.Hi
}

// TrimRange returns the range between the trim marks.
func (s *Session) TrimRange() timeline.Range {
	return s.Index.RangeForTrimMarks(s.TrimLeft, s.TrimRight)
}

// Notify publishes a notification through the session's notifier.
func (s *Session) Notify(subject, label string) {
	s.Notifier.Notify(Notification{Subject: subject, Label: label})
}
