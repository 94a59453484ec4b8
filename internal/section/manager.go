package section

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/banshee-data/gazecal/internal/cache"
	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/markers"
	"github.com/banshee-data/gazecal/internal/monitoring"
	"github.com/banshee-data/gazecal/internal/security"
	"github.com/banshee-data/gazecal/internal/session"
)

// SessionDataVersion is the version of the session cache layout. Caches
// with any other version are discarded.
const SessionDataVersion = 10

// CacheFileName is the session cache file inside the session's cache dir.
const CacheFileName = "offline_calibration_cache"

type sessionData struct {
	Version               int                   `cbor:"version"`
	Sections              []Record              `cbor:"sections"`
	CircleMarkerPositions []gaze.ReferencePoint `cbor:"circle_marker_positions"`
	ManualRefPositions    []gaze.ReferencePoint `cbor:"manual_ref_positions"`
}

// Manager owns the sections of a session and the merged gaze timeline.
// It is driven from the controller goroutine.
type Manager struct {
	sess     *session.Session
	sections []*Section
	feed     *markers.Feed
	colorIdx int

	dirty      bool
	publish    bool
	publishing bool
	merged     []gaze.GazeDatum
	byFrame [][]int
}

// NewManager creates a manager without sections.
func NewManager(sess *session.Session) *Manager {
	return &Manager{sess: sess, dirty: true}
}

// Open creates a manager and restores its state from the session cache.
// A missing, unreadable or outdated cache yields a single section covering
// the whole recording. When reference data was restored every section is
// recalibrated.
func Open(sess *session.Session) *Manager {
	m := NewManager(sess)
	if err := m.Load(); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			monitoring.Logf("[Manager] %v; cache will be discarded", err)
		}
		m.reset()
	}
	if len(sess.Refs.Markers()) > 0 || len(sess.Refs.NaturalFeatures()) > 0 {
		m.RecalibrateAll()
	}
	return m
}

func (m *Manager) reset() {
	m.sections = nil
	m.colorIdx = 0
	m.dirty = true
	m.AddSection()
}

// AttachMarkerFeed connects a circle marker detection feed. Found markers
// go into the session's reference store and every section is recalibrated
// when detection finishes.
func (m *Manager) AttachMarkerFeed(f *markers.Feed) {
	m.feed = f
	if len(m.sess.Refs.Markers()) > 0 {
		f.MarkComplete()
	}
}

// MarkerFeed returns the attached feed, or nil.
func (m *Manager) MarkerFeed() *markers.Feed {
	return m.feed
}

// Sections returns the sections in order.
func (m *Manager) Sections() []*Section {
	return slices.Clone(m.sections)
}

// Section finds a section by label.
func (m *Manager) Section(label string) (*Section, bool) {
	for _, s := range m.sections {
		if s.label == label {
			return s, true
		}
	}
	return nil, false
}

// NextLabel returns the first unused "Unnamed section N" label.
func (m *Manager) NextLabel() string {
	for n := 1; ; n++ {
		label := fmt.Sprintf("Unnamed section %d", n)
		if _, taken := m.Section(label); !taken {
			return label
		}
	}
}

func (m *Manager) nextColor() gaze.RGBA {
	c := gaze.Palette[m.colorIdx%len(gaze.Palette)]
	m.colorIdx++
	return c
}

// AddSection appends a new Create section spanning the whole recording.
func (m *Manager) AddSection() *Section {
	full := m.sess.Index.Full().Pair()
	s := newSection(m.sess, m, Record{
		Label:            m.NextLabel(),
		Type:             TypeCreate,
		CalibrationRange: full,
		MappingRange:     full,
		Color:            m.nextColor(),
		VisMappingError:  true,
		OutlierThreshold: m.sess.Settings.GetOutlierThresholdDeg(),
	})
	m.sections = append(m.sections, s)
	return s
}

// DuplicateSection copies a section's settings and calibration into a new
// section with a fresh label. Mapped gaze is not copied.
func (m *Manager) DuplicateSection(label string) (*Section, error) {
	src, ok := m.Section(label)
	if !ok {
		return nil, fmt.Errorf("no section %q", label)
	}
	rec := src.Record()
	rec.Label = m.NextLabel()
	rec.Color = m.nextColor()
	rec.Status = StatusNotMapped
	s := newSection(m.sess, m, rec)
	m.sections = append(m.sections, s)
	s.saveArtifact()
	return s, nil
}

// RemoveSection cancels the section's task, deletes its saved calibration
// and publishes the re-merged gaze.
func (m *Manager) RemoveSection(label string) error {
	i := slices.IndexFunc(m.sections, func(s *Section) bool { return s.label == label })
	if i < 0 {
		return fmt.Errorf("no section %q", label)
	}
	s := m.sections[i]
	s.cancel()
	s.removeArtifact()
	m.sections = slices.Delete(m.sections, i, i+1)
	s.mgr = nil
	m.dirty = true
	m.publishGaze()
	return nil
}

// Rename changes a section label and moves its saved calibration. A label
// used by another section is rejected with ErrLabelCollision.
func (m *Manager) Rename(oldLabel, newLabel string) error {
	if oldLabel == newLabel {
		return nil
	}
	s, ok := m.Section(oldLabel)
	if !ok {
		return fmt.Errorf("no section %q", oldLabel)
	}
	if err := security.ValidateFileLabel(newLabel); err != nil {
		return fmt.Errorf("invalid section label: %w", err)
	}
	if _, taken := m.Section(newLabel); taken {
		err := fmt.Errorf("%w: %q", ErrLabelCollision, newLabel)
		monitoring.Logf("[Manager] %v", err)
		return err
	}
	if err := m.sess.Cache.Rename(artifactPath(m.sess, oldLabel), artifactPath(m.sess, newLabel)); err != nil {
		monitoring.Logf("[Manager] %v", err)
	}
	s.label = newLabel
	for i := range s.raw {
		s.raw[i].Section = newLabel
	}
	for _, other := range m.sections {
		if other.importFrom == oldLabel {
			other.importFrom = newLabel
		}
	}
	m.dirty = true
	return nil
}

// RecalibrateAll restarts every section. Import and Test sections whose
// source is being recalibrated start when the source's fit arrives.
func (m *Manager) RecalibrateAll() {
	for _, s := range m.sections {
		if s.typ == TypeCreate {
			s.Calibrate()
		}
	}
	for _, s := range m.sections {
		if s.typ != TypeCreate && !m.awaitsSource(s) {
			s.Calibrate()
		}
	}
}

func (m *Manager) awaitsSource(s *Section) bool {
	src, ok := m.Section(s.importFrom)
	return ok && src != s && src.typ == TypeCreate && src.IsActive()
}

// calibrationComputed restarts the sections importing from label.
func (m *Manager) calibrationComputed(label string) {
	for _, s := range m.sections {
		if s.typ != TypeCreate && s.importFrom == label && s.label != label {
			s.Calibrate()
		}
	}
}

// HandleNotification reacts to notifications from other components.
func (m *Manager) HandleNotification(n session.Notification) {
	switch n.Subject {
	case session.SubjectPupilPositionsChanged:
		m.RecalibrateAll()
	case session.SubjectGazePositionsChanged:
		// publishGaze saves on its own; only changes from elsewhere save here.
		if !m.publishing {
			m.Save()
		}
	}
}

func (m *Manager) markDirty() {
	m.dirty = true
	m.publish = true
}

// Process runs one controller cycle: it drains the marker feed, integrates
// every section's task events and republishes the merged gaze when it
// changed. It reports whether background work is still pending.
func (m *Manager) Process() bool {
	// Sampled first: a task that is idle now has already queued its
	// terminal event, so this cycle drains it.
	busy := m.Busy()

	if m.feed != nil {
		u := m.feed.Drain()
		if len(u.Points) > 0 {
			m.sess.Refs.AppendMarkers(u.Points...)
		}
		if u.Finished {
			m.RecalibrateAll()
		}
	}

	finished := false
	for _, s := range m.sections {
		if s.Process() {
			finished = true
		}
	}
	if finished {
		m.dirty = true
		m.publish = true
	}
	if m.publish {
		m.publishGaze()
	}
	return busy || m.Busy()
}

// Busy reports whether any section task or the marker feed is running.
func (m *Manager) Busy() bool {
	if m.feed != nil && m.feed.Active() {
		return true
	}
	for _, s := range m.sections {
		if s.IsActive() {
			return true
		}
	}
	return false
}

func (m *Manager) publishGaze() {
	m.publish = false
	m.Merge()
	m.publishing = true
	m.sess.Notify(session.SubjectGazePositionsChanged, "")
	m.publishing = false
	m.Save()
}

// Merge returns the gaze of every section, offsets applied, sorted by
// timestamp. Ties keep section order. The result is shared and must not be
// modified.
func (m *Manager) Merge() []gaze.GazeDatum {
	if !m.dirty {
		return m.merged
	}
	n := 0
	for _, s := range m.sections {
		n += len(s.raw)
	}
	all := make([]gaze.GazeDatum, 0, n)
	for _, s := range m.sections {
		all = append(all, s.GazePositions()...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp < all[j].Timestamp
	})

	ts := make([]float64, len(all))
	for i, g := range all {
		ts[i] = g.Timestamp
	}
	m.merged = all
	m.byFrame = m.sess.Index.Correlate(ts)
	m.dirty = false
	return m.merged
}

// ByFrame returns the merged gaze correlated with world frame i.
func (m *Manager) ByFrame(i int) []gaze.GazeDatum {
	m.Merge()
	if i < 0 || i >= len(m.byFrame) {
		return nil
	}
	pos := m.byFrame[i]
	out := make([]gaze.GazeDatum, len(pos))
	for k, p := range pos {
		out[k] = m.merged[p]
	}
	return out
}

// Save writes the session cache. Failures are logged.
func (m *Manager) Save() {
	data := sessionData{
		Version:            SessionDataVersion,
		Sections:           make([]Record, len(m.sections)),
		ManualRefPositions: m.sess.Refs.NaturalFeatures(),
	}
	for i, s := range m.sections {
		data.Sections[i] = s.Record()
	}
	if m.feed == nil || m.feed.Complete() {
		data.CircleMarkerPositions = m.sess.Refs.Markers()
	}
	path := m.sess.CachePath(CacheFileName)
	if err := m.sess.Cache.Save(data, path); err != nil {
		monitoring.Logf("[Manager] failed to save session cache: %v", err)
		return
	}
	monitoring.Debugf("[Manager] Cached offline calibration data to %s", path)
}

// Load replaces the manager's sections and the session's reference points
// with the cached state. On any error, including a version mismatch,
// nothing is changed.
func (m *Manager) Load() error {
	var data sessionData
	if err := m.sess.Cache.LoadInto(m.sess.CachePath(CacheFileName), &data); err != nil {
		return err
	}
	if data.Version != SessionDataVersion {
		return fmt.Errorf("session data from old version %d", data.Version)
	}

	for _, s := range m.sections {
		s.cancel()
	}
	m.sections = make([]*Section, 0, len(data.Sections))
	for _, rec := range data.Sections {
		if _, taken := m.Section(rec.Label); taken || security.ValidateFileLabel(rec.Label) != nil {
			rec.Label = m.NextLabel()
		}
		m.sections = append(m.sections, newSection(m.sess, m, rec))
	}
	m.colorIdx = len(m.sections)
	m.sess.Refs.SetMarkers(data.CircleMarkerPositions)
	m.sess.Refs.SetNaturalFeatures(data.ManualRefPositions)
	if m.feed != nil && len(data.CircleMarkerPositions) > 0 {
		m.feed.MarkComplete()
	}
	m.dirty = true
	return nil
}

// Close cancels all background work and saves the session cache.
func (m *Manager) Close() {
	if m.feed != nil {
		m.feed.Cancel()
	}
	for _, s := range m.sections {
		s.cancel()
	}
	m.Save()
}
