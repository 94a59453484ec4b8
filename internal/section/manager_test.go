package section

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazecal/internal/cache"
	"github.com/banshee-data/gazecal/internal/calibration"
	"github.com/banshee-data/gazecal/internal/fsutil"
	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/markers"
	"github.com/banshee-data/gazecal/internal/refpoints"
	"github.com/banshee-data/gazecal/internal/session"
	"github.com/banshee-data/gazecal/internal/timeline"
)

func cachePath() string {
	return filepath.Join("/rec", "offline_data", CacheFileName)
}

func TestManager_MergeIsSorted(t *testing.T) {
	f := newFixture(t, 90, gaze.Detection2D)
	f.addMarkers(0, 89, 3)
	m := NewManager(f.sess)
	a := m.AddSection()
	a.SetRange(RangeMapping, timeline.Range{Lo: 30, Hi: 89})
	b := m.AddSection()
	b.SetRange(RangeMapping, timeline.Range{Lo: 0, Hi: 59})

	m.RecalibrateAll()
	waitIdle(t, m)

	merged := m.Merge()
	require.Len(t, merged, 60+60)
	assert.True(t, sort.SliceIsSorted(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	}))

	// Frames covered by both sections hold one datum per section, in
	// section order.
	frame := m.ByFrame(40)
	require.Len(t, frame, 2)
	assert.Equal(t, a.Label(), frame[0].Section)
	assert.Equal(t, b.Label(), frame[1].Section)
	assert.Len(t, m.ByFrame(10), 1)
	assert.Nil(t, m.ByFrame(-1))
	assert.Nil(t, m.ByFrame(90))
}

func TestManager_Labels(t *testing.T) {
	f := newFixture(t, 10, gaze.Detection2D)
	m := NewManager(f.sess)
	a := m.AddSection()
	b := m.AddSection()
	assert.Equal(t, "Unnamed section 1", a.Label())
	assert.Equal(t, "Unnamed section 2", b.Label())
	assert.Equal(t, gaze.Palette[1], b.Color())

	require.NoError(t, m.RemoveSection(a.Label()))
	c := m.AddSection()
	assert.Equal(t, "Unnamed section 1", c.Label(), "first free label is reused")

	dup, err := m.DuplicateSection(b.Label())
	require.NoError(t, err)
	assert.Equal(t, "Unnamed section 3", dup.Label())
	assert.Equal(t, b.CalibrationRange(), dup.CalibrationRange())

	_, err = m.DuplicateSection("nope")
	assert.Error(t, err)
	assert.Error(t, m.RemoveSection("nope"))
	assert.Len(t, m.Sections(), 3)
}

func TestManager_RenameCollision(t *testing.T) {
	f := newFixture(t, 60, gaze.Detection2D)
	f.addMarkers(0, 59, 3)
	m := NewManager(f.sess)
	a := m.AddSection()
	b := m.AddSection()
	m.RecalibrateAll()
	waitIdle(t, m)

	err := m.Rename(a.Label(), b.Label())
	assert.ErrorIs(t, err, ErrLabelCollision)
	assert.Equal(t, "Unnamed section 1", a.Label())

	oldPath := a.ArtifactPath()
	require.True(t, f.fs.Exists(oldPath))
	require.NoError(t, m.Rename(a.Label(), "left eye"))
	assert.Equal(t, "left eye", a.Label())
	assert.False(t, f.fs.Exists(oldPath))
	assert.True(t, f.fs.Exists(filepath.Join("/rec", "offline_data", "left eye.plcalibration")))
	assert.Equal(t, "left eye", a.GazePositions()[0].Section)

	assert.NoError(t, m.Rename("left eye", "left eye"))
	assert.Error(t, m.Rename("left eye", ""))
	assert.Error(t, m.Rename("left eye", "../outside"))
	assert.Equal(t, "left eye", a.Label())
}

func TestManager_RemoveDeletesOwnArtifactOnly(t *testing.T) {
	f := newFixture(t, 60, gaze.Detection2D)
	f.addMarkers(0, 59, 3)
	m := NewManager(f.sess)
	a := m.AddSection()
	b := m.AddSection()
	m.RecalibrateAll()
	waitIdle(t, m)

	require.True(t, f.fs.Exists(a.ArtifactPath()))
	require.True(t, f.fs.Exists(b.ArtifactPath()))
	require.Len(t, m.Merge(), 120)

	f.notes.Reset()
	require.NoError(t, m.RemoveSection(a.Label()))
	assert.False(t, f.fs.Exists(a.ArtifactPath()))
	assert.True(t, f.fs.Exists(b.ArtifactPath()))
	assert.Len(t, m.Merge(), 60)
	assert.Equal(t, 1, f.notes.Count(session.SubjectGazePositionsChanged))

	// A section that never calibrated has no artifact; removing it is fine.
	c := m.AddSection()
	require.NoError(t, m.RemoveSection(c.Label()))
}

func TestManager_RemoveCancelsTask(t *testing.T) {
	f := newFixture(t, 3000, gaze.Detection2D)
	f.addMarkers(0, 2999, 10)
	m := NewManager(f.sess)
	s := m.AddSection()
	s.Calibrate()

	require.NoError(t, m.RemoveSection(s.Label()))
	assert.False(t, s.IsActive())
	assert.False(t, m.Process())
	assert.Empty(t, m.Merge())
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	f := newFixture(t, 90, gaze.Detection2D)
	f.addMarkers(0, 89, 3)
	f.sess.Refs.AddManual(gaze.ReferencePoint{Index: 7, Timestamp: f.ts[7], IndexRange: []int{2, 3, 4, 5, 6, 7, 8, 9, 10, 11}})
	m := NewManager(f.sess)

	a := m.AddSection()
	a.SetRange(RangeCalibration, timeline.Range{Lo: 0, Hi: 44})
	b := m.AddSection()
	b.SetType(TypeImport)
	b.SetImportFrom(a.Label())
	b.SetOffset(0.05, -0.01)
	c := m.AddSection()
	c.SetType(TypeTest)
	c.SetImportFrom(a.Label())
	c.SetReferenceMethod(refpoints.NaturalFeatures)
	c.SetOutlierThreshold(2.5)

	m.RecalibrateAll()
	waitIdle(t, m)
	m.Save()

	m2 := NewManager(f.sess)
	require.NoError(t, m2.Load())
	require.Len(t, m2.Sections(), 3)

	for i, s := range m.Sections() {
		want, got := s.Record(), m2.Sections()[i].Record()
		require.NotNil(t, got.Calibration)
		assert.Equal(t, want.Calibration.Method, got.Calibration.Method)
		want.Calibration, got.Calibration = nil, nil
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("section %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	assert.Equal(t, StateCalibrated, m2.Sections()[0].State())
	assert.Len(t, f.sess.Refs.Markers(), 30)
	assert.Len(t, f.sess.Refs.NaturalFeatures(), 1)

	// Decoded params map the same as the originals.
	model, err := f.sess.Models.Get(calibration.Method2D, f.sess.ModelOptions())
	require.NoError(t, err)
	d := gaze.PupilDatum{Timestamp: 1, NormPos: gaze.Point2{X: 0.4, Y: 0.6}}
	want, err := model.Apply(*a.Params(), d)
	require.NoError(t, err)
	got, err := model.Apply(*m2.Sections()[0].Params(), d)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestOpen(t *testing.T) {
	t.Run("missing cache gives one full section", func(t *testing.T) {
		f := newFixture(t, 30, gaze.Detection2D)
		m := Open(f.sess)
		require.Len(t, m.Sections(), 1)
		s := m.Sections()[0]
		assert.Equal(t, "Unnamed section 1", s.Label())
		assert.Equal(t, timeline.Range{Lo: 0, Hi: 29}, s.MappingRange())
		assert.Equal(t, StatusNotMapped, s.Status(), "nothing to calibrate against yet")
	})

	t.Run("version mismatch discards cache", func(t *testing.T) {
		f := newFixture(t, 30, gaze.Detection2D)
		old := sessionData{
			Version:               9,
			Sections:              []Record{{Label: "a"}, {Label: "b"}, {Label: "c"}},
			CircleMarkerPositions: f.markers(0, 29, 3),
		}
		require.NoError(t, f.sess.Cache.Save(old, cachePath()))

		m := Open(f.sess)
		require.Len(t, m.Sections(), 1)
		assert.Equal(t, "Unnamed section 1", m.Sections()[0].Label())
		assert.Empty(t, f.sess.Refs.Markers(), "nothing partially loaded")
	})

	t.Run("duplicate and invalid labels are renamed", func(t *testing.T) {
		f := newFixture(t, 30, gaze.Detection2D)
		data := sessionData{
			Version:  SessionDataVersion,
			Sections: []Record{{Label: "a"}, {Label: "a"}, {Label: "../x"}},
		}
		require.NoError(t, f.sess.Cache.Save(data, cachePath()))

		m := Open(f.sess)
		var labels []string
		for _, s := range m.Sections() {
			labels = append(labels, s.Label())
		}
		assert.Equal(t, []string{"a", "Unnamed section 1", "Unnamed section 2"}, labels)
	})

	t.Run("corrupt cache discarded", func(t *testing.T) {
		f := newFixture(t, 30, gaze.Detection2D)
		require.NoError(t, f.fs.WriteFile(cachePath(), []byte("not a cache"), 0o644))
		m := Open(f.sess)
		assert.Len(t, m.Sections(), 1)
	})

	t.Run("restored references recalibrate", func(t *testing.T) {
		f := newFixture(t, 60, gaze.Detection2D)
		f.addMarkers(0, 59, 3)
		m := NewManager(f.sess)
		m.AddSection()
		m.AddSection()
		m.Save()
		f.sess.Refs.SetMarkers(nil)

		m2 := Open(f.sess)
		require.Len(t, m2.Sections(), 2)
		assert.Len(t, f.sess.Refs.Markers(), 20)
		waitIdle(t, m2)
		for _, s := range m2.Sections() {
			assert.Equal(t, StateMapped, s.State())
		}
		assert.Len(t, m2.Merge(), 120)
	})
}

func TestManager_MarkerFeedTriggersRecalibration(t *testing.T) {
	f := newFixture(t, 60, gaze.Detection2D)
	m := NewManager(f.sess)
	s := m.AddSection()

	ch := make(chan markers.Message, 4)
	feed := markers.NewFeed(func(ctx context.Context) <-chan markers.Message { return ch })
	m.AttachMarkerFeed(feed)
	assert.False(t, feed.Complete())
	feed.Start()

	ch <- markers.Message{Topic: markers.TopicProgress, Batch: markers.Batch{Progress: 50, Points: f.markers(0, 29, 3)}}
	assert.True(t, m.Process())
	assert.Len(t, f.sess.Refs.Markers(), 10)
	assert.Equal(t, StateEmpty, s.State())

	// Unfinished detection keeps circle markers out of the cache.
	m.Save()
	var data sessionData
	require.NoError(t, f.sess.Cache.LoadInto(cachePath(), &data))
	assert.Empty(t, data.CircleMarkerPositions)

	ch <- markers.Message{Topic: markers.TopicProgress, Batch: markers.Batch{Progress: 100, Points: f.markers(30, 59, 3)}}
	ch <- markers.Message{Topic: markers.TopicFinished}
	waitIdle(t, m)

	assert.Equal(t, StateMapped, s.State())
	assert.Equal(t, 60, s.RawLen())
	require.NoError(t, f.sess.Cache.LoadInto(cachePath(), &data))
	assert.Len(t, data.CircleMarkerPositions, 20)
	assert.Equal(t, SessionDataVersion, data.Version)
}

func TestManager_HandleNotification(t *testing.T) {
	f := newFixture(t, 60, gaze.Detection2D)
	f.addMarkers(0, 59, 3)
	m := NewManager(f.sess)
	s := m.AddSection()

	m.HandleNotification(session.Notification{Subject: session.SubjectPupilPositionsChanged})
	assert.Equal(t, StateCalibrating, s.State())
	waitIdle(t, m)

	require.NoError(t, f.fs.Remove(cachePath()))
	m.HandleNotification(session.Notification{Subject: session.SubjectGazePositionsChanged})
	assert.True(t, f.fs.Exists(cachePath()))
}

// countingFS counts completed writes of the session cache.
type countingFS struct {
	*fsutil.MemoryFileSystem
	cacheWrites int
}

func (c *countingFS) Rename(oldpath, newpath string) error {
	if newpath == cachePath() {
		c.cacheWrites++
	}
	return c.MemoryFileSystem.Rename(oldpath, newpath)
}

func TestManager_PublishSavesOnce(t *testing.T) {
	f := newFixture(t, 60, gaze.Detection2D)
	f.addMarkers(0, 59, 3)
	counting := &countingFS{MemoryFileSystem: f.fs}
	f.sess.Cache = cache.New(counting)

	m := NewManager(f.sess)
	f.sess.Notifier = session.NotifierFunc(func(n session.Notification) {
		f.notes.Notify(n)
		m.HandleNotification(n)
	})
	s := m.AddSection()
	s.Calibrate()
	waitIdle(t, m)

	assert.Equal(t, 1, f.notes.Count(session.SubjectGazePositionsChanged))
	assert.Equal(t, 1, counting.cacheWrites)

	// Gaze changes from another producer still save.
	f.sess.Notify(session.SubjectGazePositionsChanged, "")
	assert.Equal(t, 2, counting.cacheWrites)
}

func TestManager_Close(t *testing.T) {
	f := newFixture(t, 3000, gaze.Detection2D)
	f.addMarkers(0, 2999, 10)
	m := NewManager(f.sess)
	s := m.AddSection()
	s.Calibrate()

	m.Close()
	assert.False(t, m.Busy())
	assert.True(t, f.fs.Exists(cachePath()))
}
