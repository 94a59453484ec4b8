package main

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazecal/internal/config"
	"github.com/banshee-data/gazecal/internal/gazedb"
	"github.com/banshee-data/gazecal/internal/monitoring"
	"github.com/banshee-data/gazecal/internal/recorded"
	"github.com/banshee-data/gazecal/internal/recording"
	"github.com/banshee-data/gazecal/internal/section"
	"github.com/banshee-data/gazecal/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

const frames = 60

func eyePos(i int) (x, y float64) {
	return 0.2 + 0.6*math.Mod(float64(i)*0.377, 1), 0.2 + 0.6*math.Mod(float64(i)*0.613, 1)
}

// writeRecording writes a 30 fps recording with one 2d pupil datum per
// frame. With withMarkers, every third frame carries a circle marker at an
// affine image of the pupil position.
func writeRecording(t *testing.T, withMarkers bool) string {
	t.Helper()
	dir := t.TempDir()
	testutil.WriteCSV(t, filepath.Join(dir, recording.WorldTimestampsFile),
		[]string{"timestamp"}, testutil.WorldTimestamps(frames, 1.0/30))

	var pupils, gazeRows, markerRows [][]string
	for i := 0; i < frames; i++ {
		ts := float64(i) / 30
		x, y := eyePos(i)
		pupils = append(pupils, testutil.Row(ts, 0.99, x, y, "2d c++"))
		if i%10 == 0 {
			gazeRows = append(gazeRows, testutil.Row(ts, 0.99, x, y))
		}
		if withMarkers && i%3 == 0 {
			markerRows = append(markerRows, testutil.Row(i, ts, 0.1+0.8*x, 0.05+0.9*y))
		}
	}
	testutil.WriteCSV(t, filepath.Join(dir, recording.PupilPositionsFile),
		[]string{"timestamp", "confidence", "norm_pos_x", "norm_pos_y", "method"}, pupils)
	testutil.WriteCSV(t, filepath.Join(dir, recording.GazePositionsFile),
		[]string{"timestamp", "confidence", "norm_pos_x", "norm_pos_y"}, gazeRows)
	if withMarkers {
		testutil.WriteCSV(t, filepath.Join(dir, recording.CircleMarkersFile),
			[]string{"index", "timestamp", "norm_pos_x", "norm_pos_y"}, markerRows)
	}
	return dir
}

func openExport(t *testing.T, path string) *gazedb.DB {
	t.Helper()
	db, err := gazedb.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRun_CalibratesFromMarkers(t *testing.T) {
	dir := writeRecording(t, true)
	dbPath := filepath.Join(t.TempDir(), "gaze.db")
	cfg := config.DefaultCalibrationConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, run(ctx, dir, cfg, time.Millisecond, dbPath))

	cacheDir := filepath.Join(dir, cfg.GetCacheDir())
	assert.FileExists(t, filepath.Join(cacheDir, section.CacheFileName))
	assert.FileExists(t, filepath.Join(cacheDir, "Unnamed section 1"+section.ArtifactExt))
	assert.FileExists(t, filepath.Join(cacheDir, recorded.CorrectionFileName))

	db := openExport(t, dbPath)
	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM sections`).Scan(&status))
	assert.Equal(t, section.StatusMappingComplete, status)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM gaze_positions`).Scan(&n))
	assert.Equal(t, frames, n)
}

func TestRun_WithoutReferences(t *testing.T) {
	dir := writeRecording(t, false)
	dbPath := filepath.Join(t.TempDir(), "gaze.db")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, run(ctx, dir, config.DefaultCalibrationConfig(), time.Millisecond, dbPath))

	db := openExport(t, dbPath)
	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM sections`).Scan(&status))
	assert.Equal(t, section.StatusNotMapped, status)
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM gaze_positions`).Scan(&n))
	assert.Zero(t, n)
}

func TestRun_MissingRecording(t *testing.T) {
	err := run(context.Background(), t.TempDir(), config.DefaultCalibrationConfig(), time.Millisecond, "")
	assert.Error(t, err)
}
