// Package recording reads the exported CSV tables of a recording directory.
package recording

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/gazecal/internal/fsutil"
	"github.com/banshee-data/gazecal/internal/gaze"
	"github.com/banshee-data/gazecal/internal/monitoring"
)

const (
	WorldTimestampsFile = "world_timestamps.csv"
	PupilPositionsFile  = "pupil_positions.csv"
	GazePositionsFile   = "gaze_positions.csv"
	CircleMarkersFile   = "circle_markers.csv"
)

// Recording holds the tables of one recording.
type Recording struct {
	Dir             string
	WorldTimestamps []float64
	Pupils          []gaze.PupilDatum

	// Optional tables; nil when the file is absent.
	Gaze    []gaze.GazeDatum
	Markers []gaze.ReferencePoint
}

// Load reads the recording in dir. world_timestamps.csv and
// pupil_positions.csv are required.
func Load(fsys fsutil.FileSystem, dir string) (*Recording, error) {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	rec := &Recording{Dir: dir}

	var err error
	if rec.WorldTimestamps, err = readWorldTimestamps(fsys, filepath.Join(dir, WorldTimestampsFile)); err != nil {
		return nil, err
	}
	if rec.Pupils, err = readPupils(fsys, filepath.Join(dir, PupilPositionsFile)); err != nil {
		return nil, err
	}

	rec.Gaze, err = readGaze(fsys, filepath.Join(dir, GazePositionsFile), rec.Pupils)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	rec.Markers, err = readMarkers(fsys, filepath.Join(dir, CircleMarkersFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	monitoring.Logf("[Recording] loaded %s: %d frames, %d pupil, %d gaze, %d markers",
		dir, len(rec.WorldTimestamps), len(rec.Pupils), len(rec.Gaze), len(rec.Markers))
	return rec, nil
}

// table is a CSV file with its header indexed by column name.
type table struct {
	name    string
	columns map[string]int
	rows    [][]string
}

func readTable(fsys fsutil.FileSystem, path string) (*table, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open CSV file %s: %w", path, err)
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("CSV file %s is empty", path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header of %s: %w", path, err)
	}
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV data of %s: %w", path, err)
	}

	t := &table{name: filepath.Base(path), columns: make(map[string]int, len(header)), rows: rows}
	for i, h := range header {
		t.columns[h] = i
	}
	return t, nil
}

func (t *table) require(names ...string) error {
	for _, n := range names {
		if _, ok := t.columns[n]; !ok {
			return fmt.Errorf("%s: missing column %q", t.name, n)
		}
	}
	return nil
}

func (t *table) has(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// str returns the named cell, or "" if the row is short.
func (t *table) str(row []string, name string) string {
	i, ok := t.columns[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (t *table) float(row []string, line int, name string) (float64, error) {
	v, err := strconv.ParseFloat(t.str(row, name), 64)
	if err != nil {
		return 0, fmt.Errorf("%s line %d: invalid %s: %w", t.name, line, name, err)
	}
	return v, nil
}

// floats parses several columns at once, stopping at the first error.
func (t *table) floats(row []string, line int, names ...string) ([]float64, error) {
	out := make([]float64, len(names))
	for i, n := range names {
		v, err := t.float(row, line, n)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readWorldTimestamps(fsys fsutil.FileSystem, path string) ([]float64, error) {
	t, err := readTable(fsys, path)
	if err != nil {
		return nil, err
	}
	col := "timestamp"
	if !t.has(col) {
		col = "# timestamps [seconds]"
	}
	if err := t.require(col); err != nil {
		return nil, err
	}

	out := make([]float64, 0, len(t.rows))
	for i, row := range t.rows {
		v, err := t.float(row, i+2, col)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readPupils(fsys fsutil.FileSystem, path string) ([]gaze.PupilDatum, error) {
	t, err := readTable(fsys, path)
	if err != nil {
		return nil, err
	}
	if err := t.require("timestamp", "confidence", "norm_pos_x", "norm_pos_y", "method"); err != nil {
		return nil, err
	}
	hasEllipse := t.has("ellipse_center_x")
	hasNormal := t.has("circle_3d_normal_x")

	out := make([]gaze.PupilDatum, 0, len(t.rows))
	for i, row := range t.rows {
		line := i + 2
		v, err := t.floats(row, line, "timestamp", "confidence", "norm_pos_x", "norm_pos_y")
		if err != nil {
			return nil, err
		}
		method, err := gaze.ParseDetectionMethod(t.str(row, "method"))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", t.name, line, err)
		}
		p := gaze.PupilDatum{
			Timestamp:  v[0],
			Confidence: v[1],
			NormPos:    gaze.Point2{X: v[2], Y: v[3]},
			Method:     method,
		}
		if t.str(row, "diameter") != "" {
			if p.Diameter, err = t.float(row, line, "diameter"); err != nil {
				return nil, err
			}
		}
		if hasEllipse {
			e, err := t.floats(row, line, "ellipse_center_x", "ellipse_center_y",
				"ellipse_axis_a", "ellipse_axis_b", "ellipse_angle")
			if err != nil {
				return nil, err
			}
			p.Ellipse = gaze.Ellipse{
				Center: gaze.Point2{X: e[0], Y: e[1]},
				Axes:   gaze.Point2{X: e[2], Y: e[3]},
				Angle:  e[4],
			}
		}
		// 2d rows leave the 3d columns empty.
		if hasNormal && method == gaze.Detection3D && t.str(row, "circle_3d_normal_x") != "" {
			n, err := t.floats(row, line, "circle_3d_normal_x", "circle_3d_normal_y", "circle_3d_normal_z")
			if err != nil {
				return nil, err
			}
			p.CircleNormal = &gaze.Vec3{X: n[0], Y: n[1], Z: n[2]}
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// readGaze reads recorded gaze and links each datum to the pupil data with
// matching base_data timestamps.
func readGaze(fsys fsutil.FileSystem, path string, pupils []gaze.PupilDatum) ([]gaze.GazeDatum, error) {
	if !fsys.Exists(path) {
		return nil, fs.ErrNotExist
	}
	t, err := readTable(fsys, path)
	if err != nil {
		return nil, err
	}
	if err := t.require("timestamp", "confidence", "norm_pos_x", "norm_pos_y"); err != nil {
		return nil, err
	}

	byTS := make(map[float64]gaze.PupilDatum, len(pupils))
	for _, p := range pupils {
		byTS[p.Timestamp] = p
	}

	out := make([]gaze.GazeDatum, 0, len(t.rows))
	for i, row := range t.rows {
		line := i + 2
		v, err := t.floats(row, line, "timestamp", "confidence", "norm_pos_x", "norm_pos_y")
		if err != nil {
			return nil, err
		}
		g := gaze.GazeDatum{
			Timestamp:  v[0],
			Confidence: v[1],
			NormPos:    gaze.Point2{X: v[2], Y: v[3]},
		}
		if s := t.str(row, "base_data"); s != "" {
			g.BasePupil = linkBase(s, byTS)
		}
		out = append(out, g)
	}
	return out, nil
}

// linkBase resolves a space-separated "timestamp-eye" list.
func linkBase(s string, byTS map[float64]gaze.PupilDatum) []gaze.PupilDatum {
	var out []gaze.PupilDatum
	for _, f := range strings.Fields(s) {
		ts := f
		if i := strings.LastIndexByte(f, '-'); i > 0 {
			ts = f[:i]
		}
		v, err := strconv.ParseFloat(ts, 64)
		if err != nil {
			continue
		}
		if p, ok := byTS[v]; ok {
			out = append(out, p)
		}
	}
	return out
}

func readMarkers(fsys fsutil.FileSystem, path string) ([]gaze.ReferencePoint, error) {
	if !fsys.Exists(path) {
		return nil, fs.ErrNotExist
	}
	t, err := readTable(fsys, path)
	if err != nil {
		return nil, err
	}
	if err := t.require("index", "timestamp", "norm_pos_x", "norm_pos_y"); err != nil {
		return nil, err
	}
	hasScreen := t.has("screen_x") && t.has("screen_y")

	out := make([]gaze.ReferencePoint, 0, len(t.rows))
	for i, row := range t.rows {
		line := i + 2
		idx, err := strconv.Atoi(t.str(row, "index"))
		if err != nil {
			return nil, fmt.Errorf("%s line %d: invalid index: %w", t.name, line, err)
		}
		v, err := t.floats(row, line, "timestamp", "norm_pos_x", "norm_pos_y")
		if err != nil {
			return nil, err
		}
		ref := gaze.ReferencePoint{Index: idx, Timestamp: v[0], NormPos: gaze.Point2{X: v[1], Y: v[2]}}
		if hasScreen {
			s, err := t.floats(row, line, "screen_x", "screen_y")
			if err != nil {
				return nil, err
			}
			ref.ScreenPos = gaze.Point2{X: s[0], Y: s[1]}
		}
		out = append(out, ref)
	}
	return out, nil
}
