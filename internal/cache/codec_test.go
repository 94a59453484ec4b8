package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gazecal/internal/fsutil"
	"github.com/banshee-data/gazecal/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

type record struct {
	Version  int       `cbor:"version"`
	Label    string    `cbor:"label"`
	Range    [2]int    `cbor:"range"`
	Offsets  []float64 `cbor:"offsets"`
	Accuracy *float64  `cbor:"accuracy"`
}

func legacyBlob(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	require.NoError(t, gob.NewEncoder(gz).Encode(v))
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestCodec_GenericForms(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	c := New(fsys)
	path := "/rec/offline_data/cache"

	in := map[string]any{
		"version":  10,
		"negative": -3,
		"ratio":    0.25,
		"name":     "Default Calibration",
		"range":    [2]int{0, 99},
		"nested":   map[string]any{"ok": true},
	}
	require.NoError(t, c.Save(in, path))

	got, err := c.Load(path)
	require.NoError(t, err)
	want := map[string]any{
		"version":  uint64(10),
		"negative": int64(-3),
		"ratio":    0.25,
		"name":     "Default Calibration",
		"range":    []any{uint64(0), uint64(99)},
		"nested":   map[string]any{"ok": true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("decoded value mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{path}, fsys.Files("/rec"), "temp file renamed away")
}

func TestCodec_Typed(t *testing.T) {
	c := New(fsutil.NewMemoryFileSystem())
	acc := 1.5
	in := record{Version: 2, Label: "a", Range: [2]int{3, 7}, Offsets: []float64{0.1, -0.2}, Accuracy: &acc}
	require.NoError(t, c.Save(in, "/x/rec"))

	var out record
	require.NoError(t, c.LoadInto("/x/rec", &out))
	assert.Equal(t, in, out)
}

func TestCodec_NotFound(t *testing.T) {
	c := New(fsutil.NewMemoryFileSystem())
	_, err := c.Load("/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	var r record
	assert.ErrorIs(t, c.LoadInto("/missing", &r), ErrNotFound)
}

func TestCodec_Corrupt(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	c := New(fsys)
	require.NoError(t, fsys.WriteFile("/bad", []byte{0xff, 0x00, 0x13}, 0o644))

	_, err := c.Load("/bad")
	assert.ErrorIs(t, err, ErrCorruptFormat)

	var r record
	assert.ErrorIs(t, c.LoadInto("/bad", &r), ErrCorruptFormat)
}

func TestCodec_LegacyFallback(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	c := New(fsys)

	require.NoError(t, fsys.WriteFile("/legacy", legacyBlob(t, map[string]any{
		"version": 10,
		"dx":      0.5,
	}), 0o644))
	got, err := c.Load("/legacy")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"version": 10, "dx": 0.5}, got)

	in := record{Version: 1, Label: "old", Offsets: []float64{1}}
	require.NoError(t, fsys.WriteFile("/legacy-typed", legacyBlob(t, in), 0o644))
	var out record
	require.NoError(t, c.LoadInto("/legacy-typed", &out))
	assert.Equal(t, in, out)
}

func TestCodec_SaveFailureKeepsPrevious(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	c := New(fsys)
	require.NoError(t, c.Save(map[string]any{"v": 1}, "/c"))

	fsys.FailRename = true
	assert.Error(t, c.Save(map[string]any{"v": 2}, "/c"))

	got, err := c.Load("/c")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": uint64(1)}, got)
}

func TestCodec_RemoveAndRename(t *testing.T) {
	dir := t.TempDir()
	c := New(nil)
	a := filepath.Join(dir, "a.plcalibration")
	b := filepath.Join(dir, "b.plcalibration")

	assert.NoError(t, c.Remove(a), "missing file is fine")
	assert.NoError(t, c.Rename(a, b), "missing source is fine")

	require.NoError(t, c.Save(map[string]any{"k": "v"}, a))
	require.NoError(t, c.Rename(a, b))
	assert.False(t, c.FS().Exists(a))
	assert.True(t, c.FS().Exists(b))

	require.NoError(t, c.Remove(b))
	assert.False(t, c.FS().Exists(b))
}
