// Package cache reads and writes the session's binary cache files.
//
// Files are CBOR. Decoding into an untyped value yields the generic forms:
// maps become map[string]any, arrays become []any, unsigned integers become
// uint64 and negative ones int64. Tuples and lists are not distinguished.
// Files written by older builds (gzip-compressed gob) are still readable.
package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/banshee-data/gazecal/internal/fsutil"
	"github.com/banshee-data/gazecal/internal/monitoring"
)

var (
	// ErrNotFound is returned when the cache file does not exist.
	ErrNotFound = errors.New("cache file not found")

	// ErrCorruptFormat is returned when neither the current nor the legacy
	// decoder can read the file.
	ErrCorruptFormat = errors.New("corrupt cache file")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: cbor encoder options: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cache: cbor decoder options: %v", err))
	}

	// Concrete types that may appear behind interface values in legacy files.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Codec persists values through a FileSystem.
type Codec struct {
	fs fsutil.FileSystem
}

// New creates a codec. A nil fsys uses the OS filesystem.
func New(fsys fsutil.FileSystem) *Codec {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &Codec{fs: fsys}
}

// FS returns the codec's filesystem.
func (c *Codec) FS() fsutil.FileSystem {
	return c.fs
}

func (c *Codec) read(path string) ([]byte, error) {
	data, err := c.fs.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache %s: %w", path, err)
	}
	return data, nil
}

// Load decodes the file at path into its generic form.
func (c *Codec) Load(path string) (any, error) {
	data, err := c.read(path)
	if err != nil {
		return nil, err
	}
	var v any
	cborErr := decMode.Unmarshal(data, &v)
	if cborErr == nil {
		return v, nil
	}
	monitoring.Debugf("[Cache] %s is not cbor (%v), trying legacy format", path, cborErr)

	var legacy map[string]any
	if err := decodeLegacy(data, &legacy); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFormat, path, cborErr)
	}
	monitoring.Logf("[Cache] loaded legacy cache %s", path)
	return legacy, nil
}

// LoadInto decodes the file at path into v, which must be a pointer.
func (c *Codec) LoadInto(path string, v any) error {
	data, err := c.read(path)
	if err != nil {
		return err
	}
	cborErr := decMode.Unmarshal(data, v)
	if cborErr == nil {
		return nil
	}
	if err := decodeLegacy(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptFormat, path, cborErr)
	}
	monitoring.Logf("[Cache] loaded legacy cache %s", path)
	return nil
}

// Save encodes obj and writes it atomically to path. Structs are encoded
// using their cbor tags.
func (c *Codec) Save(obj any, path string) error {
	data, err := encMode.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to encode cache %s: %w", path, err)
	}
	return fsutil.WriteFileAtomic(c.fs, path, data, 0o644)
}

// Remove deletes the file at path. A missing file is not an error.
func (c *Codec) Remove(path string) error {
	err := c.fs.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// Rename moves the file at oldpath to newpath. A missing source is not an
// error.
func (c *Codec) Rename(oldpath, newpath string) error {
	if !c.fs.Exists(oldpath) {
		return nil
	}
	if err := c.fs.Rename(oldpath, newpath); err != nil {
		return fmt.Errorf("failed to rename %s: %w", oldpath, err)
	}
	return nil
}

// decodeLegacy reads the gzip-compressed gob format written by older builds.
func decodeLegacy(blob []byte, v any) error {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()
	if err := gob.NewDecoder(gz).Decode(v); err != nil {
		return fmt.Errorf("failed to decode legacy cache: %w", err)
	}
	return nil
}
