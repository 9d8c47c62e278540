package storage

import (
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

// TestMMapFileReopenPersists mirrors the teacher's quicktest-based mmap
// coverage: writes through one handle, closes it, reopens the same backing
// file, and checks the bytes survived the round trip.
func TestMMapFileReopenPersists(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(t.TempDir(), "out.bin")

	f, err := OpenMMapFile(path, 16)
	c.Assert(err, qt.IsNil)
	_, err = f.WriteAt([]byte("persisted"), 0)
	c.Assert(err, qt.IsNil)
	c.Assert(f.Close(), qt.IsNil)

	f2, err := OpenMMapFile(path, 16)
	c.Assert(err, qt.IsNil)
	defer func() {
		c.Check(f2.Close(), qt.IsNil)
	}()

	buf := make([]byte, len("persisted"))
	_, err = f2.ReadAt(buf, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf), qt.Equals, "persisted")
}
