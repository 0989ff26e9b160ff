package metadata

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ariesdb/file"
)

const testPageSize = 512

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeHeader(t *testing.T, dir, fileName, name string, id uint32, env uuid.UUID, pageSize int) {
	t.Helper()
	p := file.NewPage(pageSize, binary.LittleEndian)
	h := &file.Header{
		PageSize: uint32(pageSize),
		Major:    file.VersionMajor,
		Order:    binary.LittleEndian,
		FileID:   id,
		EnvID:    env,
		Name:     name,
	}
	if err := h.Encode(p); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileName), p.Buf(), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
}

func TestOpenCatalog(t *testing.T) {
	dir := t.TempDir()
	env := uuid.New()
	writeHeader(t, dir, "users.db", "users", 1, env, testPageSize)
	writeHeader(t, dir, "orders.db", "orders", 4, env, testPageSize)
	if err := os.WriteFile(filepath.Join(dir, "half.db"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := OpenCatalog(dir, env, testPageSize, quiet())
	if err != nil {
		t.Fatalf("OpenCatalog() failed: %v", err)
	}

	entries := c.Entries()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Name != "users" || entries[1].Name != "orders" {
		t.Errorf("entries are not ordered by file id: %+v", entries)
	}
	if _, err := os.Stat(filepath.Join(dir, "half.db")); !os.IsNotExist(err) {
		t.Errorf("empty data file was not removed")
	}

	e, err := c.Lookup("orders")
	if err != nil {
		t.Fatalf("Lookup() failed: %v", err)
	}
	if e.ID != 4 || e.File != "orders.db" || e.PageSize != testPageSize {
		t.Errorf("Lookup(orders) = %+v", e)
	}
	if _, ok := c.ByID(1); !ok {
		t.Errorf("ByID(1) found nothing")
	}

	// New ids continue after the highest one in use.
	e, err = c.Reserve("items")
	if err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}
	if e.ID != 5 {
		t.Errorf("reserved id %d, want 5", e.ID)
	}
}

func TestCatalog_Reserve(t *testing.T) {
	c, err := OpenCatalog(t.TempDir(), uuid.New(), testPageSize, quiet())
	if err != nil {
		t.Fatalf("OpenCatalog() failed: %v", err)
	}

	for _, name := range []string{"", "a/b", "sp ace", string(make([]byte, maxName+1))} {
		if _, err := c.Reserve(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Reserve(%q) error = %v, want ErrInvalidName", name, err)
		}
	}

	first, err := c.Reserve("idx_1")
	if err != nil {
		t.Fatalf("Reserve() failed: %v", err)
	}
	if _, err := c.Reserve("idx_1"); !errors.Is(err, ErrExists) {
		t.Errorf("second Reserve() error = %v, want ErrExists", err)
	}

	c.Release("idx_1")
	if _, err := c.Lookup("idx_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup() after Release() error = %v, want ErrNotFound", err)
	}
	again, err := c.Reserve("idx_1")
	if err != nil {
		t.Fatalf("Reserve() after Release() failed: %v", err)
	}
	if again.ID == first.ID {
		t.Errorf("released id %d was reused", first.ID)
	}
}

func TestOpenCatalog_Rejects(t *testing.T) {
	env := uuid.New()
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
		want  error
	}{
		{
			name: "other environment",
			setup: func(t *testing.T, dir string) {
				writeHeader(t, dir, "a.db", "a", 1, uuid.New(), testPageSize)
			},
			want: ErrEnvMismatch,
		},
		{
			name: "header names another index",
			setup: func(t *testing.T, dir string) {
				writeHeader(t, dir, "a.db", "b", 1, env, testPageSize)
			},
			want: file.ErrCorruption,
		},
		{
			name: "shared file id",
			setup: func(t *testing.T, dir string) {
				writeHeader(t, dir, "a.db", "a", 1, env, testPageSize)
				writeHeader(t, dir, "b.db", "b", 1, env, testPageSize)
			},
			want: file.ErrCorruption,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(t, dir)
			if _, err := OpenCatalog(dir, env, testPageSize, quiet()); !errors.Is(err, tt.want) {
				t.Errorf("OpenCatalog() error = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("page size differs", func(t *testing.T) {
		dir := t.TempDir()
		writeHeader(t, dir, "a.db", "a", 1, env, 1024)
		if _, err := OpenCatalog(dir, env, testPageSize, quiet()); err == nil {
			t.Errorf("OpenCatalog() accepted a file with another page size")
		}
	})
}
