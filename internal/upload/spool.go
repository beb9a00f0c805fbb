// Package upload spools uploaded images to disk so the worker can read them
// by path.
package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/dj-oyu/licenseai-gateway/internal/logger"
	"github.com/dj-oyu/licenseai-gateway/internal/metrics"
)

var log = logger.For("Upload")

// DefaultMaxBytes is the per-upload cap
const DefaultMaxBytes = 10 << 20

// ErrTooLarge is returned by Save when the body exceeds the spool's cap
var ErrTooLarge = errors.New("upload exceeds size limit")

// File is one spooled upload
type File struct {
	Path string // absolute path handed to the worker
	Name string // client-supplied file name
	Size int64
}

// Spool writes uploads into a single directory
type Spool struct {
	dir      string
	maxBytes int64
	metrics  *metrics.Metrics

	saved   atomic.Uint64
	removed atomic.Uint64
}

// NewSpool creates dir if needed. An empty dir uses the OS temp directory.
func NewSpool(dir string, maxBytes int64, m *metrics.Metrics) (*Spool, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Spool{dir: abs, maxBytes: maxBytes, metrics: m}, nil
}

// Dir returns the absolute spool directory
func (s *Spool) Dir() string { return s.dir }

// MaxBytes returns the per-upload cap
func (s *Spool) MaxBytes() int64 { return s.maxBytes }

// Save copies r into a new file in the spool. On any error nothing is left behind.
func (s *Spool) Save(r io.Reader, name string) (File, error) {
	f, err := os.CreateTemp(s.dir, "upload-*"+safeExt(name))
	if err != nil {
		return File{}, fmt.Errorf("failed to create spool file: %w", err)
	}

	// Read one byte past the cap to detect oversize bodies
	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		s.Remove(f.Name())
		return File{}, fmt.Errorf("failed to write upload: %w", err)
	case n > s.maxBytes:
		s.Remove(f.Name())
		return File{}, ErrTooLarge
	}

	s.saved.Add(1)
	s.metrics.AddUploadBytes(n)
	log.Debug("Spooled %q to %s (%d bytes)", name, f.Name(), n)
	return File{Path: f.Name(), Name: name, Size: n}, nil
}

// Remove deletes a spooled file. Missing files are not an error.
func (s *Spool) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error("Error cleaning up file %s: %v", path, err)
		}
		return
	}
	s.removed.Add(1)
}

// Outstanding is the number of saved files not yet removed
func (s *Spool) Outstanding() int64 {
	return int64(s.saved.Load()) - int64(s.removed.Load())
}

// safeExt keeps a short alphanumeric extension from the client name
func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, c := range ext[1:] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}
