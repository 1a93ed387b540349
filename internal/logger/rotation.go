package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

const (
	megabyte        = 1024 * 1024
	backupTimeStamp = "20060102T150405.000000"
)

// RotationConfig controls a RotatingWriter. Zero MaxAgeDays or MaxBackups
// keeps backups forever.
type RotationConfig struct {
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

// RotatingWriter is an io.WriteCloser that moves the active log aside as
// <name>-<timestamp><ext> once it would grow past MaxSizeMB, then prunes
// and optionally gzips backups in the background.
type RotatingWriter struct {
	fs  afero.Fs
	cfg RotationConfig

	mu   sync.Mutex
	file afero.File
	size int64

	// one maintenance pass at a time; Close waits for it
	maintenance sync.WaitGroup
	maintainMu  sync.Mutex
	now         func() time.Time
}

// NewRotatingWriter opens (or creates) path on the OS filesystem.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	return newRotatingWriter(afero.NewOsFs(), cfg)
}

func newRotatingWriter(fs afero.Fs, cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if err := fs.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{fs: fs, cfg: cfg, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}

	w.maintainAsync()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := w.fs.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) limit() int64 {
	return int64(w.cfg.MaxSizeMB) * megabyte
}

// Write appends p, rotating first when the active file is non-empty and p
// would push it past the size limit. A single oversized record still lands
// in a fresh file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit() {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Rotate forces a rotation regardless of size.
func (w *RotatingWriter) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	return w.rotateLocked()
}

// Close closes the active file and waits for pending maintenance.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.maintenance.Wait()
	return err
}

func (w *RotatingWriter) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	if err := w.fs.Rename(w.cfg.Path, w.backupName(w.now())); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	w.maintainAsync()
	return nil
}

func (w *RotatingWriter) backupName(t time.Time) string {
	dir := filepath.Dir(w.cfg.Path)
	base := filepath.Base(w.cfg.Path)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, prefix+"-"+t.Format(backupTimeStamp)+ext)
}

type backup struct {
	path    string
	modTime time.Time
}

// backups lists rotated files, newest first.
func (w *RotatingWriter) backups() ([]backup, error) {
	dir := filepath.Dir(w.cfg.Path)
	base := filepath.Base(w.cfg.Path)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"

	entries, err := afero.ReadDir(w.fs, dir)
	if err != nil {
		return nil, err
	}

	var found []backup
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ext)
		stamp = strings.TrimPrefix(stamp, prefix)
		if _, err := time.Parse(backupTimeStamp, stamp); err != nil {
			continue
		}
		found = append(found, backup{path: filepath.Join(dir, name), modTime: entry.ModTime()})
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].modTime.After(found[j].modTime)
	})
	return found, nil
}

func (w *RotatingWriter) maintainAsync() {
	if w.cfg.MaxAgeDays <= 0 && w.cfg.MaxBackups <= 0 && !w.cfg.Compress {
		return
	}
	w.maintenance.Add(1)
	go func() {
		defer w.maintenance.Done()
		_ = w.maintain()
	}()
}

// maintain drops backups past MaxBackups or MaxAgeDays and gzips the rest
// when compression is on.
func (w *RotatingWriter) maintain() error {
	w.maintainMu.Lock()
	defer w.maintainMu.Unlock()

	found, err := w.backups()
	if err != nil {
		return err
	}

	cutoff := time.Time{}
	if w.cfg.MaxAgeDays > 0 {
		cutoff = w.now().AddDate(0, 0, -w.cfg.MaxAgeDays)
	}

	var errs []string
	for i, b := range found {
		expired := !cutoff.IsZero() && b.modTime.Before(cutoff)
		excess := w.cfg.MaxBackups > 0 && i >= w.cfg.MaxBackups
		if expired || excess {
			if err := w.fs.Remove(b.path); err != nil {
				errs = append(errs, err.Error())
			}
			continue
		}
		if w.cfg.Compress && !strings.HasSuffix(b.path, ".gz") {
			if err := w.compress(b.path); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("log maintenance: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (w *RotatingWriter) compress(path string) error {
	src, err := w.fs.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := w.fs.OpenFile(path+".gz", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return w.fs.Remove(path)
}
