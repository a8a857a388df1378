package fsys

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openmined/syftmirror/internal/replication"
)

const tempPattern = ".syftmirror.tmp.*"

// OSFS is a FileSystem on the local disk. Paths are slash-separated and
// converted to host form on every call.
type OSFS struct {
	*watcher
}

var _ replication.FileSystem = (*OSFS)(nil)

func NewOSFS() *OSFS {
	return &OSFS{watcher: newWatcher()}
}

func host(p string) string {
	return filepath.FromSlash(p)
}

func (o *OSFS) Exists(p string) bool {
	_, err := os.Lstat(host(p))
	return err == nil
}

func (o *OSFS) IsDir(p string) (bool, error) {
	info, err := os.Lstat(host(p))
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// IsFile reports regular files only. Symlinks and devices are neither files
// nor directories.
func (o *OSFS) IsFile(p string) (bool, error) {
	info, err := os.Lstat(host(p))
	if err != nil {
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (o *OSFS) ListChildren(p string) ([]string, error) {
	entries, err := os.ReadDir(host(p))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (o *OSFS) MakeDir(p string) error {
	return os.MkdirAll(host(p), 0o755)
}

func (o *OSFS) RemoveDir(p string) error {
	h := host(p)
	info, err := os.Lstat(h)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &fs.PathError{Op: "rmdir", Path: h, Err: ErrNotDir}
	}
	return os.RemoveAll(h)
}

func (o *OSFS) RemoveFile(p string) error {
	h := host(p)
	info, err := os.Lstat(h)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return &fs.PathError{Op: "remove", Path: h, Err: ErrIsDir}
	}
	return os.Remove(h)
}

func (o *OSFS) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(host(p))
}

// WriteFile writes through a temp file in the same directory and renames it
// into place, so readers never observe a partial file.
func (o *OSFS) WriteFile(p string, data []byte) (err error) {
	h := host(p)
	tmp, err := os.CreateTemp(filepath.Dir(h), filepath.Base(h)+tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpPath, h); err != nil {
		if info, statErr := os.Lstat(h); statErr == nil && info.IsDir() {
			err = &fs.PathError{Op: "write", Path: h, Err: ErrIsDir}
		}
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// IsTempFile reports whether name was produced by WriteFile's staging.
func IsTempFile(name string) bool {
	matched, err := filepath.Match("*"+tempPattern, filepath.Base(name))
	return err == nil && matched
}
