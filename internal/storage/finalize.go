package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// Volume is the directory that serves finished media files.
type Volume struct {
	dir string
}

// NewVolume creates the media directory if needed.
func NewVolume(dir string) (*Volume, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir %s: %w", dir, err)
	}
	return &Volume{dir: dir}, nil
}

// Dir returns the volume directory path.
func (v *Volume) Dir() string { return v.dir }

// Path resolves fileName inside the volume, rejecting path traversal.
func (v *Volume) Path(fileName string) (string, error) {
	if fileName != filepath.Base(fileName) {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}
	return filepath.Join(v.dir, fileName), nil
}

// Exists reports whether fileName is present in the volume.
func (v *Volume) Exists(fileName string) bool {
	p, err := v.Path(fileName)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Finalize moves a merged file from staging into the volume. Any existing
// file with the same name is replaced, making repeated runs idempotent.
// Rename is tried first; when staging and the volume sit on different
// filesystems the move falls back to copy and delete.
func (v *Volume) Finalize(stagingPath, fileName string) (string, error) {
	target, err := v.Path(fileName)
	if err != nil {
		return "", err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("replace %s: %w", target, err)
	}

	err = os.Rename(stagingPath, target)
	if err == nil {
		return target, nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return "", fmt.Errorf("finalize %s: %w", fileName, err)
	}

	if err := copyFile(stagingPath, target); err != nil {
		return "", fmt.Errorf("finalize %s: %w", fileName, err)
	}
	if err := os.Remove(stagingPath); err != nil {
		return "", fmt.Errorf("remove staging %s: %w", stagingPath, err)
	}
	return target, nil
}

// Delete removes fileName from the volume. Missing files are not an error.
func (v *Volume) Delete(fileName string) error {
	p, err := v.Path(fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
