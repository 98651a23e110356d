// Package artifact persists screenshots produced by a run and checks that
// they are usable images.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
)

// ErrEmpty is returned when a screenshot has no bytes
var ErrEmpty = errors.New("screenshot is empty")

// Info describes a written screenshot
type Info struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	SHA256 string `json:"sha256"`
}

// Write stores data at path, replacing any existing file. The bytes go to a
// temp file in the same directory first so readers never see a partial image.
func Write(path string, data []byte) error {
	if len(data) == 0 {
		return ErrEmpty
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".atlasprobe-*.png")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close screenshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod screenshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move screenshot into place: %w", err)
	}
	return nil
}

// Verify checks that path is a non-empty PNG and returns its details
func Verify(path string) (*Info, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path was produced by Write
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmpty)
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s is not a valid PNG: %w", path, err)
	}

	sum := sha256.Sum256(data)
	return &Info{
		Path:   path,
		Size:   int64(len(data)),
		Width:  cfg.Width,
		Height: cfg.Height,
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}

// Save writes data to path and verifies the result
func Save(path string, data []byte) (*Info, error) {
	if err := Write(path, data); err != nil {
		return nil, err
	}
	return Verify(path)
}
