package nats

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// NATSVersion is the version of NATS server to download
const NATSVersion = "2.10.24"

// ErrBinaryNotFound is returned when nats-server is missing and may not be downloaded
var ErrBinaryNotFound = errors.New("nats-server binary not found")

// GetDownloadURL returns the release zip URL for goos/goarch
func GetDownloadURL(goos, goarch string) (string, error) {
	switch goos {
	case "linux", "darwin", "windows":
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}

	switch goarch {
	case "amd64", "arm64":
	default:
		return "", fmt.Errorf("unsupported architecture: %s", goarch)
	}

	return fmt.Sprintf(
		"https://github.com/nats-io/nats-server/releases/download/v%s/nats-server-v%s-%s-%s.zip",
		NATSVersion, NATSVersion, goos, goarch,
	), nil
}

// EnsureNATSBinary returns binPath if it exists, otherwise downloads the
// release for this platform there when autoDL is set.
func EnsureNATSBinary(ctx context.Context, binPath string, autoDL bool, log logrus.FieldLogger) (string, error) {
	if _, err := os.Stat(binPath); err == nil {
		log.Debugf("NATS server binary found at %s", binPath)
		return binPath, nil
	}

	if !autoDL {
		return "", fmt.Errorf("%w at %s and auto-download is disabled", ErrBinaryNotFound, binPath)
	}

	downloadURL, err := GetDownloadURL(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", fmt.Errorf("failed to get download URL: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(binPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", binPath, err)
	}

	tmpFile, err := os.CreateTemp("", "nats-server-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	log.Infof("Downloading NATS server from %s", downloadURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download NATS server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download NATS server: HTTP %d", resp.StatusCode)
	}

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		return "", fmt.Errorf("failed to save NATS server: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("failed to save NATS server: %w", err)
	}

	if err := extractNATSBinary(tmpFile.Name(), binPath, binaryName(runtime.GOOS)); err != nil {
		return "", fmt.Errorf("failed to extract NATS server: %w", err)
	}

	log.Infof("NATS server installed at %s", binPath)
	return binPath, nil
}

func binaryName(goos string) string {
	if goos == "windows" {
		return "nats-server.exe"
	}
	return "nats-server"
}

// extractNATSBinary copies the entry named name from the zip at zipPath to destPath
func extractNATSBinary(zipPath, destPath, name string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() || path.Base(f.Name) != name {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open file in zip: %w", err)
		}
		defer rc.Close()

		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755) //nolint:gosec // executable
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}

		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			return fmt.Errorf("failed to copy binary: %w", err)
		}
		return out.Close()
	}

	return fmt.Errorf("%s not found in zip", name)
}
