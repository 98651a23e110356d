package nats

import (
	"archive/zip"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrdadan/atlasprobe/internal/logging"
)

func TestParseNatsURL(t *testing.T) {
	host, port, err := parseNatsURL("nats://127.0.0.1:4333")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, "4333", port)

	_, port, err = parseNatsURL("nats://queue.local")
	require.NoError(t, err)
	assert.Equal(t, "4222", port)

	for _, bad := range []string{"", "http://x:1", "nats://", "127.0.0.1:4222"} {
		_, _, err := parseNatsURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestGetDownloadURL(t *testing.T) {
	u, err := GetDownloadURL("linux", "arm64")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/nats-io/nats-server/releases/download/v"+NATSVersion+
		"/nats-server-v"+NATSVersion+"-linux-arm64.zip", u)

	_, err = GetDownloadURL("plan9", "amd64")
	assert.Error(t, err)
	_, err = GetDownloadURL("linux", "mips")
	assert.Error(t, err)
}

func TestExtractNATSBinary(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "release.zip")

	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range map[string]string{
		"nats-server-v2/README.md":   "readme",
		"nats-server-v2/nats-server": "#!/bin/sh\n",
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(dir, "bin", "nats-server")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, extractNATSBinary(zipPath, dest, "nats-server"))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))

	assert.Error(t, extractNATSBinary(zipPath, dest, "nats-server.exe"))
}

func TestEnsureNATSBinary(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "nats-server")
	require.NoError(t, os.WriteFile(existing, []byte("bin"), 0o755))

	got, err := EnsureNATSBinary(context.Background(), existing, false, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, existing, got)

	_, err = EnsureNATSBinary(context.Background(), filepath.Join(dir, "missing"), false, logging.Discard())
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}

func TestServerStartWithoutBinary(t *testing.T) {
	// grab a free port and release it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	s, err := NewServer(ServerConfig{
		URL:      "nats://127.0.0.1:" + strconv.Itoa(port),
		BinPath:  filepath.Join(t.TempDir(), "nats-server"),
		StoreDir: t.TempDir(),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)

	err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrBinaryNotFound)
	assert.False(t, s.IsRunning())
	assert.Nil(t, s.GetJetStream())
	assert.NoError(t, s.Stop())

	_, err = NewServer(ServerConfig{URL: "localhost:4222"})
	assert.Error(t, err)
}
