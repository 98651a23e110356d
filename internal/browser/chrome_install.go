package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/sirupsen/logrus"
)

// ErrNoBrowser is returned when no Chromium is installed and auto-install is off
var ErrNoBrowser = errors.New("no chromium found; install one, pass --chrome-bin, or enable --auto-install")

// ResolveChrome picks the browser binary for a run: an explicit path wins,
// then a system Chrome/Chromium, then a downloaded build when autoInstall is set.
func ResolveChrome(ctx context.Context, bin string, revision int, autoInstall bool, log logrus.FieldLogger) (string, error) {
	if bin != "" {
		return bin, nil
	}

	if found, ok := launcher.LookPath(); ok {
		log.WithField("path", found).Debug("Using system browser")
		return found, nil
	}

	if !autoInstall {
		return "", ErrNoBrowser
	}

	log.Info("No system browser found, downloading Chromium")
	return InstallChrome(ctx, revision)
}

// InstallChrome downloads a Chromium build for the current OS/arch and installs deps if needed.
func InstallChrome(ctx context.Context, revision int) (string, error) {
	if err := InstallChromeDependencies(ctx); err != nil {
		return "", err
	}

	downloader := launcher.NewBrowser()
	downloader.Context = ctx
	if revision > 0 {
		downloader.Revision = revision
	}

	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download chrome: %w", err)
	}

	return path, nil
}

// InstallChromeDependencies installs the shared libraries headless Chromium needs on Linux.
func InstallChromeDependencies(ctx context.Context) error {
	if runtime.GOOS != "linux" {
		return nil
	}

	for _, pm := range packageManagers {
		path, _ := exec.LookPath(pm.name)
		if path == "" {
			continue
		}
		for _, pre := range pm.prepare {
			if err := runCommand(ctx, path, pre...); err != nil {
				return err
			}
		}
		return runCommand(ctx, path, append(pm.install, pm.deps...)...)
	}

	return fmt.Errorf("no supported package manager found for Chrome dependencies")
}

type packageManager struct {
	name    string
	prepare [][]string
	install []string
	deps    []string
}

var packageManagers = []packageManager{
	{name: "apt-get", prepare: [][]string{{"update"}}, install: []string{"install", "-y", "--no-install-recommends"}, deps: chromeDepsApt},
	{name: "dnf", install: []string{"install", "-y"}, deps: chromeDepsDnf},
	{name: "yum", install: []string{"install", "-y"}, deps: chromeDepsYum},
	{name: "apk", install: []string{"add", "--no-cache"}, deps: chromeDepsApk},
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v failed: %w\n%s", name, args, err, out.String())
	}
	return nil
}

var chromeDepsApt = []string{
	"ca-certificates",
	"fonts-liberation",
	"libasound2",
	"libatk-bridge2.0-0",
	"libatk1.0-0",
	"libcups2",
	"libdbus-1-3",
	"libdrm2",
	"libgbm1",
	"libgtk-3-0",
	"libnspr4",
	"libnss3",
	"libx11-xcb1",
	"libxcomposite1",
	"libxdamage1",
	"libxfixes3",
	"libxrandr2",
	"libxshmfence1",
	"libxss1",
	"libxtst6",
	"libpango-1.0-0",
	"libpangocairo-1.0-0",
	"libxkbcommon0",
}

var chromeDepsDnf = []string{
	"alsa-lib",
	"atk",
	"cups-libs",
	"gtk3",
	"libX11",
	"libXcomposite",
	"libXdamage",
	"libXrandr",
	"libXfixes",
	"libX11-xcb",
	"libxcb",
	"libxkbcommon",
	"libxshmfence",
	"nss",
	"nspr",
	"pango",
	"mesa-libgbm",
	"libdrm",
}

var chromeDepsYum = chromeDepsDnf

var chromeDepsApk = []string{
	"ca-certificates",
	"freetype",
	"harfbuzz",
	"nss",
	"ttf-freefont",
	"alsa-lib",
	"atk",
	"at-spi2-atk",
	"cups-libs",
	"libxcomposite",
	"libxdamage",
	"libxrandr",
	"libxfixes",
	"libxkbcommon",
	"libx11",
	"libxrender",
	"libxext",
	"libxcb",
	"libdrm",
	"mesa-gbm",
	"gtk+3.0",
	"pango",
	"cairo",
	"gdk-pixbuf",
	"fontconfig",
	"libstdc++",
	"libgcc",
}
