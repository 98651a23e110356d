// Package main provides the atlasprobe CLI.
//
// atlasprobe drives a headless Chromium through UI smoke scenarios against a
// running atlas app. With no arguments it opens http://localhost:8000, waits
// for the loading overlay to clear, switches to the timeline view, links the
// first two timeline bars and saves a full-page screenshot to
// verify_alignment.png. It exits non-zero when any step fails.
//
// Usage:
//
//	atlasprobe
//	atlasprobe run --scenario map.yaml --base-url http://staging:8000
//	atlasprobe serve
//	atlasprobe history
package main

func main() {
	Execute()
}
