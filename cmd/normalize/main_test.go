package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunWritesNormalizedImage(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "photo.png")
	writePNG(t, in, 300, 200)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-in", in, "-max-dimension", "100", "-backend", "imaging"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code %d, stderr: %s", code, stderr.String())
	}

	var summary struct {
		Output      string `json:"output"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
		WithinLimit bool   `json:"within_limit"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, stdout.String())
	}
	if summary.Output != filepath.Join(dir, "photo-normalized.jpg") {
		t.Fatalf("unexpected output path %s", summary.Output)
	}
	if summary.Width != 100 || summary.Height > 100 || !summary.WithinLimit {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if _, err := os.Stat(summary.Output); err != nil {
		t.Fatalf("output not written: %v", err)
	}
}

func TestRunExitCodes(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.png")
	if err := os.WriteFile(garbage, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStderr string
	}{
		{name: "missing input flag", args: nil, wantCode: 2, wantStderr: "usage"},
		{name: "unknown flag", args: []string{"-nope"}, wantCode: 2},
		{name: "bounds out of range", args: []string{"-in", garbage, "-max-size-kb", "-1"}, wantCode: 2, wantStderr: "between 0 (default)"},
		{name: "unreadable input", args: []string{"-in", filepath.Join(dir, "missing.png")}, wantCode: 1, wantStderr: "read input"},
		{name: "undecodable input", args: []string{"-in", garbage, "-backend", "imaging"}, wantCode: 1, wantStderr: "normalize " + garbage},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tc.args, &stdout, &stderr); code != tc.wantCode {
				t.Fatalf("exit code %d, want %d, stderr: %s", code, tc.wantCode, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderr) {
				t.Fatalf("stderr %q does not mention %q", stderr.String(), tc.wantStderr)
			}
			if stdout.Len() != 0 {
				t.Fatalf("unexpected stdout %q", stdout.String())
			}
		})
	}

	if _, err := os.Stat(filepath.Join(dir, "garbage-normalized.jpg")); !os.IsNotExist(err) {
		t.Fatalf("failed run left an output file: %v", err)
	}
}

func TestDefaultOutputPath(t *testing.T) {
	if got := defaultOutputPath("/tmp/a/photo.heic"); got != "/tmp/a/photo-normalized.jpg" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := defaultOutputPath("noext"); got != "noext-normalized.jpg" {
		t.Fatalf("unexpected path %s", got)
	}
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}
