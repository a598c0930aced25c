package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/snapmatch/internal/domain"
	"github.com/dunamismax/snapmatch/internal/normalize"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit code so deferred cleanup always happens.
func run(args []string, stdout, stderr io.Writer) int {
	var in, out, backendName, resampler string
	var maxSizeKB, maxDimension int
	var maxPixels int64
	var timeout time.Duration

	fs := flag.NewFlagSet("normalize", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&in, "in", "", "input image path (any format the decoder understands)")
	fs.StringVar(&out, "out", "", "output path (default: <input>-normalized.jpg)")
	fs.IntVar(&maxSizeKB, "max-size-kb", normalize.DefaultMaxSizeKB, "target encoded size in KB (1 KB = 1024 bytes)")
	fs.IntVar(&maxDimension, "max-dimension", normalize.DefaultMaxDimension, "target length of the longer side in pixels")
	fs.StringVar(&backendName, "backend", "", "image backend: imaging|govips (default depends on build tags)")
	fs.StringVar(&resampler, "resampler", normalize.DefaultResampler, "resampling filter: linear|lanczos|catmullrom|box|nearest|nfnt-bilinear|nfnt-lanczos3")
	fs.Int64Var(&maxPixels, "max-pixels", normalize.DefaultMaxPixels, "refuse sources with more pixels than this")
	fs.DurationVar(&timeout, "timeout", time.Minute, "abort if normalization takes longer than this")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := log.New(stderr, "[normalize] ", log.LstdFlags|log.Lmsgprefix)

	if in == "" {
		logger.Printf("usage: normalize -in photo.png [-out photo.jpg] [-max-size-kb 800] [-max-dimension 1920]")
		return 2
	}
	if err := domain.ValidateBounds(maxSizeKB, maxDimension); err != nil {
		logger.Print(err)
		return 2
	}
	if out == "" {
		out = defaultOutputPath(in)
	}

	data, err := os.ReadFile(in)
	if err != nil {
		logger.Printf("read input: %v", err)
		return 1
	}

	if err := normalize.Startup(); err != nil {
		logger.Printf("image runtime startup failed: %v", err)
		return 1
	}
	defer normalize.Shutdown()

	backend, err := normalize.NewBackend(normalize.BackendConfig{
		Name:      backendName,
		Resampler: resampler,
		MaxPixels: maxPixels,
	})
	if err != nil {
		logger.Print(err)
		return 1
	}
	normalizer, err := normalize.NewNormalizer(backend)
	if err != nil {
		logger.Print(err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	startedAt := time.Now()
	img, err := normalizer.Normalize(ctx, normalize.SourceImage{
		Name:      filepath.Base(in),
		MediaType: http.DetectContentType(data),
		Data:      data,
	}, normalize.OptionsFromKB(maxSizeKB, maxDimension))
	if err != nil {
		logger.Printf("normalize %s: %v", in, err)
		return 1
	}
	if !img.WithinLimit {
		logger.Printf("output is %d bytes at the lowest quality, above the %d KB target", img.Size(), maxSizeKB)
	}

	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Print(err)
			return 1
		}
	}
	if err := os.WriteFile(out, img.Data, 0o644); err != nil {
		logger.Printf("write output: %v", err)
		return 1
	}

	summary := map[string]any{
		"input":          in,
		"output":         out,
		"name":           img.Name,
		"media_type":     img.MediaType,
		"original_bytes": len(data),
		"bytes":          img.Size(),
		"width":          img.Width,
		"height":         img.Height,
		"quality":        img.Quality,
		"attempts":       img.Attempts,
		"within_limit":   img.WithinLimit,
		"elapsed_ms":     time.Since(startedAt).Milliseconds(),
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		logger.Print(err)
		return 1
	}
	return 0
}

func defaultOutputPath(in string) string {
	ext := filepath.Ext(in)
	base := strings.TrimSuffix(in, ext)
	return base + "-normalized." + normalize.OutputExtension
}
