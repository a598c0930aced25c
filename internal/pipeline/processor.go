package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/snapmatch/internal/domain"
	"github.com/dunamismax/snapmatch/internal/normalize"
)

const (
	SourceTypeLocalFile = domain.SourceTypeLocalFile

	outputBaseName = "normalized"
)

var (
	ErrUnsupportedSourceType = errors.New("unsupported source_type")
	ErrLocalSourceDisabled   = errors.New("local_file sources are disabled")
	ErrLocalPathOutsideRoot  = errors.New("local path is outside the source root")
)

type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	Name       string
	Options    normalize.Options
}

type Output struct {
	Name        string `json:"name"`
	MediaType   string `json:"media_type"`
	Path        string `json:"path"`
	Bytes       int    `json:"bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Quality     int    `json:"quality"`
	Attempts    int    `json:"attempts"`
	WithinLimit bool   `json:"within_limit"`
}

type Result struct {
	SourceBytes int
	Output      Output
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, src normalize.SourceImage, opts normalize.Options) (normalize.NormalizedImage, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, img normalize.NormalizedImage) (Output, error)
}

type Processor struct {
	fetcher    Fetcher
	normalizer Normalizer
	emitter    Emitter
}

func NewProcessor(fetcher Fetcher, normalizer Normalizer, emitter Emitter) (*Processor, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	return &Processor{
		fetcher:    fetcher,
		normalizer: normalizer,
		emitter:    emitter,
	}, nil
}

// NewLocalProcessor reads sources below sourceRoot and writes results below
// outputDir. An empty sourceRoot disables local sources.
func NewLocalProcessor(normalizer Normalizer, sourceRoot, outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{Root: sourceRoot}, normalizer, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	name := req.Name
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(req.ObjectKey)
	}

	normalized, err := p.normalizer.Normalize(ctx, normalize.SourceImage{
		Name: name,
		Data: sourceBytes,
	}, req.Options)
	if err != nil {
		return Result{}, fmt.Errorf("normalize stage: %w", err)
	}

	written, err := p.emitter.Emit(ctx, req, normalized)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage: %w", err)
	}

	return Result{SourceBytes: len(sourceBytes), Output: written}, nil
}

type LocalFileFetcher struct {
	Root string
}

func (f LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	sourcePath, err := ResolveLocalPath(f.Root, req.ObjectKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", sourcePath, err)
	}
	return data, nil
}

// ResolveLocalPath maps key onto root. Relative keys are joined to root and
// absolute keys must already lie inside it; neither may climb out with "..".
func ResolveLocalPath(root, key string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", ErrLocalSourceDisabled
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve source root: %w", err)
	}

	key = strings.TrimSpace(key)
	rel := key
	if filepath.IsAbs(key) {
		rel, err = filepath.Rel(absRoot, filepath.Clean(key))
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrLocalPathOutsideRoot, key)
		}
	}
	if rel == "" || rel == "." || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrLocalPathOutsideRoot, key)
	}
	return filepath.Join(absRoot, rel), nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, img normalize.NormalizedImage) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, outputFileName())
	if err := os.WriteFile(fullPath, img.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return newOutput(img, fullPath), nil
}

func newOutput(img normalize.NormalizedImage, path string) Output {
	return Output{
		Name:        img.Name,
		MediaType:   img.MediaType,
		Path:        path,
		Bytes:       img.Size(),
		Width:       img.Width,
		Height:      img.Height,
		Quality:     img.Quality,
		Attempts:    img.Attempts,
		WithinLimit: img.WithinLimit,
	}
}

func outputFileName() string {
	return outputBaseName + "." + normalize.OutputExtension
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
