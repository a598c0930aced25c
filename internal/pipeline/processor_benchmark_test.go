package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/dunamismax/snapmatch/internal/normalize"
)

func BenchmarkProcessorNormalizeLarge(b *testing.B) {
	benchmarkNormalize(b, 4000, 3000, normalize.OptionsFromKB(800, 1920))
}

func BenchmarkProcessorNormalizeWithinBounds(b *testing.B) {
	benchmarkNormalize(b, 1280, 720, normalize.OptionsFromKB(800, 1920))
}

func BenchmarkProcessorNormalizeTightBudget(b *testing.B) {
	benchmarkNormalize(b, 1920, 1080, normalize.OptionsFromKB(20, 1920))
}

func benchmarkNormalize(b *testing.B, w, h int, opts normalize.Options) {
	source := buildTestPNG(b, w, h)
	processor, err := NewProcessor(staticFetcher{data: source}, newTestNormalizer(b), discardEmitter{})
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}

	req := Request{
		SourceType: SourceTypeLocalFile,
		ObjectKey:  "ignored.png",
		Options:    opts,
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-normalize-%d", i)
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(_ context.Context, _ Request) ([]byte, error) {
	return f.data, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, _ Request, img normalize.NormalizedImage) (Output, error) {
	return newOutput(img, ""), nil
}
