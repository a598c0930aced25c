package domain

import (
	"strings"
	"testing"
)

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{
		SourceType: SourceTypeS3Presigned,
		MaxSizeKB:  800,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	invalid := CreateJobRequest{}
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	missingObjectKey := CreateJobRequest{
		SourceType: SourceTypeLocalFile,
	}
	if err := missingObjectKey.Validate(); err == nil {
		t.Fatal("expected validation error for local_file object_key")
	}

	unsupportedSourceType := CreateJobRequest{
		SourceType: "http_url",
	}
	if err := unsupportedSourceType.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported source_type")
	}

	tooLarge := CreateJobRequest{
		SourceType:   SourceTypeS3Presigned,
		MaxDimension: MaxDimensionLimit + 1,
	}
	if err := tooLarge.Validate(); err == nil {
		t.Fatal("expected validation error for max_dimension above limit")
	}
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		kb, dim int
		wantErr bool
	}{
		{0, 0, false},
		{800, 1920, false},
		{MaxSizeKBLimit, MaxDimensionLimit, false},
		{-1, 0, true},
		{0, -5, true},
		{MaxSizeKBLimit + 1, 0, true},
	}
	for _, tt := range tests {
		err := ValidateBounds(tt.kb, tt.dim)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ValidateBounds(%d, %d) err=%v wantErr=%v", tt.kb, tt.dim, err, tt.wantErr)
		}
	}
}

func TestValidateBoundsMessageMentionsDefault(t *testing.T) {
	err := ValidateBounds(-1, 0)
	if err == nil {
		t.Fatal("expected error for negative max_size_kb")
	}
	if !strings.Contains(err.Error(), "between 0 (default) and") {
		t.Fatalf("unexpected message: %v", err)
	}

	err = ValidateBounds(0, MaxDimensionLimit+1)
	if err == nil || !strings.Contains(err.Error(), "max_dimension must be between 0 (default) and") {
		t.Fatalf("unexpected message: %v", err)
	}
}
