package archive_test

import (
	"context"
	"testing"

	"PredictLedger/internal/archive"
)

// ============================================================================
// Test: Keys and endpoints
// ============================================================================

func TestObjectKey(t *testing.T) {
	tests := []struct {
		prefix, key, want string
	}{
		{"", "snapshots/1.json", "snapshots/1.json"},
		{"prod", "snapshots/1.json", "prod/snapshots/1.json"},
		{"prod//", "snapshots/1.json", "prod/snapshots/1.json"},
	}
	for _, tt := range tests {
		if got := archive.ObjectKey(tt.prefix, tt.key); got != tt.want {
			t.Errorf("ObjectKey(%q, %q): got %s, want %s", tt.prefix, tt.key, got, tt.want)
		}
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		ssl      bool
		want     string
	}{
		{"https://s3.example.com", false, "https://s3.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"r2.example.com", true, "https://r2.example.com"},
	}
	for _, tt := range tests {
		if got := archive.NormaliseEndpoint(tt.endpoint, tt.ssl); got != tt.want {
			t.Errorf("NormaliseEndpoint(%q): got %s, want %s", tt.endpoint, got, tt.want)
		}
	}
}

func TestNewS3Archiver_RequiresBucketAndRegion(t *testing.T) {
	ctx := context.Background()
	if _, err := archive.NewS3Archiver(ctx, archive.Config{Region: "us-east-1"}); err == nil {
		t.Error("expected error for missing bucket")
	}
	if _, err := archive.NewS3Archiver(ctx, archive.Config{Bucket: "b"}); err == nil {
		t.Error("expected error for missing region")
	}
}

func TestNewS3Archiver_StaticCredentials(t *testing.T) {
	a, err := archive.NewS3Archiver(context.Background(), archive.Config{
		Endpoint:       "localhost:9000",
		Region:         "us-east-1",
		Bucket:         "snapshots",
		AccessKey:      "minio",
		SecretKey:      "minio123",
		ForcePathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewS3Archiver: %v", err)
	}
	if a == nil {
		t.Fatal("nil archiver")
	}
}
