package mirror_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"

	"github.com/mdflare/agent/internal/mirror"
)

func TestSyncUploadsLocalFilesToBucket(t *testing.T) {
	localRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(localRoot, "notes.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("seed local file: %v", err)
	}

	bucketDir := t.TempDir()

	m := mirror.New(afero.NewOsFs(), localRoot, "file://"+bucketDir)
	result, err := m.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Uploaded != 1 {
		t.Fatalf("Uploaded = %d, want 1", result.Uploaded)
	}

	raw, err := os.ReadFile(filepath.Join(bucketDir, "notes.md"))
	if err != nil {
		t.Fatalf("reading mirrored file: %v", err)
	}
	if string(raw) != "hello" {
		t.Fatalf("mirrored content = %q, want hello", raw)
	}
}

func TestSyncSkipsUnchangedFilesOnSecondPass(t *testing.T) {
	localRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(localRoot, "notes.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("seed local file: %v", err)
	}

	bucketDir := t.TempDir()
	m := mirror.New(afero.NewOsFs(), localRoot, "file://"+bucketDir)

	if _, err := m.Sync(context.Background()); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	result, err := m.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if result.Uploaded != 0 {
		t.Fatalf("Uploaded = %d on unchanged second pass, want 0", result.Uploaded)
	}
}

func TestSyncDeletesRemoteObjectsMissingLocally(t *testing.T) {
	localRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(localRoot, "keep.md"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("seed local file: %v", err)
	}

	bucketDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(bucketDir, "stale.md"), []byte("stale"), 0o644); err != nil {
		t.Fatalf("seed bucket file: %v", err)
	}

	m := mirror.New(afero.NewOsFs(), localRoot, "file://"+bucketDir)
	result, err := m.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if result.Deleted != 1 {
		t.Fatalf("Deleted = %d, want 1", result.Deleted)
	}
	if _, err := os.Stat(filepath.Join(bucketDir, "stale.md")); !os.IsNotExist(err) {
		t.Fatalf("expected stale.md removed from bucket")
	}
}
