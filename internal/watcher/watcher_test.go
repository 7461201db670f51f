package watcher_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mdflare/agent/internal/watcher"
)

func TestWatcherDispatchesChangeAfterDebounceWindow(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "notes.md")
	if err := os.WriteFile(target, []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	var mu sync.Mutex
	var seen []string

	w, err := watcher.New(root, func(_ context.Context, path string) {
		mu.Lock()
		seen = append(seen, path)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond) // let the initial recursive Add land
	if err := os.WriteFile(target, []byte("v2"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	if err := os.WriteFile(target, []byte("v3"), 0o644); err != nil {
		t.Fatalf("rewrite file again: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a debounced change event")
		case <-time.After(50 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected the two rapid writes to collapse into one dispatch, got %d: %v", len(seen), seen)
	}
	if seen[0] != target {
		t.Fatalf("path = %q, want %q", seen[0], target)
	}
}

func TestWatcherIgnoresTempFiles(t *testing.T) {
	root := t.TempDir()

	var mu sync.Mutex
	var seen []string

	w, err := watcher.New(root, func(_ context.Context, path string) {
		mu.Lock()
		seen = append(seen, path)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	swapFile := filepath.Join(root, "notes.md.swp")
	if err := os.WriteFile(swapFile, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write swap file: %v", err)
	}

	time.Sleep(watcher.DebounceWindow + 500*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 0 {
		t.Fatalf("expected swap file writes to be filtered, got %v", seen)
	}
}
