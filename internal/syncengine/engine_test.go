package syncengine_test

import (
	"context"
	"sync"
	"testing"

	"github.com/mdflare/agent/internal/diffcodec"
	"github.com/mdflare/agent/internal/fingerprint"
	"github.com/mdflare/agent/internal/model"
	"github.com/mdflare/agent/internal/syncengine"
)

// fakeFS is an in-memory LocalFS for engine tests.
type fakeFS struct {
	mu    sync.Mutex
	files map[string]string
}

func newFakeFS() *fakeFS { return &fakeFS{files: make(map[string]string)} }

func (f *fakeFS) ReadFile(relPath string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[relPath]
	return c, ok, nil
}

func (f *fakeFS) WriteFile(relPath, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[relPath] = content
	return nil
}

func (f *fakeFS) DeleteFile(relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, relPath)
	return nil
}

func (f *fakeFS) Rename(oldRelPath, newRelPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[oldRelPath]
	if !ok {
		return nil
	}
	delete(f.files, oldRelPath)
	f.files[newRelPath] = c
	return nil
}

// fakeRemote is an in-memory RemoteTransport for engine tests.
type fakeRemote struct {
	mu        sync.Mutex
	files     map[string]string
	puts      []string
	deletes   []string
	listTree  []model.FileNode
	heartbeat int
}

func newFakeRemote() *fakeRemote { return &fakeRemote{files: make(map[string]string)} }

func (r *fakeRemote) List(ctx context.Context) ([]model.FileNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listTree, nil
}

func (r *fakeRemote) Get(ctx context.Context, relPath string) (model.FileContent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.FileContent{RelativePath: relPath, Content: r.files[relPath]}, nil
}

func (r *fakeRemote) Put(ctx context.Context, relPath, content string, oldHash *string, diff *model.DiffScript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[relPath] = content
	r.puts = append(r.puts, relPath)
	return nil
}

func (r *fakeRemote) Delete(ctx context.Context, relPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, relPath)
	r.deletes = append(r.deletes, relPath)
	return nil
}

func (r *fakeRemote) Heartbeat(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeat++
}

func flattenNoop(tree []model.FileNode) []model.FileNode { return tree }

func TestOnLocalChangeUploadsNewFile(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	fs.WriteFile("a.md", "hello")

	e := syncengine.New(remote, fs)
	e.OnLocalChange(context.Background(), "a.md")

	if remote.files["a.md"] != "hello" {
		t.Fatalf("remote content = %q, want hello", remote.files["a.md"])
	}
	snap := e.Snapshot()
	if snap.LocalFingerprint["a.md"] != fingerprint.Of("hello") {
		t.Fatalf("fingerprint not cached")
	}
}

func TestOnLocalChangeSkipsUnchangedContent(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	fs.WriteFile("a.md", "hello")

	e := syncengine.New(remote, fs)
	e.OnLocalChange(context.Background(), "a.md")
	e.OnLocalChange(context.Background(), "a.md")

	if len(remote.puts) != 1 {
		t.Fatalf("expected exactly one upload, got %d: %v", len(remote.puts), remote.puts)
	}
}

func TestOnLocalChangeDeletesRemoteWhenFileGone(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	fs.WriteFile("a.md", "hello")

	e := syncengine.New(remote, fs)
	e.OnLocalChange(context.Background(), "a.md")

	fs.DeleteFile("a.md")
	e.OnLocalChange(context.Background(), "a.md")

	if len(remote.deletes) != 1 || remote.deletes[0] != "a.md" {
		t.Fatalf("expected a.md deleted remotely, got %v", remote.deletes)
	}
	snap := e.Snapshot()
	if _, ok := snap.LocalFingerprint["a.md"]; ok {
		t.Fatalf("expected fingerprint purged after delete")
	}
}

func TestOnLocalFolderDeletePurgesAllNestedPaths(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	fs.WriteFile("proj/a.md", "a")
	fs.WriteFile("proj/sub/b.md", "b")
	fs.WriteFile("other.md", "c")

	e := syncengine.New(remote, fs)
	e.OnLocalChange(context.Background(), "proj/a.md")
	e.OnLocalChange(context.Background(), "proj/sub/b.md")
	e.OnLocalChange(context.Background(), "other.md")

	e.OnLocalFolderDelete(context.Background(), "proj")

	snap := e.Snapshot()
	if _, ok := snap.LocalFingerprint["proj/a.md"]; ok {
		t.Fatalf("proj/a.md should be purged")
	}
	if _, ok := snap.LocalFingerprint["proj/sub/b.md"]; ok {
		t.Fatalf("proj/sub/b.md should be purged")
	}
	if _, ok := snap.LocalFingerprint["other.md"]; !ok {
		t.Fatalf("other.md should survive the folder delete")
	}
	found := map[string]bool{}
	for _, d := range remote.deletes {
		found[d] = true
	}
	if !found["proj/a.md"] || !found["proj/sub/b.md"] {
		t.Fatalf("expected remote deletes for both nested paths, got %v", remote.deletes)
	}
}

func TestOnPushSaveAppliesDiffWhenPreconditionMatches(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	fs.WriteFile("a.md", "line1\nline2")

	e := syncengine.New(remote, fs)
	e.OnLocalChange(context.Background(), "a.md")

	oldHash := fingerprint.Of("line1\nline2")
	diff := diffcodec.Generate("line1\nline2", "line1\nline2\nline3")

	e.OnPush(context.Background(), model.PushEvent{
		RelativePath: "a.md",
		Action:       model.ActionSave,
		OldHash:      &oldHash,
		Diff:         &diff,
	})

	content, _, _ := fs.ReadFile("a.md")
	if content != "line1\nline2\nline3" {
		t.Fatalf("content = %q, want diff applied", content)
	}
}

func TestOnPushSaveFallsBackToFetchOnPreconditionMiss(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	fs.WriteFile("a.md", "stale local content")

	e := syncengine.New(remote, fs)
	e.OnLocalChange(context.Background(), "a.md")
	// Set after OnLocalChange, whose upload would otherwise overwrite it.
	remote.files["a.md"] = "authoritative remote content"

	wrongHash := "not-the-real-hash"
	diff := diffcodec.Generate("something else entirely", "irrelevant")

	e.OnPush(context.Background(), model.PushEvent{
		RelativePath: "a.md",
		Action:       model.ActionSave,
		OldHash:      &wrongHash,
		Diff:         &diff,
	})

	content, _, _ := fs.ReadFile("a.md")
	if content != "authoritative remote content" {
		t.Fatalf("content = %q, want full fetch fallback", content)
	}
}

func TestOnPushCreateFetchesFullContent(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	remote.files["new.md"] = "brand new"

	e := syncengine.New(remote, fs)
	e.OnPush(context.Background(), model.PushEvent{RelativePath: "new.md", Action: model.ActionCreate})

	content, exists, _ := fs.ReadFile("new.md")
	if !exists || content != "brand new" {
		t.Fatalf("expected new.md fetched, got %q exists=%v", content, exists)
	}
}

func TestOnPushDeleteRemovesLocalFile(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	fs.WriteFile("gone.md", "bye")

	e := syncengine.New(remote, fs)
	e.OnLocalChange(context.Background(), "gone.md")
	e.OnPush(context.Background(), model.PushEvent{RelativePath: "gone.md", Action: model.ActionDelete})

	_, exists, _ := fs.ReadFile("gone.md")
	if exists {
		t.Fatalf("expected gone.md removed locally")
	}
}

func TestOnPushRenameMovesCachedState(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	fs.WriteFile("old.md", "content")

	e := syncengine.New(remote, fs)
	e.OnLocalChange(context.Background(), "old.md")

	oldPath := "old.md"
	e.OnPush(context.Background(), model.PushEvent{RelativePath: "new.md", Action: model.ActionRename, OldPath: &oldPath})

	_, oldExists, _ := fs.ReadFile("old.md")
	newContent, newExists, _ := fs.ReadFile("new.md")
	if oldExists {
		t.Fatalf("old.md should no longer exist")
	}
	if !newExists || newContent != "content" {
		t.Fatalf("new.md missing expected content, got %q exists=%v", newContent, newExists)
	}
	snap := e.Snapshot()
	if _, ok := snap.LocalFingerprint["old.md"]; ok {
		t.Fatalf("old.md fingerprint should have moved")
	}
	if _, ok := snap.LocalFingerprint["new.md"]; !ok {
		t.Fatalf("new.md fingerprint should be present")
	}
}

func TestFullSyncDownloadsMissingRemoteFilesAndUploadsMissingLocalFiles(t *testing.T) {
	fs := newFakeFS()
	remote := newFakeRemote()
	remote.files["remote-only.md"] = "from remote"
	size := int64(len("from remote"))
	remote.listTree = []model.FileNode{
		{Name: "remote-only.md", RelativePath: "remote-only.md", Kind: model.KindFile, Size: &size},
	}
	fs.WriteFile("local-only.md", "from local")

	e := syncengine.New(remote, fs)
	downloaded, uploaded, err := e.FullSync(context.Background(), func() ([]model.FileNode, error) {
		return []model.FileNode{{Name: "local-only.md", RelativePath: "local-only.md", Kind: model.KindFile}}, nil
	}, flattenNoop)
	if err != nil {
		t.Fatalf("FullSync: %v", err)
	}
	if downloaded != 1 || uploaded != 1 {
		t.Fatalf("downloaded=%d uploaded=%d, want 1 and 1", downloaded, uploaded)
	}

	content, exists, _ := fs.ReadFile("remote-only.md")
	if !exists || content != "from remote" {
		t.Fatalf("expected remote-only.md downloaded, got %q", content)
	}
	if remote.files["local-only.md"] != "from local" {
		t.Fatalf("expected local-only.md uploaded")
	}
	if remote.heartbeat != 1 {
		t.Fatalf("expected heartbeat sent once, got %d", remote.heartbeat)
	}
}
