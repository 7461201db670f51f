// Package syncengine is the stateful reconciler: it implements full_sync,
// on_local_change, on_local_folder_delete and on_push against a single
// mutex-guarded EngineState. One struct holds the remote client, a
// journal-equivalent cache, and a single lock serializing every mutator.
package syncengine

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/mdflare/agent/internal/diffcodec"
	"github.com/mdflare/agent/internal/fingerprint"
	"github.com/mdflare/agent/internal/model"
)

// RemoteTransport is the subset of the remote content store's API the
// engine depends on. Defined here (rather than imported from cloudapi
// directly) so the engine can be tested against a fake.
type RemoteTransport interface {
	List(ctx context.Context) ([]model.FileNode, error)
	Get(ctx context.Context, relPath string) (model.FileContent, error)
	Put(ctx context.Context, relPath, content string, oldHash *string, diff *model.DiffScript) error
	Delete(ctx context.Context, relPath string) error
	Heartbeat(ctx context.Context)
}

// LocalFS is the subset of filesystem access the engine needs, expressed
// as an interface so tests don't need a real disk. Deliberately narrower
// than afero.Fs: the engine only ever deals in whole-file content, not a
// generic Fs tree walk.
type LocalFS interface {
	ReadFile(relPath string) (string, bool, error)
	WriteFile(relPath, content string) error
	DeleteFile(relPath string) error
	Rename(oldRelPath, newRelPath string) error
}

// EngineState is the process-resident cache: two mappings keyed by
// relative_path, plus the last-seen server timestamp per path. It is
// never persisted and is rebuilt empty at every process start.
type EngineState struct {
	LocalFingerprint map[string]string
	CachedContent    map[string]string
	RemoteModified   map[string]string
}

func newState() *EngineState {
	return &EngineState{
		LocalFingerprint: make(map[string]string),
		CachedContent:    make(map[string]string),
		RemoteModified:   make(map[string]string),
	}
}

// Engine is the sync engine. One mutex guards all of EngineState; it is
// held across a full handler invocation, so a concurrent call always
// observes a consistent state snapshot rather than a partial update.
type Engine struct {
	mu     sync.Mutex
	state  *EngineState
	remote RemoteTransport
	fs     LocalFS
}

// New constructs an Engine with empty state.
func New(remote RemoteTransport, fs LocalFS) *Engine {
	return &Engine{
		state:  newState(),
		remote: remote,
		fs:     fs,
	}
}

// Snapshot returns a copy of the current cache maps, for tests and
// diagnostics. Safe to call concurrently with any other Engine method.
func (e *Engine) Snapshot() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := EngineState{
		LocalFingerprint: make(map[string]string, len(e.state.LocalFingerprint)),
		CachedContent:    make(map[string]string, len(e.state.CachedContent)),
		RemoteModified:   make(map[string]string, len(e.state.RemoteModified)),
	}
	for k, v := range e.state.LocalFingerprint {
		out.LocalFingerprint[k] = v
	}
	for k, v := range e.state.CachedContent {
		out.CachedContent[k] = v
	}
	for k, v := range e.state.RemoteModified {
		out.RemoteModified[k] = v
	}
	return out
}

// FullSync reconciles local and remote state. It returns the number of
// files downloaded and uploaded; per-file failures are logged and skipped
// rather than aborting the batch.
func (e *Engine) FullSync(ctx context.Context, localScan func() ([]model.FileNode, error), flatten func([]model.FileNode) []model.FileNode) (downloaded, uploaded int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	remoteTree, err := e.remote.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	remoteFiles := flatten(remoteTree)
	remoteByPath := make(map[string]model.FileNode, len(remoteFiles))
	for _, f := range remoteFiles {
		remoteByPath[f.RelativePath] = f
	}

	for _, rf := range remoteFiles {
		modified := ""
		if rf.Modified != nil {
			modified = *rf.Modified
		}
		_, existsLocally, readErr := e.fs.ReadFile(rf.RelativePath)
		needsDownload := readErr == nil && !existsLocally
		if existsLocally {
			if e.state.RemoteModified[rf.RelativePath] != modified {
				needsDownload = true
			}
		} else {
			needsDownload = true
		}
		if !needsDownload {
			continue
		}

		content, getErr := e.remote.Get(ctx, rf.RelativePath)
		if getErr != nil {
			jww.WARN.Printf("full_sync: download %s failed: %v", rf.RelativePath, getErr)
			continue
		}
		if writeErr := e.fs.WriteFile(rf.RelativePath, content.Content); writeErr != nil {
			jww.WARN.Printf("full_sync: write %s failed: %v", rf.RelativePath, writeErr)
			continue
		}
		e.state.LocalFingerprint[rf.RelativePath] = fingerprint.Of(content.Content)
		e.state.CachedContent[rf.RelativePath] = content.Content
		e.state.RemoteModified[rf.RelativePath] = modified
		downloaded++
	}

	localTree, scanErr := localScan()
	if scanErr != nil {
		return downloaded, uploaded, scanErr
	}
	for _, lf := range flatten(localTree) {
		if _, ok := remoteByPath[lf.RelativePath]; ok {
			continue
		}
		content, _, readErr := e.fs.ReadFile(lf.RelativePath)
		if readErr != nil {
			jww.WARN.Printf("full_sync: read %s failed: %v", lf.RelativePath, readErr)
			continue
		}
		if putErr := e.remote.Put(ctx, lf.RelativePath, content, nil, nil); putErr != nil {
			jww.WARN.Printf("full_sync: upload %s failed: %v", lf.RelativePath, putErr)
			continue
		}
		e.state.LocalFingerprint[lf.RelativePath] = fingerprint.Of(content)
		e.state.CachedContent[lf.RelativePath] = content
		uploaded++
	}

	e.remote.Heartbeat(ctx)

	return downloaded, uploaded, nil
}

// OnLocalChange handles one local file edit. relPath is the file's path
// relative to local_root.
func (e *Engine) OnLocalChange(ctx context.Context, relPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	content, exists, err := e.fs.ReadFile(relPath)
	if err != nil || !exists {
		if err != nil {
			jww.WARN.Printf("on_local_change: read %s failed: %v", relPath, err)
			return
		}
		// File no longer exists: delete remotely and purge caches.
		if delErr := e.remote.Delete(ctx, relPath); delErr != nil {
			jww.WARN.Printf("on_local_change: remote delete %s failed: %v", relPath, delErr)
		}
		delete(e.state.LocalFingerprint, relPath)
		delete(e.state.CachedContent, relPath)
		return
	}

	newHash := fingerprint.Of(content)
	priorHash, hadPrior := e.state.LocalFingerprint[relPath]
	if hadPrior && priorHash == newHash {
		return
	}

	priorContent := e.state.CachedContent[relPath]

	var diffPtr *model.DiffScript
	if hadPrior {
		script := diffcodec.Generate(priorContent, content)
		if diffcodec.SerializedSize(script) <= model.MaxDiffBytes {
			diffPtr = &script
		}
	}

	// Update caches before the remote call so concurrent push events observe
	// the new state.
	e.state.LocalFingerprint[relPath] = newHash
	e.state.CachedContent[relPath] = content

	var oldHashPtr *string
	if hadPrior {
		oldHashPtr = &priorHash
	}
	if err := e.remote.Put(ctx, relPath, content, oldHashPtr, diffPtr); err != nil {
		jww.WARN.Printf("on_local_change: upload %s failed: %v", relPath, err)
	}
}

// OnLocalFolderDelete handles a recursive local directory removal.
// relFolderPath is the folder's path relative to local_root.
func (e *Engine) OnLocalFolderDelete(ctx context.Context, relFolderPath string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prefix := strings.TrimSuffix(relFolderPath, "/") + "/"
	var toDelete []string
	for p := range e.state.LocalFingerprint {
		if strings.HasPrefix(p, prefix) {
			toDelete = append(toDelete, p)
		}
	}

	for _, p := range toDelete {
		if err := e.remote.Delete(ctx, p); err != nil {
			jww.WARN.Printf("on_local_folder_delete: remote delete %s failed: %v", p, err)
			continue
		}
		delete(e.state.LocalFingerprint, p)
		delete(e.state.CachedContent, p)
	}
}

// OnPush dispatches one realtime push event.
func (e *Engine) OnPush(ctx context.Context, ev model.PushEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Action {
	case model.ActionSave:
		e.handleSave(ctx, ev)
	case model.ActionCreate:
		e.fetchFull(ctx, ev.RelativePath)
	case model.ActionDelete:
		e.handleDelete(ev.RelativePath)
	case model.ActionRename:
		e.handleRename(ctx, ev)
	default:
		// Unknown action: ignore.
	}
}

func (e *Engine) handleSave(ctx context.Context, ev model.PushEvent) {
	if ev.OldHash != nil && ev.Diff != nil {
		if current, ok := e.state.LocalFingerprint[ev.RelativePath]; ok && current == *ev.OldHash {
			onDisk, exists, err := e.fs.ReadFile(ev.RelativePath)
			if err == nil && exists {
				if applied, ok := diffcodec.Apply(onDisk, *ev.Diff); ok {
					if writeErr := e.fs.WriteFile(ev.RelativePath, applied); writeErr == nil {
						e.state.LocalFingerprint[ev.RelativePath] = fingerprint.Of(applied)
						e.state.CachedContent[ev.RelativePath] = applied
						return
					}
				}
			}
		}
	}
	// Precondition missed, or disk read/apply failed: downgrade to a full
	// fetch. Not an error to surface — the fallback is the expected path.
	e.fetchFull(ctx, ev.RelativePath)
}

func (e *Engine) fetchFull(ctx context.Context, relPath string) {
	content, err := e.remote.Get(ctx, relPath)
	if err != nil {
		jww.WARN.Printf("on_push: fetch %s failed: %v", relPath, err)
		return
	}
	if err := e.fs.WriteFile(relPath, content.Content); err != nil {
		jww.WARN.Printf("on_push: write %s failed: %v", relPath, err)
		return
	}
	e.state.LocalFingerprint[relPath] = fingerprint.Of(content.Content)
	e.state.CachedContent[relPath] = content.Content
}

func (e *Engine) handleDelete(relPath string) {
	_, exists, err := e.fs.ReadFile(relPath)
	if err == nil && exists {
		if delErr := e.fs.DeleteFile(relPath); delErr != nil {
			jww.WARN.Printf("on_push: local delete %s failed: %v", relPath, delErr)
			return
		}
	}
	delete(e.state.LocalFingerprint, relPath)
	delete(e.state.CachedContent, relPath)
}

func (e *Engine) handleRename(ctx context.Context, ev model.PushEvent) {
	if ev.OldPath == nil {
		e.fetchFull(ctx, ev.RelativePath)
		return
	}
	_, exists, err := e.fs.ReadFile(*ev.OldPath)
	if err != nil || !exists {
		e.fetchFull(ctx, ev.RelativePath)
		return
	}
	if renameErr := e.fs.Rename(*ev.OldPath, ev.RelativePath); renameErr != nil {
		jww.WARN.Printf("on_push: rename %s -> %s failed: %v", *ev.OldPath, ev.RelativePath, renameErr)
		return
	}
	if h, ok := e.state.LocalFingerprint[*ev.OldPath]; ok {
		e.state.LocalFingerprint[ev.RelativePath] = h
		delete(e.state.LocalFingerprint, *ev.OldPath)
	}
	if c, ok := e.state.CachedContent[*ev.OldPath]; ok {
		e.state.CachedContent[ev.RelativePath] = c
		delete(e.state.CachedContent, *ev.OldPath)
	}
}

// RunPeriodicFullSync runs FullSync once at startup and then every interval
// until ctx is canceled, healing drift between runs. It uses a timer rather
// than a ticker so a slow full_sync never queues up backlogged ticks.
func RunPeriodicFullSync(ctx context.Context, e *Engine, interval time.Duration, localScan func() ([]model.FileNode, error), flatten func([]model.FileNode) []model.FileNode) {
	if _, _, err := e.FullSync(ctx, localScan, flatten); err != nil {
		jww.WARN.Printf("startup full_sync failed: %v", err)
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, _, err := e.FullSync(ctx, localScan, flatten); err != nil {
				jww.WARN.Printf("periodic full_sync failed: %v", err)
			}
			timer.Reset(interval)
		}
	}
}

// relPrefixOf is a small helper kept separate from OnLocalFolderDelete for
// testability: it derives a root-relative folder prefix from an absolute
// folder path and a root.
func relPrefixOf(root, absFolderPath string) string {
	rel := strings.TrimPrefix(absFolderPath, root)
	rel = strings.TrimPrefix(rel, "/")
	return path.Clean(rel)
}
