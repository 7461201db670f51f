// Package mirror is the optional local-to-cloud-bucket backup feature. It
// is independent of the core sync engine's custom REST contract: mirror
// pushes a best-effort copy of local_root to a gocloud.dev bucket so a
// user can restore from object storage if both the local machine and the
// sync server are lost. Per-path upload serialization uses
// BurntSushi/locker, independent from the sync engine's own EngineState
// mutex — they protect different state and may run concurrently.
package mirror

import (
	"bytes"
	"context"
	"crypto/md5"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/BurntSushi/locker"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/text/unicode/norm"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// Mirror backs up local_root to a gocloud.dev bucket URL. It is best-effort:
// per-file failures are logged, never escalated, since mirroring is an
// enrichment feature, not part of the sync contract.
type Mirror struct {
	Fs        afero.Fs
	Root      string
	BucketURL string
	locks     *locker.Locker
}

// New constructs a Mirror.
func New(fs afero.Fs, root, bucketURL string) *Mirror {
	return &Mirror{Fs: fs, Root: root, BucketURL: bucketURL, locks: locker.NewLocker()}
}

// Result summarizes one mirror pass.
type Result struct {
	Uploaded int
	Deleted  int
	Skipped  int
}

// Sync pushes every changed local file to the bucket and removes any
// bucket object that no longer exists locally: a walk-local,
// walk-remote, diff, then apply pass.
func (m *Mirror) Sync(ctx context.Context) (Result, error) {
	var result Result

	bucket, err := blob.OpenBucket(ctx, m.BucketURL)
	if err != nil {
		return result, errors.Wrap(err, "opening mirror bucket")
	}
	defer bucket.Close()

	localFiles, err := m.walkLocal()
	if err != nil {
		return result, errors.Wrap(err, "walking local root")
	}
	jww.INFO.Printf("mirror: found %d local files\n", len(localFiles))

	remoteFiles, err := walkRemote(ctx, bucket)
	if err != nil {
		return result, errors.Wrap(err, "walking remote bucket")
	}
	jww.INFO.Printf("mirror: found %d remote objects\n", len(remoteFiles))

	uploads, deletes := diff(localFiles, remoteFiles)

	var uploadSize int64
	for _, u := range uploads {
		uploadSize += u.size
	}
	jww.FEEDBACK.Printf("mirror: %d file(s) to upload (%s), %d to delete\n", len(uploads), humanize.Bytes(uint64(uploadSize)), len(deletes))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, u := range uploads {
		wg.Add(1)
		go func(u localFile) {
			defer wg.Done()
			m.locks.Lock(u.path)
			defer m.locks.Unlock(u.path)
			if err := m.upload(ctx, bucket, u); err != nil {
				jww.WARN.Printf("mirror: upload %s failed: %v", u.path, err)
				mu.Lock()
				result.Skipped++
				mu.Unlock()
				return
			}
			mu.Lock()
			result.Uploaded++
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	for _, key := range deletes {
		m.locks.Lock(key)
		if err := bucket.Delete(ctx, key); err != nil {
			jww.WARN.Printf("mirror: delete %s failed: %v", key, err)
		} else {
			result.Deleted++
		}
		m.locks.Unlock(key)
	}

	return result, nil
}

type localFile struct {
	path string
	size int64
	md5  []byte
}

func (m *Mirror) walkLocal() (map[string]localFile, error) {
	out := make(map[string]localFile)
	err := afero.Walk(m.Fs, m.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != m.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Name() == ".DS_Store" {
			return nil
		}

		rel := strings.TrimPrefix(path, m.Root)
		rel = strings.TrimPrefix(rel, "/")
		if runtime.GOOS == "darwin" {
			rel = norm.NFC.String(rel)
		}

		f, err := m.Fs.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		h := md5.New()
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		out[rel] = localFile{path: rel, size: info.Size(), md5: h.Sum(nil)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func walkRemote(ctx context.Context, bucket *blob.Bucket) (map[string]*blob.ListObject, error) {
	out := make(map[string]*blob.ListObject)
	iter := bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(obj.MD5) == 0 {
			if r, err := bucket.NewReader(ctx, obj.Key, nil); err == nil {
				h := md5.New()
				io.Copy(h, r)
				obj.MD5 = h.Sum(nil)
				r.Close()
			}
		}
		out[obj.Key] = obj
	}
	return out, nil
}

func diff(local map[string]localFile, remote map[string]*blob.ListObject) (uploads []localFile, deletes []string) {
	found := make(map[string]bool, len(local))
	for path, lf := range local {
		found[path] = true
		remoteObj, ok := remote[path]
		if !ok {
			uploads = append(uploads, lf)
			continue
		}
		if lf.size != remoteObj.Size || !bytes.Equal(lf.md5, remoteObj.MD5) {
			uploads = append(uploads, lf)
		}
	}
	for path := range remote {
		if !found[path] {
			deletes = append(deletes, path)
		}
	}
	return uploads, deletes
}

func (m *Mirror) upload(ctx context.Context, bucket *blob.Bucket, lf localFile) error {
	f, err := m.Fs.Open(m.abs(lf.path))
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := bucket.NewWriter(ctx, lf.path, nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (m *Mirror) abs(relPath string) string {
	if m.Root == "" || m.Root == "/" {
		return "/" + relPath
	}
	return m.Root + "/" + relPath
}
