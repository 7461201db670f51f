package main

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/fsync"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mdflare/agent/internal/config"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

var restoreBucketURL string

// restoreCmd recovers a vault root from a mirror bucket: every object is
// downloaded into a staging directory, then spf13/fsync.Syncer copies the
// staged tree into local_root and removes whatever local_root has that
// the bucket doesn't.
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "restore local-root from a mirror bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		if restoreBucketURL == "" {
			return newUserErrorF("--bucket is required")
		}
		loader := config.NewFileLoader(afero.NewOsFs(), configPath)
		cfg, err := loader.Load()
		if err != nil {
			return errors.Wrap(err, "loading config")
		}
		if localRoot != "" {
			cfg.LocalRoot = localRoot
		}
		return restore(context.Background(), restoreBucketURL, cfg.LocalRoot)
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreBucketURL, "bucket", "", "gocloud.dev bucket URL to restore from")
}

func restore(ctx context.Context, bucketURL, localRootDir string) error {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return errors.Wrap(err, "opening mirror bucket")
	}
	defer bucket.Close()

	staging, err := os.MkdirTemp("", "mdflare-restore-*")
	if err != nil {
		return errors.Wrap(err, "creating staging directory")
	}
	defer os.RemoveAll(staging)

	stagingFs := afero.NewOsFs()
	n := 0
	iter := bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "listing bucket")
		}
		if err := downloadOne(ctx, bucket, stagingFs, staging, obj.Key); err != nil {
			jww.WARN.Printf("restore: downloading %s failed: %v", obj.Key, err)
			continue
		}
		n++
	}
	jww.FEEDBACK.Printf("restore: downloaded %d object(s) into staging\n", n)

	destFs := afero.NewOsFs()
	if err := destFs.MkdirAll(localRootDir, 0o755); err != nil {
		return errors.Wrap(err, "creating local root")
	}

	syncer := fsync.NewSyncer()
	syncer.SrcFs = stagingFs
	syncer.DestFs = destFs
	syncer.Delete = true
	if err := syncer.Sync(localRootDir, staging); err != nil {
		return errors.Wrap(err, "syncing staged tree into local root")
	}
	jww.FEEDBACK.Println("restore: done")
	return nil
}

func downloadOne(ctx context.Context, bucket *blob.Bucket, fs afero.Fs, stagingRoot, key string) error {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return err
	}
	defer r.Close()

	dest := stagingRoot + "/" + key
	if dir := dirOf(dest); dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	w, err := fs.Create(dest)
	if err != nil {
		return err
	}
	defer w.Close()
	_, err = io.Copy(w, r)
	return err
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return ""
}
