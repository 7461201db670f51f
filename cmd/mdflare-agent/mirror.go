package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mdflare/agent/internal/config"
	"github.com/mdflare/agent/internal/mirror"
)

var mirrorBucketURL string

// mirrorCmd runs one on-demand mirror pass: the same Mirror.Sync that
// runCloud also drives on a timer, invoked here outside of cloud mode for a
// one-shot backup.
var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "run one on-demand mirror pass against a backup bucket",
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewFileLoader(afero.NewOsFs(), configPath)
		cfg, err := loader.Load()
		if err != nil {
			return errors.Wrap(err, "loading config")
		}
		if localRoot != "" {
			cfg.LocalRoot = localRoot
		}
		bucketURL := mirrorBucketURL
		if bucketURL == "" {
			bucketURL = cfg.MirrorBucketURL
		}
		if bucketURL == "" {
			return newUserErrorF("--bucket is required (or set mirrorBucketUrl in the config file)")
		}

		m := mirror.New(afero.NewOsFs(), cfg.LocalRoot, bucketURL)
		result, err := m.Sync(context.Background())
		if err != nil {
			return errors.Wrap(err, "mirror sync")
		}
		jww.FEEDBACK.Printf("mirror: %d uploaded, %d deleted, %d skipped\n", result.Uploaded, result.Deleted, result.Skipped)
		return nil
	},
}

func init() {
	mirrorCmd.Flags().StringVar(&mirrorBucketURL, "bucket", "", "gocloud.dev bucket URL to mirror local_root into")
}
