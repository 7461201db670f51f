package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"github.com/mdflare/agent/internal/cloudapi"
	"github.com/mdflare/agent/internal/config"
	"github.com/mdflare/agent/internal/mirror"
	"github.com/mdflare/agent/internal/model"
	"github.com/mdflare/agent/internal/pushsub"
	"github.com/mdflare/agent/internal/scanner"
	"github.com/mdflare/agent/internal/syncengine"
	"github.com/mdflare/agent/internal/vaultserver"
	"github.com/mdflare/agent/internal/watcher"
)

// flag-bound globals: flag destinations live as package-level vars rather
// than threading a config struct through every RunE.
var (
	cloudMode     bool
	vaultMode     bool
	configPath    string
	localRoot     string
	verbose       bool
	fullSyncEvery int
)

// rootCmd is the agent's root command. Every other command is attached to
// it in init().
var rootCmd = &cobra.Command{
	Use:   "mdflare-agent",
	Short: "mdflare-agent keeps a local Markdown folder in sync",
	Long: `mdflare-agent runs in one of two modes:

  --cloud          watch local_root and keep it in sync with a remote
                   content store over the custom REST + realtime-push API
  --private-vault  serve local_root over a local HTTP API for a
                   browser-based editor, with no cloud involved

Exactly one of the two must be given.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			jww.SetStdoutThreshold(jww.LevelInfo)
		}
		if cloudMode == vaultMode {
			return newUserErrorF("exactly one of --cloud or --private-vault must be set")
		}

		loader := config.NewFileLoader(afero.NewOsFs(), configPath)
		cfg, err := loader.Load()
		if err != nil {
			return errors.Wrap(err, "loading config")
		}
		if localRoot != "" {
			cfg.LocalRoot = localRoot
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go waitForSignal(cancel)

		if cloudMode {
			return runCloud(ctx, cfg)
		}
		return runVault(ctx, cfg)
	},
}

// userError is the error kind RunE returns for a usage mistake. Execute
// does not treat it differently from other errors: it logs it and exits 1.
type userError struct{ s string }

func (u userError) Error() string { return u.s }

func newUserErrorF(format string, a ...interface{}) userError {
	return userError{s: fmt.Sprintf(format, a...)}
}

func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	jww.FEEDBACK.Println("shutting down...")
	cancel()
}

// runCloud wires C3 (scanner), C4 (syncengine), C5a (cloudapi), C5b
// (pushsub), M1 (watcher) and, when configured, M2 (mirror) together for
// one user's cloud-sync session.
func runCloud(ctx context.Context, cfg config.AgentConfig) error {
	client := cloudapi.New(cfg.APIBase, cfg.Username, cfg.APIToken)
	fs := afero.NewOsFs()
	localFS := newOsLocalFS(fs, cfg.LocalRoot)
	engine := syncengine.New(client, localFS)

	scanLocal := func() ([]model.FileNode, error) {
		return scanner.Scan(fs, cfg.LocalRoot)
	}
	go syncengine.RunPeriodicFullSync(ctx, engine, time.Duration(fullSyncEvery)*time.Minute, scanLocal, scanner.Flatten)

	if syncCfg, err := client.GetSyncConfig(ctx); err != nil {
		jww.WARN.Printf("cloud: fetching sync-config failed, push updates disabled: %v", err)
	} else {
		sub := pushsub.New(syncCfg.RTDBURL, syncCfg.UserID, syncCfg.RTDBAuth)
		go sub.Run(ctx, func(innerCtx context.Context, ev model.PushEvent) {
			engine.OnPush(innerCtx, ev)
		})
	}

	if cfg.MirrorBucketURL != "" {
		m := mirror.New(fs, cfg.LocalRoot, cfg.MirrorBucketURL)
		interval := time.Duration(cfg.MirrorIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = defaultMirrorInterval
		}
		go runPeriodicMirror(ctx, m, interval)
	}

	w, err := watcher.New(cfg.LocalRoot, func(innerCtx context.Context, absPath string) {
		engine.OnLocalChange(innerCtx, relPath(cfg.LocalRoot, absPath))
	}, func(innerCtx context.Context, absPath string) {
		engine.OnLocalFolderDelete(innerCtx, relPath(cfg.LocalRoot, absPath))
	})
	if err != nil {
		return errors.Wrap(err, "starting watcher")
	}
	return w.Run(ctx)
}

// defaultMirrorInterval is used when the config doesn't set one explicitly.
const defaultMirrorInterval = 30 * time.Minute

// runPeriodicMirror runs Mirror.Sync once at startup and then every
// interval until ctx is canceled. Passes run one after another. An
// on-demand "mirror" CLI invocation builds its own Mirror, whose per-path
// locker is separate from this one, so the two are not serialized.
func runPeriodicMirror(ctx context.Context, m *mirror.Mirror, interval time.Duration) {
	sync := func() {
		result, err := m.Sync(ctx)
		if err != nil {
			jww.WARN.Printf("mirror: sync failed: %v", err)
			return
		}
		jww.INFO.Printf("mirror: %d uploaded, %d deleted, %d skipped\n", result.Uploaded, result.Deleted, result.Skipped)
	}

	sync()
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			sync()
			timer.Reset(interval)
		}
	}
}

// runVault wires C6 (vaultserver) to serve local_root for a browser editor.
func runVault(ctx context.Context, cfg config.AgentConfig) error {
	fs := afero.NewOsFs()
	srv := vaultserver.New(fs, cfg.LocalRoot, cfg.ServerToken)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", cfg.ServerPort),
		Handler: srv.Handler(),
	}
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()
	jww.FEEDBACK.Printf("private-vault: serving %s on %s\n", cfg.LocalRoot, httpServer.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleCallback parses an "mdflare://callback?username=...&token=..." URL
// and applies it idempotently.
func handleCallback(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "parsing callback URL")
	}
	q := u.Query()
	username := q.Get("username")
	token := q.Get("token")
	if username == "" || token == "" {
		return errors.New("callback URL missing username or token")
	}
	loader := config.NewFileLoader(afero.NewOsFs(), configPath)
	return config.ApplyCallback(loader, username, token)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose logging output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the agent's config file")
	rootCmd.Flags().BoolVar(&cloudMode, "cloud", false, "run in cloud-sync mode")
	rootCmd.Flags().BoolVar(&vaultMode, "private-vault", false, "run in private-vault mode")
	rootCmd.Flags().StringVar(&localRoot, "local-root", "", "local folder to sync or serve (overrides the config file)")
	rootCmd.Flags().IntVar(&fullSyncEvery, "full-sync-minutes", 5, "minutes between periodic full syncs")

	viper.BindPFlag("cloud", rootCmd.Flags().Lookup("cloud"))
	viper.BindPFlag("private-vault", rootCmd.Flags().Lookup("private-vault"))
	viper.BindPFlag("local-root", rootCmd.Flags().Lookup("local-root"))

	rootCmd.AddCommand(callbackCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mdflare-agent.json"
	}
	return home + "/.config/mdflare-agent/config.json"
}

// Execute runs the root command: usage is silenced, and a run failure
// exits non-zero without a Go panic/stack trace reaching the user.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		jww.ERROR.Println(err)
		os.Exit(1)
	}
}
