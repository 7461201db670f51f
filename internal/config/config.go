// Package config supplies AgentConfig and a minimal configuration-file
// persistence layer. Only enough persistence exists here to make the CLI
// surface and the MDFLARE_API_BASE override testable; a real deployment is
// expected to swap Loader's disk-backed implementation for whatever the
// host application already uses.
package config

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// StorageMode selects which half of the system is active: cloud sync (C4 +
// C5a + C5b) or the private vault's local HTTP file service (C6).
type StorageMode string

const (
	ModeCloud        StorageMode = "cloud"
	ModePrivateVault StorageMode = "private-vault"
)

// EnvAPIBaseOverride is the environment variable that, when set, replaces
// AgentConfig.APIBase at load time.
const EnvAPIBaseOverride = "MDFLARE_API_BASE"

// AgentConfig is the read-only configuration the sync engine and its peers
// are built from.
type AgentConfig struct {
	StorageMode StorageMode `json:"storageMode"`
	LocalRoot   string      `json:"localRoot"`

	// Cloud mode fields.
	APIBase  string `json:"apiBase,omitempty"`
	Username string `json:"username,omitempty"`
	APIToken string `json:"apiToken,omitempty"`

	// Private-vault mode fields.
	ServerPort  int    `json:"serverPort,omitempty"`
	ServerToken string `json:"serverToken,omitempty"`

	// Mirror (M2, optional). In cloud mode a non-empty MirrorBucketURL starts
	// the periodic mirror; empty disables it. The "mirror" subcommand also
	// uses MirrorBucketURL as its bucket when --bucket is not given.
	MirrorBucketURL       string `json:"mirrorBucketUrl,omitempty"`
	MirrorIntervalMinutes int    `json:"mirrorIntervalMinutes,omitempty"`
}

// Loader is the seam the out-of-scope persistence layer implements. The
// default, disk-backed implementation below is intentionally the simplest
// thing that could work: one JSON file, read whole, env override applied on
// top.
type Loader interface {
	Load() (AgentConfig, error)
	Save(AgentConfig) error
}

// FileLoader reads and writes AgentConfig as a single JSON document on fs.
type FileLoader struct {
	Fs   afero.Fs
	Path string
}

// NewFileLoader constructs a FileLoader rooted at path on fs.
func NewFileLoader(fs afero.Fs, path string) *FileLoader {
	return &FileLoader{Fs: fs, Path: path}
}

// Load reads AgentConfig from disk and applies the MDFLARE_API_BASE
// environment override: when present, it replaces api_base at load time.
func (l *FileLoader) Load() (AgentConfig, error) {
	var cfg AgentConfig
	raw, err := afero.ReadFile(l.Fs, l.Path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config at %s", l.Path)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config at %s", l.Path)
	}
	if override, ok := os.LookupEnv(EnvAPIBaseOverride); ok {
		cfg.APIBase = override
	}
	return cfg, nil
}

// Save writes cfg to disk as JSON, creating parent directories as needed.
func (l *FileLoader) Save(cfg AgentConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling config")
	}
	if err := l.Fs.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return errors.Wrapf(err, "creating config directory for %s", l.Path)
	}
	return afero.WriteFile(l.Fs, l.Path, raw, 0o600)
}

// ConnectionToken builds the opaque, base64-encoded "<url>|<secret>" bundle
// used to hand a private-vault endpoint to an external peer (the
// system-tray UI, which then relays it to the user's browser).
func ConnectionToken(url, secret string) string {
	return base64.StdEncoding.EncodeToString([]byte(url + "|" + secret))
}

// ApplyCallback idempotently applies a parsed "mdflare://callback" URL's
// username/token pair to the persisted config: if the token already on
// disk matches, this is a no-op.
func ApplyCallback(loader Loader, username, token string) error {
	cfg, err := loader.Load()
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return err
		}
		cfg = AgentConfig{}
	}
	if cfg.Username == username && cfg.APIToken == token {
		return nil
	}
	cfg.Username = username
	cfg.APIToken = token
	return loader.Save(cfg)
}
