package main

import (
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// osLocalFS adapts an afero.Fs rooted at root to syncengine.LocalFS, which
// deals purely in root-relative paths and whole-file content.
type osLocalFS struct {
	fs   afero.Fs
	root string
}

func newOsLocalFS(fs afero.Fs, root string) *osLocalFS {
	return &osLocalFS{fs: fs, root: root}
}

func (o *osLocalFS) abs(relPath string) string {
	return path.Join(o.root, relPath)
}

func (o *osLocalFS) ReadFile(relPath string) (string, bool, error) {
	raw, err := afero.ReadFile(o.fs, o.abs(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(raw), true, nil
}

func (o *osLocalFS) WriteFile(relPath, content string) error {
	abs := o.abs(relPath)
	if dir := path.Dir(abs); dir != "" {
		if err := o.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return afero.WriteFile(o.fs, abs, []byte(content), 0o644)
}

func (o *osLocalFS) DeleteFile(relPath string) error {
	return o.fs.Remove(o.abs(relPath))
}

func (o *osLocalFS) Rename(oldRelPath, newRelPath string) error {
	newAbs := o.abs(newRelPath)
	if dir := path.Dir(newAbs); dir != "" {
		if err := o.fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return o.fs.Rename(o.abs(oldRelPath), newAbs)
}

// relPath derives a root-relative path from an absolute one, as reported by
// the watcher. It trims root as a prefix and then one leading slash, so
// root with or without a trailing slash gives no leading slash in the result.
func relPath(root, absPath string) string {
	rel := strings.TrimPrefix(absPath, root)
	rel = strings.TrimPrefix(rel, "/")
	return rel
}
