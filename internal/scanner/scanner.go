// Package scanner walks a local root directory for Markdown files,
// skipping hidden entries and pruning any subtree with no Markdown file,
// with darwin NFC path normalization for cross-filesystem path stability.
package scanner

import (
	"path"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/unicode/norm"

	"github.com/mdflare/agent/internal/model"
)

const markdownExt = ".md"

// Scan walks root on fs and returns the top-level entries under root, each
// folder carrying its own Children; root itself has no node. A folder is included
// only if its subtree transitively contains at least one Markdown file;
// hidden entries (name starting with ".") are never included.
func Scan(fs afero.Fs, root string) ([]model.FileNode, error) {
	return scanDir(fs, root, "")
}

// Flatten drops every folder from tree and returns a depth-first, in-order
// listing of file-only nodes.
func Flatten(tree []model.FileNode) []model.FileNode {
	var out []model.FileNode
	for _, n := range tree {
		if n.Kind == model.KindFolder {
			out = append(out, Flatten(n.Children)...)
		} else {
			out = append(out, n)
		}
	}
	return out
}

func scanDir(fs afero.Fs, absDir, relDir string) ([]model.FileNode, error) {
	entries, err := afero.ReadDir(fs, absDir)
	if err != nil {
		return nil, err
	}

	var nodes []model.FileNode
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		absPath := path.Join(absDir, name)
		relPath := name
		if relDir != "" {
			relPath = relDir + "/" + name
		}
		if runtime.GOOS == "darwin" {
			relPath = norm.NFC.String(relPath)
		}

		if entry.IsDir() {
			children, err := scanDir(fs, absPath, relPath)
			if err != nil {
				return nil, err
			}
			if len(children) == 0 {
				continue
			}
			nodes = append(nodes, model.FileNode{
				Name:         name,
				RelativePath: relPath,
				Kind:         model.KindFolder,
				Children:     children,
			})
			continue
		}

		if !hasMarkdownExt(name) {
			continue
		}
		size := entry.Size()
		modified := entry.ModTime().UTC().Format(timeLayout)
		nodes = append(nodes, model.FileNode{
			Name:         name,
			RelativePath: relPath,
			Kind:         model.KindFile,
			Size:         &size,
			Modified:     &modified,
		})
	}

	sortSiblings(nodes)
	return nodes, nil
}

const timeLayout = "2006-01-02T15:04:05Z07:00"

// hasMarkdownExt matches the ".md" suffix case-insensitively on platforms
// whose native filesystem is itself case-insensitive (darwin, windows), and
// with an exact case match everywhere else: it never tries to be more
// case-aware than the underlying filesystem already is.
func hasMarkdownExt(name string) bool {
	if len(name) < len(markdownExt) {
		return false
	}
	ext := name[len(name)-len(markdownExt):]
	if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
		return strings.EqualFold(ext, markdownExt)
	}
	return ext == markdownExt
}

// sortSiblings orders folders before files, then lexicographically by name.
func sortSiblings(nodes []model.FileNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Kind != b.Kind {
			return a.Kind == model.KindFolder
		}
		return a.Name < b.Name
	})
}
