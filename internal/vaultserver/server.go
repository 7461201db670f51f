package vaultserver

import (
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/mdflare/agent/internal/model"
	"github.com/mdflare/agent/internal/scanner"
)

// Server is the private-vault HTTP file service. It serves a Markdown tree
// rooted at Root on Fs, confined so no request can escape the root, and
// notifies connected browser tabs over websocket whenever a mutating call
// succeeds.
type Server struct {
	Fs    afero.Fs
	Root  string
	Token string

	hub *hub
}

// New constructs a Server and starts its notification hub.
func New(fs afero.Fs, root, token string) *Server {
	s := &Server{Fs: fs, Root: root, Token: token, hub: newHub()}
	go s.hub.run()
	return s
}

// Handler returns the http.Handler to mount at the server's listen address.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/files", s.withCORS(s.handleFiles))
	mux.HandleFunc("/api/file/", s.withCORS(s.handleFile))
	mux.HandleFunc("/api/rename", s.withCORS(s.handleRename))
	mux.HandleFunc("/ws", s.notifyHandler)
	return rejectTraversal(mux)
}

// rejectTraversal runs ahead of http.ServeMux's own routing. Without it, a
// request like PUT /api/file/..%2Fescape.md never reaches resolvePath at
// all: ServeMux decodes the %2F, sees the resulting ".." segment, and
// answers with a 301 redirect to the cleaned path before any handler runs.
// Checking the decoded path here and rejecting outright keeps the traversal
// attempt's response a 403, not a redirect that happens to be safe.
func rejectTraversal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if containsDotDotSegment(r.URL.Path) {
			writeError(w, http.StatusForbidden, "path escapes local root")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func containsDotDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// withCORS wraps a handler with permissive CORS headers so a browser-based
// editor on any origin can talk to the vault, and answers CORS preflight
// requests directly.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// requireAuth enforces bearer-token auth on mutating operations only; GET
// requests stay unauthenticated so a local browser UI can load content
// without juggling the token.
func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	got := r.Header.Get("Authorization")
	if got != "Bearer "+s.Token {
		writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
		return false
	}
	return true
}

// resolvePath confines relPath to s.Root, rejecting any attempt to escape
// it via ".." segments: a request path that resolves outside the root is
// rejected with 403, never silently clamped. Unlike path.Clean("/"+relPath),
// which would quietly absorb a leading ".." at the root, this rejects the
// request outright so an escape attempt is visible to the caller rather
// than swallowed.
func (s *Server) resolvePath(relPath string) (absPath string, ok bool) {
	cleaned := path.Clean(relPath)
	if cleaned == "." {
		return s.Root, true
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return path.Join(s.Root, cleaned), true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleFiles serves GET /api/files: the full Markdown tree under Root.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	tree, err := scanner.Scan(s.Fs, s.Root)
	if err != nil {
		jww.WARN.Printf("vaultserver: scan failed: %v", err)
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"files": tree})
}

// handleFile dispatches GET/PUT/DELETE /api/file/{path}.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	relPath := strings.TrimPrefix(r.URL.Path, "/api/file/")
	if relPath == "" {
		writeError(w, http.StatusNotFound, "missing file path")
		return
	}
	absPath, ok := s.resolvePath(relPath)
	if !ok {
		writeError(w, http.StatusForbidden, "path escapes local root")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getFile(w, absPath, relPath)
	case http.MethodPut:
		if !s.requireAuth(w, r) {
			return
		}
		s.putFile(w, r, absPath, relPath)
	case http.MethodDelete:
		if !s.requireAuth(w, r) {
			return
		}
		s.deleteFile(w, absPath, relPath)
	default:
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

func (s *Server) getFile(w http.ResponseWriter, absPath, relPath string) {
	info, err := s.Fs.Stat(absPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	raw, err := afero.ReadFile(s.Fs, absPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	content := model.FileContent{
		RelativePath: relPath,
		Content:      string(raw),
		Size:         info.Size(),
		Modified:     info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(content)
}

func (s *Server) putFile(w http.ResponseWriter, r *http.Request, absPath, relPath string) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read body failed")
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	if dir := path.Dir(absPath); dir != "" {
		if err := s.Fs.MkdirAll(dir, 0o755); err != nil {
			writeError(w, http.StatusInternalServerError, errors.Wrap(err, "mkdir").Error())
			return
		}
	}
	if err := afero.WriteFile(s.Fs, absPath, []byte(body.Content), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "write failed")
		return
	}
	s.notifyChanged(relPath, "write")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteFile(w http.ResponseWriter, absPath, relPath string) {
	if err := s.Fs.RemoveAll(absPath); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	s.notifyChanged(relPath, "delete")
	w.WriteHeader(http.StatusOK)
}

// handleRename serves POST /api/rename: {"oldPath": "...", "newPath": "..."}.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	if !s.requireAuth(w, r) {
		return
	}

	var body struct {
		OldPath string `json:"oldPath"`
		NewPath string `json:"newPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	oldAbs, ok := s.resolvePath(body.OldPath)
	if !ok {
		writeError(w, http.StatusForbidden, "oldPath escapes local root")
		return
	}
	newAbs, ok := s.resolvePath(body.NewPath)
	if !ok {
		writeError(w, http.StatusForbidden, "newPath escapes local root")
		return
	}

	if dir := path.Dir(newAbs); dir != "" {
		if err := s.Fs.MkdirAll(dir, 0o755); err != nil {
			writeError(w, http.StatusInternalServerError, "mkdir failed")
			return
		}
	}
	if err := s.Fs.Rename(oldAbs, newAbs); err != nil {
		writeError(w, http.StatusNotFound, "rename failed")
		return
	}
	s.notifyChanged(body.OldPath, "rename")
	s.notifyChanged(body.NewPath, "rename")
	w.WriteHeader(http.StatusOK)
}
