package dashboard

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/electricddev/codev-sub000/internal/errors"
	"github.com/electricddev/codev-sub000/internal/spawn"
	"github.com/electricddev/codev-sub000/internal/tmux"
	"github.com/electricddev/codev-sub000/internal/util"
)

// Tab ID prefixes. DELETE /api/tabs/{id} dispatches on these.
const (
	tabPrefixFile    = "file-"
	tabPrefixBuilder = "builder-"
	tabPrefixShell   = "shell-"
)

// handleState returns the full session snapshot, pruning dead records first
// so the UI never renders tabs for processes that no longer exist.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if _, err := s.life.PruneDead(s.store); err != nil {
		writeErrorf(w, http.StatusInternalServerError, "prune failed: %v", err)
		return
	}
	snapshot, err := s.store.Load()
	if err != nil {
		writeErrorf(w, http.StatusInternalServerError, "state load failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// tabCount is the combined count across all tab kinds; the cap is a DoS
// guard, not a per-kind quota.
func (s *Server) tabCount() (int, error) {
	snapshot, err := s.store.Load()
	if err != nil {
		return 0, err
	}
	return len(snapshot.Builders) + len(snapshot.Utils) + len(snapshot.Annotations), nil
}

func (s *Server) atTabCap(w http.ResponseWriter) bool {
	n, err := s.tabCount()
	if err != nil {
		writeErrorf(w, http.StatusInternalServerError, "state load failed: %v", err)
		return true
	}
	if n >= s.cfg.Dashboard.MaxTabs {
		writeErrorf(w, http.StatusTooManyRequests, "tab limit reached (%d)", s.cfg.Dashboard.MaxTabs)
		return true
	}
	return false
}

func (s *Server) handleFileTab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "expected JSON body with a path field")
		return
	}

	resolved, err := util.ResolveWithinRoot(s.projectRoot, req.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeErrorf(w, http.StatusNotFound, "file not found: %s", req.Path)
			return
		}
		writeErrorf(w, http.StatusBadRequest, "path rejected: %v", err)
		return
	}

	// An already-open live annotation short-circuits the cap: no new
	// process is being created.
	if existing, err := s.store.FindAnnotationByFile(resolved); err == nil && existing != nil && tmux.IsProcessAlive(existing.PID) {
		writeJSON(w, http.StatusOK, map[string]any{
			"tabId":      tabPrefixFile + existing.ID,
			"annotation": existing,
		})
		return
	}

	if s.atTabCap(w) {
		return
	}

	a, err := s.spawner.SpawnAnnotation(resolved, "")
	if err != nil {
		s.spawnError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tabId":      tabPrefixFile + a.ID,
		"annotation": a,
	})
}

func (s *Server) handleBuilderTab(w http.ResponseWriter, r *http.Request) {
	if s.atTabCap(w) {
		return
	}
	b, warnings, err := s.spawner.Spawn(&spawn.Options{Worktree: true})
	if err != nil {
		s.spawnError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tabId":    tabPrefixBuilder + b.ID,
		"builder":  b,
		"warnings": warnings,
	})
}

func (s *Server) handleShellTab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	// The body is optional. io.EOF means there was none at all, which also
	// covers chunked requests with an empty body (ContentLength -1).
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Name != "" && !spawn.ValidName(req.Name) {
		writeError(w, http.StatusBadRequest, "name must be 1-32 characters of [a-zA-Z0-9_-]")
		return
	}
	if s.atTabCap(w) {
		return
	}
	u, err := s.spawner.SpawnUtil(req.Name)
	if err != nil {
		s.spawnError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tabId": tabPrefixShell + u.ID,
		"util":  u,
	})
}

func (s *Server) handleDeleteTab(w http.ResponseWriter, r *http.Request) {
	tabID := r.PathValue("id")
	snapshot, err := s.store.Load()
	if err != nil {
		writeErrorf(w, http.StatusInternalServerError, "state load failed: %v", err)
		return
	}

	switch {
	case strings.HasPrefix(tabID, tabPrefixFile):
		id := strings.TrimPrefix(tabID, tabPrefixFile)
		for _, a := range snapshot.Annotations {
			if a.ID != id {
				continue
			}
			s.life.KillGracefully(a.PID, tmux.SessionName(tmux.KindAnnotation, a.ID))
			if _, err := s.store.RemoveAnnotation(id); err != nil {
				writeErrorf(w, http.StatusInternalServerError, "remove failed: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"removed": tabID})
			return
		}
	case strings.HasPrefix(tabID, tabPrefixShell):
		id := strings.TrimPrefix(tabID, tabPrefixShell)
		for _, u := range snapshot.Utils {
			if u.ID != id {
				continue
			}
			s.life.KillGracefully(u.PID, u.TmuxSession)
			if _, err := s.store.RemoveUtil(id); err != nil {
				writeErrorf(w, http.StatusInternalServerError, "remove failed: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"removed": tabID})
			return
		}
	case strings.HasPrefix(tabID, tabPrefixBuilder):
		id := strings.TrimPrefix(tabID, tabPrefixBuilder)
		for _, b := range snapshot.Builders {
			if b.ID != id {
				continue
			}
			// Worktree and branch are preserved; only the session dies.
			s.life.KillGracefully(b.PID, b.TmuxSession)
			if _, err := s.store.RemoveBuilder(id); err != nil {
				writeErrorf(w, http.StatusInternalServerError, "remove failed: %v", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"removed": tabID})
			return
		}
	default:
		writeErrorf(w, http.StatusNotFound, "unknown tab kind in %q", tabID)
		return
	}
	writeErrorf(w, http.StatusNotFound, "no such tab: %s", tabID)
}

// handleStopAll kills every tracked session in parallel, clears all state,
// and schedules the server's own exit shortly after the response is written.
func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.store.Load()
	if err != nil {
		writeErrorf(w, http.StatusInternalServerError, "state load failed: %v", err)
		return
	}

	var wg sync.WaitGroup
	kill := func(pid int, session string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.life.KillGracefully(pid, session)
		}()
	}
	if a := snapshot.Architect; a != nil {
		kill(a.PID, a.TmuxSession)
	}
	for _, b := range snapshot.Builders {
		kill(b.PID, b.TmuxSession)
	}
	for _, u := range snapshot.Utils {
		kill(u.PID, u.TmuxSession)
	}
	for _, a := range snapshot.Annotations {
		kill(a.PID, tmux.SessionName(tmux.KindAnnotation, a.ID))
	}
	wg.Wait()

	if err := s.store.ClearState(); err != nil {
		writeErrorf(w, http.StatusInternalServerError, "state clear failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})

	if s.done != nil {
		go func() {
			time.Sleep(500 * time.Millisecond)
			close(s.done)
		}()
	}
}

// handleOpenFile is hit by clicks inside embedded terminals. Relative paths
// resolve against the clicking session's worktree (found by sourcePort), not
// the project root. The tab itself is created by the UI in response to the
// broadcast; this keeps tab creation in one code path.
func (s *Server) handleOpenFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	line, _ := strconv.Atoi(q.Get("line"))

	base := s.projectRoot
	if !filepath.IsAbs(path) {
		if sourcePort, err := strconv.Atoi(q.Get("sourcePort")); err == nil {
			if wt := s.worktreeForPort(sourcePort); wt != "" {
				base = wt
			}
		}
		path = filepath.Join(base, path)
	}

	resolved, err := util.ResolveWithinRoot(s.projectRoot, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeErrorf(w, http.StatusNotFound, "file not found: %s", path)
			return
		}
		writeErrorf(w, http.StatusBadRequest, "path rejected: %v", err)
		return
	}

	if s.hub.ClientCount() == 0 {
		s.logger.Warn("open-file event has no connected dashboard clients", "path", resolved)
	}
	s.hub.Broadcast(Event{Type: "open-file", Path: resolved, Line: line})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<!doctype html><title>codev</title><p>Opening in dashboard… you can close this tab.</p>"))
}

func (s *Server) worktreeForPort(port int) string {
	snapshot, err := s.store.Load()
	if err != nil {
		return ""
	}
	for _, b := range snapshot.Builders {
		if b.Port == port {
			return b.Worktree
		}
	}
	return ""
}

// spawnError maps spawn failures onto HTTP statuses. Handler failures must
// degrade to error responses, never take the server down.
func (s *Server) spawnError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		writeErrorf(w, http.StatusNotFound, "%v", err)
	case errors.IsValidation(err), errors.Is(err, util.ErrOutsideRoot):
		writeErrorf(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, errors.ErrNoFreePort):
		writeErrorf(w, http.StatusServiceUnavailable, "%v", err)
	default:
		writeErrorf(w, http.StatusInternalServerError, "%v", err)
	}
	s.logger.Warn("tab spawn failed", "error", err)
}
