// Package dashboard is the long-running HTTP state server for one project
// instance. It serves the dashboard UI's data and tab lifecycle, guarded
// against non-local callers, path traversal, and request floods.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/electricddev/codev-sub000/internal/config"
	"github.com/electricddev/codev-sub000/internal/logging"
	"github.com/electricddev/codev-sub000/internal/spawn"
	"github.com/electricddev/codev-sub000/internal/state"
)

// Lifecycle is the slice of the lifecycle manager the server needs.
// Satisfied by *lifecycle.Manager.
type Lifecycle interface {
	PruneDead(store *state.Store) (int, error)
	KillGracefully(pid int, session string)
}

// TabSpawner creates the sessions behind dashboard tabs. Satisfied by
// *spawn.Spawner.
type TabSpawner interface {
	Spawn(opts *spawn.Options) (*state.Builder, []string, error)
	SpawnUtil(name string) (*state.Util, error)
	SpawnAnnotation(file, parent string) (*state.Annotation, error)
}

// Server is the dashboard state server.
type Server struct {
	projectRoot string
	cfg         *config.Config
	store       *state.Store
	life        Lifecycle
	spawner     TabSpawner
	logger      *logging.Logger
	hub         *Hub
	limiter     *rate.Limiter

	// done is closed by stop-all to terminate Run shortly after responding.
	done chan struct{}
}

// New creates a dashboard Server.
func New(projectRoot string, cfg *config.Config, store *state.Store,
	life Lifecycle, spawner TabSpawner, logger *logging.Logger) *Server {
	burst := int(cfg.Dashboard.RateLimitPerSec)
	if burst < 1 {
		burst = 1
	}
	l := logger.WithComponent("dashboard")
	return &Server{
		projectRoot: projectRoot,
		cfg:         cfg,
		store:       store,
		life:        life,
		spawner:     spawner,
		logger:      l,
		hub:         newHub(l),
		limiter:     rate.NewLimiter(rate.Limit(cfg.Dashboard.RateLimitPerSec), burst),
	}
}

// Handler returns the server's HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/tabs/file", s.handleFileTab)
	mux.HandleFunc("POST /api/tabs/builder", s.handleBuilderTab)
	mux.HandleFunc("POST /api/tabs/shell", s.handleShellTab)
	mux.HandleFunc("DELETE /api/tabs/{id}", s.handleDeleteTab)
	mux.HandleFunc("POST /api/stop-all", s.handleStopAll)
	mux.HandleFunc("GET /api/open-file", s.handleOpenFile)
	mux.HandleFunc("GET /ws", s.hub.serveWS)
	return s.localOnly(s.rateLimited(mux))
}

// Run serves on the block's dashboard port until ctx is canceled or stop-all
// fires.
func (s *Server) Run(ctx context.Context, port int) error {
	s.done = make(chan struct{})
	srv := &http.Server{
		Addr:              net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("dashboard listening", "port", port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.done:
	}

	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// localOnly rejects requests whose Host (and Origin, when present) is not a
// loopback name. Defends against DNS rebinding and cross-site requests from
// non-local pages.
func (s *Server) localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackHost(r.Host) {
			writeError(w, http.StatusForbidden, "non-local host rejected")
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && !isLoopbackOrigin(origin) {
			writeError(w, http.StatusForbidden, "non-local origin rejected")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackHost(host string) bool {
	h := host
	if sh, _, err := net.SplitHostPort(host); err == nil {
		h = sh
	}
	h = strings.Trim(h, "[]")
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return isLoopbackHost(u.Host)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeErrorf(w http.ResponseWriter, code int, format string, args ...any) {
	writeError(w, code, fmt.Sprintf(format, args...))
}
