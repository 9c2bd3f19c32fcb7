// Package app is the HTTP application served by every worker: the built
// frontend plus a reverse proxy to the inference backend.
package app

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ganeshk79/Disease-Detection/internal/config"
)

const indexFile = "index.html"

// Application is a loaded, ready-to-serve application.
type Application struct {
	cfg      config.AppConfig
	upstream *url.URL
	log      *zap.Logger
	router   chi.Router
}

// Load checks the application settings and builds its router. It is what
// preload_app runs once in the arbiter, and what each worker runs at boot.
func Load(cfg config.AppConfig, log *zap.Logger) (*Application, error) {
	a := &Application{cfg: cfg, log: log}

	if cfg.StaticDir != "" {
		fi, err := os.Stat(filepath.Join(cfg.StaticDir, indexFile))
		if err != nil {
			return nil, fmt.Errorf("static_dir %q: %w", cfg.StaticDir, err)
		}
		if fi.IsDir() {
			return nil, fmt.Errorf("static_dir %q: %s is a directory", cfg.StaticDir, indexFile)
		}
	}

	if cfg.Upstream != "" {
		u, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, fmt.Errorf("parse upstream %q: %w", cfg.Upstream, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("upstream %q must be an absolute URL", cfg.Upstream)
		}
		a.upstream = u
	}

	a.router = a.routes()
	return a, nil
}

func (a *Application) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if a.upstream != nil {
		prefix := a.cfg.APIPrefix
		if prefix == "" {
			prefix = "/api"
		}
		proxy := a.proxy()
		r.Mount(prefix, proxy)
		for _, route := range a.cfg.ProxyRoutes {
			route = strings.TrimSuffix(route, "/")
			r.Handle(route, proxy)
			r.Handle(route+"/*", proxy)
		}
	}

	if a.cfg.StaticDir != "" {
		r.NotFound(a.serveStatic)
	}

	return r
}

func (a *Application) proxy() http.Handler {
	rp := httputil.NewSingleHostReverseProxy(a.upstream)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		a.log.Warn("upstream request failed",
			zap.String("path", r.URL.Path),
			zap.String("upstream", a.upstream.String()),
			zap.Error(err),
		)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return rp
}

// serveStatic serves files from the build directory, falling back to
// index.html so client-side routes resolve.
func (a *Application) serveStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	clean := path.Clean("/" + r.URL.Path)
	file := filepath.Join(a.cfg.StaticDir, filepath.FromSlash(clean))
	if fi, err := os.Stat(file); err != nil || fi.IsDir() {
		file = filepath.Join(a.cfg.StaticDir, indexFile)
	}
	http.ServeFile(w, r, file)
}

func (a *Application) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}
