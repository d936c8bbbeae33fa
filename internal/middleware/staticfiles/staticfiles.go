// Package staticfiles serves the browser application's build output, with
// single-page-application fallback to the index document.
package staticfiles

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/wudi/isogate/internal/config"
	"github.com/wudi/isogate/internal/errors"
	"github.com/wudi/isogate/variables"
)

var errForbidden = errors.New(http.StatusForbidden, "Forbidden")

// StaticFileHandler serves static files from a directory.
type StaticFileHandler struct {
	dir          string
	root         *os.Root
	index        string
	spaFallback  bool
	cacheControl string

	served    atomic.Int64
	fallbacks atomic.Int64
	notFound  atomic.Int64
}

// New creates a StaticFileHandler from config. The root directory must
// exist; nothing outside it can be opened.
func New(cfg config.StaticConfig) (*StaticFileHandler, error) {
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("root directory %q: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", absRoot)
	}
	root, err := os.OpenRoot(absRoot)
	if err != nil {
		return nil, fmt.Errorf("open root %q: %w", absRoot, err)
	}

	index := cfg.Index
	if index == "" {
		index = "index.html"
	}
	return &StaticFileHandler{
		dir:          absRoot,
		root:         root,
		index:        index,
		spaFallback:  cfg.SPAFallback,
		cacheControl: cfg.CacheControl,
	}, nil
}

// Close releases the root directory handle.
func (h *StaticFileHandler) Close() error {
	return h.root.Close()
}

// ServeHTTP serves static files.
func (h *StaticFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	variables.GetFromRequest(r).Static = true

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		errors.ErrMethodNotAllowed.WriteJSON(w)
		return
	}

	// Reject path traversal attempts.
	if hasDotDotSegment(r.URL.Path) {
		errForbidden.WriteJSON(w)
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if name == "" {
		name = "."
	}

	if h.serveFile(w, r, name, h.cacheControl) {
		h.served.Add(1)
		return
	}

	if h.spaFallback && wantsDocument(r) {
		// The index must be revalidated so a rebuilt app is picked up.
		if h.serveFile(w, r, h.index, "no-cache") {
			h.fallbacks.Add(1)
			return
		}
	}

	h.notFound.Add(1)
	errors.ErrNotFound.WriteJSON(w)
}

// serveFile writes name, or the index document inside it when name is a
// directory. It reports false when there is nothing to serve.
func (h *StaticFileHandler) serveFile(w http.ResponseWriter, r *http.Request, name, cacheControl string) bool {
	f, err := h.root.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	if info.IsDir() {
		return h.serveFile(w, r, path.Join(name, h.index), "no-cache")
	}
	if !info.Mode().IsRegular() {
		return false
	}

	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

// wantsDocument reports whether the request is a navigation the
// application's client-side router should handle: no file extension, or an
// explicit request for HTML.
func wantsDocument(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return true
	}
	return path.Ext(r.URL.Path) == ""
}

func hasDotDotSegment(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// Stats returns file serving statistics.
func (h *StaticFileHandler) Stats() map[string]interface{} {
	return map[string]interface{}{
		"root":         h.dir,
		"index":        h.index,
		"spa_fallback": h.spaFallback,
		"served":       h.served.Load(),
		"fallbacks":    h.fallbacks.Load(),
		"not_found":    h.notFound.Load(),
	}
}
