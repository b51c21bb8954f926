// Package server publishes the mirrored trees over HTTP with directory
// listings and byte-range support.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/darknightghost/LinuxSourceMirror/internal/metrics"
	"github.com/darknightghost/LinuxSourceMirror/internal/mirror"
)

// ProtocolName is the name of the HTTP delivery protocol.
const ProtocolName = "http"

const shutdownGrace = 10 * time.Second

// Response kinds used as the metrics label.
const (
	kindCatalog          = "catalog"
	kindListing          = "listing"
	kindFile             = "file"
	kindRange            = "range"
	kindMultiRange       = "multirange"
	kindFavicon          = "favicon"
	kindUnsatisfiable    = "unsatisfiable"
	kindNotFound         = "not_found"
	kindMethodNotAllowed = "method_not_allowed"
	kindError            = "error"
	kindAborted          = "aborted"
)

// Server is the HTTP content delivery engine.
type Server struct {
	registry          *mirror.Registry
	legacyRangeStatus bool
	openFile          func(name string) (servedFile, error)
	srv               *http.Server

	listener net.Listener
	done     chan struct{}
	err      error
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// NewServer creates a Server for the distros in registry.
func NewServer(cfg *mirror.HTTPConfig, registry *mirror.Registry) *Server {
	s := &Server{
		registry:          registry,
		legacyRangeStatus: cfg.LegacyRangeStatus,
		openFile:          openFile,
	}
	s.srv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: seconds(cfg.ReadTimeout),
		ReadTimeout:       seconds(cfg.ReadTimeout),
		WriteTimeout:      seconds(cfg.WriteTimeout),
		IdleTimeout:       seconds(cfg.IdleTimeout),
	}
	return s
}

// Name returns the protocol name.
func (s *Server) Name() string {
	return ProtocolName
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return instrument(s.route)
}

// Start binds the listening socket and serves requests in the background.
func (s *Server) Start(ctx context.Context) error {
	if s.done != nil {
		return errors.New("http server already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.srv.Addr)
	if err != nil {
		return errors.Wrap(err, "http server")
	}
	s.listener = ln
	s.done = make(chan struct{})

	slog.Info("http server listening", "address", ln.Addr().String())
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.err = errors.Wrap(err, "http server")
		}
	}()
	return nil
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and waits for the serve loop to return.
// Transfers in flight are given shutdownGrace to finish and are not cut.
func (s *Server) Stop() error {
	if s.done == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		slog.Warn("http transfers still running after shutdown grace", "error", err)
	}
	<-s.done
	slog.Info("http server stopped")
	return s.err
}

// Done is closed when the serve loop has returned.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the serve loop error once Done is closed.
func (s *Server) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// splitPath normalizes an URL path into its non-empty segments.
func splitPath(p string) []string {
	var segments []string
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return kindMethodNotAllowed
	}

	segments := splitPath(r.URL.Path)
	switch {
	case len(segments) == 0:
		return s.serveCatalog(w, r)

	case len(segments) == 1 && segments[0] == mirror.FaviconName:
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return kindFavicon

	case len(segments) == 1:
		if _, ok := s.registry.Lookup(segments[0]); !ok {
			http.NotFound(w, r)
			return kindNotFound
		}
		root, err := s.registry.Root(segments[0])
		if err != nil {
			return internalError(w, r, err)
		}
		return s.serveDirectory(w, r, root, segments)
	}

	for _, seg := range segments {
		if seg == "." || seg == ".." {
			http.NotFound(w, r)
			return kindNotFound
		}
	}

	p := filepath.Join(append([]string{s.registry.DataPath()}, segments...)...)
	if !s.registry.Contains(p) {
		http.NotFound(w, r)
		return kindNotFound
	}
	info, err := os.Stat(p)
	switch {
	case err != nil:
		http.NotFound(w, r)
		return kindNotFound
	case info.IsDir():
		return s.serveDirectory(w, r, p, segments)
	case info.Mode().IsRegular():
		return s.serveFile(w, r, p)
	default:
		http.NotFound(w, r)
		return kindNotFound
	}
}

func (s *Server) serveCatalog(w http.ResponseWriter, r *http.Request) string {
	if err := writePage(w, r, catalogPage(s.registry)); err != nil {
		slog.Debug("failed to send catalog", "error", err)
	}
	return kindCatalog
}

func (s *Server) serveDirectory(w http.ResponseWriter, r *http.Request, dir string, segments []string) string {
	p, err := directoryPage(dir, segments)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return kindNotFound
		}
		return internalError(w, r, err)
	}
	if err := writePage(w, r, p); err != nil {
		slog.Debug("failed to send listing", "path", r.URL.Path, "error", err)
	}
	return kindListing
}

func internalError(w http.ResponseWriter, r *http.Request, err error) string {
	slog.Error("failed to serve request", "path", r.URL.Path, "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	return kindError
}

// responseRecorder captures the status and body size of a response.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// instrument logs every request and records its metrics, also for
// aborted transfers.
func instrument(next func(http.ResponseWriter, *http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		kind := kindAborted
		defer func() {
			elapsed := time.Since(start)
			metrics.RecordHTTPRequest(r.Method, kind, rw.status, elapsed)
			metrics.RecordBytesSent(kind, rw.written)
			slog.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"kind", kind,
				"bytes", rw.written,
				"remote", r.RemoteAddr,
				"duration", elapsed)
		}()
		kind = next(rw, r)
	})
}
