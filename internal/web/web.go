package web

import (
	"crypto/subtle"
	"net/http"
	"regexp"
	"time"

	"github.com/coocood/freecache"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appLog "hwmirror/internal/log"
	"hwmirror/internal/metrics"
	"hwmirror/internal/mirror"
	"hwmirror/internal/reconcile"
	"hwmirror/internal/store"
	"hwmirror/internal/video"
)

const (
	recordCacheTTL = 30 // seconds
	minCacheBytes  = 512 * 1024
)

var dateKeyRe = regexp.MustCompile(`^[0-9]{8}$`)

// StatusSource exposes the most recent pass.
type StatusSource interface {
	Last() (mirror.Result, bool)
}

// Options configure a Server.
type Options struct {
	// Username and Password enable HTTP Basic Auth on everything except
	// /health when both are non-empty.
	Username string
	Password string

	// CacheMB sizes the record cache. Zero disables it.
	CacheMB int

	// Gatherer, when non-nil, is served on /metrics.
	Gatherer prometheus.Gatherer
	Metrics  metrics.Recorder
}

// Server provides the read-only status API: pass status and the persisted
// per-date records.
type Server struct {
	status StatusSource
	store  store.Store
	layout store.Layout
	opts   Options
	mux    *http.ServeMux

	// Persisted records keyed by run id and path, so a new pass never serves
	// a record cached under the previous one.
	cache *freecache.Cache
}

// NewServer constructs a new Server.
func NewServer(status StatusSource, st store.Store, layout store.Layout, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	s := &Server{
		status: status,
		store:  st,
		layout: layout,
		opts:   opts,
		mux:    http.NewServeMux(),
	}
	if opts.CacheMB > 0 {
		size := opts.CacheMB * 1024 * 1024
		if size < minCacheBytes {
			size = minCacheBytes
		}
		s.cache = freecache.NewCache(size)
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	return s.opts.Username != "" && s.opts.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.opts.Username
	password := s.opts.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="hwmirror", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/homework/{date}", s.handleRecord(s.layout.HomeworkPath))
	s.mux.HandleFunc("GET /api/downloads/{date}", s.handleRecord(s.layout.DownloadsPath))
	if s.opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Ready bool `json:"ready"`
	*mirror.Result

	Changed         []string  `json:"changed,omitempty"`
	Unchanged       int       `json:"unchanged"`
	ShortCircuited  bool      `json:"short_circuited"`
	CalendarWritten bool      `json:"calendar_written"`
	Downloaded      int       `json:"downloaded"`
	Outstanding     int       `json:"outstanding"`
	Skipped         []skipDTO `json:"skipped,omitempty"`
}

type skipDTO struct {
	Key   string `json:"key"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	res, ok := s.status.Last()
	if !ok {
		writeJSON(w, http.StatusOK, statusResponse{})
		return
	}

	resp := statusResponse{
		Ready:           true,
		Result:          &res,
		Changed:         res.Reconcile.Changed,
		Unchanged:       len(res.Reconcile.Unchanged),
		ShortCircuited:  res.Reconcile.ShortCircuited,
		CalendarWritten: res.Reconcile.CalendarWritten,
		Downloaded:      len(res.Video.Downloaded),
		Outstanding:     res.Video.Outstanding,
		Skipped:         skips(res.Reconcile.Skipped, res.Video.Skipped),
	}
	writeJSON(w, http.StatusOK, resp)
}

func skips(rs []reconcile.Skip, vs []video.Skip) []skipDTO {
	out := make([]skipDTO, 0, len(rs)+len(vs))
	for _, sk := range rs {
		out = append(out, skipDTO{Key: sk.Key, Error: errString(sk.Err)})
	}
	for _, sk := range vs {
		out = append(out, skipDTO{Key: sk.Date, URL: sk.URL, Error: errString(sk.Err)})
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// handleRecord serves the persisted record at pathFor(date) verbatim.
//
// GET /api/homework/20180305
// GET /api/downloads/20180305
func (s *Server) handleRecord(pathFor func(string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date := r.PathValue("date")
		if !dateKeyRe.MatchString(date) {
			writeError(w, http.StatusBadRequest, "date must be YYYYMMDD")
			return
		}
		p := pathFor(date)
		key := []byte(s.cacheGeneration() + "|" + p)

		if s.cache != nil {
			if data, err := s.cache.Get(key); err == nil {
				s.opts.Metrics.IncCacheHits()
				writeRaw(w, data)
				return
			}
			s.opts.Metrics.IncCacheMisses()
		}

		data, err := s.store.Read(r.Context(), p)
		if err != nil {
			appLog.Error("api record: read failed", err, "path", p)
			writeError(w, http.StatusBadGateway, "store read failed")
			return
		}
		if data == nil {
			writeError(w, http.StatusNotFound, "no record for "+date)
			return
		}

		if s.cache != nil {
			if err := s.cache.Set(key, data, recordCacheTTL); err != nil {
				appLog.Debug("api record: not cached", "path", p, "bytes", len(data), "reason", err.Error())
			}
		}
		writeRaw(w, data)
	}
}

func (s *Server) cacheGeneration() string {
	if res, ok := s.status.Last(); ok {
		return res.RunID
	}
	return "-"
}

func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// NewHTTPServer wraps h with the timeouts used for the status API.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
