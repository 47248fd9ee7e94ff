// Package httpd implements the Request Workflow of spec section 4.7:
// a gorilla/mux router (the teacher's own routing library) binding
// HTTP data-object operations to Precache Manager calls.
package httpd

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wtsi-hgi/irobot-precache/internal/config"
	"github.com/wtsi-hgi/irobot-precache/internal/metrics"
	"github.com/wtsi-hgi/irobot-precache/internal/precache"
)

// Server binds a Precache Manager to the HTTP surface of spec section
// 6.
type Server struct {
	manager *precache.Manager
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Registry

	router *mux.Router
}

// New builds the router described in spec section 6: one route per
// data object path, plus /status, /config, /manifest, and /metrics.
func New(manager *precache.Manager, cfg *config.Config, reg *metrics.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{manager: manager, cfg: cfg, log: log, metrics: reg}

	router := mux.NewRouter()
	router.Use(s.requestLogging, s.optionsMiddleware)

	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
	router.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
	router.HandleFunc("/manifest", s.handleManifest).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)
	if reg != nil {
		router.Handle("/metrics", s.metricsHandler()).Methods(http.MethodGet, http.MethodOptions)
	}
	router.HandleFunc("/{path:.*}", s.handleDataObject).
		Methods(http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete, http.MethodOptions)

	s.router = router
	return s
}

func (s *Server) metricsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.metrics.Refresh(); err != nil {
			s.log.Warn("refreshing metrics", zap.Error(err))
		}
		promhttp.Handler().ServeHTTP(w, r)
	})
}

// Handler returns the root http.Handler, suitable for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request served",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Duration("elapsed", time.Since(start)))
		if s.metrics != nil {
			route := "unknown"
			if m := mux.CurrentRoute(r); m != nil {
				if tpl, err := m.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			s.metrics.ObserveRequest(r.Method, route)
		}
	})
}

// optionsMiddleware answers OPTIONS with the matched route's allowed
// methods (spec section 6, "OPTIONS advertised on each endpoint"),
// grounded on the original's httpd/_allow.py delegation pattern.
func (s *Server) optionsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if route := mux.CurrentRoute(r); route != nil {
			if methods, err := route.GetMethods(); err == nil {
				w.Header().Set("Allow", strings.Join(methods, ", "))
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
