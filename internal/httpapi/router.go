// Package httpapi is the HTTP boundary: gorilla/mux routing, request
// decoding, and translating Service outcomes into the fixed JSON responses
// callers depend on.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thearun85/lock.io/internal/lockdsvc"
)

const serviceVersion = "1.0.0"

// NewRouter wires every route the HTTP surface exposes, CORS and request
// logging middleware included.
func NewRouter(svc *lockdsvc.Service) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)

	h := &handlers{svc: svc}

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	r.HandleFunc("/sessions", h.createSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", h.getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/keepalive", h.keepalive).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", h.deleteSession).Methods(http.MethodDelete)

	r.HandleFunc("/sessions/{id}/locks/{resource}", h.acquireLock).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/locks/{resource}", h.releaseLock).Methods(http.MethodDelete)

	r.HandleFunc("/admin/cleanup", h.cleanup).Methods(http.MethodPost)
	r.HandleFunc("/admin/stats", h.stats).Methods(http.MethodGet)
	r.HandleFunc("/admin/cluster", h.clusterStatus).Methods(http.MethodGet)
	r.HandleFunc("/admin/locks/{resource}", h.lockInfo).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeValidationError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": msg})
}
