package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/thearun85/lock.io/internal/lockdsvc"
	"github.com/thearun85/lock.io/internal/lockerr"
)

type handlers struct {
	svc *lockdsvc.Service
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := h.svc.ClusterStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "lockd",
		"version":   serviceVersion,
		"status":    "healthy",
		"timestamp": nowUnix(),
		"is_leader": status.IsLeader,
		"leader":    status.Leader,
		"is_ready":  status.Ready,
	})
}

type createSessionRequest struct {
	ClientID string `json:"client_id"`
	Timeout  int    `json:"timeout"`
}

func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid request body")
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		writeValidationError(w, "client_id must not be empty")
		return
	}

	view, errd := h.svc.CreateSession(r.Context(), clientID, req.Timeout)
	if errd != nil {
		writeServiceError(w, errd)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id":         view.SessionID,
		"client_id":          view.ClientID,
		"timeout":            view.Timeout,
		"keepalive_interval": view.Timeout / 3,
	})
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	view, errd := h.svc.GetSession(sessionID)
	if errd != nil {
		writeServiceError(w, errd)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":         view.SessionID,
		"client_id":          view.ClientID,
		"timeout":            view.Timeout,
		"created_at":         view.CreatedAt,
		"last_keepalive":     view.LastKeepalive,
		"locks_held":         view.LocksHeld,
		"is_expired":         view.IsExpired,
		"keepalive_interval": view.Timeout / 3,
	})
}

func (h *handlers) keepalive(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if errd := h.svc.Keepalive(r.Context(), sessionID); errd != nil {
		writeServiceError(w, errd)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": true, "session_id": sessionID})
}

func (h *handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if errd := h.svc.DeleteSession(r.Context(), sessionID); errd != nil {
		writeServiceError(w, errd)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "session_id": sessionID})
}

func (h *handlers) acquireLock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, resource := vars["id"], strings.TrimSpace(vars["resource"])

	token, errd := h.svc.AcquireLock(r.Context(), sessionID, resource)
	if errd != nil {
		writeServiceError(w, errd)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"session_id":  sessionID,
		"resource":    resource,
		"fence_token": token,
		"acquired":    true,
	})
}

func (h *handlers) releaseLock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID, resource := vars["id"], strings.TrimSpace(vars["resource"])

	tokenStr := r.URL.Query().Get("fence_token")
	token, err := strconv.ParseInt(tokenStr, 10, 64)
	if err != nil || token <= 0 {
		writeValidationError(w, "fence_token must be a positive integer")
		return
	}

	if errd := h.svc.ReleaseLock(r.Context(), sessionID, resource, token); errd != nil {
		writeServiceError(w, errd)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  sessionID,
		"resource":    resource,
		"fence_token": token,
		"released":    true,
	})
}

func (h *handlers) cleanup(w http.ResponseWriter, r *http.Request) {
	count, errd := h.svc.Cleanup()
	if errd != nil {
		writeServiceError(w, errd)
		return
	}
	writeJSON(w, http.StatusOK, count)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.svc.GetStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions":   stats.TotalSessions,
		"active_sessions":  stats.ActiveSessions,
		"expired_sessions": stats.ExpiredSessions,
		"total_locks":      stats.TotalLocks,
		"fence_counter":    stats.FenceCounter,
		"timestamp":        stats.Timestamp,
	})
}

func (h *handlers) clusterStatus(w http.ResponseWriter, r *http.Request) {
	status := h.svc.ClusterStatus()
	stats := h.svc.GetStats()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role":             status.Role,
		"self_address":     status.SelfAddress,
		"is_leader":        status.IsLeader,
		"leader_address":   status.Leader,
		"peers":            status.Peers,
		"peer_count":       status.PeerCount,
		"is_ready":         status.Ready,
		"has_quorum":       status.HasQuorum,
		"term":             status.Term,
		"uptime_seconds":   status.Uptime.Seconds(),
		"total_sessions":   stats.TotalSessions,
		"active_sessions":  stats.ActiveSessions,
		"expired_sessions": stats.ExpiredSessions,
		"total_locks":      stats.TotalLocks,
		"fence_counter":    stats.FenceCounter,
	})
}

// lockInfo returns the full lock record for a single resource, not just
// its owning session id.
func (h *handlers) lockInfo(w http.ResponseWriter, r *http.Request) {
	resource := mux.Vars(r)["resource"]
	info, found := h.svc.LockInfo(resource)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":    lockerr.LockNotFoundErr(resource).Error(),
			"resource": resource,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"resource":    info.Resource,
		"session_id":  info.SessionID,
		"fence_token": info.FenceToken,
		"acquired_at": info.AcquiredAt,
	})
}

func writeServiceError(w http.ResponseWriter, errd *lockerr.Error) {
	status := lockerr.HTTPStatus(errd.Code)
	body := map[string]interface{}{"error": errd.Message}
	if errd.SessionID != "" {
		body["session_id"] = errd.SessionID
	}
	if errd.Resource != "" {
		body["resource"] = errd.Resource
	}
	if errd.HasFence {
		body["fence_token"] = errd.FenceToken
	}
	if errd.Code == lockerr.NotLeader && errd.Leader != "" {
		w.Header().Set("Location", errd.Leader)
		body["leader"] = errd.Leader
	}
	writeJSON(w, status, body)
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
