package wslisteners

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sshmux/sshmux/internal/contracts"
)

type activityLogRequest struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	HostID   string `json:"hostId"`
	HostName string `json:"hostName"`
}

// handleActivityLog lets an out-of-process component (e.g. a scheduled
// job) record an event through the same ActivityLog sink sessions use.
// Guarded by a shared bearer token since it has no per-user JWT to check.
func (l *Listeners) handleActivityLog(w http.ResponseWriter, r *http.Request) {
	if l.InternalAuthToken == "" || !bearerMatches(r, l.InternalAuthToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if l.Activity == nil {
		http.Error(w, "activity log not configured", http.StatusNotImplemented)
		return
	}

	var req activityLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Type == "" || req.UserID == "" {
		http.Error(w, "type and userId are required", http.StatusBadRequest)
		return
	}

	l.Activity.Log(r.Context(), contracts.ActivityEvent{
		Type:     req.Type,
		UserID:   req.UserID,
		HostID:   req.HostID,
		HostName: req.HostName,
		At:       time.Now(),
	})
	w.WriteHeader(http.StatusAccepted)
}

func bearerMatches(r *http.Request, token string) bool {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return false
	}
	return strings.TrimPrefix(h, prefix) == token
}
