package server

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/analytics"
	jsonwriter "github.com/lcpsychadmin/lcpsych/internal/json"
	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
)

const maxBeaconBytes = 16 << 10

// Collect stores a behaviour beacon posted by the public site's script.
// With analytics disabled the beacon is accepted and dropped.
func (h *Handlers) Collect(w http.ResponseWriter, r *http.Request) {
	if h.analytics == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// navigator.sendBeacon sends a Blob typed application/json
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		jsonwriter.WriteError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
		return
	}

	var beacon analytics.Beacon
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBeaconBytes)).Decode(&beacon); err != nil {
		jsonwriter.WriteBadRequest(w, "Invalid JSON body")
		return
	}

	event, err := h.analytics.Visit(r.Context(), r, beacon, currentSession(r).IsAuthenticated())
	if errors.Is(err, analytics.ErrUnknownEventType) || errors.Is(err, analytics.ErrMetadataTooLarge) {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}
	if err != nil {
		log.LogErrorWithFields("analytics", "Failed to record visitor event", map[string]any{
			"event_type": beacon.EventType,
			"error":      err.Error(),
		})
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}

	h.metrics.VisitorEvent(event.EventType)
	w.WriteHeader(http.StatusAccepted)
}

// AnalyticsSummary reports visitor events grouped by day, path and referrer
// with sign-in totals. Admin only. Query: days, event_type.
func (h *Handlers) AnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := 0
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonwriter.WriteBadRequest(w, "days must be a positive integer")
			return
		}
		days = n
	}

	summary, err := h.analytics.Summary(r.Context(), days, q.Get("event_type"))
	switch {
	case errors.Is(err, analytics.ErrDisabled):
		jsonwriter.WriteNotFound(w, "Analytics is disabled")
		return
	case errors.Is(err, analytics.ErrUnknownEventType):
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	case err != nil:
		log.LogErrorWithFields("analytics", "Failed to build summary", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}
	_ = jsonwriter.WriteResponse(w, http.StatusOK, summary)
}

// staffMember is one row of the account listing
type staffMember struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	IsActive    bool       `json:"is_active"`
	Roles       []string   `json:"roles"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// ListAccounts lists local accounts and their roles, optionally filtered
// by ?role=. Admin only.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role != "" && !slices.Contains(storage.KnownRoles, role) {
		jsonwriter.WriteBadRequest(w, "role must be admin or therapist")
		return
	}

	accounts, err := h.accounts.ListAccounts(r.Context())
	if err != nil {
		log.LogErrorWithFields("http", "Failed to list accounts", map[string]any{"error": err.Error()})
		jsonwriter.WriteInternalServerError(w, "Internal server error")
		return
	}

	staff := make([]staffMember, 0, len(accounts))
	for _, a := range accounts {
		if role != "" && !a.HasRole(role) {
			continue
		}
		m := staffMember{
			ID:          a.ID,
			Username:    a.Username,
			Email:       a.Email,
			IsActive:    a.IsActive,
			Roles:       a.Roles,
			LastLoginAt: a.LastLoginAt,
		}
		if m.Roles == nil {
			m.Roles = []string{}
		}
		staff = append(staff, m)
	}

	_ = jsonwriter.WriteResponse(w, http.StatusOK, map[string]any{
		"accounts": staff,
		"count":    len(staff),
	})
}
