// Package analytics records authentication outcomes and visitor behaviour
// beacons, and summarizes both for administrators.
package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/log"
	"github.com/lcpsychadmin/lcpsych/internal/storage"
)

// Field limits for stored request metadata
const (
	maxPathLen      = 500
	maxReferrerLen  = 500
	maxUserAgentLen = 1000
)

// Event labels
const (
	LabelLoginSuccess = "login_success"
	LabelLoginFailed  = "login_failed"
	LabelSSOSuccess   = "sso_success"
	LabelSSOFailed    = "sso_failed"
)

// Store is the storage the recorder writes to and reads summaries from
type Store interface {
	storage.AuthEventStore
	storage.VisitorEventStore
}

// Recorder writes auth and visitor events. A nil Recorder records nothing.
type Recorder struct {
	store Store
	salt  string
	now   func() time.Time
}

// NewRecorder creates a recorder that salts client IP hashes with salt
func NewRecorder(store Store, salt string) *Recorder {
	return &Recorder{store: store, salt: salt, now: time.Now}
}

// Success records an authenticated sign-in for accountID
func (rec *Recorder) Success(ctx context.Context, r *http.Request, label, accountID string) {
	rec.record(ctx, r, storage.EventAuthSuccess, label, accountID, true)
}

// Failure records a rejected sign-in
func (rec *Recorder) Failure(ctx context.Context, r *http.Request, label string) {
	rec.record(ctx, r, storage.EventAuthFailed, label, "", false)
}

// record stores the event. Failures are logged and never surface to the
// request.
func (rec *Recorder) record(ctx context.Context, r *http.Request, kind, label, accountID string, authenticated bool) {
	if rec == nil || rec.store == nil {
		return
	}

	event := &storage.AuthEvent{
		Kind:          kind,
		Label:         label,
		AccountID:     accountID,
		Authenticated: authenticated,
		CreatedAt:     rec.now().UTC(),
	}
	if r != nil {
		event.Path = truncate(r.URL.Path, maxPathLen)
		event.Referrer = truncate(r.Referer(), maxReferrerLen)
		event.UserAgent = truncate(r.UserAgent(), maxUserAgentLen)
		event.IPHash = HashIP(ClientIP(r), rec.salt)
	}

	if err := rec.store.RecordAuthEvent(ctx, event); err != nil {
		log.LogWarnWithFields("analytics", "Failed to record auth event", map[string]any{
			"kind":  kind,
			"label": label,
			"error": err.Error(),
		})
	}
}

// ClientIP returns the first X-Forwarded-For hop, else the host part of
// RemoteAddr
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HashIP returns the hex sha256 of salt+ip, or "" for an empty ip
func HashIP(ip, salt string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ip))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
