package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/storage"
)

// Visitor event types sent by the site's behaviour script
const (
	EventPageView    = "page_view"
	EventClick       = "click"
	EventRageClick   = "rage_click"
	EventDeadClick   = "dead_click"
	EventHoverIntent = "hover_intent"
	EventSessionExit = "session_exit"
)

// EventTypes lists the accepted visitor event types
var EventTypes = []string{
	EventPageView, EventClick, EventRageClick, EventDeadClick, EventHoverIntent, EventSessionExit,
}

const (
	maxSessionIDLen  = 64
	maxLabelLen      = 80
	maxMetadataBytes = 2048

	// DefaultSummaryDays is the window used when a summary asks for none
	DefaultSummaryDays = 7
	// MaxSummaryDays bounds the summary window
	MaxSummaryDays = 90
)

var (
	// ErrUnknownEventType is returned for event types outside EventTypes
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMetadataTooLarge is returned when encoded metadata exceeds the limit
	ErrMetadataTooLarge = errors.New("metadata too large")

	// ErrDisabled is returned by Summary on a nil Recorder
	ErrDisabled = errors.New("analytics disabled")
)

// Beacon is the body the behaviour script posts
type Beacon struct {
	EventType     string         `json:"event_type"`
	SessionID     string         `json:"session_id"`
	Path          string         `json:"path"`
	Referrer      string         `json:"referrer"`
	Label         string         `json:"label"`
	DurationMS    *int           `json:"duration_ms"`
	ScrollPercent *int           `json:"scroll_percent"`
	Metadata      map[string]any `json:"metadata"`
}

// Visit validates b and stores it as a visitor event. The user agent and
// client IP hash come from r. A nil Recorder accepts and drops the beacon.
func (rec *Recorder) Visit(ctx context.Context, r *http.Request, b Beacon, authenticated bool) (*storage.VisitorEvent, error) {
	eventType := strings.TrimSpace(b.EventType)
	if !slices.Contains(EventTypes, eventType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, b.EventType)
	}
	if len(b.Metadata) > 0 {
		encoded, err := json.Marshal(b.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata: %w", err)
		}
		if len(encoded) > maxMetadataBytes {
			return nil, ErrMetadataTooLarge
		}
	}
	if rec == nil || rec.store == nil {
		return nil, nil
	}

	// The script strips the query string; do it again for other clients
	path, _, _ := strings.Cut(b.Path, "?")

	event := &storage.VisitorEvent{
		EventType:     eventType,
		SessionID:     truncate(b.SessionID, maxSessionIDLen),
		Label:         truncate(strings.TrimSpace(b.Label), maxLabelLen),
		Path:          truncate(path, maxPathLen),
		Referrer:      truncate(b.Referrer, maxReferrerLen),
		Authenticated: authenticated,
		DurationMS:    clamp(b.DurationMS, 0, -1),
		ScrollPercent: clamp(b.ScrollPercent, 0, 100),
		Metadata:      b.Metadata,
		CreatedAt:     rec.now().UTC(),
	}
	if r != nil {
		event.UserAgent = truncate(r.UserAgent(), maxUserAgentLen)
		event.IPHash = HashIP(ClientIP(r), rec.salt)
	}

	if err := rec.store.RecordVisitorEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// clamp bounds v to [lo, hi]; a negative hi leaves the top open
func clamp(v *int, lo, hi int) *int {
	if v == nil {
		return nil
	}
	n := max(*v, lo)
	if hi >= 0 {
		n = min(n, hi)
	}
	return &n
}

// SignInCounts totals auth events over a summary window
type SignInCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Summary is the admin view of recent site activity
type Summary struct {
	Since     time.Time             `json:"since"`
	Days      int                   `json:"days"`
	EventType string                `json:"event_type,omitempty"`
	Visits    []storage.VisitorStat `json:"visits"`
	SignIns   SignInCounts          `json:"sign_ins"`
}

// Summary aggregates visitor events by day, path and referrer over the last
// days UTC days, today included, alongside sign-in totals for the same
// window. Out of range days fall back to DefaultSummaryDays or MaxSummaryDays.
func (rec *Recorder) Summary(ctx context.Context, days int, eventType string) (*Summary, error) {
	if rec == nil || rec.store == nil {
		return nil, ErrDisabled
	}
	if eventType != "" && !slices.Contains(EventTypes, eventType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	switch {
	case days <= 0:
		days = DefaultSummaryDays
	case days > MaxSummaryDays:
		days = MaxSummaryDays
	}

	today := rec.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	visits, err := rec.store.SummarizeVisitorEvents(ctx, storage.VisitorQuery{Since: since, EventType: eventType})
	if err != nil {
		return nil, err
	}
	if visits == nil {
		visits = []storage.VisitorStat{}
	}

	succeeded, err := rec.store.CountAuthEvents(ctx, storage.EventAuthSuccess, since)
	if err != nil {
		return nil, err
	}
	failed, err := rec.store.CountAuthEvents(ctx, storage.EventAuthFailed, since)
	if err != nil {
		return nil, err
	}

	return &Summary{
		Since:     since,
		Days:      days,
		EventType: eventType,
		Visits:    visits,
		SignIns:   SignInCounts{Succeeded: succeeded, Failed: failed},
	}, nil
}
