package analytics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcpsychadmin/lcpsych/internal/storage"
)

func intPtr(n int) *int { return &n }

func beaconRequest() *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/analytics/", nil)
	r.Header.Set("User-Agent", strings.Repeat("u", 1200))
	r.RemoteAddr = "203.0.113.7:1234"
	return r
}

func TestVisitStoresTruncatedEvent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	rec := NewRecorder(store, "salt")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return fixed }

	event, err := rec.Visit(ctx, beaconRequest(), Beacon{
		EventType:     EventRageClick,
		SessionID:     strings.Repeat("s", 100),
		Path:          "/services/" + strings.Repeat("p", 600) + "?utm=1",
		Referrer:      "https://www.google.com/" + strings.Repeat("r", 600),
		Label:         "  " + strings.Repeat("l", 100),
		DurationMS:    intPtr(-5),
		ScrollPercent: intPtr(140),
		Metadata:      map[string]any{"x": 10, "y": 20},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, EventRageClick, event.EventType)
	assert.Len(t, event.SessionID, maxSessionIDLen)
	assert.Len(t, event.Label, maxLabelLen)
	assert.Len(t, event.Path, maxPathLen)
	assert.NotContains(t, event.Path, "?")
	assert.Len(t, event.Referrer, maxReferrerLen)
	assert.Len(t, event.UserAgent, maxUserAgentLen)
	assert.Equal(t, HashIP("203.0.113.7", "salt"), event.IPHash)
	assert.True(t, event.Authenticated)
	assert.Equal(t, 0, *event.DurationMS)
	assert.Equal(t, 100, *event.ScrollPercent)
	assert.Equal(t, fixed, event.CreatedAt)

	stats, err := store.SummarizeVisitorEvents(ctx, storage.VisitorQuery{Since: fixed.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "2026-03-01", stats[0].Day)
}

func TestVisitRejectsInvalidBeacons(t *testing.T) {
	rec := NewRecorder(storage.NewMemoryStorage(), "salt")

	tests := []struct {
		name    string
		beacon  Beacon
		wantErr error
	}{
		{name: "missing type", beacon: Beacon{Path: "/"}, wantErr: ErrUnknownEventType},
		{name: "unknown type", beacon: Beacon{EventType: "auth_success"}, wantErr: ErrUnknownEventType},
		{
			name:    "oversized metadata",
			beacon:  Beacon{EventType: EventClick, Metadata: map[string]any{"blob": strings.Repeat("x", maxMetadataBytes)}},
			wantErr: ErrMetadataTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rec.Visit(context.Background(), beaconRequest(), tt.beacon, false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNilRecorderDropsVisits(t *testing.T) {
	var rec *Recorder

	event, err := rec.Visit(context.Background(), beaconRequest(), Beacon{EventType: EventClick}, false)
	assert.NoError(t, err)
	assert.Nil(t, event)

	_, err = rec.Visit(context.Background(), beaconRequest(), Beacon{EventType: "bogus"}, false)
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = rec.Summary(context.Background(), 7, "")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestSummaryGroupsVisitsAndCountsSignIns(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	rec := NewRecorder(store, "salt")
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	visit := func(at time.Time, eventType, path, referrer string) {
		rec.now = func() time.Time { return at }
		_, err := rec.Visit(ctx, beaconRequest(), Beacon{EventType: eventType, Path: path, Referrer: referrer}, false)
		require.NoError(t, err)
	}
	visit(now, EventClick, "/services/", "")
	visit(now.Add(-time.Hour), EventClick, "/services/", "")
	visit(now.Add(-2*time.Hour), EventDeadClick, "/contact/", "https://www.google.com/")
	visit(now.AddDate(0, 0, -1), EventClick, "/services/", "")
	visit(now.AddDate(0, 0, -3), EventClick, "/old/", "")

	rec.now = func() time.Time { return now }
	rec.Success(ctx, beaconRequest(), LabelSSOSuccess, "acct-1")
	rec.Failure(ctx, beaconRequest(), LabelLoginFailed)
	rec.Failure(ctx, beaconRequest(), LabelSSOFailed)

	summary, err := rec.Summary(ctx, 2, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), summary.Since)
	assert.Equal(t, 2, summary.Days)
	assert.Equal(t, []storage.VisitorStat{
		{Day: "2026-03-10", Path: "/services/", Count: 2},
		{Day: "2026-03-10", Path: "/contact/", Referrer: "https://www.google.com/", Count: 1},
		{Day: "2026-03-09", Path: "/services/", Count: 1},
	}, summary.Visits)
	assert.Equal(t, SignInCounts{Succeeded: 1, Failed: 2}, summary.SignIns)

	clicks, err := rec.Summary(ctx, 1, EventDeadClick)
	require.NoError(t, err)
	require.Len(t, clicks.Visits, 1)
	assert.Equal(t, "/contact/", clicks.Visits[0].Path)

	_, err = rec.Summary(ctx, 1, "bogus")
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestSummaryBoundsDays(t *testing.T) {
	rec := NewRecorder(storage.NewMemoryStorage(), "salt")

	tests := []struct {
		days int
		want int
	}{
		{days: 0, want: DefaultSummaryDays},
		{days: -3, want: DefaultSummaryDays},
		{days: 30, want: 30},
		{days: 1000, want: MaxSummaryDays},
	}
	for _, tt := range tests {
		summary, err := rec.Summary(context.Background(), tt.days, "")
		require.NoError(t, err)
		assert.Equal(t, tt.want, summary.Days)
		assert.Empty(t, summary.Visits)
	}
}
