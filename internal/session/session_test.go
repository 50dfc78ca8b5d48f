package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/cache"
	"github.com/lcpsychadmin/lcpsych/internal/cookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, cache.Store) {
	t.Helper()
	store := cache.NewMemory()
	t.Cleanup(func() { _ = store.Close() })
	policy := cookie.Policy{
		Name:     "sessionid",
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
		MaxAge:   time.Hour,
	}
	return NewManager(store, policy), store
}

func requestWithCookie(value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if value != "" {
		r.AddCookie(&http.Cookie{Name: "sessionid", Value: value})
	}
	return r
}

func TestLoadWithoutCookieCreatesNewSession(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.Load(context.Background(), requestWithCookie(""))
	require.NoError(t, err)
	assert.True(t, s.IsNew())
	assert.Len(t, s.Key, 43)
	assert.False(t, s.IsAuthenticated())
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	s, err := m.New()
	require.NoError(t, err)
	require.NoError(t, s.Set("next", "/reports"))
	s.AddFlash(FlashError, "try again")
	require.NoError(t, m.Save(ctx, s))
	assert.False(t, s.IsNew())

	loaded, err := m.Load(ctx, requestWithCookie(s.Key))
	require.NoError(t, err)
	assert.Equal(t, s.Key, loaded.Key)
	assert.False(t, loaded.IsNew())

	var next string
	found, err := loaded.Get("next", &next)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "/reports", next)

	flashes := loaded.PopFlashes()
	require.Len(t, flashes, 1)
	assert.Equal(t, Flash{Level: FlashError, Message: "try again"}, flashes[0])
	assert.Empty(t, loaded.PopFlashes())
}

func TestLoadUnknownKeyStartsOver(t *testing.T) {
	m, _ := newTestManager(t)

	s, err := m.Load(context.Background(), requestWithCookie("stale-key"))
	require.NoError(t, err)
	assert.True(t, s.IsNew())
	assert.NotEqual(t, "stale-key", s.Key)
}

func TestLoadCorruptSessionStartsOver(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)
	require.NoError(t, store.Set(ctx, keyPrefix+"broken", []byte("{not json"), time.Minute))

	s, err := m.Load(ctx, requestWithCookie("broken"))
	require.NoError(t, err)
	assert.True(t, s.IsNew())
}

func TestGetMissingValue(t *testing.T) {
	s := &Session{}
	var v string
	found, err := s.Get("absent", &v)
	require.NoError(t, err)
	assert.False(t, found)

	s.Delete("absent")
}

func TestLoginRotatesKey(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	s, err := m.New()
	require.NoError(t, err)
	require.NoError(t, s.Set("pending", map[string]string{"state": "abc"}))
	require.NoError(t, m.Save(ctx, s))
	oldKey := s.Key

	require.NoError(t, m.Login(ctx, s, "acct-1"))
	assert.NotEqual(t, oldKey, s.Key)
	assert.Equal(t, "acct-1", s.AccountID)
	assert.False(t, s.AuthAt.IsZero())

	_, err = store.Get(ctx, keyPrefix+oldKey)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	loaded, err := m.Load(ctx, requestWithCookie(s.Key))
	require.NoError(t, err)
	assert.True(t, loaded.IsAuthenticated())
	_, ok := loaded.Values["pending"]
	assert.True(t, ok)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	s, err := m.New()
	require.NoError(t, err)
	require.NoError(t, m.Login(ctx, s, "acct-1"))

	fresh, err := m.Invalidate(ctx, s)
	require.NoError(t, err)
	assert.NotEqual(t, s.Key, fresh.Key)
	assert.False(t, fresh.IsAuthenticated())

	_, err = store.Get(ctx, keyPrefix+s.Key)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestWriteCookie(t *testing.T) {
	m, _ := newTestManager(t)
	s, err := m.New()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.WriteCookie(rec, s)

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	last := cookies[len(cookies)-1]
	assert.Equal(t, "sessionid", last.Name)
	assert.Equal(t, s.Key, last.Value)
	assert.True(t, last.HttpOnly)
}

func TestContextHelpers(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	s := &Session{Key: "k"}
	got, ok := FromContext(WithSession(context.Background(), s))
	require.True(t, ok)
	assert.Same(t, s, got)
}
