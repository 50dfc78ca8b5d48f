package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedInvitation(t *testing.T, s *MemoryStorage, token string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	a := &Account{Username: token + "@lcpsych.com"}
	require.NoError(t, s.CreateAccount(ctx, a))
	require.NoError(t, s.CreateInvitation(ctx, &Invitation{
		Token:     token,
		AccountID: a.ID,
		ExpiresAt: expiresAt,
	}))
}

func TestCleanupManagerPurgesOnStart(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	seedInvitation(t, s, "stale", time.Now().Add(-time.Hour))
	seedInvitation(t, s, "fresh", time.Now().Add(time.Hour))

	cm := NewCleanupManager(s, time.Hour)
	cm.Start(ctx)
	t.Cleanup(cm.Stop)

	assert.Eventually(t, func() bool {
		_, err := s.GetInvitation(ctx, "stale")
		return errors.Is(err, ErrInvitationNotFound)
	}, time.Second, 10*time.Millisecond)

	_, err := s.GetInvitation(ctx, "fresh")
	assert.NoError(t, err)
}

func TestCleanupManagerPurgeCount(t *testing.T) {
	s := NewMemoryStorage()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	seedInvitation(t, s, "a", now.Add(-time.Minute))
	seedInvitation(t, s, "b", now.Add(-time.Hour))
	seedInvitation(t, s, "c", now.Add(time.Hour))

	cm := NewCleanupManager(s, time.Hour)
	cm.now = func() time.Time { return now }

	assert.Equal(t, 2, cm.purge(context.Background()))
	assert.Equal(t, 0, cm.purge(context.Background()))
}

func TestCleanupManagerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cm := NewCleanupManager(NewMemoryStorage(), time.Millisecond)
	cm.Start(ctx)
	done := cm.done
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
	cm.Stop()
}

func TestCleanupManagerStopIsIdempotent(t *testing.T) {
	cm := NewCleanupManager(NewMemoryStorage(), 0)
	assert.Equal(t, time.Hour, cm.interval)

	cm.Stop()
	cm.Start(context.Background())
	cm.Start(context.Background())
	cm.Stop()
	cm.Stop()
}
