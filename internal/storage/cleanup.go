package storage

import (
	"context"
	"sync"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/log"
)

// CleanupManager periodically purges expired invitations
type CleanupManager struct {
	invitations InvitationStore
	interval    time.Duration
	now         func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanupManager creates a cleanup manager. A non-positive interval
// falls back to one hour.
func NewCleanupManager(invitations InvitationStore, interval time.Duration) *CleanupManager {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupManager{
		invitations: invitations,
		interval:    interval,
		now:         time.Now,
	}
}

// Start purges once, then keeps purging every interval until ctx ends or
// Stop is called. Starting a running manager does nothing.
func (cm *CleanupManager) Start(ctx context.Context) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.done != nil {
		return
	}

	ctx, cm.cancel = context.WithCancel(ctx)
	cm.done = make(chan struct{})

	log.LogInfoWithFields("cleanup", "Starting invitation cleanup", map[string]any{
		"interval": cm.interval.String(),
	})
	go cm.loop(ctx, cm.done)
}

// Stop ends the loop and waits for an in-flight purge to finish
func (cm *CleanupManager) Stop() {
	cm.mu.Lock()
	cancel, done := cm.cancel, cm.done
	cm.cancel, cm.done = nil, nil
	cm.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.LogInfoWithFields("cleanup", "Invitation cleanup stopped", nil)
}

func (cm *CleanupManager) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	for {
		cm.purge(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) purge(ctx context.Context) int {
	removed, err := cm.invitations.CleanupExpiredInvitations(ctx, cm.now())
	if err != nil {
		if ctx.Err() == nil {
			log.LogErrorWithFields("cleanup", "Failed to purge expired invitations", map[string]any{
				"error": err.Error(),
			})
		}
		return 0
	}
	if removed > 0 {
		log.LogInfoWithFields("cleanup", "Purged expired invitations", map[string]any{
			"count": removed,
		})
	}
	return removed
}
