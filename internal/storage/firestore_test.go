package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirestoreStorageConfig(t *testing.T) {
	t.Run("missing GCP project ID", func(t *testing.T) {
		_, err := NewFirestoreStorage(context.Background(), "", "(default)", "lcpsych")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "projectID is required")
	})

	t.Run("missing collection prefix", func(t *testing.T) {
		_, err := NewFirestoreStorage(context.Background(), "test-project", "(default)", "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "collection prefix is required")
	})
}

func TestFirestoreCollectionNames(t *testing.T) {
	s := newFirestoreStorage(nil, "lcpsych")
	assert.Equal(t, "lcpsych_accounts", s.accounts)
	assert.Equal(t, "lcpsych_usernames", s.usernames)
	assert.Equal(t, "lcpsych_invitations", s.invitations)
	assert.Equal(t, "lcpsych_auth_events", s.events)
}

func TestAccountDocRoundTrip(t *testing.T) {
	a := &Account{ID: "id-1", Username: "u", Email: "e", IsActive: true, Roles: []string{RoleAdmin}}
	assert.Equal(t, a, fromAccount(a).toAccount())
}
