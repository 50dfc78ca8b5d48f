package crypto

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSRFProtection(t *testing.T) {
	csrf := NewCSRFProtection([]byte("test-signing-key"), time.Hour)

	token, err := csrf.Generate("session-a")
	require.NoError(t, err)

	tests := []struct {
		name       string
		sessionKey string
		token      string
		want       bool
	}{
		{name: "valid", sessionKey: "session-a", token: token, want: true},
		{name: "other session", sessionKey: "session-b", token: token},
		{name: "tampered signature", sessionKey: "session-a", token: token + "x"},
		{name: "garbage", sessionKey: "session-a", token: "garbage"},
		{name: "empty", sessionKey: "session-a", token: ""},
		{name: "missing nonce", sessionKey: "session-a", token: ".abc.def"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, csrf.Validate(tt.sessionKey, tt.token))
		})
	}
}

func TestCSRFProtectionTimeWindow(t *testing.T) {
	key := []byte("test-signing-key")
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	csrf := NewCSRFProtection(key, time.Minute)
	csrf.now = func() time.Time { return now }

	stamp := func(at time.Time) string {
		issued := strconv.FormatInt(at.Unix(), 36)
		return "nonce." + issued + "." + SignData(csrfPayload("s", "nonce", issued), key)
	}

	assert.True(t, csrf.Validate("s", stamp(now.Add(-30*time.Second))))
	assert.False(t, csrf.Validate("s", stamp(now.Add(-2*time.Minute))), "expired")
	assert.True(t, csrf.Validate("s", stamp(now.Add(30*time.Second))), "within skew")
	assert.False(t, csrf.Validate("s", stamp(now.Add(10*time.Minute))), "too far ahead")
}
