package mail

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcpsychadmin/lcpsych/internal/config"
	"github.com/lcpsychadmin/lcpsych/internal/log"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.MailConfig
		want    any
		wantErr bool
	}{
		{name: "default", cfg: config.MailConfig{}, want: LogSender{}},
		{name: "log", cfg: config.MailConfig{Kind: config.MailLog}, want: LogSender{}},
		{name: "smtp", cfg: config.MailConfig{Kind: config.MailSMTP, Host: "smtp.example.com", Port: 587, From: "noreply@lcpsych.com"}, want: &SMTPSender{}},
		{name: "unknown", cfg: config.MailConfig{Kind: "carrier-pigeon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestSMTPSenderImplicitTLS(t *testing.T) {
	s := NewSMTPSender(config.MailConfig{Host: "smtp.example.com", Port: 465})
	assert.True(t, s.dialer.SSL)
	assert.Equal(t, "smtp.example.com", s.dialer.TLSConfig.ServerName)

	s = NewSMTPSender(config.MailConfig{Host: "smtp.example.com", Port: 587})
	assert.False(t, s.dialer.SSL)
}

func TestSMTPSenderHonorsCancelledContext(t *testing.T) {
	s := NewSMTPSender(config.MailConfig{Host: "127.0.0.1", Port: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, Message{To: "a@example.com"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	s := LogSender{}
	msg := Message{To: "new@lcpsych.com", Subject: "You're invited", Body: "https://www.lcpsych.com/accounts/activate/abc/"}
	require.NoError(t, s.Send(context.Background(), msg))

	assert.Contains(t, buf.String(), "new@lcpsych.com")
	assert.Contains(t, buf.String(), "/accounts/activate/abc/")
	assert.Contains(t, buf.String(), "component=mail")
}

type plainSender struct{}

func (plainSender) Send(context.Context, Message) error { return nil }

func TestDelivers(t *testing.T) {
	tests := []struct {
		name   string
		sender Sender
		want   bool
	}{
		{name: "smtp", sender: NewSMTPSender(config.MailConfig{Host: "smtp.example.com", Port: 587}), want: true},
		{name: "log", sender: LogSender{}, want: false},
		{name: "unknown sender", sender: plainSender{}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Delivers(tt.sender))
		})
	}
}
