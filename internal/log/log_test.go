package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "", want: "info"},
		{input: "error", want: "error"},
		{input: "WARNING", want: "warn"},
		{input: "debug", want: "debug"},
		{input: "trace", want: "trace"},
		{input: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := SetLogLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, GetLogLevel())
		})
	}

	require.NoError(t, SetLogLevel("info"))
}

func TestWithFieldsIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(os.Stderr) })

	LogWarnWithFields("signin", "account conflict", map[string]any{"email": "a@example.com"})

	out := buf.String()
	assert.Contains(t, out, "component=signin")
	assert.Contains(t, out, "account conflict")
	assert.Contains(t, out, "email=a@example.com")
}

func TestTraceSuppressedAboveTraceLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		_ = SetLogLevel("info")
	})

	require.NoError(t, SetLogLevel("debug"))
	buf.Reset()
	LogTraceWithFields("cookie", "hidden", nil)
	assert.Empty(t, buf.String())

	require.NoError(t, SetLogLevel("trace"))
	buf.Reset()
	LogTraceWithFields("cookie", "visible", nil)
	assert.Contains(t, buf.String(), "level=TRACE")
}
