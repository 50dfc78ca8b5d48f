package ioutil

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestSnippet(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		limit int64
		want  string
	}{
		{name: "short body", body: `{"error":"invalid_client"}`, limit: 1024, want: `{"error":"invalid_client"}`},
		{name: "truncated", body: "service unavailable", limit: 7, want: "service"},
		{name: "empty", body: "", limit: 1024, want: ""},
		{name: "html page collapsed", body: "<html>\n  <body>\n\tBad Gateway\n  </body>\n</html>\n", limit: 1024, want: "<html> <body> Bad Gateway </body> </html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Snippet(strings.NewReader(tt.body), tt.limit))
		})
	}
}

func TestSnippetReadError(t *testing.T) {
	got := Snippet(failingReader{err: errors.New("connection reset")}, 1024)
	assert.Equal(t, "<unreadable: connection reset>", got)
}
