package ioutil

import (
	"fmt"
	"io"
	"strings"
)

// Snippet reads at most limit bytes of r for use in an error message.
// Whitespace runs collapse to a single space so an HTML error page from an
// identity provider stays on one log line.
func Snippet(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return strings.Join(strings.Fields(string(body)), " ")
}
