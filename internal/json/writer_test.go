package json

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter)
		wantStatus int
		wantCode   string
	}{
		{name: "bad request", write: func(w http.ResponseWriter) { WriteBadRequest(w, "missing email") }, wantStatus: http.StatusBadRequest, wantCode: "bad_request"},
		{name: "not found", write: func(w http.ResponseWriter) { WriteNotFound(w, "no such link") }, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "forbidden", write: func(w http.ResponseWriter) { WriteForbidden(w, "admins only") }, wantStatus: http.StatusForbidden, wantCode: "forbidden"},
		{name: "unauthorized", write: func(w http.ResponseWriter) { WriteUnauthorized(w, "sign in first") }, wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
		{name: "unavailable", write: func(w http.ResponseWriter) { WriteServiceUnavailable(w, "down") }, wantStatus: http.StatusServiceUnavailable, wantCode: "service_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp.Error)
		})
	}
}

func TestWriteText(t *testing.T) {
	w := httptest.NewRecorder()
	WriteText(w, http.StatusBadRequest, "Sign-in failed")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "Sign-in failed", w.Body.String())
}

func TestWriteResponseEncodeFailureWritesNothing(t *testing.T) {
	w := httptest.NewRecorder()
	err := WriteResponse(w, http.StatusCreated, map[string]any{"bad": make(chan int)})

	require.Error(t, err)
	assert.False(t, w.Flushed)
	assert.Empty(t, w.Body.String())
	assert.Empty(t, w.Header().Get("Content-Type"))
}
