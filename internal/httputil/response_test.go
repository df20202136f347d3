package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusAccepted, map[string]int{"count": 3})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 3, body["count"])
}

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]string{"type": "Simulated"})

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Simulated", body["type"])
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		write      func(w http.ResponseWriter)
		wantStatus int
		wantMsg    string
	}{
		"bad request": {
			func(w http.ResponseWriter) { BadRequest(w, "tool key must not be empty") },
			http.StatusBadRequest, "tool key must not be empty",
		},
		"not found": {
			func(w http.ResponseWriter) { NotFound(w, `no pose held for tool "coil"`) },
			http.StatusNotFound, `no pose held for tool "coil"`,
		},
		"method not allowed": {
			func(w http.ResponseWriter) { MethodNotAllowed(w) },
			http.StatusMethodNotAllowed, "method not allowed",
		},
		"internal server error": {
			func(w http.ResponseWriter) { InternalServerError(w, "encode poses: boom") },
			http.StatusInternalServerError, "encode poses: boom",
		},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			tc.write(rec)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tc.wantMsg, body["error"])
		})
	}
}
