package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBodyStrict(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"id":"evt_1"}`))
	body, err := ReadBodyStrict(w, req, 1024)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"evt_1"}`, string(body))

	req = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	_, err = ReadBodyStrict(w, req, 1024)
	assert.ErrorIs(t, err, ErrEmptyBody)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 2048)))
	_, err = ReadBodyStrict(w, req, 1024)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusBadRequest, "Invalid signature")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"Invalid signature"}`, w.Body.String())
}
