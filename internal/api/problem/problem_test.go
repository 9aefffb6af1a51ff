package problem

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/app/spend", nil)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Trace-ID", "trace-1")

	Write(rec, req, http.StatusUnprocessableEntity, Type("ledger/insufficient-balance"), "", "not enough points")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var d Details
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "https://errors.cveti.app/ledger/insufficient-balance", d.Type)
	assert.Equal(t, "ledger/insufficient-balance", d.Code)
	assert.Equal(t, "Unprocessable Entity", d.Title)
	assert.Equal(t, "/api/app/spend", d.Instance)
	assert.Equal(t, "trace-1", d.RequestID)
}

func TestNewDefaults(t *testing.T) {
	d := New(nil, http.StatusNotFound, "", "", "")
	assert.Equal(t, "about:blank", d.Type)
	assert.Empty(t, d.Code)
	assert.Equal(t, "Not Found", d.Title)
	assert.Empty(t, d.Instance)
}
