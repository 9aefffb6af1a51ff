package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *YClients {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewYClients(Config{
		BaseURL:      server.URL,
		PartnerToken: "partner",
		UserToken:    "user",
		CompanyID:    "555",
		Timeout:      2 * time.Second,
		MaxRetries:   1,
	})
}

func TestFindClientByPhone(t *testing.T) {
	ctx := context.Background()

	t.Run("normalizes phone and sends auth headers", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/clients/555", r.URL.Path)
			assert.Equal(t, "79001234567", r.URL.Query().Get("phone"))
			assert.Equal(t, "Bearer partner, User user", r.Header.Get("Authorization"))
			assert.Equal(t, "application/vnd.yclients.v2+json", r.Header.Get("Accept"))
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{map[string]any{"id": 321}}})
		})

		id, err := client.FindClientByPhone(ctx, "8 (900) 123-45-67")
		require.NoError(t, err)
		assert.Equal(t, int64(321), id)
	})

	t.Run("empty result is not found", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":true,"data":[]}`))
		})

		_, err := client.FindClientByPhone(ctx, "+79001234567")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("server errors are transient after retries", func(t *testing.T) {
		var calls int32
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := client.FindClientByPhone(ctx, "+79001234567")
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})
}

func TestGetLoyaltyInfo(t *testing.T) {
	ctx := context.Background()

	t.Run("balance on client card wins", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/clients/555/42", r.URL.Path)
			_, _ = w.Write([]byte(`{"data":{"id":42,"balance":"130.5"}}`))
		})

		info, err := client.GetLoyaltyInfo(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, json.Number("42"), info["id"])
		assert.Equal(t, "130.5", info["balance"])
	})

	t.Run("falls through to loyalty endpoints", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/clients/555/42":
				_, _ = w.Write([]byte(`{"data":{"id":42,"name":"Anna"}}`))
			case "/loyalty/client_cards/42":
				w.WriteHeader(http.StatusNotFound)
			case "/loyalty/client/555/42":
				_, _ = w.Write([]byte(`{"data":[{"number":"0001","points":75,"type":{"title":"Gold"}}]}`))
			default:
				t.Errorf("unexpected path %s", r.URL.Path)
			}
		})

		info, err := client.GetLoyaltyInfo(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, "0001", info["number"])
		assert.Equal(t, json.Number("75"), info["points"])
	})

	t.Run("unknown everywhere is not found", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		_, err := client.GetLoyaltyInfo(ctx, 42)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unreachable is transient, not not-found", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		_, err := client.GetLoyaltyInfo(ctx, 42)
		require.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestGetClientVisits(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/records/555", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("client_id"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		_, _ = w.Write([]byte(`{"data":[
			{"id":10,"datetime":"2026-02-01T10:00:00+03:00","attendance":1,
			 "staff":{"name":"Olga"},"services":[{"title":"Manicure","cost":1500,"amount":2}]},
			"garbage"
		]}`))
	})

	visits, err := client.GetClientVisits(context.Background(), 42, 5)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	v := visits[0]
	assert.Equal(t, int64(10), v.VisitID)
	assert.Equal(t, []string{"Manicure"}, v.Services)
	require.NotNil(t, v.Amount)
	assert.Equal(t, 3000.0, *v.Amount)
	require.NotNil(t, v.Master)
	assert.Equal(t, "Olga", *v.Master)
	assert.Equal(t, VisitStatusCompleted, v.Status)
}

func TestNormalizeVisitStatus(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{"deleted", map[string]any{"deleted": true, "attendance": 1}, VisitStatusCanceled},
		{"confirmed", map[string]any{"attendance": json.Number("2")}, VisitStatusConfirmed},
		{"string attendance", map[string]any{"visit_attendance": "-1"}, VisitStatusNoShow},
		{"pending", map[string]any{"attendance": 0.0}, VisitStatusPending},
		{"not confirmed", map[string]any{"confirmed": false}, VisitStatusNotConfirmed},
		{"default", map[string]any{}, VisitStatusBooked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeVisit(tc.raw).Status)
		})
	}
}

func TestNormalizeVisitAmountPrefersExplicitSum(t *testing.T) {
	v := NormalizeVisit(map[string]any{
		"id":       json.Number("5"),
		"amount":   "0",
		"sum":      json.Number("2500"),
		"services": []any{map[string]any{"name": "Brows", "first_cost": 900}},
	})
	require.NotNil(t, v.Amount)
	assert.Equal(t, 2500.0, *v.Amount)
	assert.Equal(t, []string{"Brows"}, v.Services)
}
