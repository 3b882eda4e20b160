package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"anti_vpn/pkg/data"
	"anti_vpn/pkg/engine"
	"anti_vpn/pkg/platform"
	"anti_vpn/pkg/source"
)

type testServer struct {
	handler  http.Handler
	ips      *engine.IPManager
	players  *engine.PlayerManager
	store    *data.MemoryStore
	platform *platform.Platform
}

func newTestServer(t *testing.T, origins []string, sources ...source.Source) *testServer {
	t.Helper()
	store := data.NewMemoryStore("memory")
	opts := engine.Options{
		Stores:       []data.Store{store},
		Algorithm:    data.Cascade,
		MinConsensus: 0.5,
		Threads:      2,
		Freshness:    time.Hour,
		ResultTTL:    time.Minute,
	}
	logger := zaptest.NewLogger(t)
	ts := &testServer{
		ips:      engine.NewIPManager(opts, source.NewManager(sources...), logger),
		players:  engine.NewPlayerManager(opts, source.NewManager(sources...), logger),
		store:    store,
		platform: platform.New(time.Now()),
	}
	ts.handler = NewServer(ts.ips, ts.players, ts.platform, uuid.New(), origins, logger).Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func flagged(name string, answer bool) source.Source {
	return source.Func{SourceName: name, Fn: func(context.Context, string) (bool, error) {
		return answer, nil
	}}
}

func unavailable(name string) source.Source {
	return source.Func{SourceName: name, Fn: func(context.Context, string) (bool, error) {
		return false, source.ErrNoAnswer
	}}
}

func TestGetIP(t *testing.T) {
	t.Run("Cascade", func(t *testing.T) {
		ts := newTestServer(t, nil, flagged("list", true))
		rec := ts.do(t, http.MethodGet, "/v1/ips/10.0.0.1", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp IPResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "10.0.0.1", resp.IP)
		assert.Equal(t, "cascade", resp.Algorithm)
		assert.True(t, resp.VPN)
		assert.ElementsMatch(t, []string{"10.0.0.1"}, ts.platform.UniqueIPs())
	})

	t.Run("Consensus", func(t *testing.T) {
		ts := newTestServer(t, nil, flagged("a", true), flagged("b", false), flagged("c", false), flagged("d", false))
		rec := ts.do(t, http.MethodGet, "/v1/ips/10.0.0.2?algorithm=consensus", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp IPResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Consensus)
		assert.InDelta(t, 0.25, *resp.Consensus, 1e-9)
		assert.False(t, resp.VPN)
	})

	t.Run("Errors", func(t *testing.T) {
		ts := newTestServer(t, nil, unavailable("down"))
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/ips/not-an-ip", "").Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/ips/10.0.0.1?algorithm=magic", "").Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/ips/10.0.0.1?cache=maybe", "").Code)
		assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/v1/ips/10.0.0.1", "").Code)
	})
}

func TestIPAdministration(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPut, "/v1/ips/192.168.1.9", `{"algorithm":"cascade","cascade":true}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	v, err := ts.store.GetIP(ctx, "192.168.1.9", time.Hour)
	require.NoError(t, err)
	assert.True(t, v.CascadeOrDefault())

	rec = ts.do(t, http.MethodGet, "/v1/ips", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ips []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ips))
	assert.Equal(t, []string{"192.168.1.9"}, ips)

	// Served from the cache with no sources configured.
	rec = ts.do(t, http.MethodGet, "/v1/ips/192.168.1.9", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/ips/192.168.1.9", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, err = ts.store.GetIP(ctx, "192.168.1.9", time.Hour)
	assert.ErrorIs(t, err, data.ErrNotFound)

	t.Run("RejectsBadBodies", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/v1/ips/192.168.1.9", `{"algorithm":"cascade","extra":1}`).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/v1/ips/192.168.1.9", `{"algorithm":"consensus","consensus":4}`).Code)
		assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPut, "/v1/ips/192.168.1.9", `{`).Code)
	})
}

func TestPlayers(t *testing.T) {
	ts := newTestServer(t, nil, flagged("bans", true))
	id := uuid.New()

	rec := ts.do(t, http.MethodGet, "/v1/players/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp PlayerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, id, resp.Player)
	assert.True(t, resp.Flagged)
	assert.Equal(t, []uuid.UUID{id}, ts.platform.UniquePlayers())

	other := uuid.New()
	rec = ts.do(t, http.MethodPut, "/v1/players/"+other.String(), `{"flagged":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/players", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ids []uuid.UUID
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	assert.ElementsMatch(t, []uuid.UUID{id, other}, ids)

	rec = ts.do(t, http.MethodDelete, "/v1/players/"+other.String(), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/v1/players/nope", "").Code)
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.platform.AddUniqueIP("10.0.0.1")

	rec := ts.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEqual(t, uuid.Nil, resp.ServerID)
	assert.Equal(t, "cascade", resp.Algorithm)
	assert.Equal(t, 1, resp.Stats.UniqueIPs)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, []string{"https://panel.example"})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Origin", "https://panel.example")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://panel.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouting(t *testing.T) {
	ts := newTestServer(t, nil, flagged("list", true))

	t.Run("IPv6Param", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/v1/ips/2001:db8::1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var resp IPResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "2001:db8::1", resp.IP)
	})

	t.Run("UnknownRoute", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/v1/servers", "").Code)
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/ips/10.0.0.1", "").Code)
	})

	t.Run("WrongMethod", func(t *testing.T) {
		assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodPost, "/v1/ips/10.0.0.1", `{}`).Code)
		assert.Equal(t, http.StatusMethodNotAllowed, ts.do(t, http.MethodDelete, "/v1/status", "").Code)
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{data.ErrInvalidIP, http.StatusBadRequest},
		{data.ErrNotFound, http.StatusNotFound},
		{engine.ErrNoSourcesAvailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusFor(tt.err), tt.err.Error())
	}
}
