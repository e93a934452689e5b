package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/query"
	"github.com/nicktill/tinykpi/pkg/sdk"
	"github.com/nicktill/tinykpi/pkg/server"
	"github.com/nicktill/tinykpi/pkg/stream"
)

type testEnv struct {
	app *server.App
	srv *httptest.Server
}

func startServer(t *testing.T, backend string) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = backend
	cfg.Storage.DataDir = t.TempDir()

	store, disk, err := server.OpenStore(cfg.Storage)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	app, err := server.New(&cfg, store, disk)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = app.Hub.Serve(ctx) }()

	srv := httptest.NewServer(app.Handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testEnv{app: app, srv: srv}
}

func (e *testEnv) call(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// TestE2E_TrackRecomputeQuery drives the full pipeline through the SDK and
// the HTTP API on each persistent backend.
func TestE2E_TrackRecomputeQuery(t *testing.T) {
	for _, backend := range []string{"sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			env := startServer(t, backend)
			ctx := context.Background()

			resp := env.call(t, http.MethodPut, "/v1/accounts/7", `{"createdAt":"2025-03-01T01:00:00Z"}`)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			client, err := sdk.New(sdk.ClientConfig{Endpoint: env.srv.URL, Channel: "web"})
			require.NoError(t, err)

			signupDay := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
			returnDay := signupDay.AddDate(0, 0, 1)

			res, err := client.Track(ctx, sdk.PageView(7, signupDay, "/home"), "pv-1")
			require.NoError(t, err)
			assert.False(t, res.Dedup)

			// Same key again is a dedup, not a second row.
			again, err := client.Track(ctx, sdk.PageView(7, signupDay, "/home"), "pv-1")
			require.NoError(t, err)
			assert.True(t, again.Dedup)
			assert.Equal(t, res.ID, again.ID)

			_, err = client.Track(ctx, sdk.ChatMessage(7, signupDay, "s-1"), "")
			require.NoError(t, err)
			_, err = client.Track(ctx, sdk.RiskDetected(7, signupDay, event.LevelHighRisk, event.SourceChat), "")
			require.NoError(t, err)
			_, err = client.Track(ctx, sdk.PageView(7, returnDay, "/home"), "")
			require.NoError(t, err)

			resp = env.call(t, http.MethodPost, "/v1/admin/metrics/recompute/daily?day=2025-03-01", "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			resp = env.call(t, http.MethodPost, "/v1/admin/metrics/recompute/daily?day=2025-03-02", "")
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var daily []query.DailyRow
			decode(t, env.call(t, http.MethodGet, "/v1/admin/metrics/daily?from=2025-03-01&to=2025-03-02", ""), &daily)
			require.Len(t, daily, 2)
			assert.Equal(t, int64(1), daily[0].DailyActiveUsers)
			assert.Equal(t, int64(1), daily[0].NewSignups)
			assert.Equal(t, int64(1), daily[0].AIActiveUsers)
			assert.Equal(t, int64(1), daily[0].HighRiskEventCount)
			assert.Equal(t, int64(0), daily[1].NewSignups)

			var items []query.RetentionItem
			decode(t, env.call(t, http.MethodGet, "/v1/admin/metrics/retention?cohortFrom=2025-03-01&cohortTo=2025-03-01", ""), &items)
			var d1 *query.RetentionItem
			for i := range items {
				if items[i].Window == "D1" {
					d1 = &items[i]
				}
			}
			require.NotNil(t, d1)
			assert.Equal(t, int64(1), d1.UsersTotal)
			assert.Equal(t, int64(1), d1.UsersReturned)
			assert.Equal(t, "100.00", d1.Rate.String())

			var summary query.Summary
			decode(t, env.call(t, http.MethodGet, "/v1/admin/metrics/summary?from=2025-03-01&to=2025-03-01", ""), &summary)
			assert.Equal(t, int64(1), summary.HighRiskTotal)
			assert.Equal(t, int64(1), summary.HighRiskFromChat)
		})
	}
}

func TestE2E_StreamReceivesRecompute(t *testing.T) {
	env := startServer(t, "sqlite")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.app.Hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := env.call(t, http.MethodPost, "/v1/admin/metrics/recompute/monthly?monthStart=2025-03-01", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg stream.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, stream.MessageType, msg.Type)
	assert.Equal(t, "monthly", msg.Granularity)
	assert.Equal(t, "2025-03", msg.Period)
}

func TestE2E_HealthReportsBackend(t *testing.T) {
	env := startServer(t, "badger")

	var health server.HealthResponse
	decode(t, env.call(t, http.MethodGet, "/v1/health", ""), &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "badger", health.Storage.Backend)
}
