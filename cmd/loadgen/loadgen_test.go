package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinykpi/pkg/sdk"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, defaultConfig().validate())

	bad := defaultConfig()
	bad.Users = 0
	bad.Timezone = "Mars/Olympus"
	err := bad.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "users")
	assert.Contains(t, err.Error(), "timezone")
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("LOADGEN_USERS", "7")
	t.Setenv("LOADGEN_INTERVAL", "250ms")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Users)
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, "web", cfg.Channel)
}

func TestChatRequiresUserAndEnqueues(t *testing.T) {
	client, err := sdk.New(sdk.ClientConfig{Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)

	app := &demoApp{client: client, tinykpi: "http://127.0.0.1:1", loc: time.UTC}
	router := mux.NewRouter()
	app.routes(router)

	req := httptest.NewRequest(http.MethodPost, "/api/chat/s-1", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, 0, client.Stats().Pending)

	req = httptest.NewRequest(http.MethodPost, "/api/chat/s-1", nil)
	req.Header.Set(UserHeader, "3")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.GreaterOrEqual(t, client.Stats().Pending, 1)
}

func TestSimulatorPicksKnownRoutes(t *testing.T) {
	s := newSimulator("http://localhost:3000", 10, time.Second)
	for i := 0; i < 50; i++ {
		method, path := s.pick(1 + i%10)
		switch method {
		case http.MethodGet:
			assert.Regexp(t, `^/api/content/\d+$`, path)
		case http.MethodPost:
			assert.Regexp(t, `^/api/(chat/u\d+-\d+|assessments)$`, path)
		default:
			t.Fatalf("unexpected method %s", method)
		}
	}
}
