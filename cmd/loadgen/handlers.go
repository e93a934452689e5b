package main

import (
	"math/rand"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/httpx"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/sdk"
)

// UserHeader carries the simulated signed-in user.
const UserHeader = "X-User-ID"

var handled atomic.Int64

// demoApp is a stand-in for the real product. Its handlers return mock data
// but the events they report are real.
type demoApp struct {
	client  *sdk.Client
	tinykpi string
	loc     *time.Location
}

func (a *demoApp) routes(r *mux.Router) {
	r.HandleFunc("/", serveStatsPage).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/content/{id:[0-9]+}", a.handleContent).Methods(http.MethodGet)
	r.HandleFunc("/api/chat/{session}", a.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/api/assessments", a.handleAssessment).Methods(http.MethodPost)
}

func userFromRequest(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
	return id, err == nil && id > 0
}

// handleContent is plain browsing; the SDK middleware reports the page view.
func (a *demoApp) handleContent(w http.ResponseWriter, r *http.Request) {
	handled.Add(1)
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"id": mux.Vars(r)["id"], "title": "Breathing exercise"})
}

func (a *demoApp) handleChat(w http.ResponseWriter, r *http.Request) {
	handled.Add(1)
	user, ok := userFromRequest(r)
	if !ok {
		httpx.RespondError(w, http.StatusUnauthorized, "unauthorized", "sign in first")
		return
	}
	now := time.Now()
	a.enqueue(sdk.ChatMessage(user, now, mux.Vars(r)["session"]))

	// A small share of conversations trip the risk classifier.
	if rand.Float64() < 0.05 {
		a.enqueue(sdk.RiskDetected(user, now, randomLevel(), event.SourceChat))
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"reply": "I hear you. Tell me more."})
}

func (a *demoApp) handleAssessment(w http.ResponseWriter, r *http.Request) {
	handled.Add(1)
	user, ok := userFromRequest(r)
	if !ok {
		httpx.RespondError(w, http.StatusUnauthorized, "unauthorized", "sign in first")
		return
	}
	now := time.Now()
	a.enqueue(sdk.AssessmentCompleted(user, now))
	if rand.Float64() < 0.15 {
		a.enqueue(sdk.RiskDetected(user, now, randomLevel(), event.SourceAssessment))
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *demoApp) enqueue(ev sdk.Event) {
	if _, err := a.client.Enqueue(ev); err != nil {
		logging.Warn().Err(err).Str("event", ev.EventName).Msg("Dropped event")
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy", "timestamp": time.Now().Format(time.RFC3339)})
}

// randomLevel skews towards milder levels.
func randomLevel() event.Level {
	switch p := rand.Float64(); {
	case p < 0.5:
		return event.LevelMild
	case p < 0.8:
		return event.LevelModerate
	case p < 0.95:
		return event.LevelRisk
	default:
		return event.LevelHighRisk
	}
}
