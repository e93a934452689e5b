package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/nicktill/tinykpi/pkg/logging"
)

// simulator plays signed-in users against the demo app.
type simulator struct {
	base     string
	users    int
	interval time.Duration
	http     *http.Client
}

func newSimulator(base string, users int, interval time.Duration) *simulator {
	return &simulator{base: base, users: users, interval: interval, http: &http.Client{Timeout: 5 * time.Second}}
}

func (s *simulator) run(ctx context.Context) {
	// Give the listener a moment to come up.
	select {
	case <-ctx.Done():
		return
	case <-time.After(500 * time.Millisecond):
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	logging.Info().Dur("interval", s.interval).Msg("Traffic simulator started")

	var n int
	for {
		select {
		case <-ctx.Done():
			logging.Info().Int("requests", n).Msg("Traffic simulator stopped")
			return
		case <-ticker.C:
			n++
			// Low ids are the regulars; a square skew keeps some users returning daily.
			user := 1 + int(float64(s.users)*rand.Float64()*rand.Float64())
			method, path := s.pick(user)
			go s.hit(ctx, user, method, path)
		}
	}
}

func (s *simulator) pick(user int) (string, string) {
	switch p := rand.Float64(); {
	case p < 0.6:
		return http.MethodGet, fmt.Sprintf("/api/content/%d", 1+rand.Intn(40))
	case p < 0.9:
		// One chat session per user per hour.
		return http.MethodPost, fmt.Sprintf("/api/chat/u%d-%d", user, time.Now().Unix()/3600)
	default:
		return http.MethodPost, "/api/assessments"
	}
}

func (s *simulator) hit(ctx context.Context, user int, method, path string) {
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, nil)
	if err != nil {
		return
	}
	req.Header.Set(UserHeader, strconv.Itoa(user))

	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			logging.Warn().Err(err).Str("path", path).Msg("Simulated request failed")
		}
		return
	}
	resp.Body.Close()
	logging.Debug().Int("user", user).Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Simulated request")
}
