// Package httpx records page views for HTTP handlers.
package httpx

import (
	"net/http"
	"regexp"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/sdk"
)

// Enqueuer is satisfied by *sdk.Client.
type Enqueuer interface {
	Enqueue(ev sdk.Event) (string, error)
}

// UserFunc identifies the signed-in user of a request. ok is false for
// anonymous requests, which are not tracked.
type UserFunc func(r *http.Request) (userID int64, ok bool)

// Middleware returns HTTP middleware that enqueues a page_view event for
// every successful (status < 400) request by a signed-in user.
//
// Usage:
//
//	client, _ := sdk.New(sdk.ClientConfig{Endpoint: "http://localhost:8080", Channel: "web"})
//	client.Start(ctx)
//	defer client.Stop(ctx)
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", handler)
//	handler := httpx.Middleware(client, userFromSession)(mux)
func Middleware(client Enqueuer, user UserFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.statusCode >= http.StatusBadRequest {
				return
			}
			userID, ok := user(r)
			if !ok {
				return
			}

			ev := sdk.Event{
				UserID:    &userID,
				EventName: event.NamePageView,
				Meta: map[string]interface{}{
					"path":   normalizePath(r.URL.Path),
					"method": r.Method,
				},
			}
			// Tracking never fails the request; a full queue drops the view.
			_, _ = client.Enqueue(ev)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

var (
	numericSegment = regexp.MustCompile(`/\d+`)
	uuidSegment    = regexp.MustCompile(`/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

// normalizePath replaces ids so page views group by screen.
// Examples:
//   - /journal/123 → /journal/{id}
//   - /chat/abc-uuid/messages → /chat/{id}/messages
func normalizePath(path string) string {
	path = uuidSegment.ReplaceAllString(path, "/{id}")
	return numericSegment.ReplaceAllString(path, "/{id}")
}
