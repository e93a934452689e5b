/*
Package sdk is the producer client for TinyKPI event ingestion.

# Quick Start

	client, err := sdk.New(sdk.ClientConfig{
	    Endpoint: "http://localhost:8080",
	    Channel:  "ios",
	})
	if err != nil {
	    log.Fatal(err)
	}

	client.Start(ctx)
	defer client.Stop(ctx)

	// Fire and forget: buffered, delivered in the background.
	client.Enqueue(sdk.PageView(userID, time.Now(), "/home"))

	// Synchronous: waits for the server's answer.
	res, err := client.Track(ctx, sdk.RiskDetected(userID, time.Now(), event.LevelHighRisk, event.SourceChat), "")

# Idempotency

Every event travels with an X-Idempotency-Key. Enqueue generates one and
returns it; Track generates one unless the caller passes its own. Transport
retries (network errors, 429, 5xx) resend the same key, so an event whose
first attempt reached the server is answered with dedup=true instead of
being stored twice. Pass your own key to Track when your code retries at a
higher level, e.g. after a crash.

# Event Vocabulary

The server stores any event name. The aggregators read these:

  - page_view (any ok event counts as activity)
  - ai_chat_user_message: AI assistant users
  - self_assessment_completed: check-ins
  - risk_detected: requires level (mild, moderate, risk, high_risk); set
    metadata source to chat or assessment for the summary breakdown

Event times are sent as RFC 3339 with an offset; the server stores UTC and
buckets by the platform's local day.

# Delivery

The queue holds up to ClientConfig.QueueSize events (default 10000) and
flushes every FlushEvery (default 1s), one request per event. Enqueue
returns queue.ErrFull rather than blocking. Events still failing after
MaxRetries are dropped and counted in Stats. A circuit breaker opens after
five consecutive server failures and short-circuits sends for 30s.

Validation failures (400) are never retried.

# HTTP Middleware

httpx.Middleware enqueues a page_view for each successful request by a
signed-in user:

	handler := httpx.Middleware(client, userFromSession)(mux)

Path ids are normalized (/journal/123 → /journal/{id}) before they land in
the event metadata.
*/
package sdk
