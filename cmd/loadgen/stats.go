package main

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nicktill/tinykpi/pkg/httpx"
	"github.com/nicktill/tinykpi/pkg/logging"
	"github.com/nicktill/tinykpi/pkg/query"
	"github.com/nicktill/tinykpi/pkg/window"
)

type statsResponse struct {
	Day      string         `json:"day"`
	Handled  int64          `json:"handled"`
	Sent     uint64         `json:"sent"`
	Dedup    uint64         `json:"dedup"`
	Dropped  uint64         `json:"dropped"`
	Pending  int            `json:"pending"`
	Uptime   string         `json:"uptime"`
	Summary  *query.Summary `json:"summary,omitempty"`
	QueryErr string         `json:"queryError,omitempty"`
}

// handleStats combines SDK delivery counters with today's raw-event summary
// from TinyKPI.
func (a *demoApp) handleStats(w http.ResponseWriter, r *http.Request) {
	day := window.FormatDate(window.Truncate(time.Now().In(a.loc)))
	st := a.client.Stats()
	resp := statsResponse{
		Day:     day,
		Handled: handled.Load(),
		Sent:    st.Sent,
		Dedup:   st.Dedup,
		Dropped: st.Dropped,
		Pending: st.Pending,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
	}

	var summary query.Summary
	if err := a.fetch(r.Context(), "/v1/admin/metrics/summary?from="+day+"&to="+day, &summary); err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("Summary query failed")
		resp.QueryErr = err.Error()
	} else {
		resp.Summary = &summary
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

func (a *demoApp) fetch(ctx context.Context, path string, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(a.tinykpi, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

var statsPage = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<title>TinyKPI loadgen</title>
<style>
body { font-family: -apple-system, 'Segoe UI', Helvetica, sans-serif; background: #0d1117; color: #c9d1d9; margin: 2rem; }
.grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 1rem; }
.card { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 1rem; }
.label { font-size: 0.75rem; color: #8b949e; text-transform: uppercase; }
.value { font-size: 2rem; font-weight: 700; font-variant-numeric: tabular-nums; }
</style>
</head>
<body>
<h1>TinyKPI loadgen <small id="day"></small></h1>
<div class="grid">
  <div class="card"><div class="label">Requests handled</div><div class="value" id="handled">0</div></div>
  <div class="card"><div class="label">Events sent</div><div class="value" id="sent">0</div></div>
  <div class="card"><div class="label">Dropped</div><div class="value" id="dropped">0</div></div>
  <div class="card"><div class="label">AI active users today</div><div class="value" id="ai">-</div></div>
  <div class="card"><div class="label">Self-assessment users today</div><div class="value" id="sa">-</div></div>
  <div class="card"><div class="label">High-risk events today</div><div class="value" id="hr">-</div></div>
  <div class="card"><div class="label">Uptime</div><div class="value" id="uptime">0s</div></div>
</div>
<script>
async function update() {
  try {
    const d = await (await fetch('/api/stats')).json();
    document.getElementById('day').textContent = d.day;
    document.getElementById('handled').textContent = d.handled.toLocaleString();
    document.getElementById('sent').textContent = d.sent.toLocaleString();
    document.getElementById('dropped').textContent = d.dropped.toLocaleString();
    document.getElementById('uptime').textContent = d.uptime;
    if (d.summary) {
      document.getElementById('ai').textContent = d.summary.aiActiveUsers;
      document.getElementById('sa').textContent = d.summary.selfAssessmentUsers;
      document.getElementById('hr').textContent = d.summary.highRiskTotal;
    }
  } catch (e) { console.error(e); }
}
update();
setInterval(update, 2000);
</script>
</body>
</html>
`))

func serveStatsPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statsPage.Execute(w, nil); err != nil {
		logging.Error().Err(err).Msg("Failed to render stats page")
	}
}
