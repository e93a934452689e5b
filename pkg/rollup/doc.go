/*
Package rollup recomputes the pre-aggregated KPI tables from the event log.

# Why recompute instead of counting?

Ingestion never touches a counter. Every rollup row is a pure function of
the events already committed for its period, so the aggregator can simply
rebuild the row and overwrite it:

	events (append-only)  ──scan [start, end)──►  Rollup row  ──upsert──►  metrics_<granularity>

Running the same period twice over unchanged data writes the same values.
Late events are absorbed by the next run, and two nodes running the same
schedule converge on identical rows.

# Periods

Periods are civil dates in the configured zone (Asia/Seoul by default):

	Granularity  Period           Range (half-open, UTC)
	daily        2025-03-02       [2025-03-01T15:00Z, 2025-03-02T15:00Z)
	monthly      2025-03-01       [2025-02-28T15:00Z, 2025-03-31T15:00Z)
	yearly       2025-01-01       [2024-12-31T15:00Z, 2025-12-31T15:00Z)

An event at exactly local midnight belongs to the day that starts there.

# Columns

	active_users            distinct users with any ok event
	new_signups             accounts created in the range
	assistant_active_users  distinct users with an ok ai_chat_user_message
	risk_{mild,...,high}    ok risk_detected events per level
	checkins                ok self_assessment_completed events
	avg_session_seconds     always null; there is no session model

Which event names feed which column is decided by event.Classify. Names it
does not know are stored but only count toward active users.

# Scheduled runs

Plan lists what a run recomputes: the three days before today (with their
retention rows), the current and previous month, the current and previous
year. Run executes each task on its own; a failing period is logged and
reported, and every other period still runs.

	agg := rollup.New(store, cal, rollup.WithNotifier(hub))
	report := agg.RunScheduled(ctx, time.Now(), 3)
	if !report.OK() {
	    retry := report.FailedTasks()
	    ...
	}
*/
package rollup
