// Package export downloads rollup tables and backfills events in bulk.
//
// # Export
//
// GET /v1/export streams one rollup table as JSON or CSV:
//   - granularity: daily, monthly, yearly or retention
//   - from, to: inclusive periods (YYYY-MM-DD; YYYY-MM for monthly; YYYY for yearly)
//   - format: "json" or "csv" (default: json)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?granularity=daily&from=2025-03-01&to=2025-03-31&format=csv" \
//	  -o march.csv
//
// The JSON form wraps the same rows the query API returns:
//
//	{
//	  "metadata": {
//	    "exportedAt": "2025-04-01T00:20:00Z",
//	    "granularity": "daily",
//	    "from": "2025-03-01",
//	    "to": "2025-03-31",
//	    "rowCount": 31,
//	    "version": "1.0"
//	  },
//	  "rows": [ {"day": "2025-03-01", "dailyActiveUsers": 412, ...} ]
//	}
//
// Exports read only the rollup and retention tables, never raw events.
//
// # Import
//
// POST /v1/import replays historical events through the ingestion service:
//
//	{"events": [
//	  {"eventName": "page_view", "userId": 7, "eventTime": "2024-12-01T10:00:00Z", "idempotencyKey": "legacy-1"}
//	]}
//
// Each event is validated exactly like POST /v1/events. Invalid events are
// skipped and listed in the result; events whose idempotency key was already
// accepted count as dedup, so re-running the same file is safe. Imported
// events show up in rollups after the affected periods are recomputed.
//
// # Limits
//
//   - Maximum export range: config.MaxExportPeriod
//   - Import: MaxImportEvents events, MaxImportBytes bytes per request
package export
