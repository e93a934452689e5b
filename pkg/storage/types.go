package storage

import (
	"time"
)

// Granularity names a rollup table.
type Granularity string

const (
	Daily   Granularity = "daily"
	Monthly Granularity = "monthly"
	Yearly  Granularity = "yearly"
)

// Granularities lists every rollup table.
var Granularities = []Granularity{Daily, Monthly, Yearly}

// Valid reports whether g names a rollup table.
func (g Granularity) Valid() bool {
	switch g {
	case Daily, Monthly, Yearly:
		return true
	}
	return false
}

// Account is the slice of a platform account the aggregators need.
type Account struct {
	ID        int64
	CreatedAt time.Time
}

// Rollup is one pre-aggregated period. Period is a civil date (see package
// window): the day, the first of the month, or January 1st.
type Rollup struct {
	Granularity          Granularity
	Period               time.Time
	ActiveUsers          int64
	NewSignups           int64
	AssistantActiveUsers int64
	RiskMild             int64
	RiskModerate         int64
	RiskRisk             int64
	RiskHigh             int64
	Checkins             int64
	// AvgSessionSeconds is never populated; there is no session model yet.
	AvgSessionSeconds *int64
	ComputedAt        time.Time
}

// RetentionRow is one (cohort day, window) cell. Rate is in hundredths of a
// percent: 10000 means 100.00.
type RetentionRow struct {
	CohortDay     time.Time
	Window        int // days: 1, 7 or 30
	UsersTotal    int64
	UsersReturned int64
	Rate          int64
	ComputedAt    time.Time
}
