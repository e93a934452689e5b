package query

import (
	"time"

	"github.com/nicktill/tinykpi/pkg/retention"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Counts are the columns shared by every rollup granularity.
type Counts struct {
	MildEventCount     int64  `json:"mildEventCount"`
	ModerateEventCount int64  `json:"moderateEventCount"`
	RiskEventCount     int64  `json:"riskEventCount"`
	HighRiskEventCount int64  `json:"highRiskEventCount"`
	AvgSessionSeconds  *int64 `json:"avgSessionSeconds"`
	ComputedAt         string `json:"computedAt"`
}

// DailyRow is one metrics_daily row.
type DailyRow struct {
	Day              string `json:"day"`
	DailyActiveUsers int64  `json:"dailyActiveUsers"`
	NewSignups       int64  `json:"newSignups"`
	AIActiveUsers    int64  `json:"aiActiveUsers"`
	CheckinCount     int64  `json:"checkinCount"`
	Counts
}

// MonthlyRow is one metrics_monthly row. Month is the month start.
type MonthlyRow struct {
	Month                string `json:"month"`
	MonthlyActiveUsers   int64  `json:"monthlyActiveUsers"`
	MonthlyNewSignups    int64  `json:"monthlyNewSignups"`
	MonthlyAIActiveUsers int64  `json:"monthlyAiActiveUsers"`
	MonthlyCheckinCount  int64  `json:"monthlyCheckinCount"`
	Counts
}

// YearlyRow is one metrics_yearly row.
type YearlyRow struct {
	Year                int   `json:"year"`
	YearlyActiveUsers   int64 `json:"yearlyActiveUsers"`
	YearlyNewSignups    int64 `json:"yearlyNewSignups"`
	YearlyAIActiveUsers int64 `json:"yearlyAiActiveUsers"`
	YearlyCheckinCount  int64 `json:"yearlyCheckinCount"`
	Counts
}

// RiskPoint is one day of the high-risk timeline.
type RiskPoint struct {
	Day                string `json:"day"`
	HighRiskEventCount int64  `json:"highRiskEventCount"`
}

// Summary is derived from raw events, not from rollups.
type Summary struct {
	From                   string `json:"from"`
	To                     string `json:"to"`
	HighRiskTotal          int64  `json:"highRiskTotal"`
	HighRiskFromChat       int64  `json:"highRiskFromChat"`
	HighRiskFromAssessment int64  `json:"highRiskFromAssessment"`
	AIActiveUsers          int64  `json:"aiActiveUsers"`
	SelfAssessmentUsers    int64  `json:"selfAssessmentUsers"`
}

// RetentionItem is one (cohort, window) cell.
type RetentionItem struct {
	CohortDay     string         `json:"cohortDay"`
	Window        string         `json:"window"`
	UsersTotal    int64          `json:"usersTotal"`
	UsersReturned int64          `json:"usersReturned"`
	Rate          retention.Rate `json:"rate"`
}

// MatrixRow pivots one cohort's windows into columns. Missing windows
// read as zero.
type MatrixRow struct {
	CohortDay   string         `json:"cohortDay"`
	UsersTotal  int64          `json:"usersTotal"`
	D1Returned  int64          `json:"d1Returned"`
	D1Rate      retention.Rate `json:"d1Rate"`
	D7Returned  int64          `json:"d7Returned"`
	D7Rate      retention.Rate `json:"d7Rate"`
	D30Returned int64          `json:"d30Returned"`
	D30Rate     retention.Rate `json:"d30Rate"`
}

func countsOf(r storage.Rollup) Counts {
	return Counts{
		MildEventCount:     r.RiskMild,
		ModerateEventCount: r.RiskModerate,
		RiskEventCount:     r.RiskRisk,
		HighRiskEventCount: r.RiskHigh,
		AvgSessionSeconds:  r.AvgSessionSeconds,
		ComputedAt:         r.ComputedAt.UTC().Format(time.RFC3339Nano),
	}
}

// NewDailyRow projects a daily rollup.
func NewDailyRow(r storage.Rollup) DailyRow {
	return DailyRow{
		Day:              window.FormatDate(r.Period),
		DailyActiveUsers: r.ActiveUsers,
		NewSignups:       r.NewSignups,
		AIActiveUsers:    r.AssistantActiveUsers,
		CheckinCount:     r.Checkins,
		Counts:           countsOf(r),
	}
}

// NewMonthlyRow projects a monthly rollup.
func NewMonthlyRow(r storage.Rollup) MonthlyRow {
	return MonthlyRow{
		Month:                window.FormatDate(r.Period),
		MonthlyActiveUsers:   r.ActiveUsers,
		MonthlyNewSignups:    r.NewSignups,
		MonthlyAIActiveUsers: r.AssistantActiveUsers,
		MonthlyCheckinCount:  r.Checkins,
		Counts:               countsOf(r),
	}
}

// NewYearlyRow projects a yearly rollup.
func NewYearlyRow(r storage.Rollup) YearlyRow {
	return YearlyRow{
		Year:                r.Period.Year(),
		YearlyActiveUsers:   r.ActiveUsers,
		YearlyNewSignups:    r.NewSignups,
		YearlyAIActiveUsers: r.AssistantActiveUsers,
		YearlyCheckinCount:  r.Checkins,
		Counts:              countsOf(r),
	}
}

// NewRetentionItem projects a stored retention row.
func NewRetentionItem(r storage.RetentionRow) RetentionItem {
	return RetentionItem{
		CohortDay:     window.FormatDate(r.CohortDay),
		Window:        retention.Window(r.Window).String(),
		UsersTotal:    r.UsersTotal,
		UsersReturned: r.UsersReturned,
		Rate:          retention.Rate(r.Rate),
	}
}

// Pivot folds retention rows, ordered by cohort, into one row per cohort.
func Pivot(rows []storage.RetentionRow) []MatrixRow {
	out := make([]MatrixRow, 0, len(rows)/3+1)
	for _, r := range rows {
		day := window.FormatDate(r.CohortDay)
		if len(out) == 0 || out[len(out)-1].CohortDay != day {
			out = append(out, MatrixRow{CohortDay: day})
		}
		m := &out[len(out)-1]
		m.UsersTotal = r.UsersTotal

		switch retention.Window(r.Window) {
		case retention.D1:
			m.D1Returned, m.D1Rate = r.UsersReturned, retention.Rate(r.Rate)
		case retention.D7:
			m.D7Returned, m.D7Rate = r.UsersReturned, retention.Rate(r.Rate)
		case retention.D30:
			m.D30Returned, m.D30Rate = r.UsersReturned, retention.Rate(r.Rate)
		}
	}
	return out
}
