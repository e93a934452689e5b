// Package query serves the read-only dashboard projections over the rollup
// and retention tables, plus the summary that is derived from raw events.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/tinykpi/pkg/event"
	"github.com/nicktill/tinykpi/pkg/storage"
	"github.com/nicktill/tinykpi/pkg/window"
)

// Store is what the query service reads.
type Store interface {
	storage.EventStore
	storage.RollupStore
}

// Service runs dashboard queries. It never writes.
type Service struct {
	store Store
	cal   window.Calendar
}

// NewService creates a query service. cal resolves the summary range.
func NewService(store Store, cal window.Calendar) *Service {
	return &Service{store: store, cal: cal}
}

// Daily returns daily rows for from..to inclusive.
func (s *Service) Daily(ctx context.Context, from, to time.Time) ([]DailyRow, error) {
	rows, err := s.store.Rollups(ctx, storage.Daily, from, to)
	if err != nil {
		return nil, fmt.Errorf("load daily rollups: %w", err)
	}
	out := make([]DailyRow, len(rows))
	for i, r := range rows {
		out[i] = NewDailyRow(r)
	}
	return out, nil
}

// Monthly returns monthly rows whose month start lies in from..to.
func (s *Service) Monthly(ctx context.Context, from, to time.Time) ([]MonthlyRow, error) {
	rows, err := s.store.Rollups(ctx, storage.Monthly, window.MonthStart(from), window.MonthStart(to))
	if err != nil {
		return nil, fmt.Errorf("load monthly rollups: %w", err)
	}
	out := make([]MonthlyRow, len(rows))
	for i, r := range rows {
		out[i] = NewMonthlyRow(r)
	}
	return out, nil
}

// Yearly returns yearly rows for fromYear..toYear inclusive.
func (s *Service) Yearly(ctx context.Context, fromYear, toYear int) ([]YearlyRow, error) {
	rows, err := s.store.Rollups(ctx, storage.Yearly, window.Date(fromYear, time.January, 1), window.Date(toYear, time.January, 1))
	if err != nil {
		return nil, fmt.Errorf("load yearly rollups: %w", err)
	}
	out := make([]YearlyRow, len(rows))
	for i, r := range rows {
		out[i] = NewYearlyRow(r)
	}
	return out, nil
}

// RiskTimeline returns the high-risk count of each daily row in from..to.
func (s *Service) RiskTimeline(ctx context.Context, from, to time.Time) ([]RiskPoint, error) {
	rows, err := s.store.Rollups(ctx, storage.Daily, from, to)
	if err != nil {
		return nil, fmt.Errorf("load daily rollups: %w", err)
	}
	out := make([]RiskPoint, len(rows))
	for i, r := range rows {
		out[i] = RiskPoint{Day: window.FormatDate(r.Period), HighRiskEventCount: r.RiskHigh}
	}
	return out, nil
}

// Summary scans raw events from local midnight of from up to local
// midnight after to.
func (s *Service) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	sum := Summary{From: window.FormatDate(from), To: window.FormatDate(to)}
	aiUsers := make(map[int64]struct{})
	assessUsers := make(map[int64]struct{})

	err := s.store.ScanEvents(ctx, s.cal.Days(from, to), func(e event.Event) error {
		if !e.OK() {
			return nil
		}
		switch event.Classify(e.Name) {
		case event.MetricRisk:
			if e.Level != event.LevelHighRisk {
				return nil
			}
			sum.HighRiskTotal++
			switch e.Source() {
			case event.SourceChat:
				sum.HighRiskFromChat++
			case event.SourceAssessment:
				sum.HighRiskFromAssessment++
			}
		case event.MetricAssistantActive:
			if e.UserID != nil {
				aiUsers[*e.UserID] = struct{}{}
			}
		case event.MetricCheckin:
			if e.UserID != nil {
				assessUsers[*e.UserID] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return Summary{}, fmt.Errorf("scan events: %w", err)
	}

	sum.AIActiveUsers = int64(len(aiUsers))
	sum.SelfAssessmentUsers = int64(len(assessUsers))
	return sum, nil
}

// Retention returns retention cells ordered by cohort, then D1, D7, D30.
func (s *Service) Retention(ctx context.Context, cohortFrom, cohortTo time.Time) ([]RetentionItem, error) {
	rows, err := s.store.Retention(ctx, cohortFrom, cohortTo)
	if err != nil {
		return nil, fmt.Errorf("load retention: %w", err)
	}
	out := make([]RetentionItem, len(rows))
	for i, r := range rows {
		out[i] = NewRetentionItem(r)
	}
	return out, nil
}

// RetentionMatrix returns one row per cohort day.
func (s *Service) RetentionMatrix(ctx context.Context, cohortFrom, cohortTo time.Time) ([]MatrixRow, error) {
	rows, err := s.store.Retention(ctx, cohortFrom, cohortTo)
	if err != nil {
		return nil, fmt.Errorf("load retention: %w", err)
	}
	return Pivot(rows), nil
}
