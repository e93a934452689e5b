package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seoul(t *testing.T) Calendar {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return New(loc)
}

func TestDayAnchoredAtLocalMidnight(t *testing.T) {
	cal := seoul(t)

	r := cal.Day(Date(2025, time.March, 2))
	assert.Equal(t, time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC), r.Start)
	assert.Equal(t, time.Date(2025, 3, 2, 15, 0, 0, 0, time.UTC), r.End)
}

func TestHalfOpenBoundaries(t *testing.T) {
	cal := seoul(t)
	d := Date(2025, time.March, 2)
	midnight := time.Date(2025, 3, 2, 0, 0, 0, 0, cal.Location())

	assert.True(t, cal.Day(d).Contains(midnight), "local midnight belongs to its own day")
	assert.False(t, cal.Day(d.AddDate(0, 0, -1)).Contains(midnight), "never to the previous day")
	assert.False(t, cal.Day(d).Contains(cal.Day(d).End))
}

func TestMonthAndYear(t *testing.T) {
	cal := New(time.UTC)

	m := cal.Month(Date(2024, time.February, 17))
	assert.Equal(t, Date(2024, time.February, 1), m.Start)
	assert.Equal(t, Date(2024, time.March, 1), m.End)

	y := cal.Year(2024)
	assert.Equal(t, Date(2024, time.January, 1), y.Start)
	assert.Equal(t, Date(2025, time.January, 1), y.End)

	dec := cal.Month(Date(2024, time.December, 31))
	assert.Equal(t, Date(2025, time.January, 1), dec.End)
}

func TestDSTDayLength(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	r := New(loc).Day(Date(2025, time.March, 9))
	assert.Equal(t, 23*time.Hour, r.End.Sub(r.Start))
}

func TestToday(t *testing.T) {
	cal := seoul(t)
	// 16:00 UTC is already the next day in Seoul.
	now := time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC)
	assert.Equal(t, Date(2025, time.March, 2), cal.Today(now))
}

func TestParse(t *testing.T) {
	d, err := ParseDate("2025-01-08")
	require.NoError(t, err)
	assert.Equal(t, Date(2025, time.January, 8), d)

	_, err = ParseDate("2025/01/08")
	assert.Error(t, err)

	m, err := ParseMonth("2025-03")
	require.NoError(t, err)
	assert.Equal(t, Date(2025, time.March, 1), m)

	m, err = ParseMonth("2025-03-19")
	require.NoError(t, err)
	assert.Equal(t, Date(2025, time.March, 1), m)

	assert.Equal(t, "2025-03-01", FormatDate(m))
}
