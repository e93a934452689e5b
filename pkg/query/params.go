package query

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinykpi/pkg/config"
	"github.com/nicktill/tinykpi/pkg/window"
)

// DateRange reads two required YYYY-MM-DD parameters and checks that
// from <= to and the span stays within config.MaxQueryDays.
func DateRange(r *http.Request, fromKey, toKey string) (from, to time.Time, err error) {
	q := r.URL.Query()
	if from, err = requiredDate(q.Get(fromKey), fromKey); err != nil {
		return
	}
	if to, err = requiredDate(q.Get(toKey), toKey); err != nil {
		return
	}
	if from.After(to) {
		return from, to, fmt.Errorf("%s must not be after %s", fromKey, toKey)
	}
	if days := int(to.Sub(from).Hours() / 24); days > config.MaxQueryDays {
		return from, to, fmt.Errorf("range exceeds %d days", config.MaxQueryDays)
	}
	return from, to, nil
}

// MonthRange reads two month parameters (YYYY-MM or YYYY-MM-DD) and
// normalizes them to month starts.
func MonthRange(r *http.Request, fromKey, toKey string) (from, to time.Time, err error) {
	q := r.URL.Query()
	if from, err = requiredMonth(q.Get(fromKey), fromKey); err != nil {
		return
	}
	if to, err = requiredMonth(q.Get(toKey), toKey); err != nil {
		return
	}
	if from.After(to) {
		return from, to, fmt.Errorf("%s must not be after %s", fromKey, toKey)
	}
	return from, to, nil
}

// YearRange reads two year parameters.
func YearRange(r *http.Request, fromKey, toKey string) (from, to int, err error) {
	q := r.URL.Query()
	if from, err = ParseYear(q.Get(fromKey), fromKey); err != nil {
		return
	}
	if to, err = ParseYear(q.Get(toKey), toKey); err != nil {
		return
	}
	if from > to {
		return from, to, fmt.Errorf("%s must not be after %s", fromKey, toKey)
	}
	return from, to, nil
}

// ParseYear parses a four-digit year named key.
func ParseYear(s, key string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	y, err := strconv.Atoi(s)
	if err != nil || y < 1 || y > 9999 {
		return 0, fmt.Errorf("invalid %s %q: want YYYY", key, s)
	}
	return y, nil
}

func requiredDate(s, key string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	return window.ParseDate(s)
}

func requiredMonth(s, key string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", key)
	}
	return window.ParseMonth(s)
}
