package retention

import (
	"fmt"
	"strconv"
)

// Window is a retention window length in days.
type Window int

const (
	D1  Window = 1
	D7  Window = 7
	D30 Window = 30
)

// Windows lists the computed windows in storage order.
var Windows = []Window{D1, D7, D30}

func (w Window) String() string {
	return "D" + strconv.Itoa(int(w))
}

// Rate is a retention percentage in hundredths: 10000 is 100.00%.
//
// Rates are derived with integer arithmetic so recomputing a cohort always
// produces the same stored value.
type Rate int64

// ComputeRate returns returned*100/total rounded half-up to two decimals.
// A zero total yields 0.
func ComputeRate(returned, total int64) Rate {
	if total <= 0 || returned <= 0 {
		return 0
	}
	// floor(returned*10000/total + 1/2)
	return Rate((2*returned*10000 + total) / (2 * total))
}

// String formats the rate with exactly two decimals, e.g. "33.33".
func (r Rate) String() string {
	sign := ""
	v := int64(r)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// Float64 returns the percentage as a float, for display only.
func (r Rate) Float64() float64 {
	return float64(r) / 100
}

// MarshalJSON encodes the rate as a number with two decimals.
func (r Rate) MarshalJSON() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalJSON accepts a JSON number such as 66.67.
func (r *Rate) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("retention: invalid rate %s: %w", data, err)
	}
	if f < 0 {
		*r = Rate(f*100 - 0.5)
	} else {
		*r = Rate(f*100 + 0.5)
	}
	return nil
}
