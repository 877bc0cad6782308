package booking

import (
	"fmt"
	"strconv"
	"strings"
)

// MinutesPerDay is the exclusive upper bound of a booking's end minute plus one.
const MinutesPerDay = 24 * 60

// OperatingHours is the daily window [Open, Close) in which bookings may sit.
type OperatingHours struct {
	Open  int
	Close int
}

// DefaultHours is 06:00 to 23:00.
var DefaultHours = OperatingHours{Open: 6 * 60, Close: 23 * 60}

// AllDay accepts any interval inside the day.
var AllDay = OperatingHours{Open: 0, Close: MinutesPerDay}

// Validate checks that the window is well formed.
// PRE: none
// POST: Returns nil if 0 <= Open < Close <= 24:00
func (h OperatingHours) Validate() error {
	if h.Open < 0 || h.Close > MinutesPerDay || h.Open >= h.Close {
		return fmt.Errorf("operating hours %s-%s are not a valid window", FormatClock(h.Open), FormatClock(h.Close))
	}
	return nil
}

// ParseClock parses "HH:MM" into minutes since midnight.
// "24:00" is accepted so closing time can be the end of the day.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) == 0 || len(hh) > 2 || len(mm) != 2 {
		return 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time %q is out of range", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
