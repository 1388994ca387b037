package escrow

import "time"

// AddBusinessDays moves t forward by n weekdays, keeping the time of day.
// Weekend days are skipped; a start on a weekend counts from the next Monday.
func AddBusinessDays(t time.Time, n int) time.Time {
	for n > 0 {
		t = t.AddDate(0, 0, 1)
		if isBusinessDay(t) {
			n--
		}
	}
	return t
}

func isBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// HoldUntil is when auto-capture may take funds escrowed at escrowedAt.
func (c *Controller) HoldUntil(escrowedAt time.Time) time.Time {
	if c.opts.HoldPeriod > 0 {
		return escrowedAt.Add(c.opts.HoldPeriod)
	}
	return AddBusinessDays(escrowedAt, c.opts.HoldBusinessDays)
}
