package quota

import "time"

// PeriodKey names the billing period containing t, e.g. "2025-03".
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodReset is the first instant of the month after t, in UTC.
func PeriodReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
