package utils

import "time"

// Now returns the current time in UTC.
// Tests replace it to pin clocks.
var Now = func() time.Time {
	return time.Now().UTC()
}

// FormatISO8601 formats t as RFC3339 in UTC.
func FormatISO8601(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
