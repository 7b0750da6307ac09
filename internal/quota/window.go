package quota

import (
	"fmt"
	"time"
)

// Window is a calendar-aligned counting period. All buckets are computed in UTC.
type Window string

const (
	Minute Window = "minute"
	Hour   Window = "hour"
	Day    Window = "day"
	Week   Window = "week"
	Month  Window = "month"
)

// Duration is the counter TTL for the window. Month uses 31 days so a counter always outlives its bucket.
func (w Window) Duration() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Week:
		return 7 * 24 * time.Hour
	case Month:
		return 31 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether w is a known window.
func (w Window) Valid() bool { return w.Duration() > 0 }

// Bucket labels the calendar bucket containing t.
func (w Window) Bucket(t time.Time) string {
	t = t.UTC()
	switch w {
	case Minute:
		return t.Format("2006-01-02-15-04")
	case Hour:
		return t.Format("2006-01-02-15")
	case Day:
		return t.Format("2006-01-02")
	case Week:
		y, wk := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, wk)
	case Month:
		return t.Format("2006-01")
	default:
		return ""
	}
}

// ResetAt returns the start of the bucket following the one containing t.
func (w Window) ResetAt(t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch w {
	case Minute:
		return time.Date(y, m, d, t.Hour(), t.Minute()+1, 0, 0, time.UTC)
	case Hour:
		return time.Date(y, m, d, t.Hour()+1, 0, 0, 0, time.UTC)
	case Day:
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	case Week:
		sinceMonday := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-sinceMonday+7, 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}
