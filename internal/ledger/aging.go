package ledger

import (
	"time"

	"backoffice/backend/internal/domain"
)

const DefaultDueSoonDays = 7

// ClassifyDue buckets a due date relative to asOf. Both are compared as UTC
// calendar days. daysUntilDue is nil when there is no due date.
func ClassifyDue(due *time.Time, asOf time.Time, horizonDays int) (domain.DueStatus, *int) {
	if due == nil {
		return domain.DueNoDueDate, nil
	}
	if horizonDays < 0 {
		horizonDays = DefaultDueSoonDays
	}

	days := DaysBetween(asOf, *due)
	switch {
	case days < 0:
		return domain.DueOverdue, &days
	case days <= horizonDays:
		return domain.DueSoon, &days
	default:
		return domain.DueNotDue, &days
	}
}

// DaysBetween counts whole calendar days from a to b.
func DaysBetween(a time.Time, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts YYYY-MM-DD or RFC 3339 and returns the UTC day.
func ParseDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}
