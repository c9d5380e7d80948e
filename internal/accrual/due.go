package accrual

import "time"

// dueCount is the number of billing months due from activation up to and
// including t.  The activation month is due on activation; every later
// month becomes due on the activation's day of month, clamped to the last
// day of shorter months.
func dueCount(activation, t time.Time, loc *time.Location) int {
	a, t := activation.In(loc), t.In(loc)
	if t.Before(a) {
		return 0
	}
	months := (t.Year()-a.Year())*12 + int(t.Month()) - int(a.Month())
	day := min(a.Day(), daysIn(t.Year(), t.Month(), loc))
	if t.Day() >= day {
		months++
	}
	return months
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// PaymentsDue returns how many monthly debt payments are outstanding at
// now.  Months are counted from activation rather than from lastCharged, so
// the result does not depend on when or how often the accrual runs: a
// month that was charged is never counted again and a skipped month is
// caught up on the next run.
func PaymentsDue(activation time.Time, lastCharged *time.Time, now time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	charged := 0
	if lastCharged != nil {
		charged = dueCount(activation, *lastCharged, loc)
	}
	if n := dueCount(activation, now, loc) - charged; n > 0 {
		return n
	}
	return 0
}
