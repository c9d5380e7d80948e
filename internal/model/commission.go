package model

import (
	"fmt"
	"time"
)

// CommissionStatus is the payout state of an agent commission.
type CommissionStatus string

const (
	CommissionPending CommissionStatus = "pending"
	CommissionEarned  CommissionStatus = "earned"
	CommissionPaid    CommissionStatus = "paid"
)

// Period is a calendar billing month.
type Period struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// PeriodOf returns the billing period containing t in loc.
func PeriodOf(t time.Time, loc *time.Location) Period {
	t = t.In(loc)
	return Period{Year: t.Year(), Month: t.Month()}
}

// Add returns the period n months later.
func (p Period) Add(n int) Period {
	t := time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	return Period{Year: t.Year(), Month: t.Month()}
}

// Start returns the first instant of the period in loc.
func (p Period) Start(loc *time.Location) time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, loc)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// Commission is an agent's earning tied to one club's monthly debt charge.
// There is at most one commission per (AgentID, ClubID, Period).
type Commission struct {
	ID        string           `json:"id"`
	AgentID   string           `json:"agent_id"`
	ClubID    string           `json:"club_id"`
	Amount    int64            `json:"amount"`
	Period    Period           `json:"period"`
	Status    CommissionStatus `json:"status"`
	DueDate   time.Time        `json:"due_date"`
	CreatedAt time.Time        `json:"created_at"`
	PaidAt    *time.Time       `json:"paid_at,omitempty"`
}
