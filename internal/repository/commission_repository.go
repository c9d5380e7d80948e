package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/club-license-service/internal/model"
)

const commissionColumns = `id, agent_id, club_id, amount, period_year, period_month, status,
	due_date, created_at, paid_at`

func scanCommission(row rowScanner) (*model.Commission, error) {
	var (
		c      model.Commission
		month  int
		status string
		paidAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.AgentID, &c.ClubID, &c.Amount, &c.Period.Year, &month, &status,
		&c.DueDate, &c.CreatedAt, &paidAt); err != nil {
		return nil, classify(err)
	}
	c.Period.Month = time.Month(month)
	c.Status = model.CommissionStatus(status)
	c.PaidAt = timePtr(paidAt)
	return &c, nil
}

// InsertCommissionIfAbsent creates the commission unless one already
// exists for the same agent, club and period (unique key
// uq_commission_period).  It reports whether a row was created.
func (t *mysqlTx) InsertCommissionIfAbsent(ctx context.Context, c *model.Commission) (bool, error) {
	const q = `INSERT IGNORE INTO commissions (` + commissionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return affected(t.tx.ExecContext(ctx, q, c.ID, c.AgentID, c.ClubID, c.Amount, c.Period.Year, int(c.Period.Month),
		string(c.Status), c.DueDate.UTC(), c.CreatedAt.UTC(), nullTime(c.PaidAt)))
}

// GetCommission returns a commission or ErrNotFound.
func (t *mysqlTx) GetCommission(ctx context.Context, id string) (*model.Commission, error) {
	const q = `SELECT ` + commissionColumns + ` FROM commissions WHERE id = ?`
	return scanCommission(t.tx.QueryRowContext(ctx, q, id))
}

// ListCommissionsByAgent returns an agent's commissions, newest period first.
func (t *mysqlTx) ListCommissionsByAgent(ctx context.Context, agentID string) ([]model.Commission, error) {
	const q = `SELECT ` + commissionColumns + ` FROM commissions WHERE agent_id = ?
		ORDER BY period_year DESC, period_month DESC, club_id`
	return t.listCommissions(ctx, q, agentID)
}

// ListCommissionsByClub returns the commissions generated by one club.
func (t *mysqlTx) ListCommissionsByClub(ctx context.Context, clubID string) ([]model.Commission, error) {
	const q = `SELECT ` + commissionColumns + ` FROM commissions WHERE club_id = ?
		ORDER BY period_year DESC, period_month DESC`
	return t.listCommissions(ctx, q, clubID)
}

func (t *mysqlTx) listCommissions(ctx context.Context, q string, arg string) ([]model.Commission, error) {
	rows, err := t.tx.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, classify(rows.Err())
}

// MarkCommissionPaid moves an earned commission to paid.
func (t *mysqlTx) MarkCommissionPaid(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `UPDATE commissions SET status = 'paid', paid_at = ? WHERE id = ? AND status = 'earned'`
	return affected(t.tx.ExecContext(ctx, q, now.UTC(), id))
}
