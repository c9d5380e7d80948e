package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/club-license-service/internal/model"
)

const financeColumns = `club_id, total_income, total_debt, current_balance, total_licenses_sold,
	last_debt_charged_at, updated_at`

func scanFinance(row rowScanner) (*model.ClubFinance, error) {
	var (
		f       model.ClubFinance
		charged sql.NullTime
	)
	if err := row.Scan(&f.ClubID, &f.TotalIncome, &f.TotalDebt, &f.CurrentBalance, &f.TotalLicensesSold,
		&charged, &f.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	f.LastDebtChargedAt = timePtr(charged)
	return &f, nil
}

// EnsureFinance creates the zeroed finance summary of a club if missing.
func (t *mysqlTx) EnsureFinance(ctx context.Context, clubID string, now time.Time) error {
	const q = `INSERT IGNORE INTO club_finances (club_id, total_income, total_debt, current_balance,
		total_licenses_sold, updated_at) VALUES (?, 0, 0, 0, 0, ?)`
	_, err := t.tx.ExecContext(ctx, q, clubID, now.UTC())
	return classify(err)
}

// GetFinance reads a club's finance summary.
func (t *mysqlTx) GetFinance(ctx context.Context, clubID string) (*model.ClubFinance, error) {
	const q = `SELECT ` + financeColumns + ` FROM club_finances WHERE club_id = ?`
	return scanFinance(t.tx.QueryRowContext(ctx, q, clubID))
}

// LockFinance reads a club's finance summary with FOR UPDATE.  The debt
// accrual holds this lock while it decides which months are due.
func (t *mysqlTx) LockFinance(ctx context.Context, clubID string) (*model.ClubFinance, error) {
	const q = `SELECT ` + financeColumns + ` FROM club_finances WHERE club_id = ? FOR UPDATE`
	return scanFinance(t.tx.QueryRowContext(ctx, q, clubID))
}

// AddIncome increments income and sold licenses in place and recomputes
// the balance from the updated columns.  MySQL evaluates single-table SET
// assignments left to right, so current_balance sees the new total_income.
func (t *mysqlTx) AddIncome(ctx context.Context, clubID string, amount int64, licenses int, now time.Time) error {
	const q = `UPDATE club_finances SET total_income = total_income + ?,
		total_licenses_sold = total_licenses_sold + ?,
		current_balance = total_income - total_debt, updated_at = ?
		WHERE club_id = ?`
	ok, err := affected(t.tx.ExecContext(ctx, q, amount, licenses, now.UTC(), clubID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// AddDebt increments total debt and moves last_debt_charged_at from
// prevCharged to chargedAt.  It reports false when last_debt_charged_at no
// longer equals prevCharged, meaning another run already charged.
func (t *mysqlTx) AddDebt(ctx context.Context, clubID string, amount int64, prevCharged *time.Time, chargedAt time.Time) (bool, error) {
	const q = `UPDATE club_finances SET total_debt = total_debt + ?,
		current_balance = total_income - total_debt,
		last_debt_charged_at = ?, updated_at = ?
		WHERE club_id = ? AND last_debt_charged_at <=> ?`
	return affected(t.tx.ExecContext(ctx, q, amount, chargedAt.UTC(), chargedAt.UTC(), clubID, nullTime(prevCharged)))
}

// InsertTransaction appends a row to the club's finance sub-ledger.
func (t *mysqlTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	const q = `INSERT INTO club_finance_transactions (id, club_id, type, amount, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, q, tr.ID, tr.ClubID, string(tr.Type), tr.Amount, tr.ReferenceID, tr.CreatedAt.UTC())
	return classify(err)
}

// HasTransaction reports whether the sub-ledger already holds a row of typ
// for referenceID.
func (t *mysqlTx) HasTransaction(ctx context.Context, clubID string, typ model.TransactionType, referenceID string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM club_finance_transactions
		WHERE club_id = ? AND type = ? AND reference_id = ?)`
	var found bool
	if err := t.tx.QueryRowContext(ctx, q, clubID, string(typ), referenceID).Scan(&found); err != nil {
		return false, classify(err)
	}
	return found, nil
}

// ListTransactions returns the newest limit rows of a club's sub-ledger.
func (t *mysqlTx) ListTransactions(ctx context.Context, clubID string, limit int) ([]model.Transaction, error) {
	const q = `SELECT id, club_id, type, amount, reference_id, created_at FROM club_finance_transactions
		WHERE club_id = ? ORDER BY created_at DESC, id LIMIT ?`
	rows, err := t.tx.QueryContext(ctx, q, clubID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var (
			tr  model.Transaction
			typ string
		)
		if err := rows.Scan(&tr.ID, &tr.ClubID, &typ, &tr.Amount, &tr.ReferenceID, &tr.CreatedAt); err != nil {
			return nil, classify(err)
		}
		tr.Type = model.TransactionType(typ)
		out = append(out, tr)
	}
	return out, classify(rows.Err())
}
