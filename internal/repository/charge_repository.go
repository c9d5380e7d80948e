package repository

import (
	"context"

	"github.com/iliyamo/club-license-service/internal/model"
)

// ClaimAgreementCharge inserts the charge row unless the sale was already
// charged for the period (primary key on sale_id, period_year,
// period_month).  It reports whether this call claimed the period.
func (t *mysqlTx) ClaimAgreementCharge(ctx context.Context, c *model.AgreementCharge) (bool, error) {
	const q = `INSERT IGNORE INTO agreement_charges (sale_id, period_year, period_month, agreement_ref,
		amount, charge_id, created_at) VALUES (?, ?, ?, ?, ?, NULL, ?)`
	return affected(t.tx.ExecContext(ctx, q, c.SaleID, c.Period.Year, int(c.Period.Month), c.AgreementID,
		c.Amount, c.CreatedAt.UTC()))
}

// SetAgreementChargeID stores the provider's id for a claimed charge.
func (t *mysqlTx) SetAgreementChargeID(ctx context.Context, saleID string, period model.Period, chargeID string) error {
	const q = `UPDATE agreement_charges SET charge_id = ?
		WHERE sale_id = ? AND period_year = ? AND period_month = ?`
	ok, err := affected(t.tx.ExecContext(ctx, q, chargeID, saleID, period.Year, int(period.Month)))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ReleaseAgreementCharge drops a claim whose provider call failed so the
// next run tries the period again.
func (t *mysqlTx) ReleaseAgreementCharge(ctx context.Context, saleID string, period model.Period) error {
	const q = `DELETE FROM agreement_charges
		WHERE sale_id = ? AND period_year = ? AND period_month = ? AND charge_id IS NULL`
	_, err := t.tx.ExecContext(ctx, q, saleID, period.Year, int(period.Month))
	return classify(err)
}
