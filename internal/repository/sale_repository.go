package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/club-license-service/internal/model"
)

const saleColumns = `id, reservation_id, license_id, seller_id, club_id, package_id, customer_info,
	sale_price, profit, license_valid_from, license_valid_until, status, payment_agreement_ref,
	metadata, created_at`

func scanSale(row rowScanner) (*model.Sale, error) {
	var (
		s                  model.Sale
		status             string
		customer, metadata []byte
		agreement          sql.NullString
	)
	if err := row.Scan(&s.ID, &s.ReservationID, &s.LicenseID, &s.SellerID, &s.ClubID, &s.PackageID,
		&customer, &s.SalePrice, &s.Profit, &s.LicenseValidFrom, &s.LicenseValidUntil, &status,
		&agreement, &metadata, &s.CreatedAt); err != nil {
		return nil, classify(err)
	}
	s.Status = model.SaleStatus(status)
	s.AgreementRef = stringPtr(agreement)
	if err := json.Unmarshal(customer, &s.Customer); err != nil {
		return nil, fmt.Errorf("decode customer_info: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &s, nil
}

// InsertSale writes the sale row.  reservation_id is unique, so a second
// sale for the same reservation fails with ErrDuplicate.
func (t *mysqlTx) InsertSale(ctx context.Context, s *model.Sale) error {
	customer, err := json.Marshal(s.Customer)
	if err != nil {
		return err
	}
	metadata, err := jsonColumn(s.Metadata)
	if err != nil {
		return err
	}
	const q = `INSERT INTO license_sales (` + saleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = t.tx.ExecContext(ctx, q, s.ID, s.ReservationID, s.LicenseID, s.SellerID, s.ClubID, s.PackageID,
		string(customer), s.SalePrice, s.Profit, s.LicenseValidFrom.UTC(), s.LicenseValidUntil.UTC(),
		string(s.Status), nullString(s.AgreementRef), metadata, s.CreatedAt.UTC())
	return classify(err)
}

// GetSale returns a sale or ErrNotFound.
func (t *mysqlTx) GetSale(ctx context.Context, id string) (*model.Sale, error) {
	const q = `SELECT ` + saleColumns + ` FROM license_sales WHERE id = ?`
	return scanSale(t.tx.QueryRowContext(ctx, q, id))
}

// GetSaleByAgreement resolves a wallet agreement to the sale it paid for.
func (t *mysqlTx) GetSaleByAgreement(ctx context.Context, agreementRef string) (*model.Sale, error) {
	const q = `SELECT ` + saleColumns + ` FROM license_sales WHERE payment_agreement_ref = ?`
	return scanSale(t.tx.QueryRowContext(ctx, q, agreementRef))
}

// ListSalesByClub returns every sale of a club, newest first.
func (t *mysqlTx) ListSalesByClub(ctx context.Context, clubID string) ([]model.Sale, error) {
	const q = `SELECT ` + saleColumns + ` FROM license_sales WHERE club_id = ? ORDER BY created_at DESC`
	rows, err := t.tx.QueryContext(ctx, q, clubID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, classify(rows.Err())
}

// SetSaleStatus moves a sale between statuses if it is still in from.
func (t *mysqlTx) SetSaleStatus(ctx context.Context, id string, from, to model.SaleStatus) (bool, error) {
	const q = `UPDATE license_sales SET status = ? WHERE id = ? AND status = ?`
	return affected(t.tx.ExecContext(ctx, q, string(to), id, string(from)))
}

// ExpireSales marks active sales whose validity ended as expired.
func (t *mysqlTx) ExpireSales(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE license_sales SET status = 'expired' WHERE status = 'active' AND license_valid_until < ?`, now.UTC())
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// ListChargeableSales returns active sales backed by a wallet agreement
// whose license is still valid at now, oldest first.
func (t *mysqlTx) ListChargeableSales(ctx context.Context, now time.Time, limit int) ([]model.Sale, error) {
	const q = `SELECT ` + saleColumns + ` FROM license_sales
		WHERE status = 'active' AND payment_agreement_ref IS NOT NULL AND license_valid_until > ?
		ORDER BY created_at LIMIT ?`
	rows, err := t.tx.QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, classify(rows.Err())
}
