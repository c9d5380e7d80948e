package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/club-license-service/internal/model"
)

const licenseColumns = `id, club_id, package_id, license_number, state, reservation_id,
	seller_id, buyer_info, sale_id, created_at, expires_at, updated_at`

func scanLicense(row rowScanner) (*model.LicenseUnit, error) {
	var (
		l                       model.LicenseUnit
		state                   string
		reservationID, sellerID sql.NullString
		saleID                  sql.NullString
		buyer                   []byte
	)
	if err := row.Scan(&l.ID, &l.ClubID, &l.PackageID, &l.LicenseNumber, &state, &reservationID,
		&sellerID, &buyer, &saleID, &l.CreatedAt, &l.ExpiresAt, &l.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	l.State = model.LicenseState(state)
	l.ReservationID = stringPtr(reservationID)
	l.SellerID = stringPtr(sellerID)
	l.SaleID = stringPtr(saleID)
	c, err := customerFromColumn(buyer)
	if err != nil {
		return nil, err
	}
	l.BuyerInfo = c
	return &l, nil
}

// InsertLicenses writes units in a single multi-row INSERT.  An empty
// slice is a no-op.
func (t *mysqlTx) InsertLicenses(ctx context.Context, units []model.LicenseUnit) error {
	if len(units) == 0 {
		return nil
	}
	query := `INSERT INTO club_licenses (id, club_id, package_id, license_number, state,
		created_at, expires_at, updated_at) VALUES `
	args := make([]any, 0, len(units)*8)
	for i, u := range units {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, u.ID, u.ClubID, u.PackageID, u.LicenseNumber, string(u.State),
			u.CreatedAt.UTC(), u.ExpiresAt.UTC(), u.UpdatedAt.UTC())
	}
	_, err := t.tx.ExecContext(ctx, query, args...)
	return classify(err)
}

// CountLicenses returns the number of units ever provisioned for a club.
func (t *mysqlTx) CountLicenses(ctx context.Context, clubID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM club_licenses WHERE club_id = ?`, clubID).Scan(&n)
	return n, classify(err)
}

// GetLicense returns one unit of a club or ErrNotFound.
func (t *mysqlTx) GetLicense(ctx context.Context, clubID, licenseID string) (*model.LicenseUnit, error) {
	const q = `SELECT ` + licenseColumns + ` FROM club_licenses WHERE club_id = ? AND id = ?`
	return scanLicense(t.tx.QueryRowContext(ctx, q, clubID, licenseID))
}

// ListAvailableLicenses returns reservable units: available and still
// within their subscription validity.
func (t *mysqlTx) ListAvailableLicenses(ctx context.Context, clubID string, now time.Time) ([]model.LicenseUnit, error) {
	const q = `SELECT ` + licenseColumns + ` FROM club_licenses
		WHERE club_id = ? AND state = 'available' AND expires_at > ? ORDER BY license_number`
	rows, err := t.tx.QueryContext(ctx, q, clubID, now.UTC())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var units []model.LicenseUnit
	for rows.Next() {
		u, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, *u)
	}
	return units, classify(rows.Err())
}

// CountLicensesByState groups a club's units by state.  Available units
// past their validity are not counted as available.
func (t *mysqlTx) CountLicensesByState(ctx context.Context, clubID string, now time.Time) (model.LicenseCounts, error) {
	const q = `SELECT
		COALESCE(SUM(state = 'available' AND expires_at > ?), 0),
		COALESCE(SUM(state = 'reserved'), 0),
		COALESCE(SUM(state = 'completed'), 0)
		FROM club_licenses WHERE club_id = ?`
	var c model.LicenseCounts
	err := t.tx.QueryRowContext(ctx, q, now.UTC(), clubID).Scan(&c.Available, &c.Reserved, &c.Completed)
	return c, classify(err)
}

// ClaimLicense flips one available unit to reserved with a single
// conditional UPDATE, so two concurrent claims for the last unit cannot
// both succeed.  It returns ErrNotFound when no unit matched.
func (t *mysqlTx) ClaimLicense(ctx context.Context, clubID, sellerID, reservationID string, now time.Time) (*model.LicenseUnit, error) {
	const q = `UPDATE club_licenses
		SET state = 'reserved', reservation_id = ?, seller_id = ?, updated_at = ?
		WHERE club_id = ? AND state = 'available' AND expires_at > ?
		ORDER BY license_number LIMIT 1`
	ok, err := affected(t.tx.ExecContext(ctx, q, reservationID, sellerID, now.UTC(), clubID, now.UTC()))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	const sel = `SELECT ` + licenseColumns + ` FROM club_licenses WHERE club_id = ? AND reservation_id = ? AND state = 'reserved'`
	return scanLicense(t.tx.QueryRowContext(ctx, sel, clubID, reservationID))
}

// CompleteLicense flips a unit reserved under reservationID to completed.
func (t *mysqlTx) CompleteLicense(ctx context.Context, clubID, licenseID, reservationID string, buyer model.Customer, saleID string, now time.Time) (bool, error) {
	b, err := jsonColumn(&buyer)
	if err != nil {
		return false, err
	}
	const q = `UPDATE club_licenses SET state = 'completed', buyer_info = ?, sale_id = ?, updated_at = ?
		WHERE club_id = ? AND id = ? AND state = 'reserved' AND reservation_id = ?`
	return affected(t.tx.ExecContext(ctx, q, b, saleID, now.UTC(), clubID, licenseID, reservationID))
}

// ReleaseLicense flips a reserved unit back to available and clears the
// reservation columns.  Units in any other state are left untouched.
func (t *mysqlTx) ReleaseLicense(ctx context.Context, clubID, licenseID string, now time.Time) (bool, error) {
	const q = `UPDATE club_licenses SET state = 'available', reservation_id = NULL, seller_id = NULL, updated_at = ?
		WHERE club_id = ? AND id = ? AND state = 'reserved'`
	return affected(t.tx.ExecContext(ctx, q, now.UTC(), clubID, licenseID))
}
