package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/club-license-service/internal/model"
)

const reservationColumns = `id, license_id, seller_id, club_id, price, status, customer,
	agreement_id, agreement_url, sale_id, expires_at, created_at, updated_at`

func scanReservation(row rowScanner) (*model.Reservation, error) {
	var (
		r                   model.Reservation
		status              string
		customer            []byte
		agreementID, saleID sql.NullString
	)
	if err := row.Scan(&r.ID, &r.LicenseID, &r.SellerID, &r.ClubID, &r.Price, &status, &customer,
		&agreementID, &r.AgreementURL, &saleID, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	r.Status = model.ReservationStatus(status)
	r.AgreementID = stringPtr(agreementID)
	r.SaleID = stringPtr(saleID)
	c, err := customerFromColumn(customer)
	if err != nil {
		return nil, err
	}
	r.Customer = c
	return &r, nil
}

// InsertReservation writes a new reservation row.
func (t *mysqlTx) InsertReservation(ctx context.Context, r *model.Reservation) error {
	c, err := jsonColumn(r.Customer)
	if err != nil {
		return err
	}
	const q = `INSERT INTO license_reservations (` + reservationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = t.tx.ExecContext(ctx, q, r.ID, r.LicenseID, r.SellerID, r.ClubID, r.Price, string(r.Status), c,
		nullString(r.AgreementID), r.AgreementURL, nullString(r.SaleID), r.ExpiresAt.UTC(),
		r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	return classify(err)
}

// GetReservation reads a reservation without locking it.
func (t *mysqlTx) GetReservation(ctx context.Context, id string) (*model.Reservation, error) {
	const q = `SELECT ` + reservationColumns + ` FROM license_reservations WHERE id = ?`
	return scanReservation(t.tx.QueryRowContext(ctx, q, id))
}

// LockReservation reads a reservation with SELECT ... FOR UPDATE so the
// caller's transaction owns the row until commit.
func (t *mysqlTx) LockReservation(ctx context.Context, id string) (*model.Reservation, error) {
	const q = `SELECT ` + reservationColumns + ` FROM license_reservations WHERE id = ? FOR UPDATE`
	return scanReservation(t.tx.QueryRowContext(ctx, q, id))
}

// GetReservationByAgreement resolves a wallet agreement back to its reservation.
func (t *mysqlTx) GetReservationByAgreement(ctx context.Context, agreementID string) (*model.Reservation, error) {
	const q = `SELECT ` + reservationColumns + ` FROM license_reservations WHERE agreement_id = ?`
	return scanReservation(t.tx.QueryRowContext(ctx, q, agreementID))
}

// TransitionReservation moves a reservation from one status to another
// only if it is still in the expected status.  saleID is recorded when
// non-nil.
func (t *mysqlTx) TransitionReservation(ctx context.Context, id string, from, to model.ReservationStatus, saleID *string, now time.Time) (bool, error) {
	const q = `UPDATE license_reservations SET status = ?, sale_id = COALESCE(?, sale_id), updated_at = ?
		WHERE id = ? AND status = ?`
	return affected(t.tx.ExecContext(ctx, q, string(to), nullString(saleID), now.UTC(), id, string(from)))
}

// SetReservationAgreement attaches the wallet agreement created for a
// reservation.
func (t *mysqlTx) SetReservationAgreement(ctx context.Context, id, agreementID, url string, now time.Time) error {
	const q = `UPDATE license_reservations SET agreement_id = ?, agreement_url = ?, updated_at = ? WHERE id = ?`
	ok, err := affected(t.tx.ExecContext(ctx, q, agreementID, url, now.UTC(), id))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ListOverdueReservations returns active reservations whose TTL passed,
// oldest first.
func (t *mysqlTx) ListOverdueReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	const q = `SELECT ` + reservationColumns + ` FROM license_reservations
		WHERE status = 'reserved' AND expires_at <= ? ORDER BY expires_at LIMIT ?`
	rows, err := t.tx.QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, classify(rows.Err())
}
