package model

import "time"

// ReservationStatus is the state of a reservation.  Every status except
// reserved is terminal.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// DefaultReservationTTL is how long a reservation holds its license unit.
const DefaultReservationTTL = 15 * time.Minute

// Reservation is a time-boxed claim on exactly one license unit during
// a point-of-sale checkout.  While Status is reserved the referenced unit
// is reserved under the same ID.
//
// Fields:
//
//	ID               – reservation id, also used as the external order reference.
//	LicenseID        – the claimed unit.
//	SellerID         – seller running the checkout.
//	ClubID           – club owning the unit.
//	Price            – sale price in minor units.
//	Status           – reserved, completed, cancelled or expired.
//	Customer         – buyer captured when the sale was started.
//	AgreementID      – payment agreement at the wallet provider (nullable until created).
//	AgreementURL     – landing page the buyer is sent to.
//	SaleID           – sale created on completion.
//	ExpiresAt        – CreatedAt plus the reservation TTL.
type Reservation struct {
	ID           string            `json:"id"`
	LicenseID    string            `json:"license_id"`
	SellerID     string            `json:"seller_id"`
	ClubID       string            `json:"club_id"`
	Price        int64             `json:"price"`
	Status       ReservationStatus `json:"status"`
	Customer     *Customer         `json:"customer,omitempty"`
	AgreementID  *string           `json:"agreement_id,omitempty"`
	AgreementURL string            `json:"agreement_url,omitempty"`
	SaleID       *string           `json:"sale_id,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// IsTerminal reports whether no further transitions are allowed.
func (r *Reservation) IsTerminal() bool {
	return r.Status != ReservationReserved
}

// Overdue reports whether an active reservation has passed its TTL.
func (r *Reservation) Overdue(now time.Time) bool {
	return r.Status == ReservationReserved && !now.Before(r.ExpiresAt)
}
