package model

import "time"

// LicenseState is the lifecycle state of a single license unit.
type LicenseState string

const (
	LicenseAvailable LicenseState = "available"
	LicenseReserved  LicenseState = "reserved"
	LicenseCompleted LicenseState = "completed"
)

// LicenseUnit is one sellable license belonging to a club.  Units are
// created in bulk when a club's package is activated and afterwards only
// change state; they are never deleted.
//
// Exactly one of these holds at any time:
//
//	available – ReservationID, SellerID, BuyerInfo and SaleID are empty
//	reserved  – ReservationID and SellerID are set
//	completed – BuyerInfo and SaleID are set
//
// Fields:
//
//	ID            – primary key identifier.
//	ClubID        – owning club.
//	PackageID     – package the unit was provisioned from.
//	LicenseNumber – human readable number, e.g. "FKB-0042".
//	State         – available, reserved or completed.
//	ReservationID – reservation holding the unit while reserved.
//	SellerID      – seller that reserved or sold the unit.
//	BuyerInfo     – buyer attached on completion.
//	SaleID        – sale created on completion.
//	ExpiresAt     – validity of the underlying subscription, not the reservation.
type LicenseUnit struct {
	ID            string       `json:"id"`             // club_licenses.id
	ClubID        string       `json:"club_id"`        // club_licenses.club_id
	PackageID     string       `json:"package_id"`     // club_licenses.package_id
	LicenseNumber string       `json:"license_number"` // club_licenses.license_number
	State         LicenseState `json:"state"`          // club_licenses.state
	ReservationID *string      `json:"reservation_id,omitempty"`
	SellerID      *string      `json:"seller_id,omitempty"`
	BuyerInfo     *Customer    `json:"buyer_info,omitempty"`
	SaleID        *string      `json:"sale_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Consistent reports whether the unit's attributes match its state.
func (l *LicenseUnit) Consistent() bool {
	switch l.State {
	case LicenseAvailable:
		return l.ReservationID == nil && l.SellerID == nil && l.BuyerInfo == nil && l.SaleID == nil
	case LicenseReserved:
		return l.ReservationID != nil && l.SellerID != nil && l.BuyerInfo == nil && l.SaleID == nil
	case LicenseCompleted:
		return l.BuyerInfo != nil && l.SaleID != nil
	}
	return false
}

// LicenseCounts summarises a club's pool by state.
type LicenseCounts struct {
	Available int `json:"available"`
	Reserved  int `json:"reserved"`
	Completed int `json:"completed"`
}

// Customer is the buyer of a license as captured by the seller.
type Customer struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"required"`
}
