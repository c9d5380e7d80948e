package model

import "time"

// SaleStatus is the state of a completed sale.
type SaleStatus string

const (
	SaleActive  SaleStatus = "active"
	SaleExpired SaleStatus = "expired"
	// SaleInactive marks a sale whose recurring payment lapsed.
	SaleInactive SaleStatus = "inactive"
)

// Sale is the immutable record of a completed license purchase.  It is
// created exactly once per completed reservation; only Status changes
// afterwards.
type Sale struct {
	ID                string            `json:"id"`
	ReservationID     string            `json:"reservation_id"`
	LicenseID         string            `json:"license_id"`
	SellerID          string            `json:"seller_id"`
	ClubID            string            `json:"club_id"`
	PackageID         string            `json:"package_id"`
	Customer          Customer          `json:"customer_info"`
	SalePrice         int64             `json:"sale_price"`
	Profit            int64             `json:"profit"`
	LicenseValidFrom  time.Time         `json:"license_valid_from"`
	LicenseValidUntil time.Time         `json:"license_valid_until"`
	Status            SaleStatus        `json:"status"`
	AgreementRef      *string           `json:"payment_agreement_ref,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// AgreementCharge is the monthly wallet charge of one agreement-backed
// sale.  There is at most one per (SaleID, Period).  ChargeID is empty
// until the provider accepted the charge.
type AgreementCharge struct {
	SaleID      string    `json:"sale_id"`
	Period      Period    `json:"period"`
	AgreementID string    `json:"agreement_id"`
	Amount      int64     `json:"amount"`
	ChargeID    string    `json:"charge_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validity is the answer to "is this sale's license still usable".
type Validity struct {
	Valid         bool `json:"valid"`
	DaysRemaining int  `json:"days_remaining"`
}

// SellerStats is one row of the per-seller breakdown in SalesStats.
type SellerStats struct {
	SellerID string `json:"seller_id"`
	Count    int    `json:"count"`
	Revenue  int64  `json:"revenue"`
	Profit   int64  `json:"profit"`
}

// SalesStats aggregates a club's sales.
type SalesStats struct {
	Total        int           `json:"total"`
	CurrentMonth int           `json:"current_month"`
	Revenue      int64         `json:"revenue"`
	Profit       int64         `json:"profit"`
	PerSeller    []SellerStats `json:"per_seller"`
}
