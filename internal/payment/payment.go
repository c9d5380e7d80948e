// Package payment holds the provider-neutral contracts the core uses to
// talk to payment providers.
package payment

import "context"

// AgreementStatus is the lifecycle state of a recurring agreement at the
// mobile-wallet provider.
type AgreementStatus string

const (
	AgreementPending AgreementStatus = "PENDING"
	AgreementActive  AgreementStatus = "ACTIVE"
	AgreementStopped AgreementStatus = "STOPPED"
	AgreementExpired AgreementStatus = "EXPIRED"
)

// AgreementRequest describes the agreement created for one reservation.
// Reference is the reservation id and is echoed back by the provider.
type AgreementRequest struct {
	Reference string
	ClubName  string
	Price     int64 // minor units per month
	Phone     string
	ReturnURL string
}

// Agreement is a recurring payment agreement.
type Agreement struct {
	ID             string          `json:"agreement_id"`
	LandingPageURL string          `json:"landing_page_url,omitempty"`
	Status         AgreementStatus `json:"status"`
}

// ChargeResult is the outcome of charging an agreement.
type ChargeResult struct {
	ChargeID string `json:"charge_id"`
	Status   string `json:"status"`
}

// Agreements is the mobile-wallet recurring agreement provider.
type Agreements interface {
	CreateAgreement(ctx context.Context, req AgreementRequest) (*Agreement, error)
	GetAgreement(ctx context.Context, agreementID string) (*Agreement, error)
	CancelAgreement(ctx context.Context, agreementID string) error
	ChargeAgreement(ctx context.Context, agreementID string, amount int64, description string) (*ChargeResult, error)
}

// Checkout is the card billing provider used by clubs to buy a package.
type Checkout interface {
	CreateCheckoutSession(ctx context.Context, packageID, clubID, returnURL string) (string, error)
}
