package repository

import (
	"context"
	"time"

	"github.com/iliyamo/club-license-service/internal/model"
)

// Store runs units of work.  Every mutation the core performs goes through
// InTx so that multi-document changes are applied all-or-nothing.  If fn
// returns an error the transaction is rolled back and the error returned.
// Transaction conflicts surface as model.ErrPersistenceConflict.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of primitive operations available inside a unit of work.
// Conditional transitions (Claim*, Complete*, Release*, Transition*) are
// compare-and-set operations: they report false (or ErrNotFound for
// ClaimLicense) when the row was not in the expected state, and never
// overwrite a concurrent change.
type Tx interface {
	ClubTx
	LicenseTx
	ReservationTx
	SaleTx
	FinanceTx
	CommissionTx
	ChargeTx
	EventTx
}

// ClubTx covers clubs and sellers.
type ClubTx interface {
	CreateClub(ctx context.Context, c *model.Club) error
	GetClub(ctx context.Context, id string) (*model.Club, error)
	GetClubBySubscription(ctx context.Context, ref string) (*model.Club, error)
	UpdateClubPackage(ctx context.Context, c *model.Club) error
	ListBillableClubs(ctx context.Context) ([]model.Club, error)
	CreateSeller(ctx context.Context, s *model.Seller) error
	GetSeller(ctx context.Context, id string) (*model.Seller, error)
}

// LicenseTx covers the club_licenses collection.
type LicenseTx interface {
	InsertLicenses(ctx context.Context, units []model.LicenseUnit) error
	CountLicenses(ctx context.Context, clubID string) (int, error)
	GetLicense(ctx context.Context, clubID, licenseID string) (*model.LicenseUnit, error)
	ListAvailableLicenses(ctx context.Context, clubID string, now time.Time) ([]model.LicenseUnit, error)
	CountLicensesByState(ctx context.Context, clubID string, now time.Time) (model.LicenseCounts, error)
	ClaimLicense(ctx context.Context, clubID, sellerID, reservationID string, now time.Time) (*model.LicenseUnit, error)
	CompleteLicense(ctx context.Context, clubID, licenseID, reservationID string, buyer model.Customer, saleID string, now time.Time) (bool, error)
	ReleaseLicense(ctx context.Context, clubID, licenseID string, now time.Time) (bool, error)
}

// ReservationTx covers license_reservations.
type ReservationTx interface {
	InsertReservation(ctx context.Context, r *model.Reservation) error
	GetReservation(ctx context.Context, id string) (*model.Reservation, error)
	LockReservation(ctx context.Context, id string) (*model.Reservation, error)
	GetReservationByAgreement(ctx context.Context, agreementID string) (*model.Reservation, error)
	TransitionReservation(ctx context.Context, id string, from, to model.ReservationStatus, saleID *string, now time.Time) (bool, error)
	SetReservationAgreement(ctx context.Context, id, agreementID, url string, now time.Time) error
	ListOverdueReservations(ctx context.Context, now time.Time, limit int) ([]model.Reservation, error)
}

// SaleTx covers license_sales.
type SaleTx interface {
	InsertSale(ctx context.Context, s *model.Sale) error
	GetSale(ctx context.Context, id string) (*model.Sale, error)
	GetSaleByAgreement(ctx context.Context, agreementRef string) (*model.Sale, error)
	ListSalesByClub(ctx context.Context, clubID string) ([]model.Sale, error)
	SetSaleStatus(ctx context.Context, id string, from, to model.SaleStatus) (bool, error)
	ExpireSales(ctx context.Context, now time.Time) (int64, error)
	ListChargeableSales(ctx context.Context, now time.Time, limit int) ([]model.Sale, error)
}

// FinanceTx covers club_finances and its transactions sub-ledger.  Amount
// changes are applied as increments in storage, never as read-modify-write.
type FinanceTx interface {
	EnsureFinance(ctx context.Context, clubID string, now time.Time) error
	GetFinance(ctx context.Context, clubID string) (*model.ClubFinance, error)
	LockFinance(ctx context.Context, clubID string) (*model.ClubFinance, error)
	AddIncome(ctx context.Context, clubID string, amount int64, licenses int, now time.Time) error
	AddDebt(ctx context.Context, clubID string, amount int64, prevCharged *time.Time, chargedAt time.Time) (bool, error)
	InsertTransaction(ctx context.Context, t *model.Transaction) error
	HasTransaction(ctx context.Context, clubID string, typ model.TransactionType, referenceID string) (bool, error)
	ListTransactions(ctx context.Context, clubID string, limit int) ([]model.Transaction, error)
}

// CommissionTx covers agent commissions.
type CommissionTx interface {
	InsertCommissionIfAbsent(ctx context.Context, c *model.Commission) (bool, error)
	GetCommission(ctx context.Context, id string) (*model.Commission, error)
	ListCommissionsByAgent(ctx context.Context, agentID string) ([]model.Commission, error)
	ListCommissionsByClub(ctx context.Context, clubID string) ([]model.Commission, error)
	MarkCommissionPaid(ctx context.Context, id string, now time.Time) (bool, error)
}

// ChargeTx records the monthly charges of wallet agreements.  A charge is
// claimed before the provider is called and released if the call fails.
type ChargeTx interface {
	ClaimAgreementCharge(ctx context.Context, c *model.AgreementCharge) (bool, error)
	SetAgreementChargeID(ctx context.Context, saleID string, period model.Period, chargeID string) error
	ReleaseAgreementCharge(ctx context.Context, saleID string, period model.Period) error
}

// EventTx records webhook events that were fully applied.
type EventTx interface {
	IsEventProcessed(ctx context.Context, provider, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, provider, eventID string, now time.Time) (bool, error)
}
