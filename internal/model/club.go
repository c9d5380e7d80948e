package model

import "time"

// PackageStatus tracks the club's package subscription at the card
// billing provider.
type PackageStatus string

const (
	PackageNone      PackageStatus = "none"
	PackageActive    PackageStatus = "active"
	PackagePastDue   PackageStatus = "past_due"
	PackageCancelled PackageStatus = "cancelled"
)

// Club is a tenant selling licenses through its sellers.
//
// Fields:
//
//	ID              – primary key identifier.
//	Name            – display name, also sent to the wallet provider.
//	AgentID         – agent credited with commission (nullable).
//	PackageID       – active package (nullable until activation).
//	PackageStatus   – subscription state of the package.
//	ActivationDate  – when the package was activated; anchors debt accrual.
//	SubscriptionRef – subscription id at the card billing provider.
//	SalePrice       – price per license in minor units; 0 means package retail price.
type Club struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	AgentID         *string       `json:"agent_id,omitempty"`
	PackageID       *string       `json:"package_id,omitempty"`
	PackageStatus   PackageStatus `json:"package_status"`
	ActivationDate  *time.Time    `json:"activation_date,omitempty"`
	SubscriptionRef *string       `json:"subscription_ref,omitempty"`
	SalePrice       int64         `json:"sale_price"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// HasActivePackage reports whether the club is billed monthly.
func (c *Club) HasActivePackage() bool {
	return c.PackageID != nil && c.ActivationDate != nil &&
		(c.PackageStatus == PackageActive || c.PackageStatus == PackagePastDue)
}

// Seller sells licenses on behalf of one club.
type Seller struct {
	ID     string `json:"id"`
	ClubID string `json:"club_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
	Active bool   `json:"active"`
}

// Package is a pricing and quota tier a club buys.
//
// Fields:
//
//	LicenseCount       – units provisioned on activation.
//	DebtPerLicense     – platform share per license, charged monthly and subtracted from profit.
//	RetailPrice        – default sale price per license.
//	ValidityMonths     – validity of a sold license.
//	AgentCommissionBps – agent share of the monthly debt in basis points.
//	StripePriceID      – recurring price at the card billing provider.
type Package struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	LicenseCount       int    `json:"license_count"`
	DebtPerLicense     int64  `json:"debt_per_license"`
	RetailPrice        int64  `json:"retail_price"`
	ValidityMonths     int    `json:"validity_months"`
	AgentCommissionBps int64  `json:"agent_commission_bps"`
	StripePriceID      string `json:"stripe_price_id,omitempty"`
}

// MonthlyDebt is the amount charged to a club for one month of the package.
func (p Package) MonthlyDebt() int64 {
	return int64(p.LicenseCount) * p.DebtPerLicense
}

// AgentCommission is the agent's share of one month of debt.
func (p Package) AgentCommission() int64 {
	return p.MonthlyDebt() * p.AgentCommissionBps / 10000
}

// ProcessedEvent records a webhook event that was fully applied.
type ProcessedEvent struct {
	Provider    string    `json:"provider"`
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`
}
