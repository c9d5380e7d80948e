package model

import "time"

// TransactionType classifies a row in a club's finance sub-ledger.
type TransactionType string

const (
	TxLicenseSale TransactionType = "license_sale"
	TxMonthlyDebt TransactionType = "monthly_debt"
)

// ClubFinance is the running financial summary of a club.  CurrentBalance
// always equals TotalIncome - TotalDebt.
type ClubFinance struct {
	ClubID            string     `json:"club_id"`
	TotalIncome       int64      `json:"total_income"`
	TotalDebt         int64      `json:"total_debt"`
	CurrentBalance    int64      `json:"current_balance"`
	TotalLicensesSold int        `json:"total_licenses_sold"`
	LastDebtChargedAt *time.Time `json:"last_debt_charged_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Transaction is an append-only audit row of a finance mutation.
// ReferenceID is the sale id for license sales and the billing period
// ("2025-03") for monthly debt.
type Transaction struct {
	ID          string          `json:"id"`
	ClubID      string          `json:"club_id"`
	Type        TransactionType `json:"type"`
	Amount      int64           `json:"amount"`
	ReferenceID string          `json:"reference_id"`
	CreatedAt   time.Time       `json:"created_at"`
}
