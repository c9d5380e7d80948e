// Package ledger records completed sales and keeps each club's financial
// summary consistent with them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/metrics"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/repository"
)

// Ledger writes sales and the income side of ClubFinance.
type Ledger struct {
	store repository.Store
	loc   *time.Location
	log   logrus.FieldLogger
	now   func() time.Time
}

// New constructs a Ledger.  loc is the billing timezone used to bucket
// calendar months.
func New(store repository.Store, loc *time.Location, log logrus.FieldLogger) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{store: store, loc: loc, log: log, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Profit is the club's share of a sale: the price minus the package's
// platform debt per license.
func Profit(salePrice int64, pkg model.Package) int64 {
	return salePrice - pkg.DebtPerLicense
}

// RecordSale writes the Sale for a reservation that is being completed and
// credits its profit to the club in the same transaction: totalIncome and
// totalLicensesSold are incremented in storage, currentBalance recomputed,
// and a license_sale transaction row appended.
func (l *Ledger) RecordSale(ctx context.Context, tx repository.Tx, res *model.Reservation, customer model.Customer, pkg model.Package) (*model.Sale, error) {
	now := l.now().UTC()
	validFor := pkg.ValidityMonths
	if validFor <= 0 {
		validFor = 12
	}
	sale := &model.Sale{
		ID:                uuid.NewString(),
		ReservationID:     res.ID,
		LicenseID:         res.LicenseID,
		SellerID:          res.SellerID,
		ClubID:            res.ClubID,
		PackageID:         pkg.ID,
		Customer:          customer,
		SalePrice:         res.Price,
		Profit:            Profit(res.Price, pkg),
		LicenseValidFrom:  now,
		LicenseValidUntil: now.AddDate(0, validFor, 0),
		Status:            model.SaleActive,
		Metadata:          map[string]string{"reservation_id": res.ID},
		CreatedAt:         now,
	}
	if res.AgreementID != nil {
		ref := *res.AgreementID
		sale.AgreementRef = &ref
	}

	if err := tx.InsertSale(ctx, sale); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("record sale for reservation %s: %w", res.ID, model.ErrInvalidStateTransition)
		}
		return nil, fmt.Errorf("record sale: %w", err)
	}
	if err := tx.EnsureFinance(ctx, res.ClubID, now); err != nil {
		return nil, fmt.Errorf("record sale: ensure finance: %w", err)
	}
	if err := tx.AddIncome(ctx, res.ClubID, sale.Profit, 1, now); err != nil {
		return nil, fmt.Errorf("record sale: add income: %w", err)
	}
	if err := tx.InsertTransaction(ctx, &model.Transaction{
		ID:          uuid.NewString(),
		ClubID:      res.ClubID,
		Type:        model.TxLicenseSale,
		Amount:      sale.Profit,
		ReferenceID: sale.ID,
		CreatedAt:   now,
	}); err != nil {
		return nil, fmt.Errorf("record sale: transaction row: %w", err)
	}
	return sale, nil
}

// ObserveSale updates metrics for a committed sale.
func ObserveSale(s *model.Sale) {
	if s.Profit > 0 {
		metrics.SaleProfitTotal.Add(float64(s.Profit))
	}
}

// ClubSalesStats aggregates the club's sales.  With a nil period every sale
// counts toward Total; otherwise only sales in that period.  CurrentMonth is
// always the number of sales in the calendar month containing now, in the
// billing timezone.
func (l *Ledger) ClubSalesStats(ctx context.Context, clubID string, period *model.Period) (*model.SalesStats, error) {
	var sales []model.Sale
	err := l.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		sales, err = tx.ListSalesByClub(ctx, clubID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sales stats: %w", err)
	}

	current := model.PeriodOf(l.now(), l.loc)
	stats := &model.SalesStats{PerSeller: []model.SellerStats{}}
	bySeller := map[string]*model.SellerStats{}
	for _, s := range sales {
		p := model.PeriodOf(s.CreatedAt, l.loc)
		if p == current {
			stats.CurrentMonth++
		}
		if period != nil && p != *period {
			continue
		}
		stats.Total++
		stats.Revenue += s.SalePrice
		stats.Profit += s.Profit
		row, ok := bySeller[s.SellerID]
		if !ok {
			row = &model.SellerStats{SellerID: s.SellerID}
			bySeller[s.SellerID] = row
		}
		row.Count++
		row.Revenue += s.SalePrice
		row.Profit += s.Profit
	}
	for _, row := range bySeller {
		stats.PerSeller = append(stats.PerSeller, *row)
	}
	sort.Slice(stats.PerSeller, func(i, j int) bool {
		a, b := stats.PerSeller[i], stats.PerSeller[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.SellerID < b.SellerID
	})
	return stats, nil
}

// CheckValidity reports whether a sale's license is usable now and how many
// whole or partial days remain.
func (l *Ledger) CheckValidity(ctx context.Context, saleID string) (model.Validity, error) {
	var sale *model.Sale
	err := l.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		sale, err = tx.GetSale(ctx, saleID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return model.Validity{}, model.ErrSaleNotFound
	}
	if err != nil {
		return model.Validity{}, fmt.Errorf("check validity: %w", err)
	}
	return validity(sale, l.now()), nil
}

func validity(s *model.Sale, now time.Time) model.Validity {
	if s.Status != model.SaleActive || now.After(s.LicenseValidUntil) {
		return model.Validity{}
	}
	left := s.LicenseValidUntil.Sub(now)
	days := int(left / (24 * time.Hour))
	if left%(24*time.Hour) > 0 {
		days++
	}
	return model.Validity{Valid: true, DaysRemaining: days}
}

// Finance returns the club's financial summary.  A club without any sale or
// charge yet has an all-zero summary.
func (l *Ledger) Finance(ctx context.Context, clubID string) (*model.ClubFinance, error) {
	var f *model.ClubFinance
	err := l.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetClub(ctx, clubID); err != nil {
			return err
		}
		var err error
		f, err = tx.GetFinance(ctx, clubID)
		if errors.Is(err, repository.ErrNotFound) {
			f, err = &model.ClubFinance{ClubID: clubID}, nil
		}
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.ErrClubOrSellerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finance: %w", err)
	}
	return f, nil
}

// Transactions lists the newest rows of the club's finance sub-ledger.
func (l *Ledger) Transactions(ctx context.Context, clubID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []model.Transaction
	err := l.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.ListTransactions(ctx, clubID, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transactions: %w", err)
	}
	if out == nil {
		out = []model.Transaction{}
	}
	return out, nil
}

// ExpireSales moves active sales past their validity to expired.
func (l *Ledger) ExpireSales(ctx context.Context) (int64, error) {
	var n int64
	err := l.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		n, err = tx.ExpireSales(ctx, l.now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("expire sales: %w", err)
	}
	if n > 0 {
		l.log.WithField("count", n).Info("sales expired")
	}
	return n, nil
}

// MarkInactive flags an active sale whose recurring payment lapsed.  Doing
// it twice is a no-op; an expired sale cannot become inactive.
func (l *Ledger) MarkInactive(ctx context.Context, tx repository.Tx, saleID string) error {
	ok, err := tx.SetSaleStatus(ctx, saleID, model.SaleActive, model.SaleInactive)
	if err != nil {
		return fmt.Errorf("mark sale inactive: %w", err)
	}
	if ok {
		l.log.WithField("sale_id", saleID).Info("sale marked inactive")
		return nil
	}
	s, err := tx.GetSale(ctx, saleID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.ErrSaleNotFound
	}
	if err != nil {
		return fmt.Errorf("mark sale inactive: %w", err)
	}
	if s.Status == model.SaleInactive {
		return nil
	}
	return fmt.Errorf("mark sale %s inactive from %s: %w", saleID, s.Status, model.ErrInvalidStateTransition)
}
