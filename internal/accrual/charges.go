package accrual

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/metrics"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/payment"
	"github.com/iliyamo/club-license-service/internal/repository"
	"github.com/iliyamo/club-license-service/internal/traces"
)

const chargeBatch = 500

// Charger bills the monthly wallet agreement behind every active sale.
// Months are counted from the license's valid-from date the same way club
// debt is counted from activation.  Only the current month is charged; a
// month missed while the job was down is not billed afterwards.
type Charger struct {
	store      repository.Store
	agreements payment.Agreements
	loc        *time.Location
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewCharger wires a Charger.  loc is the billing timezone.
func NewCharger(store repository.Store, agreements payment.Agreements, loc *time.Location, log logrus.FieldLogger) *Charger {
	if loc == nil {
		loc = time.UTC
	}
	return &Charger{store: store, agreements: agreements, loc: loc, log: log, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (c *Charger) WithClock(now func() time.Time) *Charger {
	c.now = now
	return c
}

// ChargeSummary aggregates a ChargeDue run.
type ChargeSummary struct {
	Charged int   `json:"charged"`
	Skipped int   `json:"skipped"`
	Failed  int   `json:"failed"`
	Amount  int64 `json:"amount"`
}

// ChargeDue requests this month's charge for every chargeable sale that
// has none yet.  A provider failure is counted and retried on the next
// run; it does not stop the others.
func (c *Charger) ChargeDue(ctx context.Context) (sum *ChargeSummary, err error) {
	ctx, span := traces.StartSpan(ctx, "accrual.charge_agreements")
	defer func() { traces.End(span, err) }()

	now := c.now().UTC()
	var sales []model.Sale
	err = c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		sales, err = tx.ListChargeableSales(ctx, now, chargeBatch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list chargeable sales: %w", err)
	}

	sum = &ChargeSummary{}
	for _, s := range sales {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		charged, err := c.chargeSale(ctx, s, now)
		switch {
		case err != nil:
			sum.Failed++
			metrics.AgreementChargesTotal.WithLabelValues("failed").Inc()
			c.log.WithError(err).WithFields(logrus.Fields{"sale_id": s.ID, "agreement_id": *s.AgreementRef}).Error("agreement charge failed")
		case charged:
			sum.Charged++
			sum.Amount += s.SalePrice
			metrics.AgreementChargesTotal.WithLabelValues("requested").Inc()
		default:
			sum.Skipped++
		}
	}
	return sum, nil
}

// chargeSale claims the current period, calls the provider and stores the
// charge id.  It reports false when the period was already claimed.
func (c *Charger) chargeSale(ctx context.Context, s model.Sale, now time.Time) (bool, error) {
	n := dueCount(s.LicenseValidFrom, now, c.loc)
	if n == 0 {
		return false, nil
	}
	period := model.PeriodOf(s.LicenseValidFrom, c.loc).Add(n - 1)
	charge := &model.AgreementCharge{
		SaleID:      s.ID,
		Period:      period,
		AgreementID: *s.AgreementRef,
		Amount:      s.SalePrice,
		CreatedAt:   now,
	}
	var claimed bool
	err := c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		claimed, err = tx.ClaimAgreementCharge(ctx, charge)
		return err
	})
	if err != nil || !claimed {
		return false, err
	}

	res, err := c.agreements.ChargeAgreement(ctx, charge.AgreementID, charge.Amount, "Lisens "+period.String())
	if err != nil {
		if rerr := c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.ReleaseAgreementCharge(ctx, s.ID, period)
		}); rerr != nil {
			c.log.WithError(rerr).WithField("sale_id", s.ID).Warn("agreement charge claim not released")
		}
		return false, err
	}
	err = c.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.SetAgreementChargeID(ctx, s.ID, period, res.ChargeID)
	})
	if err != nil {
		return false, fmt.Errorf("record charge %s: %w", res.ChargeID, err)
	}
	c.log.WithFields(logrus.Fields{
		"sale_id":   s.ID,
		"period":    period.String(),
		"charge_id": res.ChargeID,
		"amount":    s.SalePrice,
	}).Info("agreement charge requested")
	return true, nil
}
