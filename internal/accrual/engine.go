// Package accrual charges clubs their monthly package debt and credits
// agents their commission, once per billing month.
package accrual

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/catalog"
	"github.com/iliyamo/club-license-service/internal/metrics"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/repository"
	"github.com/iliyamo/club-license-service/internal/traces"
)

// Engine runs debt accrual.
type Engine struct {
	store   repository.Store
	catalog *catalog.Catalog
	loc     *time.Location
	log     logrus.FieldLogger
	now     func() time.Time
}

// New constructs an Engine.  loc is the billing timezone in which months
// and days of month are evaluated.
func New(store repository.Store, cat *catalog.Catalog, loc *time.Location, log logrus.FieldLogger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{store: store, catalog: cat, loc: loc, log: log, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ClubResult is the outcome of accruing one club.
type ClubResult struct {
	ClubID             string `json:"club_id"`
	Success            bool   `json:"success"`
	PaymentsDue        int    `json:"payments_due"`
	Amount             int64  `json:"amount"`
	CommissionsCreated int    `json:"commissions_created"`
	Error              string `json:"error,omitempty"`
}

// Summary aggregates a ProcessAllClubs run.
type Summary struct {
	ClubsProcessed int          `json:"clubs_processed"`
	ClubsFailed    int          `json:"clubs_failed"`
	TotalPayments  int          `json:"total_payments"`
	TotalAmount    int64        `json:"total_amount"`
	Results        []ClubResult `json:"results"`
}

// ProcessClubMonthlyDebt charges every outstanding month for one club.  For
// each month not yet in the sub-ledger it appends a monthly_debt transaction
// and, when the club has an agent, creates that month's commission unless
// it already exists.  The total is added to the club's debt and
// lastDebtChargedAt moves to now with a compare-and-set on its previous
// value, all in one transaction.
func (e *Engine) ProcessClubMonthlyDebt(ctx context.Context, clubID string) (res ClubResult, err error) {
	ctx, span := traces.StartSpan(ctx, "accrual.process_club", traces.ClubID(clubID))
	defer func() { traces.End(span, err) }()

	res = ClubResult{ClubID: clubID}
	err = repository.RetryConflicts(ctx, e.store, func(ctx context.Context, tx repository.Tx) error {
		res = ClubResult{ClubID: clubID}
		club, err := tx.GetClub(ctx, clubID)
		if errors.Is(err, repository.ErrNotFound) {
			return model.ErrClubOrSellerNotFound
		}
		if err != nil {
			return err
		}
		if !club.HasActivePackage() {
			return nil
		}
		pkg, err := e.catalog.Get(*club.PackageID)
		if err != nil {
			return err
		}

		now := e.now().UTC()
		if err := tx.EnsureFinance(ctx, clubID, now); err != nil {
			return err
		}
		fin, err := tx.LockFinance(ctx, clubID)
		if err != nil {
			return err
		}
		n := PaymentsDue(*club.ActivationDate, fin.LastDebtChargedAt, now, e.loc)
		if n == 0 {
			return nil
		}

		already := 0
		if fin.LastDebtChargedAt != nil {
			already = dueCount(*club.ActivationDate, *fin.LastDebtChargedAt, e.loc)
		}
		first := model.PeriodOf(*club.ActivationDate, e.loc).Add(already)
		monthly := pkg.MonthlyDebt()
		charged := 0
		for i := 0; i < n; i++ {
			period := first.Add(i)
			// a re-activated package restarts the count in a month that
			// may already be billed
			billed, err := tx.HasTransaction(ctx, clubID, model.TxMonthlyDebt, period.String())
			if err != nil {
				return fmt.Errorf("debt transaction %s: %w", period, err)
			}
			if billed {
				continue
			}
			charged++
			if err := tx.InsertTransaction(ctx, &model.Transaction{
				ID:          uuid.NewString(),
				ClubID:      clubID,
				Type:        model.TxMonthlyDebt,
				Amount:      monthly,
				ReferenceID: period.String(),
				CreatedAt:   now,
			}); err != nil {
				return fmt.Errorf("debt transaction %s: %w", period, err)
			}
			if club.AgentID == nil || pkg.AgentCommission() <= 0 {
				continue
			}
			created, err := tx.InsertCommissionIfAbsent(ctx, &model.Commission{
				ID:        uuid.NewString(),
				AgentID:   *club.AgentID,
				ClubID:    clubID,
				Amount:    pkg.AgentCommission(),
				Period:    period,
				Status:    model.CommissionEarned,
				DueDate:   period.Add(1).Start(e.loc).UTC(),
				CreatedAt: now,
			})
			if err != nil {
				return fmt.Errorf("commission %s: %w", period, err)
			}
			if created {
				res.CommissionsCreated++
			}
		}

		total := int64(charged) * monthly
		ok, err := tx.AddDebt(ctx, clubID, total, fin.LastDebtChargedAt, now)
		if err != nil {
			return err
		}
		if !ok {
			return model.ErrPersistenceConflict
		}
		res.PaymentsDue = charged
		res.Amount = total
		return nil
	})
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Success = true
	if res.PaymentsDue > 0 {
		metrics.DebtChargedTotal.Add(float64(res.Amount))
		metrics.CommissionsCreatedTotal.Add(float64(res.CommissionsCreated))
		e.log.WithFields(logrus.Fields{
			"club_id":     clubID,
			"payments":    res.PaymentsDue,
			"amount":      res.Amount,
			"commissions": res.CommissionsCreated,
		}).Info("monthly debt charged")
	}
	return res, nil
}

// ProcessAllClubs accrues every club with an active package.  A failing
// club is recorded in the results and does not stop the others.
func (e *Engine) ProcessAllClubs(ctx context.Context) (*Summary, error) {
	var clubs []model.Club
	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		clubs, err = tx.ListBillableClubs(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list billable clubs: %w", err)
	}

	sum := &Summary{Results: make([]ClubResult, 0, len(clubs))}
	for _, c := range clubs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		res, err := e.ProcessClubMonthlyDebt(ctx, c.ID)
		if err != nil {
			e.log.WithError(err).WithField("club_id", c.ID).Error("debt accrual failed")
			sum.ClubsFailed++
		} else {
			sum.ClubsProcessed++
			sum.TotalPayments += res.PaymentsDue
			sum.TotalAmount += res.Amount
		}
		sum.Results = append(sum.Results, res)
	}
	return sum, nil
}

// Commissions lists an agent's commissions, newest period first.
func (e *Engine) Commissions(ctx context.Context, agentID string) ([]model.Commission, error) {
	var out []model.Commission
	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.ListCommissionsByAgent(ctx, agentID)
		return err
	})
	if out == nil {
		out = []model.Commission{}
	}
	return out, err
}

// ClubCommissions lists the commissions a club's debt generated, newest
// period first.
func (e *Engine) ClubCommissions(ctx context.Context, clubID string) ([]model.Commission, error) {
	out := []model.Commission{}
	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetClub(ctx, clubID); err != nil {
			return err
		}
		list, err := tx.ListCommissionsByClub(ctx, clubID)
		if list != nil {
			out = list
		}
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.ErrClubOrSellerNotFound
	}
	return out, err
}

// MarkCommissionPaid records an agent payout.  Paying twice is a no-op.
func (e *Engine) MarkCommissionPaid(ctx context.Context, id string) (*model.Commission, error) {
	var c *model.Commission
	err := e.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ok, err := tx.MarkCommissionPaid(ctx, id, e.now().UTC())
		if err != nil {
			return err
		}
		c, err = tx.GetCommission(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return model.ErrCommissionNotFound
		}
		if err != nil {
			return err
		}
		if !ok && c.Status != model.CommissionPaid {
			return fmt.Errorf("pay %s commission: %w", c.Status, model.ErrInvalidStateTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
