// Package reservation orchestrates the reserve, complete, cancel and expire
// lifecycle of license reservations.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/catalog"
	"github.com/iliyamo/club-license-service/internal/ledger"
	"github.com/iliyamo/club-license-service/internal/license"
	"github.com/iliyamo/club-license-service/internal/metrics"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/notify"
	"github.com/iliyamo/club-license-service/internal/payment"
	"github.com/iliyamo/club-license-service/internal/repository"
	"github.com/iliyamo/club-license-service/internal/traces"
)

const sweepBatch = 100

// Manager drives reservations.  Every state change of a reservation and
// its license unit happens in one transaction.
type Manager struct {
	store      repository.Store
	pool       *license.Pool
	ledger     *ledger.Ledger
	catalog    *catalog.Catalog
	agreements payment.Agreements
	notifier   notify.Sender
	log        logrus.FieldLogger

	ttl       time.Duration
	returnURL string
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithAgreements makes StartSale create a recurring agreement for every
// reservation.  Without it reservations are completed manually.
func WithAgreements(a payment.Agreements) Option { return func(m *Manager) { m.agreements = a } }

// WithNotifier sets where sale notifications go.
func WithNotifier(s notify.Sender) Option { return func(m *Manager) { m.notifier = s } }

// WithTTL overrides model.DefaultReservationTTL.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithReturnURL sets the base URL the buyer returns to after approving an
// agreement.
func WithReturnURL(u string) Option { return func(m *Manager) { m.returnURL = u } }

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager wires a Manager.
func NewManager(store repository.Store, pool *license.Pool, l *ledger.Ledger, cat *catalog.Catalog, log logrus.FieldLogger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		pool:     pool,
		ledger:   l,
		catalog:  cat,
		notifier: notify.Discard{},
		log:      log,
		ttl:      model.DefaultReservationTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StartSaleRequest starts a point-of-sale checkout.
type StartSaleRequest struct {
	SellerID string
	ClubID   string
	Customer *model.Customer
}

// StartSale reserves one license for the seller's club.  When an agreement
// provider is configured the agreement is created after the reservation
// commits; if that fails the reservation is cancelled and the provider
// error returned.
func (m *Manager) StartSale(ctx context.Context, req StartSaleRequest) (res *model.Reservation, err error) {
	ctx, span := traces.StartSpan(ctx, "reservation.start_sale", traces.ClubID(req.ClubID), traces.SellerID(req.SellerID))
	defer func() { traces.End(span, err) }()

	if req.Customer == nil || req.Customer.Name == "" || req.Customer.Phone == "" {
		return nil, model.ErrCustomerRequired
	}

	var club *model.Club
	err = m.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		club, err = tx.GetClub(ctx, req.ClubID)
		if errors.Is(err, repository.ErrNotFound) {
			return model.ErrClubOrSellerNotFound
		}
		if err != nil {
			return err
		}
		seller, err := tx.GetSeller(ctx, req.SellerID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && (seller.ClubID != req.ClubID || !seller.Active)) {
			return model.ErrClubOrSellerNotFound
		}
		if err != nil {
			return err
		}

		now := m.now().UTC()
		id := uuid.NewString()
		unit, err := m.pool.Reserve(ctx, tx, req.ClubID, req.SellerID, id)
		if err != nil {
			return err
		}
		price := club.SalePrice
		if price <= 0 {
			pkg, err := m.catalog.Get(unit.PackageID)
			if err != nil {
				return err
			}
			price = pkg.RetailPrice
		}
		customer := *req.Customer
		res = &model.Reservation{
			ID:        id,
			LicenseID: unit.ID,
			SellerID:  req.SellerID,
			ClubID:    req.ClubID,
			Price:     price,
			Status:    model.ReservationReserved,
			Customer:  &customer,
			ExpiresAt: now.Add(m.ttl),
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.InsertReservation(ctx, res)
	})
	if errors.Is(err, model.ErrNoLicenseAvailable) {
		metrics.ReservationsTotal.WithLabelValues("no_license").Inc()
	}
	if err != nil {
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues("started").Inc()
	log := m.log.WithFields(logrus.Fields{"reservation_id": res.ID, "club_id": res.ClubID, "seller_id": res.SellerID})
	log.Info("license reserved")

	if m.agreements == nil {
		return res, nil
	}
	agr, err := m.agreements.CreateAgreement(ctx, payment.AgreementRequest{
		Reference: res.ID,
		ClubName:  club.Name,
		Price:     res.Price,
		Phone:     res.Customer.Phone,
		ReturnURL: m.returnURL + "/sales/reservations/" + res.ID,
	})
	if err != nil {
		log.WithError(err).Warn("agreement creation failed, cancelling reservation")
		if cerr := m.cancel(ctx, res.ID, false); cerr != nil {
			log.WithError(cerr).Error("cancel after failed agreement")
		}
		if !errors.Is(err, model.ErrExternalProvider) {
			err = &model.ProviderError{Provider: "agreements", Op: "create agreement", Err: err}
		}
		return nil, err
	}
	err = m.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.SetReservationAgreement(ctx, res.ID, agr.ID, agr.LandingPageURL, m.now().UTC())
	})
	if err != nil {
		// the agreement exists but nothing points at it
		m.bestEffortCancelAgreement(ctx, agr.ID, log)
		if cerr := m.cancel(ctx, res.ID, false); cerr != nil {
			log.WithError(cerr).Error("cancel after failed agreement link")
		}
		return nil, fmt.Errorf("link agreement: %w", err)
	}
	res.AgreementID = &agr.ID
	res.AgreementURL = agr.LandingPageURL
	return res, nil
}

// Get returns a reservation.  An overdue reservation is expired on read so
// callers never see a stale reserved status.
func (m *Manager) Get(ctx context.Context, id string) (*model.Reservation, error) {
	r, err := m.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Overdue(m.now()) {
		return r, nil
	}
	if _, err := m.expireOne(ctx, id); err != nil {
		return nil, err
	}
	return m.read(ctx, id)
}

func (m *Manager) read(ctx context.Context, id string) (*model.Reservation, error) {
	var r *model.Reservation
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		r, err = tx.GetReservation(ctx, id)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.ErrReservationNotFound
	}
	return r, err
}

// FindByAgreement resolves the reservation created for an agreement.
func (m *Manager) FindByAgreement(ctx context.Context, agreementID string) (*model.Reservation, error) {
	var r *model.Reservation
	err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		r, err = tx.GetReservationByAgreement(ctx, agreementID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.ErrReservationNotFound
	}
	return r, err
}

// Cancel cancels a reserved reservation and releases its license.  A
// cancelled reservation stays cancelled and cancelling it again is a no-op.
// The external agreement is cancelled best-effort after the internal
// cancellation committed.
func (m *Manager) Cancel(ctx context.Context, id string) (err error) {
	ctx, span := traces.StartSpan(ctx, "reservation.cancel", traces.ReservationID(id))
	defer func() { traces.End(span, err) }()
	return m.cancel(ctx, id, true)
}

func (m *Manager) cancel(ctx context.Context, id string, cancelAgreement bool) error {
	var (
		r       *model.Reservation
		changed bool
	)
	err := m.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		r, changed, err = m.CancelTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	m.afterCancel(ctx, r, cancelAgreement)
	return nil
}

// CancelTx is Cancel inside the caller's transaction.  It reports whether
// the reservation changed; an already cancelled reservation is left alone.
// The external agreement is not touched.
func (m *Manager) CancelTx(ctx context.Context, tx repository.Tx, id string) (*model.Reservation, bool, error) {
	r, err := tx.LockReservation(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, model.ErrReservationNotFound
	}
	if err != nil {
		return nil, false, err
	}
	switch r.Status {
	case model.ReservationCancelled:
		return r, false, nil
	case model.ReservationReserved:
	default:
		return nil, false, fmt.Errorf("cancel %s reservation: %w", r.Status, model.ErrReservationNotActive)
	}
	ok, err := tx.TransitionReservation(ctx, id, model.ReservationReserved, model.ReservationCancelled, nil, m.now().UTC())
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, model.ErrReservationNotActive
	}
	if err := m.pool.Release(ctx, tx, r.ClubID, r.LicenseID); err != nil {
		return nil, false, err
	}
	r.Status = model.ReservationCancelled
	return r, true, nil
}

// afterCancel runs once a cancellation committed.
func (m *Manager) afterCancel(ctx context.Context, r *model.Reservation, cancelAgreement bool) {
	metrics.ReservationsTotal.WithLabelValues("cancelled").Inc()
	log := m.log.WithFields(logrus.Fields{"reservation_id": r.ID, "club_id": r.ClubID})
	log.Info("reservation cancelled")
	if cancelAgreement && r.AgreementID != nil {
		m.bestEffortCancelAgreement(ctx, *r.AgreementID, log)
	}
}

// AfterWebhookCancel records a cancellation committed by a payment
// callback.  The provider already ended the agreement.
func (m *Manager) AfterWebhookCancel(ctx context.Context, r *model.Reservation) {
	m.afterCancel(ctx, r, false)
}

// StopAgreement cancels an agreement at the provider without touching any
// reservation.  Failures are logged.
func (m *Manager) StopAgreement(ctx context.Context, agreementID string) {
	m.bestEffortCancelAgreement(ctx, agreementID, m.log)
}

func (m *Manager) bestEffortCancelAgreement(ctx context.Context, agreementID string, log logrus.FieldLogger) {
	if m.agreements == nil {
		return
	}
	if err := m.agreements.CancelAgreement(ctx, agreementID); err != nil {
		log.WithError(err).WithField("agreement_id", agreementID).Warn("external agreement cancel failed")
	}
}

// Completion is the result of completing a reservation.
type Completion struct {
	Sale    *model.Sale
	License *model.LicenseUnit
}

// Complete promotes a reserved reservation to a sale.  The sale, the
// ledger update, the reservation transition and the license transition
// commit together or not at all.  customer overrides the buyer captured at
// StartSale when non-nil.
func (m *Manager) Complete(ctx context.Context, id string, customer *model.Customer) (sale *model.Sale, err error) {
	ctx, span := traces.StartSpan(ctx, "reservation.complete", traces.ReservationID(id))
	defer func() { traces.End(span, err) }()

	var c *Completion
	err = m.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		c, err = m.CompleteTx(ctx, tx, id, customer)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.AfterCommit(ctx, c)
	return c.Sale, nil
}

// CompleteTx is Complete inside the caller's transaction.  The caller
// runs AfterCommit once the transaction committed.
func (m *Manager) CompleteTx(ctx context.Context, tx repository.Tx, id string, customer *model.Customer) (*Completion, error) {
	r, err := tx.LockReservation(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.Status != model.ReservationReserved {
		return nil, fmt.Errorf("complete %s reservation: %w", r.Status, model.ErrReservationNotActive)
	}
	if r.Overdue(m.now()) {
		// payment confirmed after the TTL but before the sweep
		m.log.WithField("reservation_id", id).Warn("completing reservation past its TTL")
	}
	buyer := r.Customer
	if customer != nil {
		buyer = customer
	}
	if buyer == nil {
		return nil, model.ErrCustomerRequired
	}

	unit, err := tx.GetLicense(ctx, r.ClubID, r.LicenseID)
	if err != nil {
		return nil, fmt.Errorf("complete: load license: %w", err)
	}
	pkg, err := m.catalog.Get(unit.PackageID)
	if err != nil {
		return nil, err
	}
	sale, err := m.ledger.RecordSale(ctx, tx, r, *buyer, pkg)
	if err != nil {
		return nil, err
	}
	ok, err := tx.TransitionReservation(ctx, id, model.ReservationReserved, model.ReservationCompleted, &sale.ID, m.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrReservationNotActive
	}
	if err := m.pool.Complete(ctx, tx, r.ClubID, r.LicenseID, id, *buyer, sale.ID); err != nil {
		return nil, err
	}
	return &Completion{Sale: sale, License: unit}, nil
}

// AfterCommit records metrics and sends the buyer notifications for a
// committed completion.  Notification failures are logged only.
func (m *Manager) AfterCommit(ctx context.Context, c *Completion) {
	if c == nil || c.Sale == nil || c.License == nil {
		return
	}
	sale := c.Sale
	metrics.ReservationsTotal.WithLabelValues("completed").Inc()
	ledger.ObserveSale(sale)
	m.log.WithFields(logrus.Fields{
		"reservation_id": sale.ReservationID,
		"sale_id":        sale.ID,
		"club_id":        sale.ClubID,
		"profit":         sale.Profit,
	}).Info("sale completed")

	data := map[string]string{
		"license_number": c.License.LicenseNumber,
		"valid_until":    sale.LicenseValidUntil.Format("2006-01-02"),
		"name":           sale.Customer.Name,
	}
	notify.Fire(ctx, m.notifier, m.log, notify.Message{Type: notify.TypeSaleCompleted, Channel: notify.SMS, Recipient: sale.Customer.Phone, Data: data})
	if sale.Customer.Email != "" {
		notify.Fire(ctx, m.notifier, m.log, notify.Message{Type: notify.TypeSaleCompleted, Channel: notify.Email, Recipient: sale.Customer.Email, Data: data})
	}
}

// SweepExpired expires every reserved reservation past its TTL and releases
// its license.  Each reservation is transitioned by a conditional update in
// its own transaction, so concurrent sweeps and racing completions never
// expire or release anything twice.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for {
		var batch []model.Reservation
		err := m.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			batch, err = tx.ListOverdueReservations(ctx, m.now(), sweepBatch)
			return err
		})
		if err != nil {
			return total, fmt.Errorf("sweep: list overdue: %w", err)
		}
		expired := 0
		for _, r := range batch {
			ok, err := m.expireOne(ctx, r.ID)
			if err != nil {
				m.log.WithError(err).WithField("reservation_id", r.ID).Warn("sweep: expire failed")
				errs = append(errs, err)
				continue
			}
			if ok {
				expired++
			}
		}
		total += expired
		if len(batch) < sweepBatch || expired == 0 {
			break
		}
	}
	if total > 0 {
		m.log.WithField("count", total).Info("reservations expired")
	}
	return total, errors.Join(errs...)
}

func (m *Manager) expireOne(ctx context.Context, id string) (bool, error) {
	var (
		r       *model.Reservation
		changed bool
	)
	err := m.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		changed = false
		var err error
		r, err = tx.LockReservation(ctx, id)
		if err != nil {
			return err
		}
		if !r.Overdue(m.now()) {
			return nil
		}
		ok, err := tx.TransitionReservation(ctx, id, model.ReservationReserved, model.ReservationExpired, nil, m.now().UTC())
		if err != nil || !ok {
			return err
		}
		changed = true
		return m.pool.Release(ctx, tx, r.ClubID, r.LicenseID)
	})
	if err != nil || !changed {
		return false, err
	}
	metrics.ReservationsTotal.WithLabelValues("expired").Inc()
	if r.AgreementID != nil {
		m.bestEffortCancelAgreement(ctx, *r.AgreementID, m.log.WithField("reservation_id", id))
	}
	if r.Customer != nil && r.Customer.Phone != "" {
		notify.Fire(ctx, m.notifier, m.log, notify.Message{
			Type:      notify.TypeReservationExpired,
			Channel:   notify.SMS,
			Recipient: r.Customer.Phone,
			Data:      map[string]string{"name": r.Customer.Name},
		})
	}
	return true, nil
}

// inTx runs fn in a transaction, retrying persistence conflicts.
func (m *Manager) inTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return repository.RetryConflicts(ctx, m.store, fn)
}
