package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/catalog"
	"github.com/iliyamo/club-license-service/internal/ledger"
	"github.com/iliyamo/club-license-service/internal/license"
	"github.com/iliyamo/club-license-service/internal/metrics"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/payment"
	"github.com/iliyamo/club-license-service/internal/payment/stripe"
	"github.com/iliyamo/club-license-service/internal/payment/vipps"
	"github.com/iliyamo/club-license-service/internal/repository"
	"github.com/iliyamo/club-license-service/internal/reservation"
	"github.com/iliyamo/club-license-service/internal/traces"
)

var (
	// ErrInvalidEvent means the callback failed verification or could not
	// be decoded.  Nothing was changed.
	ErrInvalidEvent = errors.New("invalid webhook event")
	// ErrNotReady asks the provider to redeliver later.
	ErrNotReady = errors.New("webhook event not ready to apply")
)

// Result describes how an event was handled.
type Result struct {
	Provider string   `json:"provider"`
	EventID  string   `json:"event_id"`
	Action   Action   `json:"action"`
	Applied  bool     `json:"applied"`
	Reason   string   `json:"reason,omitempty"`
	Decision Decision `json:"-"`
}

// Reconciler verifies provider callbacks and applies them.
type Reconciler struct {
	store        repository.Store
	manager      *reservation.Manager
	ledger       *ledger.Ledger
	pool         *license.Pool
	catalog      *catalog.Catalog
	agreements   payment.Agreements
	vippsSecret  string
	stripeSecret string
	log          logrus.FieldLogger
	now          func() time.Time
}

// Config carries the reconciler's collaborators.
type Config struct {
	Store        repository.Store
	Manager      *reservation.Manager
	Ledger       *ledger.Ledger
	Pool         *license.Pool
	Catalog      *catalog.Catalog
	Agreements   payment.Agreements
	VippsSecret  string
	StripeSecret string
	Log          logrus.FieldLogger
	Now          func() time.Time
}

// New builds a Reconciler.
func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:        cfg.Store,
		manager:      cfg.Manager,
		ledger:       cfg.Ledger,
		pool:         cfg.Pool,
		catalog:      cfg.Catalog,
		agreements:   cfg.Agreements,
		vippsSecret:  cfg.VippsSecret,
		stripeSecret: cfg.StripeSecret,
		log:          cfg.Log,
		now:          now,
	}
}

// HandleVipps verifies and applies a Recurring API callback.
func (r *Reconciler) HandleVipps(ctx context.Context, req vipps.WebhookRequest) (*Result, error) {
	ev, err := vipps.VerifyWebhook(r.vippsSecret, req, r.now())
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ProviderVipps, "rejected").Inc()
		r.log.WithError(err).Warn("vipps webhook rejected")
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return r.Apply(ctx, FromVipps(ev))
}

// HandleStripe verifies and applies a card billing event.
func (r *Reconciler) HandleStripe(ctx context.Context, payload []byte, signature string) (*Result, error) {
	ev, err := stripe.ParseEvent(r.stripeSecret, payload, signature)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ProviderStripe, "rejected").Inc()
		r.log.WithError(err).Warn("stripe webhook rejected")
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return r.Apply(ctx, FromStripe(ev))
}

// PollAgreement reads the reservation's agreement at the wallet provider
// and applies its state the same way a callback would.  It returns the
// reservation as it stands afterwards.
func (r *Reconciler) PollAgreement(ctx context.Context, reservationID string) (*model.Reservation, error) {
	res, err := r.manager.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.AgreementID == nil || r.agreements == nil {
		return res, nil
	}
	if res.IsTerminal() {
		return res, nil
	}
	agr, err := r.agreements.GetAgreement(ctx, *res.AgreementID)
	if err != nil {
		return nil, err
	}
	ev := Event{Provider: ProviderVipps, ReservationID: res.ID, AgreementID: *res.AgreementID}
	switch agr.Status {
	case payment.AgreementActive:
		ev.Kind = KindAgreementActivated
	case payment.AgreementStopped, payment.AgreementExpired:
		ev.Kind = KindAgreementEnded
	default:
		return res, nil
	}
	if _, err := r.Apply(ctx, ev); err != nil {
		return nil, err
	}
	return r.manager.Get(ctx, reservationID)
}

// Apply decides and executes ev.  Loading the state, the mutation and the
// dedupe record share one transaction, so a redelivered event either sees
// the finished mutation or none of it.  Benign conflicts are acknowledged;
// any other failure is returned so the provider retries.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "webhook.apply", traces.Provider(ev.Provider), traces.EventID(ev.ID))
	defer func() { traces.End(span, err) }()

	log := r.log.WithFields(logrus.Fields{"provider": ev.Provider, "event_id": ev.ID, "kind": ev.Kind})
	res = &Result{Provider: ev.Provider, EventID: ev.ID}

	var after func()
	err = repository.RetryConflicts(ctx, r.store, func(ctx context.Context, tx repository.Tx) error {
		after = nil
		st, err := r.load(ctx, tx, ev)
		if err != nil {
			return err
		}
		d := Decide(ev, st)
		res.Decision, res.Action, res.Reason = d, d.Action, d.Reason
		if !d.Ack {
			return ErrNotReady
		}
		after, err = r.execute(ctx, tx, ev, st, d)
		if err != nil {
			return err
		}
		if ev.ID != "" && d.Action != ActionNone {
			if _, err := tx.MarkEventProcessed(ctx, ev.Provider, ev.ID, r.now().UTC()); err != nil {
				return fmt.Errorf("record event: %w", err)
			}
		}
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrNotReady):
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "retry").Inc()
		log.WithField("reason", res.Reason).Info("webhook event deferred")
		return res, err
	case benign(err):
		res.Action, res.Reason = ActionNone, err.Error()
		if ev.Kind == KindCheckoutCompleted {
			// the club paid but got no package
			res.Decision.Unreconciled = true
			metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "unreconciled").Inc()
			log.WithError(err).WithFields(unreconciledFields(ev)).Error("paid checkout not applied")
			return res, nil
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "ignored").Inc()
		log.WithError(err).Info("webhook event acknowledged without change")
		return res, nil
	default:
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "retry").Inc()
		log.WithError(err).Error("webhook event failed")
		return res, err
	}

	if after != nil {
		after()
	}
	result := "ignored"
	switch {
	case res.Decision.Reason == "duplicate event":
		result = "duplicate"
	case res.Decision.Unreconciled:
		metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, "unreconciled").Inc()
		log.WithFields(unreconciledFields(ev)).WithField("reason", res.Reason).Error("paid checkout not applied")
		return res, nil
	case res.Action != ActionNone:
		result = "applied"
		res.Applied = true
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Provider, result).Inc()
	log.WithFields(logrus.Fields{"action": res.Action, "reason": res.Reason}).Info("webhook event handled")
	return res, nil
}

func unreconciledFields(ev Event) logrus.Fields {
	return logrus.Fields{"club_id": ev.ClubID, "subscription": ev.SubscriptionID, "package_id": ev.PackageID}
}

// benign errors mean the state already moved on; acknowledging stops
// pointless redelivery.
func benign(err error) bool {
	return errors.Is(err, model.ErrInvalidStateTransition) ||
		errors.Is(err, model.ErrReservationNotActive) ||
		errors.Is(err, model.ErrReservationNotFound) ||
		errors.Is(err, model.ErrSaleNotFound) ||
		errors.Is(err, model.ErrClubOrSellerNotFound) ||
		errors.Is(err, model.ErrPackageAlreadyActive) ||
		errors.Is(err, model.ErrUnknownPackage)
}

func (r *Reconciler) load(ctx context.Context, tx repository.Tx, ev Event) (State, error) {
	var st State
	if ev.ID != "" {
		done, err := tx.IsEventProcessed(ctx, ev.Provider, ev.ID)
		if err != nil {
			return st, fmt.Errorf("check event: %w", err)
		}
		if done {
			st.Processed = true
			return st, nil
		}
	}

	switch ev.Provider {
	case ProviderVipps:
		id := ev.ReservationID
		if id == "" {
			found, err := tx.GetReservationByAgreement(ctx, ev.AgreementID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return st, err
			}
			if found != nil {
				id = found.ID
			}
		}
		if id != "" {
			res, err := tx.LockReservation(ctx, id)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return st, err
			}
			st.Reservation = res
		}
		if st.Reservation != nil && st.Reservation.SaleID != nil {
			sale, err := tx.GetSale(ctx, *st.Reservation.SaleID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return st, err
			}
			st.Sale = sale
		}
		if st.Sale == nil && ev.AgreementID != "" {
			sale, err := tx.GetSaleByAgreement(ctx, ev.AgreementID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return st, err
			}
			st.Sale = sale
		}
	case ProviderStripe:
		var (
			club *model.Club
			err  error
		)
		if ev.Kind == KindCheckoutCompleted {
			club, err = tx.GetClub(ctx, ev.ClubID)
		} else if ev.SubscriptionID != "" {
			club, err = tx.GetClubBySubscription(ctx, ev.SubscriptionID)
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return st, err
		}
		st.Club = club
		if club == nil && ev.Kind != KindCheckoutCompleted && ev.ClubID != "" {
			named, err := tx.GetClub(ctx, ev.ClubID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return st, err
			}
			st.NamedClub = named
		}
	}
	return st, nil
}

// execute applies d inside tx.  The returned func runs after commit.
func (r *Reconciler) execute(ctx context.Context, tx repository.Tx, ev Event, st State, d Decision) (func(), error) {
	switch d.Action {
	case ActionNone:
		return nil, nil

	case ActionCompleteReservation:
		c, err := r.manager.CompleteTx(ctx, tx, st.Reservation.ID, nil)
		if err != nil {
			return nil, err
		}
		return func() { r.manager.AfterCommit(ctx, c) }, nil

	case ActionCancelReservation:
		res, changed, err := r.manager.CancelTx(ctx, tx, st.Reservation.ID)
		if err != nil || !changed {
			return nil, err
		}
		return func() { r.manager.AfterWebhookCancel(ctx, res) }, nil

	case ActionMarkSaleInactive:
		return nil, r.ledger.MarkInactive(ctx, tx, st.Sale.ID)

	case ActionStopAgreement:
		id := *st.Reservation.AgreementID
		return func() { r.manager.StopAgreement(ctx, id) }, nil

	case ActionActivatePackage:
		return nil, r.activatePackage(ctx, tx, ev, st.Club)

	case ActionUpdatePackageStatus:
		c := *st.Club
		c.PackageStatus = d.PackageStatus
		c.UpdatedAt = r.now().UTC()
		if err := tx.UpdateClubPackage(ctx, &c); err != nil {
			return nil, fmt.Errorf("update package status: %w", err)
		}
		r.log.WithFields(logrus.Fields{"club_id": c.ID, "status": c.PackageStatus}).Info("club package status changed")
		return nil, nil
	}
	return nil, fmt.Errorf("unknown webhook action %q", d.Action)
}

// activatePackage links the subscription to the club, starts debt accrual
// from now and provisions the package's licenses.  The decision already
// ruled out a second activation of the same subscription.
func (r *Reconciler) activatePackage(ctx context.Context, tx repository.Tx, ev Event, club *model.Club) error {
	pkg, err := r.catalog.Get(ev.PackageID)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	c := *club
	c.PackageID = &pkg.ID
	c.PackageStatus = model.PackageActive
	c.ActivationDate = &now
	sub := ev.SubscriptionID
	c.SubscriptionRef = &sub
	c.UpdatedAt = now
	if err := tx.UpdateClubPackage(ctx, &c); err != nil {
		return fmt.Errorf("activate package: %w", err)
	}
	if err := tx.EnsureFinance(ctx, c.ID, now); err != nil {
		return fmt.Errorf("activate package: %w", err)
	}
	validity := now.AddDate(0, pkg.ValidityMonths, 0).Sub(now)
	if _, err := r.pool.ProvisionTx(ctx, tx, c.ID, pkg.LicenseCount, pkg.ID, validity); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"club_id": c.ID, "package_id": pkg.ID, "subscription": sub}).Info("club package activated")
	return nil
}

// FromVipps converts a verified Recurring callback.
func FromVipps(ev *vipps.Event) Event {
	out := Event{Provider: ProviderVipps, ID: ev.ID, AgreementID: ev.AgreementID, Kind: KindUnknown}
	switch ev.Type {
	case vipps.EventAgreementActivated:
		out.Kind = KindAgreementActivated
	case vipps.EventAgreementRejected, vipps.EventAgreementStopped, vipps.EventAgreementExpired:
		out.Kind = KindAgreementEnded
	case vipps.EventChargeCaptured:
		out.Kind = KindChargeCaptured
	case vipps.EventChargeFailed:
		out.Kind = KindChargeFailed
	}
	return out
}

// FromStripe converts a verified card billing event.
func FromStripe(ev *stripe.Event) Event {
	out := Event{
		Provider:           ProviderStripe,
		ID:                 ev.ID,
		Kind:               KindUnknown,
		SubscriptionID:     ev.SubscriptionID,
		ClubID:             ev.ClubID,
		PackageID:          ev.PackageID,
		SubscriptionStatus: ev.Status,
	}
	switch ev.Type {
	case stripe.EventCheckoutCompleted:
		out.Kind = KindCheckoutCompleted
	case stripe.EventSubscriptionCreated, stripe.EventSubscriptionUpdated:
		out.Kind = KindSubscriptionChanged
	case stripe.EventSubscriptionDeleted:
		out.Kind = KindSubscriptionDeleted
	case stripe.EventInvoicePaymentSucceeded:
		out.Kind = KindInvoicePaid
	case stripe.EventInvoicePaymentFailed:
		out.Kind = KindInvoiceFailed
	}
	return out
}
