// Package webhook turns payment provider callbacks into reservation, sale
// and club package mutations.  Deliveries are at-least-once and may arrive
// out of order, so every event is decided against the current state and
// applied through the same transactional calls the API uses.
package webhook

import "github.com/iliyamo/club-license-service/internal/model"

// Provider names used for dedupe and metrics.
const (
	ProviderVipps  = "vipps"
	ProviderStripe = "stripe"
)

// Kind is a provider-neutral event type.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindAgreementActivated  Kind = "agreement_activated"
	KindAgreementEnded      Kind = "agreement_ended"
	KindChargeCaptured      Kind = "charge_captured"
	KindChargeFailed        Kind = "charge_failed"
	KindCheckoutCompleted   Kind = "checkout_completed"
	KindSubscriptionChanged Kind = "subscription_changed"
	KindSubscriptionDeleted Kind = "subscription_deleted"
	KindInvoicePaid         Kind = "invoice_paid"
	KindInvoiceFailed       Kind = "invoice_failed"
)

// Event is a verified provider event.  An empty ID disables dedupe, which
// is the case for agreement states read by polling.
type Event struct {
	Provider string
	ID       string
	Kind     Kind

	AgreementID   string
	ReservationID string

	SubscriptionID string
	ClubID         string
	PackageID      string
	// SubscriptionStatus is the provider's subscription status, for
	// KindSubscriptionChanged.
	SubscriptionStatus string
}

// State is what the store knows about the objects an event refers to.  Nil
// fields were not found.
type State struct {
	Processed   bool
	Reservation *model.Reservation
	Sale        *model.Sale
	Club        *model.Club
	// NamedClub is the club named by the event metadata when no club
	// holds the event's subscription.
	NamedClub *model.Club
}

// Action is the mutation an event requires.
type Action string

const (
	ActionNone                Action = "none"
	ActionCompleteReservation Action = "complete_reservation"
	ActionCancelReservation   Action = "cancel_reservation"
	ActionMarkSaleInactive    Action = "mark_sale_inactive"
	ActionStopAgreement       Action = "stop_agreement"
	ActionActivatePackage     Action = "activate_package"
	ActionUpdatePackageStatus Action = "update_package_status"
)

// Decision is the outcome of Decide.  Ack false asks the provider to
// deliver the event again later because the state it depends on does not
// exist yet.  Unreconciled marks a payment that was taken but cannot be
// applied and needs a refund or a manual fix.
type Decision struct {
	Action        Action
	Ack           bool
	PackageStatus model.PackageStatus
	Reason        string
	Unreconciled  bool
}

func none(reason string) Decision {
	return Decision{Action: ActionNone, Ack: true, Reason: reason}
}

func act(a Action) Decision {
	return Decision{Action: a, Ack: true}
}

// Decide maps an event and the current state to the mutation to apply.  It
// is pure; the Reconciler loads State and executes the Decision in one
// transaction.
func Decide(ev Event, st State) Decision {
	if st.Processed {
		return none("duplicate event")
	}
	switch ev.Kind {
	case KindAgreementActivated:
		return decideActivated(st)
	case KindAgreementEnded:
		return decideEnded(st)
	case KindChargeFailed:
		if st.Reservation != nil && st.Reservation.Status == model.ReservationReserved {
			return act(ActionCancelReservation)
		}
		return decideSaleLapsed(st)
	case KindChargeCaptured:
		return none("charge captured")
	case KindCheckoutCompleted:
		return decideCheckout(ev, st)
	case KindSubscriptionChanged:
		return decideSubscription(ev, st)
	case KindSubscriptionDeleted:
		return decidePackageStatus(st, model.PackageCancelled)
	case KindInvoicePaid:
		if st.Club != nil && st.Club.PackageStatus == model.PackagePastDue {
			return decidePackageStatus(st, model.PackageActive)
		}
		return none("package not past due")
	case KindInvoiceFailed:
		if st.Club != nil && st.Club.PackageStatus == model.PackageActive {
			return decidePackageStatus(st, model.PackagePastDue)
		}
		return none("package not active")
	}
	return none("unhandled event type")
}

func decideActivated(st State) Decision {
	r := st.Reservation
	if r == nil {
		return none("unknown agreement")
	}
	switch r.Status {
	case model.ReservationReserved:
		return act(ActionCompleteReservation)
	case model.ReservationCompleted:
		return none("reservation already completed")
	}
	// the buyer approved after the reservation ended; nothing may be charged
	if r.AgreementID != nil {
		return Decision{Action: ActionStopAgreement, Ack: true, Reason: "reservation " + string(r.Status)}
	}
	return none("reservation " + string(r.Status))
}

func decideEnded(st State) Decision {
	r := st.Reservation
	if r == nil {
		return none("unknown agreement")
	}
	switch r.Status {
	case model.ReservationReserved:
		return act(ActionCancelReservation)
	case model.ReservationCompleted:
		return decideSaleLapsed(st)
	}
	return none("reservation already " + string(r.Status))
}

func decideSaleLapsed(st State) Decision {
	if st.Sale == nil {
		return none("no sale for agreement")
	}
	if st.Sale.Status != model.SaleActive {
		return none("sale already " + string(st.Sale.Status))
	}
	return act(ActionMarkSaleInactive)
}

func decideCheckout(ev Event, st State) Decision {
	c := st.Club
	if c == nil {
		return none("unknown club")
	}
	if ev.SubscriptionID == "" || ev.PackageID == "" {
		return none("checkout without subscription or package")
	}
	if c.SubscriptionRef != nil && *c.SubscriptionRef == ev.SubscriptionID {
		return none("subscription already activated")
	}
	if c.PackageStatus == model.PackageActive || c.PackageStatus == model.PackagePastDue {
		d := none(model.ErrPackageAlreadyActive.Error())
		d.Unreconciled = true
		return d
	}
	return act(ActionActivatePackage)
}

func decideSubscription(ev Event, st State) Decision {
	if st.Club == nil {
		switch {
		case st.NamedClub == nil:
			return none("unknown subscription")
		case st.NamedClub.SubscriptionRef != nil:
			return none("subscription replaced")
		}
		// created before the checkout completed; retry once it is linked
		return Decision{Action: ActionNone, Ack: false, Reason: "subscription not linked yet"}
	}
	status, ok := PackageStatusFor(ev.SubscriptionStatus)
	if !ok {
		return none("subscription status " + ev.SubscriptionStatus)
	}
	return decidePackageStatus(st, status)
}

func decidePackageStatus(st State, status model.PackageStatus) Decision {
	if st.Club == nil {
		return none("unknown subscription")
	}
	if st.Club.PackageStatus == status {
		return none("package already " + string(status))
	}
	return Decision{Action: ActionUpdatePackageStatus, Ack: true, PackageStatus: status}
}

// PackageStatusFor maps a card subscription status onto the club package
// status.  Transitional statuses report false.
func PackageStatusFor(subscriptionStatus string) (model.PackageStatus, bool) {
	switch subscriptionStatus {
	case "active", "trialing":
		return model.PackageActive, true
	case "past_due", "unpaid":
		return model.PackagePastDue, true
	case "canceled", "incomplete_expired":
		return model.PackageCancelled, true
	}
	return "", false
}
