package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the core components.  Callers branch on these
// with errors.Is.
var (
	// ErrNoLicenseAvailable means the club's pool is exhausted.  The seller
	// should be told to ask the club admin for more licenses.
	ErrNoLicenseAvailable = errors.New("no license available")
	// ErrInvalidStateTransition means a transition violates the license or
	// reservation state machine, usually a race or a duplicate event.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrReservationNotActive   = errors.New("reservation not active")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrClubOrSellerNotFound   = errors.New("club or seller not found")
	ErrSaleNotFound           = errors.New("sale not found")
	ErrCommissionNotFound     = errors.New("commission not found")
	ErrCustomerRequired       = errors.New("customer name and phone are required")
	ErrUnknownPackage         = errors.New("unknown package")
	ErrPackageAlreadyActive   = errors.New("package already active for subscription")
	// ErrPaymentPending means the reservation waits for its wallet
	// agreement and only the payment confirmation may complete it.
	ErrPaymentPending = errors.New("payment not confirmed")
	// ErrExternalProvider wraps every payment provider failure.
	ErrExternalProvider = errors.New("external provider error")
	// ErrPersistenceConflict is a transaction or compare-and-set conflict
	// that is safe to retry.
	ErrPersistenceConflict = errors.New("persistence conflict")
)

// ProviderError describes a failed call to a payment provider.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Is makes every ProviderError match ErrExternalProvider.
func (e *ProviderError) Is(target error) bool { return target == ErrExternalProvider }
