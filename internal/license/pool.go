// Package license owns the per-club pool of license units and performs the
// only state transitions permitted on a unit.
package license

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/repository"
)

// Pool manages license units.  Mutating methods take the caller's
// transaction so that they compose with reservation and ledger writes.
type Pool struct {
	store repository.Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewPool constructs a Pool backed by store.
func NewPool(store repository.Store, log logrus.FieldLogger) *Pool {
	return &Pool{store: store, log: log, now: time.Now}
}

// WithClock replaces the time source, for tests.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// Provision creates count available units for clubID in its own
// transaction.  Calling it twice for the same activation creates twice the
// units; the caller guards against that.
func (p *Pool) Provision(ctx context.Context, clubID string, count int, packageID string, validity time.Duration) ([]model.LicenseUnit, error) {
	var units []model.LicenseUnit
	err := p.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		units, err = p.ProvisionTx(ctx, tx, clubID, count, packageID, validity)
		return err
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}

// ProvisionTx is Provision inside an existing transaction.  License numbers
// continue after the club's existing units: "<PREFIX>-0001", "<PREFIX>-0002"...
func (p *Pool) ProvisionTx(ctx context.Context, tx repository.Tx, clubID string, count int, packageID string, validity time.Duration) ([]model.LicenseUnit, error) {
	if count <= 0 {
		return nil, fmt.Errorf("provision: count must be positive, got %d", count)
	}
	if validity <= 0 {
		return nil, fmt.Errorf("provision: validity must be positive")
	}
	club, err := tx.GetClub(ctx, clubID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.ErrClubOrSellerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("provision: load club: %w", err)
	}
	existing, err := tx.CountLicenses(ctx, clubID)
	if err != nil {
		return nil, fmt.Errorf("provision: count licenses: %w", err)
	}

	now := p.now().UTC()
	prefix := Prefix(club.Name)
	units := make([]model.LicenseUnit, count)
	for i := range units {
		units[i] = model.LicenseUnit{
			ID:            uuid.NewString(),
			ClubID:        clubID,
			PackageID:     packageID,
			LicenseNumber: fmt.Sprintf("%s-%04d", prefix, existing+i+1),
			State:         model.LicenseAvailable,
			CreatedAt:     now,
			ExpiresAt:     now.Add(validity),
			UpdatedAt:     now,
		}
	}
	if err := tx.InsertLicenses(ctx, units); err != nil {
		return nil, fmt.Errorf("provision: insert: %w", err)
	}
	p.log.WithFields(logrus.Fields{"club_id": clubID, "package_id": packageID, "count": count}).Info("licenses provisioned")
	return units, nil
}

// Prefix derives the license number prefix from a club name: the first
// letter of up to three words, or the first three letters of a single
// word.  Clubs without letters get "LIC".
func Prefix(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	var b strings.Builder
	switch {
	case len(words) == 0:
		return "LIC"
	case len(words) == 1:
		for _, r := range words[0] {
			if b.Len() >= 3 {
				break
			}
			b.WriteRune(unicode.ToUpper(r))
		}
	default:
		for _, w := range words[:min(3, len(words))] {
			r := []rune(w)[0]
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// FindAvailable lists the club's reservable units.
func (p *Pool) FindAvailable(ctx context.Context, clubID string) ([]model.LicenseUnit, error) {
	var units []model.LicenseUnit
	err := p.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		units, err = tx.ListAvailableLicenses(ctx, clubID, p.now())
		return err
	})
	return units, err
}

// Counts summarises the club's pool by state.
func (p *Pool) Counts(ctx context.Context, clubID string) (model.LicenseCounts, error) {
	var c model.LicenseCounts
	err := p.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		c, err = tx.CountLicensesByState(ctx, clubID, p.now())
		return err
	})
	return c, err
}

// Reserve flips one available unit to reserved in a single conditional
// write.  When concurrent callers race for the last unit exactly one wins;
// the others get model.ErrNoLicenseAvailable and nothing is retried here.
func (p *Pool) Reserve(ctx context.Context, tx repository.Tx, clubID, sellerID, reservationID string) (*model.LicenseUnit, error) {
	unit, err := tx.ClaimLicense(ctx, clubID, sellerID, reservationID, p.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.ErrNoLicenseAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("reserve license: %w", err)
	}
	return unit, nil
}

// Complete flips a unit reserved under reservationID to completed and
// attaches the buyer and sale.
func (p *Pool) Complete(ctx context.Context, tx repository.Tx, clubID, licenseID, reservationID string, buyer model.Customer, saleID string) error {
	ok, err := tx.CompleteLicense(ctx, clubID, licenseID, reservationID, buyer, saleID, p.now())
	if err != nil {
		return fmt.Errorf("complete license: %w", err)
	}
	if !ok {
		return fmt.Errorf("complete license %s: %w", licenseID, model.ErrInvalidStateTransition)
	}
	return nil
}

// Release returns a reserved unit to available.  Releasing a unit that is
// already available is a no-op; releasing a sold unit is an error.
func (p *Pool) Release(ctx context.Context, tx repository.Tx, clubID, licenseID string) error {
	ok, err := tx.ReleaseLicense(ctx, clubID, licenseID, p.now())
	if err != nil {
		return fmt.Errorf("release license: %w", err)
	}
	if ok {
		return nil
	}
	unit, err := tx.GetLicense(ctx, clubID, licenseID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("release license %s: %w", licenseID, repository.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("release license: %w", err)
	}
	if unit.State == model.LicenseCompleted {
		return fmt.Errorf("release license %s: %w", licenseID, model.ErrInvalidStateTransition)
	}
	return nil
}
