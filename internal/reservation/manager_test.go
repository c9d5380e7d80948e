package reservation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/notify"
	"github.com/iliyamo/club-license-service/internal/repository"
)

func TestStartSaleReservesLicense(t *testing.T) {
	f := newFixture(t, 2)
	r := f.start(t, "seller-a")

	assert.Equal(t, model.ReservationReserved, r.Status)
	assert.Equal(t, int64(100), r.Price)
	assert.Equal(t, t0.Add(15*time.Minute), r.ExpiresAt)

	u := f.license(t, r.LicenseID)
	assert.Equal(t, model.LicenseReserved, u.State)
	require.NotNil(t, u.ReservationID)
	assert.Equal(t, r.ID, *u.ReservationID)
	assert.Equal(t, "seller-a", *u.SellerID)
}

func TestStartSaleValidation(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.manager.StartSale(ctx, StartSaleRequest{SellerID: "seller-a", ClubID: "club-1"})
	assert.ErrorIs(t, err, model.ErrCustomerRequired)

	_, err = f.manager.StartSale(ctx, StartSaleRequest{SellerID: "seller-a", ClubID: "nope", Customer: customer})
	assert.ErrorIs(t, err, model.ErrClubOrSellerNotFound)

	_, err = f.manager.StartSale(ctx, StartSaleRequest{SellerID: "ghost", ClubID: "club-1", Customer: customer})
	assert.ErrorIs(t, err, model.ErrClubOrSellerNotFound)

	// seller from another club
	_, err = f.manager.StartSale(ctx, StartSaleRequest{SellerID: "seller-x", ClubID: "club-1", Customer: customer})
	assert.ErrorIs(t, err, model.ErrClubOrSellerNotFound)

	counts, err := f.pool.Counts(ctx, "club-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Available)
}

func TestStartSaleConcurrentLastLicense(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		results [2]error
	)
	for i, seller := range []string{"seller-a", "seller-b"} {
		wg.Add(1)
		go func(i int, seller string) {
			defer wg.Done()
			_, results[i] = f.manager.StartSale(ctx, StartSaleRequest{SellerID: seller, ClubID: "club-1", Customer: customer})
		}(i, seller)
	}
	wg.Wait()

	var ok, none int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrNoLicenseAvailable):
			none++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, none)
}

func TestReservationExpiresAfterTTL(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	r := f.start(t, "seller-a")

	f.clock.Advance(14 * time.Minute)
	n, err := f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.ReservationReserved, f.reservation(t, r.ID).Status)

	f.clock.Advance(2 * time.Minute)
	n, err = f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.ReservationExpired, f.reservation(t, r.ID).Status)
	u := f.license(t, r.LicenseID)
	assert.Equal(t, model.LicenseAvailable, u.State)
	assert.True(t, u.Consistent())

	// second sweep finds nothing
	n, err = f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	counts, err := f.pool.Counts(ctx, "club-1")
	require.NoError(t, err)
	assert.Equal(t, model.LicenseCounts{Available: 1}, counts)
}

func TestGetExpiresLazily(t *testing.T) {
	f := newFixture(t, 1)
	r := f.start(t, "seller-a")

	f.clock.Advance(15 * time.Minute)
	got, err := f.manager.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReservationExpired, got.Status)
	assert.Equal(t, model.LicenseAvailable, f.license(t, r.LicenseID).State)

	_, err = f.manager.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrReservationNotFound)
}

func TestCancelIsIdempotent(t *testing.T) {
	agr := &fakeAgreements{}
	f := newFixture(t, 1, WithAgreements(agr))
	ctx := context.Background()
	r := f.start(t, "seller-a")
	require.NotNil(t, r.AgreementID)

	require.NoError(t, f.manager.Cancel(ctx, r.ID))
	first := f.reservation(t, r.ID)
	require.NoError(t, f.manager.Cancel(ctx, r.ID))
	second := f.reservation(t, r.ID)

	assert.Equal(t, model.ReservationCancelled, second.Status)
	assert.Equal(t, first, second)
	assert.Equal(t, model.LicenseAvailable, f.license(t, r.LicenseID).State)
	assert.Equal(t, []string{*r.AgreementID}, agr.cancelled, "agreement cancelled once")

	assert.ErrorIs(t, f.manager.Cancel(ctx, "missing"), model.ErrReservationNotFound)
}

func TestCancelSurvivesAgreementFailure(t *testing.T) {
	agr := &fakeAgreements{cancelErr: errors.New("vipps down")}
	f := newFixture(t, 1, WithAgreements(agr))
	r := f.start(t, "seller-a")

	require.NoError(t, f.manager.Cancel(context.Background(), r.ID))
	assert.Equal(t, model.ReservationCancelled, f.reservation(t, r.ID).Status)
}

func TestCancelCompletedFails(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	r := f.start(t, "seller-a")
	_, err := f.manager.Complete(ctx, r.ID, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, f.manager.Cancel(ctx, r.ID), model.ErrReservationNotActive)
	assert.Equal(t, model.LicenseCompleted, f.license(t, r.LicenseID).State)
}

func TestCompleteCreatesSaleAndCreditsClub(t *testing.T) {
	n := &recordingNotifier{}
	f := newFixture(t, 1, WithNotifier(n))
	ctx := context.Background()
	r := f.start(t, "seller-a")

	sale, err := f.manager.Complete(ctx, r.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), sale.SalePrice)
	assert.Equal(t, int64(51), sale.Profit)
	assert.Equal(t, *customer, sale.Customer)

	res := f.reservation(t, r.ID)
	assert.Equal(t, model.ReservationCompleted, res.Status)
	require.NotNil(t, res.SaleID)
	assert.Equal(t, sale.ID, *res.SaleID)

	u := f.license(t, r.LicenseID)
	assert.Equal(t, model.LicenseCompleted, u.State)
	assert.Equal(t, sale.ID, *u.SaleID)
	assert.True(t, u.Consistent())

	fin, err := f.ledger.Finance(ctx, "club-1")
	require.NoError(t, err)
	assert.Equal(t, int64(51), fin.TotalIncome)
	assert.Equal(t, 1, fin.TotalLicensesSold)

	require.Len(t, n.msgs, 2)
	assert.Equal(t, "+4790000000", n.msgs[0].Recipient)
	assert.Equal(t, "BRA-0001", n.msgs[0].Data["license_number"])

	_, err = f.manager.Complete(ctx, r.ID, nil)
	assert.ErrorIs(t, err, model.ErrReservationNotActive)
	fin, err = f.ledger.Finance(ctx, "club-1")
	require.NoError(t, err)
	assert.Equal(t, int64(51), fin.TotalIncome)
}

func TestCompleteAfterExpiryFails(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	r := f.start(t, "seller-a")
	f.clock.Advance(16 * time.Minute)
	_, err := f.manager.SweepExpired(ctx)
	require.NoError(t, err)

	_, err = f.manager.Complete(ctx, r.ID, nil)
	assert.ErrorIs(t, err, model.ErrReservationNotActive)
}

func TestCompleteIsAllOrNothing(t *testing.T) {
	mem := repository.NewMemoryStore()
	store := &faultyStore{MemoryStore: mem}
	f := newFixtureWithStore(t, mem, store, 1)
	ctx := context.Background()
	r := f.start(t, "seller-a")

	store.failComplete = true
	_, err := f.manager.Complete(ctx, r.ID, nil)
	require.Error(t, err)

	assert.Equal(t, model.ReservationReserved, f.reservation(t, r.ID).Status)
	assert.Equal(t, model.LicenseReserved, f.license(t, r.LicenseID).State)
	fin, err := f.ledger.Finance(ctx, "club-1")
	require.NoError(t, err)
	assert.Zero(t, fin.TotalIncome)
	stats, err := f.ledger.ClubSalesStats(ctx, "club-1", nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)

	store.failComplete = false
	_, err = f.manager.Complete(ctx, r.ID, nil)
	require.NoError(t, err)
}

func TestConflictsAreRetried(t *testing.T) {
	mem := repository.NewMemoryStore()
	store := &faultyStore{MemoryStore: mem}
	f := newFixtureWithStore(t, mem, store, 1)

	store.conflicts.Store(2)
	r := f.start(t, "seller-a")
	assert.Equal(t, model.ReservationReserved, r.Status)

	store.conflicts.Store(10)
	_, err := f.manager.Complete(context.Background(), r.ID, nil)
	assert.ErrorIs(t, err, model.ErrPersistenceConflict)
}

func TestAgreementFailureCancelsReservation(t *testing.T) {
	agr := &fakeAgreements{createErr: &model.ProviderError{Provider: "vipps", Op: "create agreement", Err: errors.New("503")}}
	f := newFixture(t, 1, WithAgreements(agr))
	ctx := context.Background()

	_, err := f.manager.StartSale(ctx, StartSaleRequest{SellerID: "seller-a", ClubID: "club-1", Customer: customer})
	assert.ErrorIs(t, err, model.ErrExternalProvider)

	counts, err := f.pool.Counts(ctx, "club-1")
	require.NoError(t, err)
	assert.Equal(t, model.LicenseCounts{Available: 1}, counts)
}

func TestAgreementLinkedToReservation(t *testing.T) {
	agr := &fakeAgreements{}
	f := newFixture(t, 1, WithAgreements(agr), WithReturnURL("https://app.example"))
	r := f.start(t, "seller-a")

	require.NotNil(t, r.AgreementID)
	assert.Equal(t, "https://vipps.example/"+*r.AgreementID, r.AgreementURL)
	require.Len(t, agr.created, 1)
	assert.Equal(t, "https://app.example/sales/reservations/"+r.ID, agr.created[0].ReturnURL)
	assert.Equal(t, "Brann", agr.created[0].ClubName)

	found, err := f.manager.FindByAgreement(context.Background(), *r.AgreementID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, found.ID)
}

// TestRandomOperationsKeepInvariants drives random operation sequences and
// checks the license and reservation invariants after every step.
func TestRandomOperationsKeepInvariants(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		f := newFixture(t, 3)
		ctx := context.Background()
		var ids []string

		for step := 0; step < 200; step++ {
			pick := func() string {
				if len(ids) == 0 {
					return "missing"
				}
				return ids[rng.Intn(len(ids))]
			}
			switch rng.Intn(6) {
			case 0, 1:
				r, err := f.manager.StartSale(ctx, StartSaleRequest{SellerID: "seller-a", ClubID: "club-1", Customer: customer})
				if err == nil {
					ids = append(ids, r.ID)
				} else {
					require.ErrorIs(t, err, model.ErrNoLicenseAvailable)
				}
			case 2:
				_ = f.manager.Cancel(ctx, pick())
			case 3:
				_, _ = f.manager.Complete(ctx, pick(), nil)
			case 4:
				f.clock.Advance(time.Duration(rng.Intn(10)) * time.Minute)
			case 5:
				_, err := f.manager.SweepExpired(ctx)
				require.NoError(t, err)
			}
			checkInvariants(t, f, ids)
		}
	}
}

func checkInvariants(t *testing.T, f *fixture, ids []string) {
	t.Helper()
	activePerLicense := map[string]int{}
	for _, id := range ids {
		r := f.reservation(t, id)
		u := f.license(t, r.LicenseID)
		require.True(t, u.Consistent(), "license %s inconsistent: %+v", u.ID, u)
		switch r.Status {
		case model.ReservationReserved:
			activePerLicense[r.LicenseID]++
			require.Equal(t, model.LicenseReserved, u.State)
			require.Equal(t, r.ID, *u.ReservationID)
		case model.ReservationCompleted:
			require.NotNil(t, r.SaleID)
			require.Equal(t, model.LicenseCompleted, u.State)
			require.Equal(t, *r.SaleID, *u.SaleID)
		}
	}
	for lic, n := range activePerLicense {
		require.LessOrEqual(t, n, 1, "license %s has %d active reservations", lic, n)
	}
	counts, err := f.pool.Counts(context.Background(), "club-1")
	require.NoError(t, err)
	require.Equal(t, 3, counts.Available+counts.Reserved+counts.Completed)
}

func TestSweepNotifiesBuyer(t *testing.T) {
	n := &recordingNotifier{}
	f := newFixture(t, 1, WithNotifier(n))
	f.start(t, "seller-a")
	f.clock.Advance(16 * time.Minute)

	_, err := f.manager.SweepExpired(context.Background())
	require.NoError(t, err)

	require.Len(t, n.msgs, 1)
	assert.Equal(t, notify.TypeReservationExpired, n.msgs[0].Type)
	assert.Equal(t, notify.SMS, n.msgs[0].Channel)
	assert.Equal(t, customer.Phone, n.msgs[0].Recipient)
}
