package reservation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iliyamo/club-license-service/internal/catalog"
	"github.com/iliyamo/club-license-service/internal/ledger"
	"github.com/iliyamo/club-license-service/internal/license"
	"github.com/iliyamo/club-license-service/internal/logging"
	"github.com/iliyamo/club-license-service/internal/model"
	"github.com/iliyamo/club-license-service/internal/notify"
	"github.com/iliyamo/club-license-service/internal/payment"
	"github.com/iliyamo/club-license-service/internal/repository"
)

var (
	t0       = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	testPkg  = model.Package{ID: "package_100", Name: "Klubb 100", LicenseCount: 100, DebtPerLicense: 49, RetailPrice: 100, ValidityMonths: 12}
	customer = &model.Customer{Name: "Kari Nordmann", Email: "kari@example.no", Phone: "+4790000000"}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   repository.Store
	mem     *repository.MemoryStore
	clock   *clock
	pool    *license.Pool
	ledger  *ledger.Ledger
	manager *Manager
}

// newFixture seeds club-1 with sellers seller-a and seller-b and licenses
// provisioned units.
func newFixture(t *testing.T, licenses int, opts ...Option) *fixture {
	t.Helper()
	mem := repository.NewMemoryStore()
	return newFixtureWithStore(t, mem, mem, licenses, opts...)
}

func newFixtureWithStore(t *testing.T, mem *repository.MemoryStore, store repository.Store, licenses int, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: t0}
	log := logging.Discard()
	cat, err := catalog.New(testPkg)
	require.NoError(t, err)

	require.NoError(t, mem.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.CreateClub(ctx, &model.Club{ID: "club-1", Name: "Brann"}); err != nil {
			return err
		}
		if err := tx.CreateSeller(ctx, &model.Seller{ID: "seller-a", ClubID: "club-1", Name: "A", Active: true}); err != nil {
			return err
		}
		if err := tx.CreateSeller(ctx, &model.Seller{ID: "seller-b", ClubID: "club-1", Name: "B", Active: true}); err != nil {
			return err
		}
		return tx.CreateSeller(ctx, &model.Seller{ID: "seller-x", ClubID: "club-2", Name: "X", Active: true})
	}))

	pool := license.NewPool(store, log).WithClock(clk.Now)
	if licenses > 0 {
		_, err = pool.Provision(ctx, "club-1", licenses, testPkg.ID, 365*24*time.Hour)
		require.NoError(t, err)
	}
	l := ledger.New(store, time.UTC, log).WithClock(clk.Now)
	m := NewManager(store, pool, l, cat, log, append([]Option{WithClock(clk.Now)}, opts...)...)
	return &fixture{store: store, mem: mem, clock: clk, pool: pool, ledger: l, manager: m}
}

func (f *fixture) start(t *testing.T, seller string) *model.Reservation {
	t.Helper()
	r, err := f.manager.StartSale(context.Background(), StartSaleRequest{SellerID: seller, ClubID: "club-1", Customer: customer})
	require.NoError(t, err)
	return r
}

func (f *fixture) license(t *testing.T, id string) *model.LicenseUnit {
	t.Helper()
	var u *model.LicenseUnit
	require.NoError(t, f.mem.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		u, err = tx.GetLicense(ctx, "club-1", id)
		return err
	}))
	return u
}

func (f *fixture) reservation(t *testing.T, id string) *model.Reservation {
	t.Helper()
	var r *model.Reservation
	require.NoError(t, f.mem.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		r, err = tx.GetReservation(ctx, id)
		return err
	}))
	return r
}

// fakeAgreements records calls and can be told to fail.
type fakeAgreements struct {
	mu         sync.Mutex
	createErr  error
	cancelErr  error
	created    []payment.AgreementRequest
	cancelled  []string
	statuses   map[string]payment.AgreementStatus
	nextNumber int
}

func (f *fakeAgreements) CreateAgreement(_ context.Context, req payment.AgreementRequest) (*payment.Agreement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	f.nextNumber++
	id := "agr_" + req.Reference
	return &payment.Agreement{ID: id, LandingPageURL: "https://vipps.example/" + id, Status: payment.AgreementPending}, nil
}

func (f *fakeAgreements) GetAgreement(_ context.Context, id string) (*payment.Agreement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		st = payment.AgreementPending
	}
	return &payment.Agreement{ID: id, Status: st}, nil
}

func (f *fakeAgreements) CancelAgreement(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

func (f *fakeAgreements) ChargeAgreement(context.Context, string, int64, string) (*payment.ChargeResult, error) {
	return &payment.ChargeResult{ChargeID: "chr_1", Status: "PENDING"}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Send(_ context.Context, m notify.Message) notify.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return notify.Result{Success: true}
}

// faultyStore injects failures into the wrapped MemoryStore's transactions.
type faultyStore struct {
	*repository.MemoryStore
	failComplete bool
	conflicts    atomic.Int32 // remaining InTx calls that fail with a conflict
}

func (s *faultyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if s.conflicts.Load() > 0 {
		s.conflicts.Add(-1)
		return model.ErrPersistenceConflict
	}
	return s.MemoryStore.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, faultyTx{Tx: tx, failComplete: s.failComplete})
	})
}

type faultyTx struct {
	repository.Tx
	failComplete bool
}

func (t faultyTx) CompleteLicense(ctx context.Context, clubID, licenseID, reservationID string, buyer model.Customer, saleID string, now time.Time) (bool, error) {
	if t.failComplete {
		return false, errors.New("storage unavailable")
	}
	return t.Tx.CompleteLicense(ctx, clubID, licenseID, reservationID, buyer, saleID, now)
}
