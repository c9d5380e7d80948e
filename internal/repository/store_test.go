package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/club-license-service/internal/database"
	"github.com/iliyamo/club-license-service/internal/model"
)

// stores returns the implementations under test.  MySQL joins when
// MYSQL_TEST_DSN points at a disposable database.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemoryStore()}
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		return out
	}
	db, err := database.OpenDSN(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db, "up"))
	out["mysql"] = NewMySQLStore(db)
	return out
}

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func seedClub(t *testing.T, s Store, units int) (clubID string) {
	t.Helper()
	clubID = "club-" + uuid.NewString()[:8]
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.CreateClub(ctx, &model.Club{ID: clubID, Name: "Brann", PackageStatus: model.PackageNone, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		batch := make([]model.LicenseUnit, units)
		for i := range batch {
			batch[i] = model.LicenseUnit{
				ID:            uuid.NewString(),
				ClubID:        clubID,
				PackageID:     "package_100",
				LicenseNumber: fmt.Sprintf("BRA-%04d", i+1),
				State:         model.LicenseAvailable,
				CreatedAt:     now,
				UpdatedAt:     now,
				ExpiresAt:     now.AddDate(1, 0, 0),
			}
		}
		return tx.InsertLicenses(ctx, batch)
	}))
	return clubID
}

func TestLicenseLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			club := seedClub(t, s, 2)

			err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				u, err := tx.ClaimLicense(ctx, club, "seller-a", "res-1", now)
				require.NoError(t, err)
				assert.Equal(t, "BRA-0001", u.LicenseNumber)
				assert.Equal(t, model.LicenseReserved, u.State)
				assert.True(t, u.Consistent())

				ok, err := tx.CompleteLicense(ctx, club, u.ID, "res-other", model.Customer{Name: "Kari", Phone: "+4790000000"}, "sale-1", now)
				require.NoError(t, err)
				assert.False(t, ok, "wrong reservation must not complete")

				ok, err = tx.CompleteLicense(ctx, club, u.ID, "res-1", model.Customer{Name: "Kari", Phone: "+4790000000"}, "sale-1", now)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = tx.ReleaseLicense(ctx, club, u.ID, now)
				require.NoError(t, err)
				assert.False(t, ok, "completed units are never released")

				counts, err := tx.CountLicensesByState(ctx, club, now)
				require.NoError(t, err)
				assert.Equal(t, model.LicenseCounts{Available: 1, Completed: 1}, counts)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestPoolExhaustion(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			club := seedClub(t, s, 1)
			require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				_, err := tx.ClaimLicense(ctx, club, "seller-a", "res-1", now)
				return err
			}))
			err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				_, err := tx.ClaimLicense(ctx, club, "seller-a", "res-2", now)
				return err
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	boom := errors.New("boom")
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			club := seedClub(t, s, 1)
			err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				if _, err := tx.ClaimLicense(ctx, club, "seller-a", "res-1", now); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)

			require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				avail, err := tx.ListAvailableLicenses(ctx, club, now)
				require.NoError(t, err)
				assert.Len(t, avail, 1)
				return nil
			}))
		})
	}
}

func TestAddDebtIsCompareAndSet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			club := seedClub(t, s, 0)
			first := now.Truncate(time.Second)
			second := first.AddDate(0, 1, 0)

			require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				require.NoError(t, tx.EnsureFinance(ctx, club, now))
				ok, err := tx.AddDebt(ctx, club, 4900, nil, first)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = tx.AddDebt(ctx, club, 4900, nil, first)
				require.NoError(t, err)
				assert.False(t, ok, "stale predecessor must lose")

				ok, err = tx.AddDebt(ctx, club, 4900, &first, second)
				require.NoError(t, err)
				assert.True(t, ok)

				f, err := tx.GetFinance(ctx, club)
				require.NoError(t, err)
				assert.Equal(t, int64(9800), f.TotalDebt)
				assert.Equal(t, int64(-9800), f.CurrentBalance)
				require.NotNil(t, f.LastDebtChargedAt)
				assert.True(t, second.Equal(*f.LastDebtChargedAt))
				return nil
			}))
		})
	}
}

func TestCommissionUniquePerPeriod(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			club := seedClub(t, s, 0)
			agent := "agent-" + uuid.NewString()[:8]
			mk := func() *model.Commission {
				return &model.Commission{
					ID: uuid.NewString(), AgentID: agent, ClubID: club, Amount: 490,
					Period: model.Period{Year: 2025, Month: time.March}, Status: model.CommissionEarned,
					DueDate: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), CreatedAt: now,
				}
			}
			require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				ok, err := tx.InsertCommissionIfAbsent(ctx, mk())
				require.NoError(t, err)
				assert.True(t, ok)
				ok, err = tx.InsertCommissionIfAbsent(ctx, mk())
				require.NoError(t, err)
				assert.False(t, ok)

				list, err := tx.ListCommissionsByAgent(ctx, agent)
				require.NoError(t, err)
				require.Len(t, list, 1)

				ok, err = tx.MarkCommissionPaid(ctx, list[0].ID, now)
				require.NoError(t, err)
				assert.True(t, ok)
				ok, err = tx.MarkCommissionPaid(ctx, list[0].ID, now)
				require.NoError(t, err)
				assert.False(t, ok)
				return nil
			}))
		})
	}
}

func TestEventsAreMarkedOnce(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "evt-" + uuid.NewString()
			require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				done, err := tx.IsEventProcessed(ctx, "stripe", id)
				require.NoError(t, err)
				assert.False(t, done)

				first, err := tx.MarkEventProcessed(ctx, "stripe", id, now)
				require.NoError(t, err)
				assert.True(t, first)
				again, err := tx.MarkEventProcessed(ctx, "stripe", id, now)
				require.NoError(t, err)
				assert.False(t, again)

				// ids are scoped per provider
				other, err := tx.MarkEventProcessed(ctx, "vipps", id, now)
				require.NoError(t, err)
				assert.True(t, other)
				return nil
			}))
		})
	}
}

type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	f.calls++
	if f.calls <= f.failures {
		return model.ErrPersistenceConflict
	}
	return f.Store.InTx(ctx, fn)
}

func TestRetryConflicts(t *testing.T) {
	ctx := context.Background()
	noop := func(context.Context, Tx) error { return nil }

	s := &flakyStore{Store: NewMemoryStore(), failures: 2}
	require.NoError(t, RetryConflicts(ctx, s, noop))
	assert.Equal(t, 3, s.calls)

	s = &flakyStore{Store: NewMemoryStore(), failures: 10}
	err := RetryConflicts(ctx, s, noop)
	assert.ErrorIs(t, err, model.ErrPersistenceConflict)
	assert.Equal(t, ConflictRetries+1, s.calls)

	boom := errors.New("boom")
	s = &flakyStore{Store: NewMemoryStore()}
	err = RetryConflicts(ctx, s, func(context.Context, Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.calls)
}

func TestDebtRowLookup(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			club := seedClub(t, s, 0)
			require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				found, err := tx.HasTransaction(ctx, club, model.TxMonthlyDebt, "2025-03")
				require.NoError(t, err)
				assert.False(t, found)

				require.NoError(t, tx.InsertTransaction(ctx, &model.Transaction{
					ID: uuid.NewString(), ClubID: club, Type: model.TxMonthlyDebt, Amount: 4900,
					ReferenceID: "2025-03", CreatedAt: now,
				}))
				found, err = tx.HasTransaction(ctx, club, model.TxMonthlyDebt, "2025-03")
				require.NoError(t, err)
				assert.True(t, found)

				found, err = tx.HasTransaction(ctx, club, model.TxLicenseSale, "2025-03")
				require.NoError(t, err)
				assert.False(t, found)
				return nil
			}))
		})
	}
}

func TestAgreementChargeClaims(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			club := seedClub(t, s, 0)
			saleID := "sale-" + uuid.NewString()[:8]
			agreement := "agr_" + saleID
			march := model.Period{Year: 2025, Month: time.March}
			require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx Tx) error {
				require.NoError(t, tx.InsertSale(ctx, &model.Sale{
					ID: saleID, ReservationID: "res-" + saleID, LicenseID: "lic-1", SellerID: "seller-a",
					ClubID: club, PackageID: "package_100", Customer: model.Customer{Name: "Kari", Phone: "+4790000000"},
					SalePrice: 10000, Profit: 5100, LicenseValidFrom: now, LicenseValidUntil: now.AddDate(1, 0, 0),
					Status: model.SaleActive, AgreementRef: &agreement, CreatedAt: now,
				}))

				sales, err := tx.ListChargeableSales(ctx, now, 1000)
				require.NoError(t, err)
				ids := make([]string, 0, len(sales))
				for _, sale := range sales {
					ids = append(ids, sale.ID)
				}
				assert.Contains(t, ids, saleID)

				mk := func() *model.AgreementCharge {
					return &model.AgreementCharge{SaleID: saleID, Period: march, AgreementID: agreement, Amount: 10000, CreatedAt: now}
				}
				ok, err := tx.ClaimAgreementCharge(ctx, mk())
				require.NoError(t, err)
				assert.True(t, ok)
				ok, err = tx.ClaimAgreementCharge(ctx, mk())
				require.NoError(t, err)
				assert.False(t, ok, "a period is charged once")

				require.NoError(t, tx.ReleaseAgreementCharge(ctx, saleID, march))
				ok, err = tx.ClaimAgreementCharge(ctx, mk())
				require.NoError(t, err)
				assert.True(t, ok, "a released claim can be taken again")

				require.NoError(t, tx.SetAgreementChargeID(ctx, saleID, march, "chr_1"))
				assert.ErrorIs(t, tx.SetAgreementChargeID(ctx, saleID, march.Add(1), "chr_2"), ErrNotFound)
				return nil
			}))
		})
	}
}
