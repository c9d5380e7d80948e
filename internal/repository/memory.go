package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iliyamo/club-license-service/internal/model"
)

// MemoryStore is an in-process Store.  Units of work are serialised by a
// mutex and run against a copy of the state that replaces the committed
// state only when fn succeeds, so a failed unit leaves no trace.  It backs
// the domain tests and local runs without MySQL.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	clubs        map[string]model.Club
	sellers      map[string]model.Seller
	licenses     map[string]model.LicenseUnit
	reservations map[string]model.Reservation
	sales        map[string]model.Sale
	finances     map[string]model.ClubFinance
	transactions []model.Transaction
	commissions  map[string]model.Commission
	charges      map[string]model.AgreementCharge
	events       map[string]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		clubs:        map[string]model.Club{},
		sellers:      map[string]model.Seller{},
		licenses:     map[string]model.LicenseUnit{},
		reservations: map[string]model.Reservation{},
		sales:        map[string]model.Sale{},
		finances:     map[string]model.ClubFinance{},
		commissions:  map[string]model.Commission{},
		charges:      map[string]model.AgreementCharge{},
		events:       map[string]time.Time{},
	}}
}

func (s *memState) clone() *memState {
	return &memState{
		clubs:        maps.Clone(s.clubs),
		sellers:      maps.Clone(s.sellers),
		licenses:     maps.Clone(s.licenses),
		reservations: maps.Clone(s.reservations),
		sales:        maps.Clone(s.sales),
		finances:     maps.Clone(s.finances),
		transactions: slices.Clone(s.transactions),
		commissions:  maps.Clone(s.commissions),
		charges:      maps.Clone(s.charges),
		events:       maps.Clone(s.events),
	}
}

// InTx implements Store.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type memTx struct {
	st *memState
}

func strp(s string) *string { return &s }

// clubs

func (t *memTx) CreateClub(_ context.Context, c *model.Club) error {
	if _, ok := t.st.clubs[c.ID]; ok {
		return ErrDuplicate
	}
	if c.PackageStatus == "" {
		c.PackageStatus = model.PackageNone
	}
	t.st.clubs[c.ID] = *c
	return nil
}

func (t *memTx) GetClub(_ context.Context, id string) (*model.Club, error) {
	c, ok := t.st.clubs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (t *memTx) GetClubBySubscription(_ context.Context, ref string) (*model.Club, error) {
	for _, c := range t.st.clubs {
		if c.SubscriptionRef != nil && *c.SubscriptionRef == ref {
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdateClubPackage(_ context.Context, c *model.Club) error {
	cur, ok := t.st.clubs[c.ID]
	if !ok {
		return ErrNotFound
	}
	cur.PackageID = c.PackageID
	cur.PackageStatus = c.PackageStatus
	cur.ActivationDate = c.ActivationDate
	cur.SubscriptionRef = c.SubscriptionRef
	cur.UpdatedAt = c.UpdatedAt
	t.st.clubs[c.ID] = cur
	return nil
}

func (t *memTx) ListBillableClubs(_ context.Context) ([]model.Club, error) {
	var out []model.Club
	for _, c := range t.st.clubs {
		if c.HasActivePackage() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CreateSeller(_ context.Context, s *model.Seller) error {
	if _, ok := t.st.sellers[s.ID]; ok {
		return ErrDuplicate
	}
	t.st.sellers[s.ID] = *s
	return nil
}

func (t *memTx) GetSeller(_ context.Context, id string) (*model.Seller, error) {
	s, ok := t.st.sellers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// licenses

func (t *memTx) InsertLicenses(_ context.Context, units []model.LicenseUnit) error {
	for _, u := range units {
		if _, ok := t.st.licenses[u.ID]; ok {
			return ErrDuplicate
		}
	}
	for _, u := range units {
		t.st.licenses[u.ID] = u
	}
	return nil
}

func (t *memTx) CountLicenses(_ context.Context, clubID string) (int, error) {
	n := 0
	for _, u := range t.st.licenses {
		if u.ClubID == clubID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetLicense(_ context.Context, clubID, licenseID string) (*model.LicenseUnit, error) {
	u, ok := t.st.licenses[licenseID]
	if !ok || u.ClubID != clubID {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (t *memTx) ListAvailableLicenses(_ context.Context, clubID string, now time.Time) ([]model.LicenseUnit, error) {
	var out []model.LicenseUnit
	for _, u := range t.st.licenses {
		if u.ClubID == clubID && u.State == model.LicenseAvailable && u.ExpiresAt.After(now) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LicenseNumber < out[j].LicenseNumber })
	return out, nil
}

func (t *memTx) CountLicensesByState(_ context.Context, clubID string, now time.Time) (model.LicenseCounts, error) {
	var c model.LicenseCounts
	for _, u := range t.st.licenses {
		if u.ClubID != clubID {
			continue
		}
		switch u.State {
		case model.LicenseAvailable:
			if u.ExpiresAt.After(now) {
				c.Available++
			}
		case model.LicenseReserved:
			c.Reserved++
		case model.LicenseCompleted:
			c.Completed++
		}
	}
	return c, nil
}

func (t *memTx) ClaimLicense(ctx context.Context, clubID, sellerID, reservationID string, now time.Time) (*model.LicenseUnit, error) {
	avail, _ := t.ListAvailableLicenses(ctx, clubID, now)
	if len(avail) == 0 {
		return nil, ErrNotFound
	}
	u := avail[0]
	u.State = model.LicenseReserved
	u.ReservationID = strp(reservationID)
	u.SellerID = strp(sellerID)
	u.UpdatedAt = now
	t.st.licenses[u.ID] = u
	return &u, nil
}

func (t *memTx) CompleteLicense(_ context.Context, clubID, licenseID, reservationID string, buyer model.Customer, saleID string, now time.Time) (bool, error) {
	u, ok := t.st.licenses[licenseID]
	if !ok || u.ClubID != clubID || u.State != model.LicenseReserved ||
		u.ReservationID == nil || *u.ReservationID != reservationID {
		return false, nil
	}
	u.State = model.LicenseCompleted
	u.BuyerInfo = &buyer
	u.SaleID = strp(saleID)
	u.UpdatedAt = now
	t.st.licenses[licenseID] = u
	return true, nil
}

func (t *memTx) ReleaseLicense(_ context.Context, clubID, licenseID string, now time.Time) (bool, error) {
	u, ok := t.st.licenses[licenseID]
	if !ok || u.ClubID != clubID || u.State != model.LicenseReserved {
		return false, nil
	}
	u.State = model.LicenseAvailable
	u.ReservationID = nil
	u.SellerID = nil
	u.UpdatedAt = now
	t.st.licenses[licenseID] = u
	return true, nil
}

// reservations

func (t *memTx) InsertReservation(_ context.Context, r *model.Reservation) error {
	if _, ok := t.st.reservations[r.ID]; ok {
		return ErrDuplicate
	}
	t.st.reservations[r.ID] = *r
	return nil
}

func (t *memTx) GetReservation(_ context.Context, id string) (*model.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memTx) LockReservation(ctx context.Context, id string) (*model.Reservation, error) {
	return t.GetReservation(ctx, id)
}

func (t *memTx) GetReservationByAgreement(_ context.Context, agreementID string) (*model.Reservation, error) {
	for _, r := range t.st.reservations {
		if r.AgreementID != nil && *r.AgreementID == agreementID {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) TransitionReservation(_ context.Context, id string, from, to model.ReservationStatus, saleID *string, now time.Time) (bool, error) {
	r, ok := t.st.reservations[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	if saleID != nil {
		r.SaleID = strp(*saleID)
	}
	r.UpdatedAt = now
	t.st.reservations[id] = r
	return true, nil
}

func (t *memTx) SetReservationAgreement(_ context.Context, id, agreementID, url string, now time.Time) error {
	r, ok := t.st.reservations[id]
	if !ok {
		return ErrNotFound
	}
	r.AgreementID = strp(agreementID)
	r.AgreementURL = url
	r.UpdatedAt = now
	t.st.reservations[id] = r
	return nil
}

func (t *memTx) ListOverdueReservations(_ context.Context, now time.Time, limit int) ([]model.Reservation, error) {
	var out []model.Reservation
	for _, r := range t.st.reservations {
		if r.Overdue(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sales

func (t *memTx) InsertSale(_ context.Context, s *model.Sale) error {
	if _, ok := t.st.sales[s.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range t.st.sales {
		if existing.ReservationID == s.ReservationID {
			return ErrDuplicate
		}
	}
	t.st.sales[s.ID] = *s
	return nil
}

func (t *memTx) GetSale(_ context.Context, id string) (*model.Sale, error) {
	s, ok := t.st.sales[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (t *memTx) GetSaleByAgreement(_ context.Context, agreementRef string) (*model.Sale, error) {
	for _, s := range t.st.sales {
		if s.AgreementRef != nil && *s.AgreementRef == agreementRef {
			return &s, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) ListSalesByClub(_ context.Context, clubID string) ([]model.Sale, error) {
	var out []model.Sale
	for _, s := range t.st.sales {
		if s.ClubID == clubID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) SetSaleStatus(_ context.Context, id string, from, to model.SaleStatus) (bool, error) {
	s, ok := t.st.sales[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	t.st.sales[id] = s
	return true, nil
}

func (t *memTx) ExpireSales(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, s := range t.st.sales {
		if s.Status == model.SaleActive && s.LicenseValidUntil.Before(now) {
			s.Status = model.SaleExpired
			t.st.sales[id] = s
			n++
		}
	}
	return n, nil
}

// finance

func (t *memTx) EnsureFinance(_ context.Context, clubID string, now time.Time) error {
	if _, ok := t.st.finances[clubID]; !ok {
		t.st.finances[clubID] = model.ClubFinance{ClubID: clubID, UpdatedAt: now}
	}
	return nil
}

func (t *memTx) GetFinance(_ context.Context, clubID string) (*model.ClubFinance, error) {
	f, ok := t.st.finances[clubID]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (t *memTx) LockFinance(ctx context.Context, clubID string) (*model.ClubFinance, error) {
	return t.GetFinance(ctx, clubID)
}

func (t *memTx) AddIncome(_ context.Context, clubID string, amount int64, licenses int, now time.Time) error {
	f, ok := t.st.finances[clubID]
	if !ok {
		return ErrNotFound
	}
	f.TotalIncome += amount
	f.TotalLicensesSold += licenses
	f.CurrentBalance = f.TotalIncome - f.TotalDebt
	f.UpdatedAt = now
	t.st.finances[clubID] = f
	return nil
}

func (t *memTx) AddDebt(_ context.Context, clubID string, amount int64, prevCharged *time.Time, chargedAt time.Time) (bool, error) {
	f, ok := t.st.finances[clubID]
	if !ok {
		return false, nil
	}
	switch {
	case prevCharged == nil && f.LastDebtChargedAt != nil,
		prevCharged != nil && (f.LastDebtChargedAt == nil || !f.LastDebtChargedAt.Equal(*prevCharged)):
		return false, nil
	}
	f.TotalDebt += amount
	f.CurrentBalance = f.TotalIncome - f.TotalDebt
	charged := chargedAt
	f.LastDebtChargedAt = &charged
	f.UpdatedAt = chargedAt
	t.st.finances[clubID] = f
	return true, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	t.st.transactions = append(t.st.transactions, *tr)
	return nil
}

func (t *memTx) HasTransaction(_ context.Context, clubID string, typ model.TransactionType, referenceID string) (bool, error) {
	for _, tr := range t.st.transactions {
		if tr.ClubID == clubID && tr.Type == typ && tr.ReferenceID == referenceID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ListTransactions(_ context.Context, clubID string, limit int) ([]model.Transaction, error) {
	var out []model.Transaction
	for i := len(t.st.transactions) - 1; i >= 0; i-- {
		tr := t.st.transactions[i]
		if tr.ClubID != clubID {
			continue
		}
		out = append(out, tr)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// commissions

func (t *memTx) InsertCommissionIfAbsent(_ context.Context, c *model.Commission) (bool, error) {
	for _, existing := range t.st.commissions {
		if existing.AgentID == c.AgentID && existing.ClubID == c.ClubID && existing.Period == c.Period {
			return false, nil
		}
	}
	t.st.commissions[c.ID] = *c
	return true, nil
}

func (t *memTx) GetCommission(_ context.Context, id string) (*model.Commission, error) {
	c, ok := t.st.commissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (t *memTx) ListCommissionsByAgent(_ context.Context, agentID string) ([]model.Commission, error) {
	return t.filterCommissions(func(c model.Commission) bool { return c.AgentID == agentID }), nil
}

func (t *memTx) ListCommissionsByClub(_ context.Context, clubID string) ([]model.Commission, error) {
	return t.filterCommissions(func(c model.Commission) bool { return c.ClubID == clubID }), nil
}

func (t *memTx) filterCommissions(keep func(model.Commission) bool) []model.Commission {
	var out []model.Commission
	for _, c := range t.st.commissions {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period.String() > out[j].Period.String()
		}
		return strings.Compare(out[i].ClubID, out[j].ClubID) < 0
	})
	return out
}

func (t *memTx) MarkCommissionPaid(_ context.Context, id string, now time.Time) (bool, error) {
	c, ok := t.st.commissions[id]
	if !ok || c.Status != model.CommissionEarned {
		return false, nil
	}
	c.Status = model.CommissionPaid
	paid := now
	c.PaidAt = &paid
	t.st.commissions[id] = c
	return true, nil
}

func (t *memTx) ListChargeableSales(_ context.Context, now time.Time, limit int) ([]model.Sale, error) {
	var out []model.Sale
	for _, s := range t.st.sales {
		if s.Status == model.SaleActive && s.AgreementRef != nil && s.LicenseValidUntil.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// agreement charges

func chargeKey(saleID string, p model.Period) string { return saleID + "/" + p.String() }

func (t *memTx) ClaimAgreementCharge(_ context.Context, c *model.AgreementCharge) (bool, error) {
	k := chargeKey(c.SaleID, c.Period)
	if _, ok := t.st.charges[k]; ok {
		return false, nil
	}
	t.st.charges[k] = *c
	return true, nil
}

func (t *memTx) SetAgreementChargeID(_ context.Context, saleID string, period model.Period, chargeID string) error {
	k := chargeKey(saleID, period)
	c, ok := t.st.charges[k]
	if !ok {
		return ErrNotFound
	}
	c.ChargeID = chargeID
	t.st.charges[k] = c
	return nil
}

func (t *memTx) ReleaseAgreementCharge(_ context.Context, saleID string, period model.Period) error {
	k := chargeKey(saleID, period)
	if c, ok := t.st.charges[k]; ok && c.ChargeID == "" {
		delete(t.st.charges, k)
	}
	return nil
}

// events

func eventKey(provider, eventID string) string { return provider + "/" + eventID }

func (t *memTx) IsEventProcessed(_ context.Context, provider, eventID string) (bool, error) {
	_, ok := t.st.events[eventKey(provider, eventID)]
	return ok, nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, provider, eventID string, now time.Time) (bool, error) {
	k := eventKey(provider, eventID)
	if _, ok := t.st.events[k]; ok {
		return false, nil
	}
	t.st.events[k] = now
	return true, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)
