package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/club-license-service/internal/model"
)

const clubColumns = `id, name, agent_id, package_id, package_status, activation_date,
	subscription_ref, sale_price, created_at, updated_at`

func scanClub(row rowScanner) (*model.Club, error) {
	var (
		c                          model.Club
		agentID, packageID, subRef sql.NullString
		activation                 sql.NullTime
		status                     string
	)
	if err := row.Scan(&c.ID, &c.Name, &agentID, &packageID, &status, &activation,
		&subRef, &c.SalePrice, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, classify(err)
	}
	c.AgentID = stringPtr(agentID)
	c.PackageID = stringPtr(packageID)
	c.PackageStatus = model.PackageStatus(status)
	c.ActivationDate = timePtr(activation)
	c.SubscriptionRef = stringPtr(subRef)
	return &c, nil
}

// CreateClub inserts a club row.  CreatedAt and UpdatedAt are set from the
// struct so callers control the clock.
func (t *mysqlTx) CreateClub(ctx context.Context, c *model.Club) error {
	if c.PackageStatus == "" {
		c.PackageStatus = model.PackageNone
	}
	const q = `INSERT INTO clubs (` + clubColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, q, c.ID, c.Name, nullString(c.AgentID), nullString(c.PackageID),
		string(c.PackageStatus), nullTime(c.ActivationDate), nullString(c.SubscriptionRef),
		c.SalePrice, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	return classify(err)
}

// GetClub returns the club with the given id or ErrNotFound.
func (t *mysqlTx) GetClub(ctx context.Context, id string) (*model.Club, error) {
	const q = `SELECT ` + clubColumns + ` FROM clubs WHERE id = ?`
	return scanClub(t.tx.QueryRowContext(ctx, q, id))
}

// GetClubBySubscription finds the club billed under a card provider subscription.
func (t *mysqlTx) GetClubBySubscription(ctx context.Context, ref string) (*model.Club, error) {
	const q = `SELECT ` + clubColumns + ` FROM clubs WHERE subscription_ref = ?`
	return scanClub(t.tx.QueryRowContext(ctx, q, ref))
}

// UpdateClubPackage persists the package related columns of c.
func (t *mysqlTx) UpdateClubPackage(ctx context.Context, c *model.Club) error {
	const q = `UPDATE clubs SET package_id = ?, package_status = ?, activation_date = ?,
		subscription_ref = ?, updated_at = ? WHERE id = ?`
	ok, err := affected(t.tx.ExecContext(ctx, q, nullString(c.PackageID), string(c.PackageStatus),
		nullTime(c.ActivationDate), nullString(c.SubscriptionRef), c.UpdatedAt.UTC(), c.ID))
	if err != nil {
		return err
	}
	if !ok {
		// MySQL reports zero affected rows when nothing changed; tell that
		// apart from a missing club.
		var one int
		if err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM clubs WHERE id = ?`, c.ID).Scan(&one); err != nil {
			return classify(err)
		}
	}
	return nil
}

// ListBillableClubs returns clubs whose package is active or past due.
func (t *mysqlTx) ListBillableClubs(ctx context.Context) ([]model.Club, error) {
	const q = `SELECT ` + clubColumns + ` FROM clubs
		WHERE package_id IS NOT NULL AND activation_date IS NOT NULL
		AND package_status IN ('active', 'past_due') ORDER BY id`
	rows, err := t.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var clubs []model.Club
	for rows.Next() {
		c, err := scanClub(rows)
		if err != nil {
			return nil, err
		}
		clubs = append(clubs, *c)
	}
	return clubs, classify(rows.Err())
}

// CreateSeller inserts a seller row.
func (t *mysqlTx) CreateSeller(ctx context.Context, s *model.Seller) error {
	const q = `INSERT INTO sellers (id, club_id, name, email, phone, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := t.tx.ExecContext(ctx, q, s.ID, s.ClubID, s.Name, s.Email, s.Phone, s.Active, time.Now().UTC())
	return classify(err)
}

// GetSeller returns the seller with the given id or ErrNotFound.
func (t *mysqlTx) GetSeller(ctx context.Context, id string) (*model.Seller, error) {
	const q = `SELECT id, club_id, name, email, phone, active FROM sellers WHERE id = ?`
	var s model.Seller
	err := t.tx.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.ClubID, &s.Name, &s.Email, &s.Phone, &s.Active)
	if err != nil {
		return nil, classify(err)
	}
	return &s, nil
}
