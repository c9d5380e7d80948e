package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/club-license-service/internal/model"
)

// MySQL error numbers mapped onto the storage taxonomy.
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// MySQLStore implements Store on top of a MySQL connection pool.  All
// timestamps are written and read as UTC; the DSN built by
// database.Open sets loc=UTC and parseTime=true.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore returns a Store bound to db.
func NewMySQLStore(db *sql.DB) *MySQLStore { return &MySQLStore{db: db} }

// InTx runs fn inside a READ COMMITTED transaction.  Conditional UPDATEs
// carry the compare-and-set semantics, so the weaker isolation level keeps
// gap locking out of the hot reserve path.
func (s *MySQLStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// classify maps driver errors onto repository and model sentinels while
// keeping the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlDeadlock, mysqlLockWaitTimeout:
			return fmt.Errorf("%w: %w", model.ErrPersistenceConflict, err)
		case mysqlDuplicateEntry:
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		}
	}
	return err
}

// mysqlTx implements Tx over a single *sql.Tx.  Its methods are spread
// over the *_repository.go files, one per collection.
type mysqlTx struct {
	tx *sql.Tx
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// jsonColumn marshals v for a JSON column; nil becomes SQL NULL.
func jsonColumn(v any) (any, error) {
	switch t := v.(type) {
	case *model.Customer:
		if t == nil {
			return nil, nil
		}
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func customerFromColumn(raw []byte) (*model.Customer, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var c model.Customer
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode customer: %w", err)
	}
	return &c, nil
}

var (
	_ Store = (*MySQLStore)(nil)
	_ Tx    = (*mysqlTx)(nil)
)
