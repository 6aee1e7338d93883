package manualstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/timezone"

	_ "embed"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

// Store persists user-submitted product records keyed by normalized
// query, so the manual fallback tier survives process restarts.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

// Put replaces any previous submission for the query key. Records are
// already normalized Products, raw-format parsing belongs to the intake
// handler upstream of this core.
func (s Store) Put(ctx context.Context, queryKey string, products []market.Product) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `DELETE FROM manual_records WHERE query_key = ?`, queryKey)
	if err != nil {
		return err
	}

	submittedAt := timezone.Now().Unix()
	for i, p := range products {
		encoded, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO manual_records (query_key, position, product, submitted_at)
			 VALUES (?, ?, ?, ?)`,
			queryKey, i, string(encoded), submittedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get returns the submission for a query key in submission order, along
// with when it was submitted. No rows is not an error, just an empty
// result.
func (s Store) Get(ctx context.Context, queryKey string) ([]market.Product, time.Time, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT product, submitted_at FROM manual_records
		 WHERE query_key = ? ORDER BY position`,
		queryKey,
	)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer rows.Close()

	var products []market.Product
	var submittedAt int64
	for rows.Next() {
		var encoded string
		err := rows.Scan(&encoded, &submittedAt)
		if err != nil {
			return nil, time.Time{}, err
		}
		var p market.Product
		err = json.Unmarshal([]byte(encoded), &p)
		if err != nil {
			return nil, time.Time{}, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, err
	}
	if len(products) == 0 {
		return nil, time.Time{}, nil
	}
	return products, time.Unix(submittedAt, 0).In(timezone.Location), nil
}
