package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// BetStore implements domain.TradeStore on the market_bets table.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

// Insert writes a trade record. Records with an id that already exists are
// skipped, so a resubmitted record is not booked twice.
func (s *BetStore) Insert(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		INSERT INTO market_bets (
			id, user_id, market_id, side, amount, shares, price, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	status := rec.Status
	if status == "" {
		status = domain.TradeStatusPending
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.UserID, rec.MarketID, string(rec.Side),
		rec.Amount, rec.Shares, rec.Price, string(status), createdAt,
	)
	if err != nil {
		return storeError("insert trade "+rec.ID, err)
	}
	return nil
}

// ListBetween returns the records created in [from, to), oldest first.
func (s *BetStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.TradeRecord, error) {
	const query = `
		SELECT id, user_id, market_id, side, amount, shares, price, status, created_at
		FROM market_bets
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, storeError("list trades", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var rec domain.TradeRecord
		var side, status string
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.MarketID, &side,
			&rec.Amount, &rec.Shares, &rec.Price, &status, &rec.CreatedAt,
		); err != nil {
			return nil, storeError("scan trade", err)
		}
		rec.Side = domain.Side(side)
		rec.Status = domain.TradeStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list trades rows", err)
	}
	return out, nil
}
