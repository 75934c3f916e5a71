package domain

import (
	"context"
	"time"
)

// MarketStore is the read side of the hosted market database.
type MarketStore interface {
	// List returns every market ordered by end date ascending.
	List(ctx context.Context) ([]Market, error)
	// GetByID returns ErrNotFound when no row matches; that is not a
	// transport failure.
	GetByID(ctx context.Context, id string) (Market, error)
}

// TradeStore is the write side: trade records land in market_bets with
// status pending and the backend owns everything after that.
type TradeStore interface {
	Insert(ctx context.Context, rec TradeRecord) error
}

// ChangeOp is the kind of row mutation carried by a change event.
type ChangeOp string

const (
	ChangeInsert ChangeOp = "insert"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// ChangeEvent signals that the market collection was mutated. Views treat it
// as opaque; ID is only used for cache invalidation.
type ChangeEvent struct {
	Table string   `json:"table"`
	Op    ChangeOp `json:"op"`
	ID    string   `json:"id"`
}

// Subscription is a live change-feed registration. Unsubscribe releases it
// and closes Events; it is safe to call more than once.
type Subscription interface {
	Events() <-chan ChangeEvent
	Unsubscribe()
}

// ChangeFeed delivers insert/update/delete notifications for the markets
// collection.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit int) ([]AuditEntry, error)
}
