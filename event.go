package custody

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventDeposit       EventKind = "deposit"
	EventWithdrawal    EventKind = "withdrawal"
	EventAssetAdded    EventKind = "asset_added"
	EventAssetRemoved  EventKind = "asset_removed"
	EventOracleRotated EventKind = "oracle_rotated"
)

// Event is the record of one completed state change. Amount, ValueUSD and
// Balance are integers in native units and accounting units respectively.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Seq       int64           `json:"seq"`
	Kind      EventKind       `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Owner     string          `json:"owner,omitempty"`
	Asset     AssetID         `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	ValueUSD  decimal.Decimal `json:"value_usd"`
	Balance   decimal.Decimal `json:"balance"`
	OracleRef string          `json:"oracle,omitempty"`
	Decimals  uint8           `json:"decimals,omitempty"`
}

// Notifier receives every event after the operation has completed. It cannot
// fail the operation.
type Notifier interface {
	Notify(ctx context.Context, e *Event)
}

type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, e *Event) {
	for _, n := range ns {
		n.Notify(ctx, e)
	}
}

func logEvent(e *Event) {
	slog.Info(
		"custody event",
		"seq", e.Seq,
		"kind", e.Kind,
		"owner", e.Owner,
		"asset", e.Asset,
		"amount", e.Amount,
		"value_usd", e.ValueUSD,
		"balance", e.Balance,
	)
}
