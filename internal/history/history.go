package history

import (
	"context"
	"time"

	"github.com/loykin/bridgectl/internal/notify"
)

// Table is the default table or index name used by sinks.
const Table = "bridge_history"

// Sink is a destination for lifecycle events (analytics/audit systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e notify.Event) error
}

// Row flattens an event into the column order shared by the SQL sinks.
func Row(e notify.Event) []any {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return []any{e.ID, ts.UTC(), string(e.Type), e.ConfigID, e.From, e.To, e.Reason, e.Error, e.Attempt}
}

// Columns matches Row.
const Columns = "event_id, occurred_at, type, config_id, from_state, to_state, reason, error, attempt"
