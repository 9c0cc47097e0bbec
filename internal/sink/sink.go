// Package sink persists snapshots outside the live store: a JSON document for other
// tools and a relational copy with flat processes and hourly_data tables.
package sink

import (
	"context"

	"github.com/Dicklesworthstone/ecoscan/internal/model"
)

// Sink writes a complete snapshot, replacing whatever it wrote before.
type Sink interface {
	Name() string
	Write(ctx context.Context, snap model.Snapshot) error
}
