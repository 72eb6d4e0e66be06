package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Hold is a time-boxed exclusive claim on a slot during the booking flow.
// Expiry is enforced lazily: a hold past ExpiresAt is treated as released
// even before the sweeper reclaims it.
type Hold struct {
	bun.BaseModel `bun:"table:holds"`

	ID          uuid.UUID `bun:"id,pk,type:uuid"`
	ProviderID  string    `bun:"provider_id,notnull"`
	SlotStart   time.Time `bun:"slot_start,notnull"`
	SlotEnd     time.Time `bun:"slot_end,notnull"`
	RequesterID string    `bun:"requester_id,notnull"`
	ExpiresAt   time.Time `bun:"expires_at,notnull"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
}

func (h *Hold) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	if _, ok := query.(*bun.InsertQuery); !ok {
		return nil
	}
	if h.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		h.ID = id
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (h Hold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}
