package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

type AppointmentStatus string

const (
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCompleted AppointmentStatus = "completed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
)

// Terminal reports whether no further status transition is allowed.
func (s AppointmentStatus) Terminal() bool {
	switch s {
	case AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

func CanTransition(from, to AppointmentStatus) bool {
	if from != AppointmentConfirmed {
		return false
	}
	switch to {
	case AppointmentCompleted, AppointmentCancelled, AppointmentNoShow:
		return true
	}
	return false
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID            uuid.UUID         `bun:"id,pk,type:uuid"`
	ProviderID    string            `bun:"provider_id,notnull"`
	RequesterID   string            `bun:"requester_id,notnull"`
	SlotStart     time.Time         `bun:"slot_start,notnull"`
	SlotEnd       time.Time         `bun:"slot_end,notnull"`
	Status        AppointmentStatus `bun:"status,notnull"`
	Reason        string            `bun:"reason"`
	Notes         string            `bun:"notes"`
	CancelPending bool              `bun:"cancel_pending,notnull"`
	CreatedAt     time.Time         `bun:"created_at,notnull"`
	UpdatedAt     time.Time         `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// BlocksSlot reports whether the appointment keeps its slot out of the free
// pool. Completed and no-show slots are not re-offered; only cancellation
// releases the slot.
func (a Appointment) BlocksSlot() bool {
	return a.Status != AppointmentCancelled
}
