package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"medagenda/internal/domain"
)

// ScheduleStore is the single source of truth for a provider's template,
// exceptions, holds, and appointments. Slot state is derived from the hold
// and appointment records, never stored on its own.
//
// Reads outside a transaction may be stale; every mutation of per-slot state
// happens inside InSlotTx, and template/exception edits inside InProviderTx.
// For a given (provider, slot start) the two transaction scopes are mutually
// exclusive: InProviderTx excludes all slot transactions of that provider,
// while slot transactions of different slots proceed in parallel.
type ScheduleStore interface {
	GetTemplate(ctx context.Context, providerID string) (domain.WeeklyTemplate, error)
	ListExceptions(ctx context.Context, providerID string, fromDate, toDate string) ([]domain.Exception, error)
	GetHold(ctx context.Context, holdID uuid.UUID) (domain.Hold, error)
	ListHolds(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Hold, error)
	GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	ListAppointments(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)

	// DeleteExpiredHolds reclaims holds whose expiry has passed and reports
	// how many were removed. The sweep is an optimization; expiry is already
	// enforced lazily on every read.
	DeleteExpiredHolds(ctx context.Context, now time.Time) (int, error)

	// InProviderTx runs fn while holding the provider's schedule exclusively.
	// It fails with ErrBusy instead of waiting out sustained slot traffic.
	InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context, tx ScheduleTx) error) error

	// InSlotTx runs fn while holding (providerID, slotStart) exclusively and
	// the provider's schedule shared.
	InSlotTx(ctx context.Context, providerID string, slotStart time.Time, fn func(ctx context.Context, tx ScheduleTx) error) error
}

type ScheduleTx interface {
	GetTemplate(ctx context.Context, providerID string) (domain.WeeklyTemplate, error)
	PutTemplate(ctx context.Context, tpl domain.WeeklyTemplate) (domain.WeeklyTemplate, error)

	ListExceptions(ctx context.Context, providerID string, fromDate, toDate string) ([]domain.Exception, error)
	UpsertException(ctx context.Context, ex domain.Exception) (domain.Exception, error)
	DeleteException(ctx context.Context, providerID, date string) error

	GetHold(ctx context.Context, holdID uuid.UUID) (domain.Hold, error)
	// ListHolds returns holds whose [slot_start, slot_end) interval overlaps
	// the window, not just those starting inside it.
	ListHolds(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Hold, error)
	CreateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error)
	UpdateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error)
	DeleteHold(ctx context.Context, holdID uuid.UUID) error

	GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	// ListAppointments returns appointments whose interval overlaps the
	// window, including cancelled ones; callers filter on BlocksSlot.
	ListAppointments(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
}
