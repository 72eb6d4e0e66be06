package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"medagenda/internal/domain"
)

// Every error kind carries enough context for the caller to render an
// actionable message; none of them is fatal to the process.

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func NewValidationError(msg string) *ValidationError {
	return &ValidationError{msg: msg}
}

func validationError(msg string) error {
	return NewValidationError(msg)
}

// ConflictError reports an exception that would orphan confirmed
// appointments; the caller must pass force or pick another action.
type ConflictError struct {
	ProviderID     string
	Date           string
	AppointmentIDs []uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%d confirmed appointment(s) on %s for provider %s would be orphaned", len(e.AppointmentIDs), e.Date, e.ProviderID)
}

// SlotUnavailableError reports a lost race for a slot; the caller should
// re-query availability rather than retry the same slot.
type SlotUnavailableError struct {
	ProviderID string
	SlotStart  time.Time
	State      domain.SlotState
}

func (e *SlotUnavailableError) Error() string {
	return fmt.Sprintf("slot %s for provider %s is not available (%s)", e.SlotStart.UTC().Format(time.RFC3339), e.ProviderID, e.State)
}

type HoldExpiredError struct {
	HoldID uuid.UUID
}

func (e *HoldExpiredError) Error() string {
	return fmt.Sprintf("hold %s has expired or does not exist", e.HoldID)
}

type HoldOwnershipError struct {
	HoldID      uuid.UUID
	RequesterID string
}

func (e *HoldOwnershipError) Error() string {
	return fmt.Sprintf("hold %s is not owned by requester %s", e.HoldID, e.RequesterID)
}

type InvalidTransitionError struct {
	AppointmentID uuid.UUID
	From          domain.AppointmentStatus
	To            domain.AppointmentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("appointment %s cannot transition from %s to %s", e.AppointmentID, e.From, e.To)
}

type CancellationWindowError struct {
	AppointmentID uuid.UUID
	SlotStart     time.Time
	Window        time.Duration
}

func (e *CancellationWindowError) Error() string {
	return fmt.Sprintf("appointment %s starts at %s and can no longer be cancelled within %s of its start", e.AppointmentID, e.SlotStart.UTC().Format(time.RFC3339), e.Window)
}

// BusyError reports a template or exception edit that timed out waiting for
// in-flight slot traffic; the caller retries with backoff.
type BusyError struct {
	ProviderID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("schedule for provider %s is busy, retry later", e.ProviderID)
}
