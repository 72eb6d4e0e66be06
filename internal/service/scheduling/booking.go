package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"medagenda/internal/domain"
	"medagenda/internal/store"
)

type AcquireHoldInput struct {
	ProviderID  string
	SlotStart   time.Time
	RequesterID string
	TTL         time.Duration
}

// AcquireHold is the single serialization point of the booking flow: among
// concurrent calls for the same provider exactly one succeeds per slot, the
// rest observe SlotUnavailableError. It runs under the provider-exclusive
// transaction because a slot-scoped lock cannot serialize two candidates
// with different starts whose minutes overlap, which happens after the
// template's slot length changes. A held slot cannot be re-acquired by
// anyone, including its own holder; extension goes through RenewHold.
func (s *Service) AcquireHold(ctx context.Context, in AcquireHoldInput) (domain.Hold, error) {
	if in.ProviderID == "" {
		return domain.Hold{}, validationError("provider_id is required")
	}
	if in.RequesterID == "" {
		return domain.Hold{}, validationError("requester_id is required")
	}
	if in.SlotStart.IsZero() {
		return domain.Hold{}, validationError("slot_start is required")
	}
	ttl, err := s.normalizeTTL(in.TTL)
	if err != nil {
		return domain.Hold{}, err
	}
	slotStart := in.SlotStart.UTC()
	if !slotStart.Before(s.horizonEnd()) {
		return domain.Hold{}, &SlotUnavailableError{ProviderID: in.ProviderID, SlotStart: slotStart, State: domain.SlotStateNotASlot}
	}

	var out domain.Hold
	err = s.store.InProviderTx(ctx, in.ProviderID, func(ctx context.Context, tx store.ScheduleTx) error {
		slotEnd, err := s.resolveSlot(ctx, tx, in.ProviderID, slotStart)
		if err != nil {
			return err
		}

		// Any record whose minutes intersect the candidate blocks it, not
		// only one with the same start: a booked 09:00-09:30 slot keeps
		// 09:20 off the table after the grid shrinks to 20-minute slots.
		appts, err := tx.ListAppointments(ctx, in.ProviderID, slotStart, slotEnd)
		if err != nil {
			return err
		}
		for _, a := range appts {
			if a.BlocksSlot() {
				return &SlotUnavailableError{ProviderID: in.ProviderID, SlotStart: slotStart, State: domain.SlotStateBooked}
			}
		}

		now := s.now()
		holds, err := tx.ListHolds(ctx, in.ProviderID, slotStart, slotEnd)
		if err != nil {
			return err
		}
		for _, h := range holds {
			if h.Expired(now) {
				// Lazy reclaim of a hold the sweeper has not reached yet.
				if err := tx.DeleteHold(ctx, h.ID); err != nil {
					return err
				}
				continue
			}
			return &SlotUnavailableError{ProviderID: in.ProviderID, SlotStart: slotStart, State: domain.SlotStateHeld}
		}

		h, err := tx.CreateHold(ctx, domain.Hold{
			ProviderID:  in.ProviderID,
			SlotStart:   slotStart,
			SlotEnd:     slotEnd,
			RequesterID: in.RequesterID,
			ExpiresAt:   now.Add(ttl),
		})
		if err != nil {
			return err
		}
		out = h
		return nil
	})
	if err != nil {
		return domain.Hold{}, s.mapBusy(err, in.ProviderID)
	}
	return out, nil
}

// ReleaseHold is idempotent: releasing an absent or already-expired hold is
// a no-op.
func (s *Service) ReleaseHold(ctx context.Context, holdID uuid.UUID) error {
	if holdID == uuid.Nil {
		return validationError("hold_id is required")
	}

	h, err := s.store.GetHold(ctx, holdID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return s.store.InSlotTx(ctx, h.ProviderID, h.SlotStart, func(ctx context.Context, tx store.ScheduleTx) error {
		return tx.DeleteHold(ctx, holdID)
	})
}

func (s *Service) RenewHold(ctx context.Context, holdID uuid.UUID, ttl time.Duration) (domain.Hold, error) {
	if holdID == uuid.Nil {
		return domain.Hold{}, validationError("hold_id is required")
	}
	normalized, err := s.normalizeTTL(ttl)
	if err != nil {
		return domain.Hold{}, err
	}

	h, err := s.store.GetHold(ctx, holdID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Hold{}, &HoldExpiredError{HoldID: holdID}
	}
	if err != nil {
		return domain.Hold{}, err
	}

	var out domain.Hold
	err = s.store.InSlotTx(ctx, h.ProviderID, h.SlotStart, func(ctx context.Context, tx store.ScheduleTx) error {
		cur, err := tx.GetHold(ctx, holdID)
		if errors.Is(err, store.ErrNotFound) {
			return &HoldExpiredError{HoldID: holdID}
		}
		if err != nil {
			return err
		}
		now := s.now()
		if cur.Expired(now) {
			if err := tx.DeleteHold(ctx, cur.ID); err != nil {
				return err
			}
			return &HoldExpiredError{HoldID: holdID}
		}
		cur.ExpiresAt = now.Add(normalized)
		updated, err := tx.UpdateHold(ctx, cur)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.Hold{}, err
	}
	return out, nil
}

type ConfirmBookingInput struct {
	HoldID         uuid.UUID
	RequesterID    string
	Reason         string
	IdempotencyKey string
}

// ConfirmBooking atomically consumes a valid hold: the hold record goes
// away, the appointment is created confirmed, and the slot reads as booked.
// An expired hold can never be consumed, even before any sweep.
func (s *Service) ConfirmBooking(ctx context.Context, in ConfirmBookingInput) (domain.Appointment, error) {
	if in.HoldID == uuid.Nil {
		return domain.Appointment{}, validationError("hold_id is required")
	}
	if in.RequesterID == "" {
		return domain.Appointment{}, validationError("requester_id is required")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return domain.Appointment{}, validationError("reason is required")
	}

	var id uuid.UUID
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		if len(key) > 256 {
			return domain.Appointment{}, validationError("idempotency_key too long")
		}
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("medagenda:confirm_booking:"+in.RequesterID+":"+key))
	}

	h, err := s.store.GetHold(ctx, in.HoldID)
	if errors.Is(err, store.ErrNotFound) {
		// A retry of an already-confirmed booking finds its hold consumed;
		// the deterministic id lets us return the stored appointment instead
		// of failing the replay.
		if id != uuid.Nil {
			if a, aerr := s.store.GetAppointment(ctx, id); aerr == nil && a.RequesterID == in.RequesterID {
				return a, nil
			}
		}
		return domain.Appointment{}, &HoldExpiredError{HoldID: in.HoldID}
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	if h.RequesterID != in.RequesterID {
		return domain.Appointment{}, &HoldOwnershipError{HoldID: in.HoldID, RequesterID: in.RequesterID}
	}

	var out domain.Appointment
	err = s.store.InSlotTx(ctx, h.ProviderID, h.SlotStart, func(ctx context.Context, tx store.ScheduleTx) error {
		cur, err := tx.GetHold(ctx, in.HoldID)
		if errors.Is(err, store.ErrNotFound) {
			if id != uuid.Nil {
				if a, aerr := tx.GetAppointment(ctx, id); aerr == nil && a.RequesterID == in.RequesterID {
					out = a
					return nil
				}
			}
			return &HoldExpiredError{HoldID: in.HoldID}
		}
		if err != nil {
			return err
		}
		if cur.RequesterID != in.RequesterID {
			return &HoldOwnershipError{HoldID: in.HoldID, RequesterID: in.RequesterID}
		}
		if cur.Expired(s.now()) {
			if err := tx.DeleteHold(ctx, cur.ID); err != nil {
				return err
			}
			return &HoldExpiredError{HoldID: in.HoldID}
		}

		created, err := tx.CreateAppointment(ctx, domain.Appointment{
			ID:          id,
			ProviderID:  cur.ProviderID,
			RequesterID: cur.RequesterID,
			SlotStart:   cur.SlotStart,
			SlotEnd:     cur.SlotEnd,
			Status:      domain.AppointmentConfirmed,
			Reason:      reason,
		})
		if err != nil {
			return err
		}
		if err := tx.DeleteHold(ctx, cur.ID); err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

// Cancel releases the slot back to free. Requesters are subject to the
// provider's cancellation window; the provider side is not.
func (s *Service) Cancel(ctx context.Context, appointmentID uuid.UUID, byRole domain.Role) (domain.Appointment, error) {
	return s.transition(ctx, appointmentID, domain.AppointmentCancelled, func(ctx context.Context, tx store.ScheduleTx, a domain.Appointment) error {
		if byRole == domain.RoleDoctor {
			return nil
		}
		window, err := s.cancellationWindow(ctx, tx, a.ProviderID)
		if err != nil {
			return err
		}
		if window > 0 && !s.now().Before(a.SlotStart.Add(-window)) {
			return &CancellationWindowError{AppointmentID: a.ID, SlotStart: a.SlotStart, Window: window}
		}
		return nil
	})
}

// MarkCompleted is provider-only and terminal; the slot is not re-offered.
func (s *Service) MarkCompleted(ctx context.Context, appointmentID uuid.UUID, byRole domain.Role) (domain.Appointment, error) {
	if byRole != domain.RoleDoctor {
		return domain.Appointment{}, validationError("only the provider may mark an appointment completed")
	}
	return s.transition(ctx, appointmentID, domain.AppointmentCompleted, nil)
}

// MarkNoShow is provider-only and terminal; the slot is not re-offered.
func (s *Service) MarkNoShow(ctx context.Context, appointmentID uuid.UUID, byRole domain.Role) (domain.Appointment, error) {
	if byRole != domain.RoleDoctor {
		return domain.Appointment{}, validationError("only the provider may mark an appointment as no-show")
	}
	return s.transition(ctx, appointmentID, domain.AppointmentNoShow, nil)
}

func (s *Service) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	return s.store.GetAppointment(ctx, appointmentID)
}

// UpdateNotes edits the free-form notes; the slot reference and status are
// immutable through this path.
func (s *Service) UpdateNotes(ctx context.Context, appointmentID uuid.UUID, notes string) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}

	a, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}

	var out domain.Appointment
	err = s.store.InSlotTx(ctx, a.ProviderID, a.SlotStart, func(ctx context.Context, tx store.ScheduleTx) error {
		cur, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if cur.Status != domain.AppointmentConfirmed && cur.Status != domain.AppointmentCompleted {
			return validationError("notes can only be edited on a confirmed or completed appointment")
		}
		cur.Notes = notes
		updated, err := tx.UpdateAppointment(ctx, cur)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

// SweepExpiredHolds reclaims expired holds; it bounds the count of stale
// held slots but is never required for correctness.
func (s *Service) SweepExpiredHolds(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredHolds(ctx, s.now())
}

// transition applies the appointment state machine: confirmed is the only
// non-terminal state and every attempt out of a terminal state fails with
// InvalidTransitionError, never silently.
func (s *Service) transition(ctx context.Context, appointmentID uuid.UUID, to domain.AppointmentStatus, guard func(ctx context.Context, tx store.ScheduleTx, a domain.Appointment) error) (domain.Appointment, error) {
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}

	a, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}

	var out domain.Appointment
	err = s.store.InSlotTx(ctx, a.ProviderID, a.SlotStart, func(ctx context.Context, tx store.ScheduleTx) error {
		cur, err := tx.GetAppointment(ctx, appointmentID)
		if err != nil {
			return err
		}
		if !domain.CanTransition(cur.Status, to) {
			return &InvalidTransitionError{AppointmentID: cur.ID, From: cur.Status, To: to}
		}
		if guard != nil {
			if err := guard(ctx, tx, cur); err != nil {
				return err
			}
		}
		cur.Status = to
		cur.CancelPending = false
		updated, err := tx.UpdateAppointment(ctx, cur)
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

func (s *Service) cancellationWindow(ctx context.Context, tx store.ScheduleTx, providerID string) (time.Duration, error) {
	tpl, err := tx.GetTemplate(ctx, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return time.Duration(tpl.CancellationWindowHours) * time.Hour, nil
}

// resolveSlot checks that slotStart is a boundary of the current grid and
// returns the slot's end.
func (s *Service) resolveSlot(ctx context.Context, tx store.ScheduleTx, providerID string, slotStart time.Time) (time.Time, error) {
	tpl, err := tx.GetTemplate(ctx, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, &SlotUnavailableError{ProviderID: providerID, SlotStart: slotStart, State: domain.SlotStateNotASlot}
	}
	if err != nil {
		return time.Time{}, err
	}

	candidates, err := s.generateSlots(ctx, tx, tpl, slotStart, slotStart.Add(time.Minute))
	if err != nil {
		return time.Time{}, err
	}
	for _, c := range candidates {
		if c.Start.Equal(slotStart) {
			return c.End, nil
		}
	}
	return time.Time{}, &SlotUnavailableError{ProviderID: providerID, SlotStart: slotStart, State: domain.SlotStateNotASlot}
}

func (s *Service) normalizeTTL(ttl time.Duration) (time.Duration, error) {
	if ttl < 0 {
		return 0, validationError("ttl must not be negative")
	}
	if ttl == 0 {
		return s.defaultTTL, nil
	}
	if ttl < minHoldTTL {
		return minHoldTTL, nil
	}
	if ttl > s.maxTTL {
		return s.maxTTL, nil
	}
	return ttl, nil
}
