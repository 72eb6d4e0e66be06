package scheduling

import (
	"context"
	"errors"
	"sort"
	"time"

	"medagenda/internal/domain"
	"medagenda/internal/store"
)

// ListFreeSlots materializes the provider's slot grid for [from, to) and
// returns only the slots that are currently free. A candidate that overlaps
// an active hold or a slot-blocking appointment is excluded, which also
// covers out-of-template slots kept alive across a template change.
func (s *Service) ListFreeSlots(ctx context.Context, providerID string, from, to time.Time) ([]domain.Slot, error) {
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	if err := s.validateWindow(from, to); err != nil {
		return nil, err
	}
	from = from.UTC()
	to = to.UTC()

	tpl, err := s.store.GetTemplate(ctx, providerID)
	if err != nil {
		return nil, err
	}

	candidates, err := s.generateSlots(ctx, s.store, tpl, from, to)
	if err != nil {
		return nil, err
	}

	holds, err := s.store.ListHolds(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}
	appts, err := s.store.ListAppointments(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}

	now := s.now()
	blockers := make([]timeSpan, 0, len(holds)+len(appts))
	for _, h := range holds {
		if !h.Expired(now) {
			blockers = append(blockers, timeSpan{Start: h.SlotStart, End: h.SlotEnd})
		}
	}
	for _, a := range appts {
		if a.BlocksSlot() {
			blockers = append(blockers, timeSpan{Start: a.SlotStart, End: a.SlotEnd})
		}
	}

	out := make([]domain.Slot, 0, len(candidates))
	for _, c := range candidates {
		if overlapsAny(blockers, c.Start, c.End) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetSlotState resolves a single timestamp: booked and held take precedence,
// then the grid decides between free and not-a-slot. Timestamps past the
// materialization horizon are not slots, and expired holds read as released
// even before the sweeper runs.
func (s *Service) GetSlotState(ctx context.Context, providerID string, start time.Time) (domain.SlotState, error) {
	if providerID == "" {
		return "", validationError("provider_id is required")
	}
	if start.IsZero() {
		return "", validationError("start is required")
	}
	start = start.UTC()
	pointEnd := start.Add(time.Nanosecond)

	appts, err := s.store.ListAppointments(ctx, providerID, start, pointEnd)
	if err != nil {
		return "", err
	}
	for _, a := range appts {
		if a.SlotStart.Equal(start) && a.BlocksSlot() {
			return domain.SlotStateBooked, nil
		}
	}

	now := s.now()
	holds, err := s.store.ListHolds(ctx, providerID, start, pointEnd)
	if err != nil {
		return "", err
	}
	for _, h := range holds {
		if h.SlotStart.Equal(start) && !h.Expired(now) {
			return domain.SlotStateHeld, nil
		}
	}

	if !start.Before(s.horizonEnd()) {
		return domain.SlotStateNotASlot, nil
	}
	tpl, err := s.store.GetTemplate(ctx, providerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SlotStateNotASlot, nil
		}
		return "", err
	}
	candidates, err := s.generateSlots(ctx, s.store, tpl, start, start.Add(time.Minute))
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if c.Start.Equal(start) {
			return domain.SlotStateFree, nil
		}
	}
	return domain.SlotStateNotASlot, nil
}

// AgendaEntry is one non-free slot in the provider's agenda with its hold or
// appointment summary.
type AgendaEntry struct {
	Slot        domain.Slot         `json:"slot"`
	Hold        *domain.Hold        `json:"hold,omitempty"`
	Appointment *domain.Appointment `json:"appointment,omitempty"`
}

func (s *Service) GetProviderAgenda(ctx context.Context, providerID string, from, to time.Time) ([]AgendaEntry, error) {
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	if err := s.validateWindow(from, to); err != nil {
		return nil, err
	}
	from = from.UTC()
	to = to.UTC()

	holds, err := s.store.ListHolds(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}
	appts, err := s.store.ListAppointments(ctx, providerID, from, to)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]AgendaEntry, 0, len(holds)+len(appts))
	for _, a := range appts {
		if !a.BlocksSlot() {
			continue
		}
		a := a
		out = append(out, AgendaEntry{
			Slot: domain.Slot{
				ProviderID: providerID,
				Start:      a.SlotStart,
				End:        a.SlotEnd,
				State:      domain.SlotStateBooked,
			},
			Appointment: &a,
		})
	}
	for _, h := range holds {
		if h.Expired(now) {
			continue
		}
		h := h
		out = append(out, AgendaEntry{
			Slot: domain.Slot{
				ProviderID: providerID,
				Start:      h.SlotStart,
				End:        h.SlotEnd,
				State:      domain.SlotStateHeld,
			},
			Hold: &h,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Slot.Start.Before(out[j].Slot.Start) })
	return out, nil
}

// scheduleReader is the read surface shared by the store and its
// transactions; generateSlots works inside and outside a slot transaction.
type scheduleReader interface {
	ListExceptions(ctx context.Context, providerID string, fromDate, toDate string) ([]domain.Exception, error)
}

// generateSlots expands the template minus exceptions for the window; the
// exception list is scoped to the window's civil dates in the provider's
// timezone.
func (s *Service) generateSlots(ctx context.Context, src scheduleReader, tpl domain.WeeklyTemplate, from, to time.Time) ([]domain.Slot, error) {
	loc, err := time.LoadLocation(tpl.Timezone)
	if err != nil {
		return nil, validationError("invalid timezone")
	}
	fromDate := from.In(loc).Format(domain.DateLayout)
	toDate := to.In(loc).Format(domain.DateLayout)

	exceptions, err := src.ListExceptions(ctx, tpl.ProviderID, fromDate, toDate)
	if err != nil {
		return nil, err
	}

	slots, err := domain.GenerateSlots(tpl, exceptions, from, to)
	if err != nil {
		return nil, validationError(err.Error())
	}
	return slots, nil
}

type timeSpan struct {
	Start time.Time
	End   time.Time
}

func overlapsAny(spans []timeSpan, start, end time.Time) bool {
	for _, sp := range spans {
		if start.Before(sp.End) && end.After(sp.Start) {
			return true
		}
	}
	return false
}

