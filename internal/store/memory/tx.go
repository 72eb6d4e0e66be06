package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"medagenda/internal/domain"
	"medagenda/internal/store"
)

// tx applies mutations directly: the outer provider/slot locks already
// serialize the whole read-check-write sequence, and the service never
// mutates before its checks pass.
type tx struct {
	p *providerState
}

func (t *tx) GetTemplate(ctx context.Context, providerID string) (domain.WeeklyTemplate, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	return t.p.getTemplateLocked(providerID)
}

func (t *tx) PutTemplate(ctx context.Context, tpl domain.WeeklyTemplate) (domain.WeeklyTemplate, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()

	now := time.Now().UTC()
	if t.p.template != nil {
		tpl.CreatedAt = t.p.template.CreatedAt
	} else if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now

	cp := tpl
	t.p.template = &cp
	return tpl, nil
}

func (t *tx) ListExceptions(ctx context.Context, providerID string, fromDate, toDate string) ([]domain.Exception, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	return t.p.listExceptionsLocked(fromDate, toDate), nil
}

func (t *tx) UpsertException(ctx context.Context, ex domain.Exception) (domain.Exception, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()

	now := time.Now().UTC()
	if prev, ok := t.p.exceptions[ex.Date]; ok {
		ex.ID = prev.ID
		ex.CreatedAt = prev.CreatedAt
	} else {
		if ex.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return domain.Exception{}, err
			}
			ex.ID = id
		}
		if ex.CreatedAt.IsZero() {
			ex.CreatedAt = now
		}
	}
	ex.UpdatedAt = now
	t.p.exceptions[ex.Date] = ex
	return ex, nil
}

func (t *tx) DeleteException(ctx context.Context, providerID, date string) error {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	if _, ok := t.p.exceptions[date]; !ok {
		return store.ErrNotFound
	}
	delete(t.p.exceptions, date)
	return nil
}

func (t *tx) GetHold(ctx context.Context, holdID uuid.UUID) (domain.Hold, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	h, ok := t.p.holds[holdID]
	if !ok {
		return domain.Hold{}, store.ErrNotFound
	}
	return h, nil
}

func (t *tx) ListHolds(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Hold, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	return t.p.listHoldsLocked(windowStart, windowEnd), nil
}

func (t *tx) CreateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()

	if hold.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Hold{}, err
		}
		hold.ID = id
	}
	if hold.CreatedAt.IsZero() {
		hold.CreatedAt = time.Now().UTC()
	}
	t.p.holds[hold.ID] = hold
	return hold, nil
}

func (t *tx) UpdateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	if _, ok := t.p.holds[hold.ID]; !ok {
		return domain.Hold{}, store.ErrNotFound
	}
	t.p.holds[hold.ID] = hold
	return hold, nil
}

func (t *tx) DeleteHold(ctx context.Context, holdID uuid.UUID) error {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	delete(t.p.holds, holdID)
	return nil
}

func (t *tx) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	a, ok := t.p.appointments[appointmentID]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (t *tx) ListAppointments(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	return t.p.listAppointmentsLocked(windowStart, windowEnd), nil
}

func (t *tx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()

	now := time.Now().UTC()
	if appt.ID != uuid.Nil {
		if existing, ok := t.p.appointments[appt.ID]; ok {
			if existing.ProviderID != appt.ProviderID ||
				existing.RequesterID != appt.RequesterID ||
				existing.Reason != appt.Reason ||
				!existing.SlotStart.Equal(appt.SlotStart) {
				return domain.Appointment{}, store.ErrIdempotencyConflict
			}
			return existing, nil
		}
	} else {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	appt.UpdatedAt = now
	t.p.appointments[appt.ID] = appt
	return appt, nil
}

func (t *tx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	t.p.dataMu.Lock()
	defer t.p.dataMu.Unlock()
	if _, ok := t.p.appointments[appt.ID]; !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	appt.UpdatedAt = time.Now().UTC()
	t.p.appointments[appt.ID] = appt
	return appt, nil
}

func (p *providerState) getTemplateLocked(providerID string) (domain.WeeklyTemplate, error) {
	if p.template == nil {
		return domain.WeeklyTemplate{}, store.ErrNotFound
	}
	return *p.template, nil
}

func (p *providerState) listExceptionsLocked(fromDate, toDate string) []domain.Exception {
	out := make([]domain.Exception, 0, len(p.exceptions))
	for _, ex := range p.exceptions {
		if fromDate != "" && ex.Date < fromDate {
			continue
		}
		if toDate != "" && ex.Date > toDate {
			continue
		}
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func (p *providerState) listHoldsLocked(windowStart, windowEnd time.Time) []domain.Hold {
	out := make([]domain.Hold, 0, len(p.holds))
	for _, h := range p.holds {
		if h.SlotStart.Before(windowEnd) && h.SlotEnd.After(windowStart) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotStart.Before(out[j].SlotStart) })
	return out
}

func (p *providerState) listAppointmentsLocked(windowStart, windowEnd time.Time) []domain.Appointment {
	out := make([]domain.Appointment, 0, len(p.appointments))
	for _, a := range p.appointments {
		if a.SlotStart.Before(windowEnd) && a.SlotEnd.After(windowStart) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotStart.Before(out[j].SlotStart) })
	return out
}
