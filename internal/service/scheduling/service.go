package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"medagenda/internal/domain"
	"medagenda/internal/store"
)

const (
	defaultHoldTTL     = 5 * time.Minute
	defaultMaxHoldTTL  = 30 * time.Minute
	minHoldTTL         = 30 * time.Second
	defaultHorizonDays = 60
)

type Config struct {
	DefaultHoldTTL time.Duration
	MaxHoldTTL     time.Duration
	HorizonDays    int

	// Clock is the time source; tests inject a fixed clock to exercise
	// expiry without sleeping. Defaults to time.Now.
	Clock func() time.Time
}

// Service implements the scheduling core: availability management, the hold
// manager, the booking state machine, and the read-side queries. Hold
// acquisition runs under the provider-exclusive transaction so overlap
// checks across slot boundaries are race-free; every other slot state
// transition goes through the store's slot transactions, linearizable per
// (provider, slot start).
type Service struct {
	store       store.ScheduleStore
	now         func() time.Time
	defaultTTL  time.Duration
	maxTTL      time.Duration
	horizonDays int
}

func NewService(st store.ScheduleStore, cfg Config) *Service {
	s := &Service{
		store:       st,
		now:         cfg.Clock,
		defaultTTL:  cfg.DefaultHoldTTL,
		maxTTL:      cfg.MaxHoldTTL,
		horizonDays: cfg.HorizonDays,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = defaultHoldTTL
	}
	if s.maxTTL <= 0 {
		s.maxTTL = defaultMaxHoldTTL
	}
	if s.horizonDays <= 0 {
		s.horizonDays = defaultHorizonDays
	}
	return s
}

type TemplateInput struct {
	ProviderID              string
	Timezone                string
	SlotMinutes             int
	Days                    domain.Week
	CancellationWindowHours int
}

// SetWeeklyTemplate replaces the provider's active template. Slots that are
// currently held or booked are backed by their hold/appointment records and
// therefore survive the change even when the new template no longer
// reproduces them; only the free pool is re-derived.
func (s *Service) SetWeeklyTemplate(ctx context.Context, in TemplateInput) (domain.WeeklyTemplate, error) {
	tpl := domain.WeeklyTemplate{
		ProviderID:              strings.TrimSpace(in.ProviderID),
		Timezone:                strings.TrimSpace(in.Timezone),
		SlotMinutes:             in.SlotMinutes,
		Days:                    in.Days,
		CancellationWindowHours: in.CancellationWindowHours,
	}
	if err := tpl.Validate(); err != nil {
		return domain.WeeklyTemplate{}, validationError(err.Error())
	}

	var out domain.WeeklyTemplate
	err := s.store.InProviderTx(ctx, tpl.ProviderID, func(ctx context.Context, tx store.ScheduleTx) error {
		t, err := tx.PutTemplate(ctx, tpl)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return domain.WeeklyTemplate{}, s.mapBusy(err, tpl.ProviderID)
	}
	return out, nil
}

func (s *Service) GetWeeklyTemplate(ctx context.Context, providerID string) (domain.WeeklyTemplate, error) {
	if providerID == "" {
		return domain.WeeklyTemplate{}, validationError("provider_id is required")
	}
	return s.store.GetTemplate(ctx, providerID)
}

type AddExceptionInput struct {
	ProviderID  string
	Date        string
	Reason      string
	StartMinute *int
	EndMinute   *int
	Force       bool
}

// AddException marks a date (or a sub-range of it) unavailable. The date has
// strictly higher precedence than the weekly template. Confirmed
// appointments inside the excepted window block the call unless Force is
// set, in which case they are flagged for provider-initiated cancellation
// rather than dropped.
func (s *Service) AddException(ctx context.Context, in AddExceptionInput) (domain.Exception, error) {
	ex := domain.Exception{
		ProviderID:  strings.TrimSpace(in.ProviderID),
		Date:        strings.TrimSpace(in.Date),
		Reason:      strings.TrimSpace(in.Reason),
		StartMinute: in.StartMinute,
		EndMinute:   in.EndMinute,
	}
	if err := ex.Validate(); err != nil {
		return domain.Exception{}, validationError(err.Error())
	}

	var out domain.Exception
	err := s.store.InProviderTx(ctx, ex.ProviderID, func(ctx context.Context, tx store.ScheduleTx) error {
		winStart, winEnd, err := s.exceptionWindow(ctx, tx, ex)
		if err != nil {
			return err
		}

		appts, err := tx.ListAppointments(ctx, ex.ProviderID, winStart, winEnd)
		if err != nil {
			return err
		}
		conflicting := appts[:0:0]
		for _, a := range appts {
			if a.Status == domain.AppointmentConfirmed {
				conflicting = append(conflicting, a)
			}
		}

		if len(conflicting) > 0 && !in.Force {
			cErr := &ConflictError{ProviderID: ex.ProviderID, Date: ex.Date}
			for _, a := range conflicting {
				cErr.AppointmentIDs = append(cErr.AppointmentIDs, a.ID)
			}
			return cErr
		}
		for _, a := range conflicting {
			a.CancelPending = true
			if _, err := tx.UpdateAppointment(ctx, a); err != nil {
				return err
			}
		}

		stored, err := tx.UpsertException(ctx, ex)
		if err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return domain.Exception{}, s.mapBusy(err, ex.ProviderID)
	}
	return out, nil
}

// RemoveException is idempotent; removing an absent exception is a no-op.
func (s *Service) RemoveException(ctx context.Context, providerID, date string) error {
	if providerID == "" {
		return validationError("provider_id is required")
	}
	if _, err := time.Parse(domain.DateLayout, date); err != nil {
		return validationError("date must be formatted as " + domain.DateLayout)
	}

	err := s.store.InProviderTx(ctx, providerID, func(ctx context.Context, tx store.ScheduleTx) error {
		if err := tx.DeleteException(ctx, providerID, date); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return nil
	})
	return s.mapBusy(err, providerID)
}

func (s *Service) ListExceptions(ctx context.Context, providerID string) ([]domain.Exception, error) {
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	return s.store.ListExceptions(ctx, providerID, "", "")
}

// exceptionWindow resolves the excepted civil window to UTC instants using
// the provider's timezone; without a template the day is read as UTC.
func (s *Service) exceptionWindow(ctx context.Context, tx store.ScheduleTx, ex domain.Exception) (time.Time, time.Time, error) {
	loc := time.UTC
	tpl, err := tx.GetTemplate(ctx, ex.ProviderID)
	if err == nil {
		if l, lerr := time.LoadLocation(tpl.Timezone); lerr == nil {
			loc = l
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return time.Time{}, time.Time{}, err
	}

	day, err := time.ParseInLocation(domain.DateLayout, ex.Date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, validationError("date must be formatted as " + domain.DateLayout)
	}

	if ex.WholeDay() {
		return day.UTC(), day.AddDate(0, 0, 1).UTC(), nil
	}
	start := day.Add(time.Duration(*ex.StartMinute) * time.Minute)
	end := day.Add(time.Duration(*ex.EndMinute) * time.Minute)
	return start.UTC(), end.UTC(), nil
}

func (s *Service) mapBusy(err error, providerID string) error {
	if errors.Is(err, store.ErrBusy) {
		return &BusyError{ProviderID: providerID}
	}
	return err
}

// horizonEnd is the rolling materialization bound: slots at or past it do
// not exist yet, for queries and for hold acquisition alike.
func (s *Service) horizonEnd() time.Time {
	return s.now().UTC().AddDate(0, 0, s.horizonDays)
}

func (s *Service) validateWindow(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return validationError("from and to are required")
	}
	if to.Before(from) {
		return validationError("to must not be before from")
	}
	if to.After(s.horizonEnd()) {
		return validationError("window extends beyond the scheduling horizon")
	}
	return nil
}
