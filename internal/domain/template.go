package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const DateLayout = "2006-01-02"

const MinutesPerDay = 24 * 60

// TimeRange is a half-open [StartMinute, EndMinute) span of civil minutes
// within a single day.
type TimeRange struct {
	StartMinute int `json:"start_minute"`
	EndMinute   int `json:"end_minute"`
}

func (r TimeRange) Overlaps(startMinute, endMinute int) bool {
	return r.StartMinute < endMinute && r.EndMinute > startMinute
}

// Week maps time.Weekday (0 = Sunday) to that day's availability ranges.
type Week [7][]TimeRange

type WeeklyTemplate struct {
	bun.BaseModel `bun:"table:weekly_templates"`

	ProviderID              string    `bun:"provider_id,pk"`
	Timezone                string    `bun:"timezone,notnull"`
	SlotMinutes             int       `bun:"slot_minutes,notnull"`
	Days                    Week      `bun:"days,type:jsonb,notnull"`
	CancellationWindowHours int       `bun:"cancellation_window_hours,notnull"`
	CreatedAt               time.Time `bun:"created_at,notnull"`
	UpdatedAt               time.Time `bun:"updated_at,notnull"`
}

func (t *WeeklyTemplate) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.UpdatedAt.IsZero() {
			t.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		t.UpdatedAt = now
	}
	return nil
}

func (t WeeklyTemplate) Validate() error {
	if t.ProviderID == "" {
		return errors.New("provider_id is required")
	}
	if t.Timezone == "" {
		return errors.New("timezone is required")
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return errors.New("invalid timezone")
	}
	if t.SlotMinutes <= 0 {
		return errors.New("slot_minutes must be positive")
	}
	if t.SlotMinutes > MinutesPerDay {
		return errors.New("slot_minutes must not exceed one day")
	}
	if t.CancellationWindowHours < 0 {
		return errors.New("cancellation_window_hours must not be negative")
	}
	for weekday, ranges := range t.Days {
		if err := validateRanges(ranges); err != nil {
			return errors.New("weekday " + weekdayName(weekday) + ": " + err.Error())
		}
	}
	return nil
}

// Ranges within a day must be well-formed, sorted, and pairwise disjoint.
func validateRanges(ranges []TimeRange) error {
	for i, r := range ranges {
		if r.StartMinute < 0 || r.EndMinute > MinutesPerDay {
			return errors.New("range outside of day")
		}
		if r.EndMinute <= r.StartMinute {
			return errors.New("range end must be after range start")
		}
		if i > 0 && ranges[i-1].EndMinute > r.StartMinute {
			if ranges[i-1].StartMinute >= r.StartMinute {
				return errors.New("ranges must be sorted")
			}
			return errors.New("ranges must not overlap")
		}
	}
	return nil
}

func weekdayName(weekday int) string {
	return time.Weekday(weekday).String()
}

type Exception struct {
	bun.BaseModel `bun:"table:schedule_exceptions"`

	ID          uuid.UUID `bun:"id,pk,type:uuid"`
	ProviderID  string    `bun:"provider_id,notnull"`
	Date        string    `bun:"date,notnull"`
	Reason      string    `bun:"reason"`
	StartMinute *int      `bun:"start_minute"`
	EndMinute   *int      `bun:"end_minute"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

func (e *Exception) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if e.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			e.ID = id
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		e.UpdatedAt = now
	}
	return nil
}

// WholeDay reports whether the exception blocks the entire date rather
// than a sub-range of it.
func (e Exception) WholeDay() bool {
	return e.StartMinute == nil || e.EndMinute == nil
}

// Blocks reports whether a slot spanning [startMinute, endMinute) on the
// exception's date is removed by this exception.
func (e Exception) Blocks(startMinute, endMinute int) bool {
	if e.WholeDay() {
		return true
	}
	return *e.StartMinute < endMinute && *e.EndMinute > startMinute
}

func (e Exception) Validate() error {
	if e.ProviderID == "" {
		return errors.New("provider_id is required")
	}
	if _, err := time.Parse(DateLayout, e.Date); err != nil {
		return errors.New("date must be formatted as " + DateLayout)
	}
	if (e.StartMinute == nil) != (e.EndMinute == nil) {
		return errors.New("start_minute and end_minute must be set together")
	}
	if e.StartMinute != nil {
		if *e.StartMinute < 0 || *e.EndMinute > MinutesPerDay {
			return errors.New("exception range outside of day")
		}
		if *e.EndMinute <= *e.StartMinute {
			return errors.New("exception range end must be after range start")
		}
	}
	return nil
}
