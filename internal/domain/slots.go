package domain

import (
	"errors"
	"time"
)

type SlotState string

const (
	SlotStateFree     SlotState = "free"
	SlotStateHeld     SlotState = "held"
	SlotStateBooked   SlotState = "booked"
	SlotStateNotASlot SlotState = "not_a_slot"
)

// Slot is a bookable unit derived from a provider's weekly template. It is
// identified by (ProviderID, Start); Start and End are UTC instants.
type Slot struct {
	ProviderID string    `json:"provider_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	State      SlotState `json:"state"`
}

// MaxWindowDays caps materialization windows to bound output size.
const MaxWindowDays = 366

// GenerateSlots materializes the candidate slots for [from, to) from a weekly
// template minus its exceptions. Template ranges are civil times in the
// template's timezone; the returned slots are UTC and ordered by start. The
// output is fully determined by the inputs, which is what makes
// re-materialization after a template change safe.
func GenerateSlots(tpl WeeklyTemplate, exceptions []Exception, from, to time.Time) ([]Slot, error) {
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, errors.New("window end must not be before window start")
	}
	if to.Sub(from) > MaxWindowDays*24*time.Hour {
		return nil, errors.New("window too large")
	}

	loc, err := time.LoadLocation(tpl.Timezone)
	if err != nil {
		return nil, errors.New("invalid timezone")
	}

	exByDate := make(map[string][]Exception, len(exceptions))
	for _, ex := range exceptions {
		exByDate[ex.Date] = append(exByDate[ex.Date], ex)
	}

	fromLocal := from.In(loc)
	toLocal := to.In(loc)
	date := time.Date(fromLocal.Year(), fromLocal.Month(), fromLocal.Day(), 0, 0, 0, 0, loc)
	lastDate := time.Date(toLocal.Year(), toLocal.Month(), toLocal.Day(), 0, 0, 0, 0, loc)

	out := make([]Slot, 0, 64)

	for ; !date.After(lastDate); date = date.AddDate(0, 0, 1) {
		ranges := tpl.Days[int(date.Weekday())]
		if len(ranges) == 0 {
			continue
		}
		dayExceptions := exByDate[date.Format(DateLayout)]

		for _, r := range ranges {
			for m := r.StartMinute; m+tpl.SlotMinutes <= r.EndMinute; m += tpl.SlotMinutes {
				if blockedByException(dayExceptions, m, m+tpl.SlotMinutes) {
					continue
				}
				start := civilMinute(date, m, loc).UTC()
				if start.Before(from) || !start.Before(to) {
					continue
				}
				out = append(out, Slot{
					ProviderID: tpl.ProviderID,
					Start:      start,
					End:        civilMinute(date, m+tpl.SlotMinutes, loc).UTC(),
					State:      SlotStateFree,
				})
			}
		}
	}

	return out, nil
}

func blockedByException(exceptions []Exception, startMinute, endMinute int) bool {
	for _, ex := range exceptions {
		if ex.Blocks(startMinute, endMinute) {
			return true
		}
	}
	return false
}

func civilMinute(date time.Time, minute int, loc *time.Location) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), minute/60, minute%60, 0, 0, loc)
}
