package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"medagenda/internal/domain"
	"medagenda/internal/store"
)

var slotStart = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func TestInProviderTx_BusyWhileSlotTxHeld(t *testing.T) {
	s := NewStore(WithBusyTimeout(50 * time.Millisecond))
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InSlotTx(ctx, "prov-1", slotStart, func(ctx context.Context, tx store.ScheduleTx) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	err := s.InProviderTx(ctx, "prov-1", func(ctx context.Context, tx store.ScheduleTx) error {
		return nil
	})
	if !errors.Is(err, store.ErrBusy) {
		t.Fatalf("InProviderTx error = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("InSlotTx error: %v", err)
	}

	// With the slot transaction gone the provider lock is available again.
	if err := s.InProviderTx(ctx, "prov-1", func(ctx context.Context, tx store.ScheduleTx) error {
		return nil
	}); err != nil {
		t.Fatalf("InProviderTx after release error: %v", err)
	}
}

func TestInSlotTx_DifferentSlotsRunInParallel(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	firstIn := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InSlotTx(ctx, "prov-1", slotStart, func(ctx context.Context, tx store.ScheduleTx) error {
			close(firstIn)
			<-release
			return nil
		})
	}()
	<-firstIn

	// A transaction on another slot of the same provider must not wait for
	// the first one.
	finished := make(chan error, 1)
	go func() {
		finished <- s.InSlotTx(ctx, "prov-1", slotStart.Add(30*time.Minute), func(ctx context.Context, tx store.ScheduleTx) error {
			return nil
		})
	}()

	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("second InSlotTx error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("second InSlotTx blocked behind an unrelated slot")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first InSlotTx error: %v", err)
	}
}

func TestCreateAppointment_IdempotentReplay(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	appt := domain.Appointment{
		ID:          id,
		ProviderID:  "prov-1",
		RequesterID: "patient-1",
		SlotStart:   slotStart,
		SlotEnd:     slotStart.Add(30 * time.Minute),
		Status:      domain.AppointmentConfirmed,
		Reason:      "checkup",
	}

	err := s.InSlotTx(ctx, "prov-1", slotStart, func(ctx context.Context, tx store.ScheduleTx) error {
		first, err := tx.CreateAppointment(ctx, appt)
		if err != nil {
			return err
		}
		replay, err := tx.CreateAppointment(ctx, appt)
		if err != nil {
			return err
		}
		if replay.ID != first.ID {
			t.Fatalf("replay id = %s, want %s", replay.ID, first.ID)
		}

		changed := appt
		changed.Reason = "different reason"
		if _, err := tx.CreateAppointment(ctx, changed); !errors.Is(err, store.ErrIdempotencyConflict) {
			t.Fatalf("conflicting replay error = %v, want ErrIdempotencyConflict", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InSlotTx error: %v", err)
	}
}

func TestGetHold_NotFound(t *testing.T) {
	s := NewStore()
	if _, err := s.GetHold(context.Background(), uuid.Max); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetHold error = %v, want ErrNotFound", err)
	}
}

func TestDeleteExpiredHolds(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

	err := s.InSlotTx(ctx, "prov-1", slotStart, func(ctx context.Context, tx store.ScheduleTx) error {
		for i, expiry := range []time.Time{now.Add(-time.Minute), now.Add(time.Minute)} {
			_, err := tx.CreateHold(ctx, domain.Hold{
				ProviderID:  "prov-1",
				SlotStart:   slotStart.Add(time.Duration(i) * 30 * time.Minute),
				SlotEnd:     slotStart.Add(time.Duration(i+1) * 30 * time.Minute),
				RequesterID: "patient-1",
				ExpiresAt:   expiry,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InSlotTx error: %v", err)
	}

	removed, err := s.DeleteExpiredHolds(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredHolds error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	holds, err := s.ListHolds(ctx, "prov-1", slotStart, slotStart.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ListHolds error: %v", err)
	}
	if len(holds) != 1 {
		t.Fatalf("len(holds) = %d, want 1", len(holds))
	}
	if !holds[0].ExpiresAt.After(now) {
		t.Fatalf("surviving hold is the expired one")
	}
}
