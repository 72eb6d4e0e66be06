package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"medagenda/internal/domain"
	"medagenda/internal/store"
)

func TestPostgresIntegration_ScheduleTx(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("MEDAGENDA_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("MEDAGENDA_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, err := Open(ctx, databaseURL, PoolConfig{MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	schema := "medagenda_test_" + randomHex(t, 8)
	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cleanupCancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(cleanupCtx)
	})

	err = inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
		return applyMigrations(ctx, tx)
	}, true)
	if err != nil {
		t.Fatalf("migrations error: %v", err)
	}

	providerID := "prov-it-1"
	slotStart := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	slotEnd := slotStart.Add(30 * time.Minute)

	t.Run("template upsert", func(t *testing.T) {
		tpl := domain.WeeklyTemplate{
			ProviderID:  providerID,
			Timezone:    "UTC",
			SlotMinutes: 30,
			Days: domain.Week{
				time.Monday: {{StartMinute: 9 * 60, EndMinute: 12 * 60}},
			},
			CancellationWindowHours: 24,
		}
		err := inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			s := scheduleTx{tx: tx}
			if _, err := s.PutTemplate(ctx, tpl); err != nil {
				return err
			}
			tpl.SlotMinutes = 20
			updated, err := s.PutTemplate(ctx, tpl)
			if err != nil {
				return err
			}
			if updated.SlotMinutes != 20 {
				return fmt.Errorf("slot_minutes = %d, want 20", updated.SlotMinutes)
			}
			got, err := s.GetTemplate(ctx, providerID)
			if err != nil {
				return err
			}
			if got.SlotMinutes != 20 || len(got.Days[time.Monday]) != 1 {
				return fmt.Errorf("stored template = %+v", got)
			}
			return nil
		}, false)
		if err != nil {
			t.Fatalf("tx error: %v", err)
		}
	})

	t.Run("exception upsert keeps id", func(t *testing.T) {
		var firstID uuid.UUID
		err := inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			s := scheduleTx{tx: tx}
			first, err := s.UpsertException(ctx, domain.Exception{
				ProviderID: providerID,
				Date:       "2026-01-05",
				Reason:     "sick",
			})
			if err != nil {
				return err
			}
			firstID = first.ID
			return nil
		}, false)
		if err != nil {
			t.Fatalf("tx error: %v", err)
		}

		err = inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			s := scheduleTx{tx: tx}
			if _, err := s.UpsertException(ctx, domain.Exception{
				ProviderID: providerID,
				Date:       "2026-01-05",
				Reason:     "still sick",
			}); err != nil {
				return err
			}
			rows, err := s.ListExceptions(ctx, providerID, "", "")
			if err != nil {
				return err
			}
			if len(rows) != 1 {
				return fmt.Errorf("len(exceptions) = %d, want 1", len(rows))
			}
			if rows[0].ID != firstID {
				return fmt.Errorf("upsert changed id: %s vs %s", rows[0].ID, firstID)
			}
			if rows[0].Reason != "still sick" {
				return fmt.Errorf("reason = %q", rows[0].Reason)
			}
			if err := s.DeleteException(ctx, providerID, "2026-01-05"); err != nil {
				return err
			}
			return nil
		}, false)
		if err != nil {
			t.Fatalf("tx error: %v", err)
		}
	})

	t.Run("hold uniqueness per slot", func(t *testing.T) {
		err := inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			_, err := scheduleTx{tx: tx}.CreateHold(ctx, domain.Hold{
				ProviderID:  providerID,
				SlotStart:   slotStart,
				SlotEnd:     slotEnd,
				RequesterID: "patient-1",
				ExpiresAt:   time.Now().Add(5 * time.Minute),
			})
			return err
		}, false)
		if err != nil {
			t.Fatalf("first hold error: %v", err)
		}

		err = inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			_, err := scheduleTx{tx: tx}.CreateHold(ctx, domain.Hold{
				ProviderID:  providerID,
				SlotStart:   slotStart,
				SlotEnd:     slotEnd,
				RequesterID: "patient-2",
				ExpiresAt:   time.Now().Add(5 * time.Minute),
			})
			return err
		}, false)
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("second hold error = %v, want ErrConflict", err)
		}

		err = inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			s := scheduleTx{tx: tx}
			holds, err := s.ListHolds(ctx, providerID, slotStart, slotEnd)
			if err != nil {
				return err
			}
			for _, h := range holds {
				if err := s.DeleteHold(ctx, h.ID); err != nil {
					return err
				}
			}
			return nil
		}, false)
		if err != nil {
			t.Fatalf("cleanup error: %v", err)
		}
	})

	t.Run("one active appointment per slot", func(t *testing.T) {
		apptID := uuid.MustParse("00000000-0000-0000-0000-000000000901")

		err := inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			_, err := scheduleTx{tx: tx}.CreateAppointment(ctx, domain.Appointment{
				ID:          apptID,
				ProviderID:  providerID,
				RequesterID: "patient-1",
				SlotStart:   slotStart,
				SlotEnd:     slotEnd,
				Status:      domain.AppointmentConfirmed,
				Reason:      "checkup",
			})
			return err
		}, false)
		if err != nil {
			t.Fatalf("create error: %v", err)
		}

		// A different appointment on the same slot violates the partial
		// unique index while the first one is active.
		err = inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			_, err := scheduleTx{tx: tx}.CreateAppointment(ctx, domain.Appointment{
				ProviderID:  providerID,
				RequesterID: "patient-2",
				SlotStart:   slotStart,
				SlotEnd:     slotEnd,
				Status:      domain.AppointmentConfirmed,
				Reason:      "other",
			})
			return err
		}, false)
		if !errors.Is(err, store.ErrConflict) {
			t.Fatalf("double booking error = %v, want ErrConflict", err)
		}

		// A replay with the same id and payload returns the stored row.
		err = inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			got, err := scheduleTx{tx: tx}.CreateAppointment(ctx, domain.Appointment{
				ID:          apptID,
				ProviderID:  providerID,
				RequesterID: "patient-1",
				SlotStart:   slotStart,
				SlotEnd:     slotEnd,
				Status:      domain.AppointmentConfirmed,
				Reason:      "checkup",
			})
			if err != nil {
				return err
			}
			if got.ID != apptID {
				return fmt.Errorf("replay id = %s, want %s", got.ID, apptID)
			}
			return nil
		}, false)
		if err != nil {
			t.Fatalf("replay error: %v", err)
		}

		// Same id with a different payload is an idempotency conflict.
		err = inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			_, err := scheduleTx{tx: tx}.CreateAppointment(ctx, domain.Appointment{
				ID:          apptID,
				ProviderID:  providerID,
				RequesterID: "patient-1",
				SlotStart:   slotStart,
				SlotEnd:     slotEnd,
				Status:      domain.AppointmentConfirmed,
				Reason:      "different",
			})
			return err
		}, false)
		if !errors.Is(err, store.ErrIdempotencyConflict) {
			t.Fatalf("conflicting replay error = %v, want ErrIdempotencyConflict", err)
		}

		// Cancelling frees the slot for a new active appointment.
		err = inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			s := scheduleTx{tx: tx}
			cur, err := s.GetAppointment(ctx, apptID)
			if err != nil {
				return err
			}
			cur.Status = domain.AppointmentCancelled
			if _, err := s.UpdateAppointment(ctx, cur); err != nil {
				return err
			}
			_, err = s.CreateAppointment(ctx, domain.Appointment{
				ProviderID:  providerID,
				RequesterID: "patient-2",
				SlotStart:   slotStart,
				SlotEnd:     slotEnd,
				Status:      domain.AppointmentConfirmed,
				Reason:      "rebooked",
			})
			return err
		}, false)
		if err != nil {
			t.Fatalf("rebook after cancel error: %v", err)
		}

		err = inSchemaTx(ctx, db, schema, func(ctx context.Context, tx bun.Tx) error {
			rows, err := scheduleTx{tx: tx}.ListAppointments(ctx, providerID, slotStart, slotEnd)
			if err != nil {
				return err
			}
			var active []domain.Appointment
			for _, a := range rows {
				if a.BlocksSlot() {
					active = append(active, a)
				}
			}
			if len(active) != 1 {
				return fmt.Errorf("active appointments = %d, want 1", len(active))
			}
			if active[0].Reason != "rebooked" {
				return fmt.Errorf("active appointment reason = %q, want rebooked", active[0].Reason)
			}
			return nil
		}, false)
		if err != nil {
			t.Fatalf("active lookup error: %v", err)
		}
	})
}

// inSchemaTx runs fn inside a transaction whose search_path points at the
// test schema; create controls whether the schema is created first.
func inSchemaTx(ctx context.Context, db *bun.DB, schema string, fn func(ctx context.Context, tx bun.Tx) error, create bool) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if create {
			if _, err := tx.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.NewRaw("SET LOCAL search_path TO " + schema).Exec(ctx); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}

type rawExecutor interface {
	NewRaw(query string, args ...any) *bun.RawQuery
}

func applyMigrations(ctx context.Context, exec rawExecutor) error {
	dir, err := migrationsDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		upSQL, err := extractGooseUp(string(b))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for _, stmt := range splitSQLStatements(upSQL) {
			if _, err := exec.NewRaw(stmt).Exec(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return nil
}

func migrationsDir() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("runtime.Caller failed")
	}
	base := filepath.Dir(file)
	return filepath.Clean(filepath.Join(base, "..", "..", "..", "migrations")), nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := sql[upIdx+len(upMarker):]
	afterUp = strings.TrimLeft(afterUp, "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
