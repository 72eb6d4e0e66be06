package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"medagenda/internal/domain"
	"medagenda/internal/store"
)

type scheduleTx struct {
	tx bun.Tx
}

func (t scheduleTx) GetTemplate(ctx context.Context, providerID string) (domain.WeeklyTemplate, error) {
	var tpl domain.WeeklyTemplate
	err := t.tx.NewSelect().
		Model(&tpl).
		Where("provider_id = ?", providerID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.WeeklyTemplate{}, mapNoRows(err)
	}
	return tpl, nil
}

func (t scheduleTx) PutTemplate(ctx context.Context, tpl domain.WeeklyTemplate) (domain.WeeklyTemplate, error) {
	m := tpl
	_, err := t.tx.NewInsert().
		Model(&m).
		On("CONFLICT (provider_id) DO UPDATE").
		Set("timezone = EXCLUDED.timezone").
		Set("slot_minutes = EXCLUDED.slot_minutes").
		Set("days = EXCLUDED.days").
		Set("cancellation_window_hours = EXCLUDED.cancellation_window_hours").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return domain.WeeklyTemplate{}, err
	}
	return m, nil
}

func (t scheduleTx) ListExceptions(ctx context.Context, providerID string, fromDate, toDate string) ([]domain.Exception, error) {
	return listExceptions(ctx, t.tx, providerID, fromDate, toDate)
}

func (t scheduleTx) UpsertException(ctx context.Context, ex domain.Exception) (domain.Exception, error) {
	m := ex
	_, err := t.tx.NewInsert().
		Model(&m).
		On("CONFLICT (provider_id, date) DO UPDATE").
		Set("reason = EXCLUDED.reason").
		Set("start_minute = EXCLUDED.start_minute").
		Set("end_minute = EXCLUDED.end_minute").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return domain.Exception{}, err
	}
	return m, nil
}

func (t scheduleTx) DeleteException(ctx context.Context, providerID, date string) error {
	res, err := t.tx.NewDelete().
		Model((*domain.Exception)(nil)).
		Where("provider_id = ?", providerID).
		Where("date = ?", date).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t scheduleTx) GetHold(ctx context.Context, holdID uuid.UUID) (domain.Hold, error) {
	var h domain.Hold
	err := t.tx.NewSelect().
		Model(&h).
		Where("id = ?", holdID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Hold{}, mapNoRows(err)
	}
	return h, nil
}

func (t scheduleTx) ListHolds(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Hold, error) {
	var rows []domain.Hold
	err := t.tx.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("slot_start < ?", windowEnd).
		Where("slot_end > ?", windowStart).
		OrderExpr("slot_start ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t scheduleTx) CreateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error) {
	m := hold
	_, err := t.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Hold{}, store.ErrConflict
		}
		return domain.Hold{}, err
	}
	return m, nil
}

func (t scheduleTx) UpdateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error) {
	res, err := t.tx.NewUpdate().
		Model(&hold).
		Column("expires_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return domain.Hold{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Hold{}, err
	}
	if affected == 0 {
		return domain.Hold{}, store.ErrNotFound
	}
	return hold, nil
}

func (t scheduleTx) DeleteHold(ctx context.Context, holdID uuid.UUID) error {
	// Deleting an absent hold is a no-op: the hold may have been swept or
	// consumed already.
	_, err := t.tx.NewDelete().
		Model((*domain.Hold)(nil)).
		Where("id = ?", holdID).
		Exec(ctx)
	return err
}

func (t scheduleTx) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := t.tx.NewSelect().
		Model(&a).
		Where("id = ?", appointmentID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Appointment{}, mapNoRows(err)
	}
	return a, nil
}

func (t scheduleTx) ListAppointments(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := t.tx.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("slot_start < ?", windowEnd).
		Where("slot_end > ?", windowStart).
		OrderExpr("slot_start ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t scheduleTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	// With a caller-supplied id the call may be a replay; the slot advisory
	// lock makes the select-then-insert race free. The check runs before the
	// insert because a unique violation would poison the transaction.
	if appt.ID != uuid.Nil {
		var existing domain.Appointment
		err := t.tx.NewSelect().
			Model(&existing).
			Where("id = ?", appt.ID).
			Limit(1).
			Scan(ctx)
		if err == nil {
			if existing.ProviderID != appt.ProviderID ||
				existing.RequesterID != appt.RequesterID ||
				existing.Reason != appt.Reason ||
				!existing.SlotStart.Equal(appt.SlotStart) {
				return domain.Appointment{}, store.ErrIdempotencyConflict
			}
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, err
		}
	}

	m := appt
	_, err := t.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Appointment{}, store.ErrConflict
		}
		return domain.Appointment{}, err
	}
	return m, nil
}

func (t scheduleTx) UpdateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	res, err := t.tx.NewUpdate().
		Model(&appt).
		Column("status", "notes", "cancel_pending", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return domain.Appointment{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		return domain.Appointment{}, store.ErrNotFound
	}
	return appt, nil
}
