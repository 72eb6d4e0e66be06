package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"medagenda/internal/domain"
	"medagenda/internal/store"
)

const defaultBusyTimeout = 2 * time.Second

// ScheduleRepo implements store.ScheduleStore on postgres. The lock
// hierarchy uses transaction-scoped advisory locks: template and exception
// edits take the provider key exclusively, slot transactions take it shared
// plus an exclusive per-slot key, so slot operations on different slots run
// in parallel while provider-wide edits drain them. The exclusive acquire
// runs under lock_timeout so a busy schedule fails with store.ErrBusy
// instead of blocking forever.
type ScheduleRepo struct {
	db          *bun.DB
	busyTimeout time.Duration
}

func NewScheduleRepo(db *bun.DB, busyTimeout time.Duration) *ScheduleRepo {
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	return &ScheduleRepo{db: db, busyTimeout: busyTimeout}
}

func (r *ScheduleRepo) InProviderTx(ctx context.Context, providerID string, fn func(ctx context.Context, tx store.ScheduleTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		timeoutMs := strconv.FormatInt(r.busyTimeout.Milliseconds(), 10)
		if _, err := tx.NewRaw("SET LOCAL lock_timeout = '" + timeoutMs + "ms'").Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", providerID).Exec(ctx); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
				return store.ErrBusy
			}
			return err
		}
		return fn(ctx, scheduleTx{tx: tx})
	})
}

func (r *ScheduleRepo) InSlotTx(ctx context.Context, providerID string, slotStart time.Time, fn func(ctx context.Context, tx store.ScheduleTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock_shared(hashtext(?))", providerID).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", slotLockKey(providerID, slotStart)).Exec(ctx); err != nil {
			return err
		}
		return fn(ctx, scheduleTx{tx: tx})
	})
}

func slotLockKey(providerID string, slotStart time.Time) string {
	return providerID + ":" + strconv.FormatInt(slotStart.UTC().Unix(), 10)
}

func (r *ScheduleRepo) GetTemplate(ctx context.Context, providerID string) (domain.WeeklyTemplate, error) {
	var tpl domain.WeeklyTemplate
	err := r.db.NewSelect().
		Model(&tpl).
		Where("provider_id = ?", providerID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.WeeklyTemplate{}, mapNoRows(err)
	}
	return tpl, nil
}

func (r *ScheduleRepo) ListExceptions(ctx context.Context, providerID string, fromDate, toDate string) ([]domain.Exception, error) {
	return listExceptions(ctx, r.db, providerID, fromDate, toDate)
}

func (r *ScheduleRepo) GetHold(ctx context.Context, holdID uuid.UUID) (domain.Hold, error) {
	var h domain.Hold
	err := r.db.NewSelect().
		Model(&h).
		Where("id = ?", holdID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Hold{}, mapNoRows(err)
	}
	return h, nil
}

func (r *ScheduleRepo) ListHolds(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Hold, error) {
	var rows []domain.Hold
	err := r.db.NewSelect().
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

func (r *ScheduleRepo) GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error) {
	var a domain.Appointment
	err := r.db.NewSelect().
		Model(&a).
		Where("id = ?", appointmentID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Appointment{}, mapNoRows(err)
	}
	return a, nil
}

func (r *ScheduleRepo) ListAppointments(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
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

func (r *ScheduleRepo) DeleteExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.NewDelete().
		Model((*domain.Hold)(nil)).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func listExceptions(ctx context.Context, db bun.IDB, providerID, fromDate, toDate string) ([]domain.Exception, error) {
	var rows []domain.Exception
	q := db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID)
	if fromDate != "" {
		q = q.Where("date >= ?", fromDate)
	}
	if toDate != "" {
		q = q.Where("date <= ?", toDate)
	}
	err := q.OrderExpr("date ASC").Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
