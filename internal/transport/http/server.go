package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"medagenda/internal/domain"
	"medagenda/internal/service/scheduling"
	"medagenda/internal/store"
)

// SchedulingService is the slice of the scheduling core the transport
// depends on.
type SchedulingService interface {
	SetWeeklyTemplate(ctx context.Context, in scheduling.TemplateInput) (domain.WeeklyTemplate, error)
	GetWeeklyTemplate(ctx context.Context, providerID string) (domain.WeeklyTemplate, error)
	AddException(ctx context.Context, in scheduling.AddExceptionInput) (domain.Exception, error)
	RemoveException(ctx context.Context, providerID, date string) error
	ListExceptions(ctx context.Context, providerID string) ([]domain.Exception, error)

	ListFreeSlots(ctx context.Context, providerID string, from, to time.Time) ([]domain.Slot, error)
	GetSlotState(ctx context.Context, providerID string, start time.Time) (domain.SlotState, error)
	GetProviderAgenda(ctx context.Context, providerID string, from, to time.Time) ([]scheduling.AgendaEntry, error)

	AcquireHold(ctx context.Context, in scheduling.AcquireHoldInput) (domain.Hold, error)
	ReleaseHold(ctx context.Context, holdID uuid.UUID) error
	RenewHold(ctx context.Context, holdID uuid.UUID, ttl time.Duration) (domain.Hold, error)

	ConfirmBooking(ctx context.Context, in scheduling.ConfirmBookingInput) (domain.Appointment, error)
	GetAppointment(ctx context.Context, appointmentID uuid.UUID) (domain.Appointment, error)
	Cancel(ctx context.Context, appointmentID uuid.UUID, byRole domain.Role) (domain.Appointment, error)
	MarkCompleted(ctx context.Context, appointmentID uuid.UUID, byRole domain.Role) (domain.Appointment, error)
	MarkNoShow(ctx context.Context, appointmentID uuid.UUID, byRole domain.Role) (domain.Appointment, error)
	UpdateNotes(ctx context.Context, appointmentID uuid.UUID, notes string) (domain.Appointment, error)
}

type Server struct {
	echo *echo.Echo
	log  *slog.Logger
}

type Options struct {
	JWTSecret      string
	RequestTimeout time.Duration
}

func NewServer(svc SchedulingService, log *slog.Logger, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{validate: validator.New()}

	e.Use(middleware.Recover())
	if opts.RequestTimeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
			Timeout: opts.RequestTimeout,
		}))
	}

	h := &handler{svc: svc, log: log.With(slog.String("component", "http"))}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("/api/v1", JWTMiddleware(opts.JWTSecret))

	api.GET("/providers/:providerId/template", h.GetWeeklyTemplate)
	api.PUT("/providers/:providerId/template", h.SetWeeklyTemplate, RequireRole(domain.RoleDoctor))
	api.GET("/providers/:providerId/exceptions", h.ListExceptions)
	api.POST("/providers/:providerId/exceptions", h.AddException, RequireRole(domain.RoleDoctor))
	api.DELETE("/providers/:providerId/exceptions/:date", h.RemoveException, RequireRole(domain.RoleDoctor))

	api.GET("/providers/:providerId/slots", h.ListFreeSlots)
	api.GET("/providers/:providerId/slots/state", h.GetSlotState)
	api.GET("/providers/:providerId/agenda", h.GetProviderAgenda, RequireRole(domain.RoleDoctor))

	api.POST("/holds", h.AcquireHold, RequireRole(domain.RolePatient))
	api.DELETE("/holds/:holdId", h.ReleaseHold)
	api.POST("/holds/:holdId/renew", h.RenewHold)

	api.POST("/appointments", h.ConfirmBooking, RequireRole(domain.RolePatient))
	api.GET("/appointments/:id", h.GetAppointment)
	api.POST("/appointments/:id/cancel", h.Cancel)
	api.POST("/appointments/:id/complete", h.MarkCompleted, RequireRole(domain.RoleDoctor))
	api.POST("/appointments/:id/no-show", h.MarkNoShow, RequireRole(domain.RoleDoctor))
	api.PUT("/appointments/:id/notes", h.UpdateNotes, RequireRole(domain.RoleDoctor))

	return &Server{echo: e, log: log}
}

func (s *Server) Start(addr string) error {
	s.log.Info("http server listening", slog.String("addr", addr))
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying mux for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

type errorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// respondError translates core errors into HTTP statuses. The mapping
// keeps retryable conditions (contention) on 503 so clients can back off.
func (h *handler) respondError(c echo.Context, op string, err error) error {
	var (
		status  int
		details map[string]any
	)

	var (
		vErr       *scheduling.ValidationError
		conflict   *scheduling.ConflictError
		slotErr    *scheduling.SlotUnavailableError
		expired    *scheduling.HoldExpiredError
		owner      *scheduling.HoldOwnershipError
		transition *scheduling.InvalidTransitionError
		window     *scheduling.CancellationWindowError
		busy       *scheduling.BusyError
		httpErr    *echo.HTTPError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case errors.As(err, &vErr):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
		details = map[string]any{
			"provider_id":     conflict.ProviderID,
			"date":            conflict.Date,
			"appointment_ids": conflict.AppointmentIDs,
		}
	case errors.As(err, &slotErr):
		status = http.StatusConflict
		details = map[string]any{
			"provider_id": slotErr.ProviderID,
			"slot_start":  slotErr.SlotStart,
			"state":       slotErr.State,
		}
	case errors.As(err, &expired):
		status = http.StatusGone
	case errors.As(err, &owner):
		status = http.StatusForbidden
	case errors.As(err, &transition):
		status = http.StatusConflict
		details = map[string]any{"from": transition.From, "to": transition.To}
	case errors.As(err, &window):
		status = http.StatusUnprocessableEntity
		details = map[string]any{"slot_start": window.SlotStart, "window": window.Window.String()}
	case errors.As(err, &busy):
		status = http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrIdempotencyConflict):
		status = http.StatusConflict
	default:
		h.log.Error("request failed", slog.String("op", op), slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}

	h.log.Warn("request rejected",
		slog.String("op", op),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)
	return c.JSON(status, errorResponse{Error: err.Error(), Details: details})
}
