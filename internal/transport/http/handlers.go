package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"medagenda/internal/domain"
	"medagenda/internal/service/scheduling"
)

type handler struct {
	svc SchedulingService
	log *slog.Logger
}

type templateRequest struct {
	Timezone                string      `json:"timezone" validate:"required"`
	SlotMinutes             int         `json:"slot_minutes" validate:"required,min=1,max=1440"`
	Days                    domain.Week `json:"days"`
	CancellationWindowHours int         `json:"cancellation_window_hours" validate:"min=0"`
}

type templateResponse struct {
	ProviderID              string      `json:"provider_id"`
	Timezone                string      `json:"timezone"`
	SlotMinutes             int         `json:"slot_minutes"`
	Days                    domain.Week `json:"days"`
	CancellationWindowHours int         `json:"cancellation_window_hours"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

func toTemplateResponse(t domain.WeeklyTemplate) templateResponse {
	return templateResponse{
		ProviderID:              t.ProviderID,
		Timezone:                t.Timezone,
		SlotMinutes:             t.SlotMinutes,
		Days:                    t.Days,
		CancellationWindowHours: t.CancellationWindowHours,
		UpdatedAt:               t.UpdatedAt,
	}
}

func (h *handler) SetWeeklyTemplate(c echo.Context) error {
	providerID := c.Param("providerId")
	if err := h.requireSubject(c, providerID); err != nil {
		return err
	}

	var req templateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	tpl, err := h.svc.SetWeeklyTemplate(c.Request().Context(), scheduling.TemplateInput{
		ProviderID:              providerID,
		Timezone:                req.Timezone,
		SlotMinutes:             req.SlotMinutes,
		Days:                    req.Days,
		CancellationWindowHours: req.CancellationWindowHours,
	})
	if err != nil {
		return h.respondError(c, "set_weekly_template", err)
	}
	return c.JSON(http.StatusOK, toTemplateResponse(tpl))
}

func (h *handler) GetWeeklyTemplate(c echo.Context) error {
	tpl, err := h.svc.GetWeeklyTemplate(c.Request().Context(), c.Param("providerId"))
	if err != nil {
		return h.respondError(c, "get_weekly_template", err)
	}
	return c.JSON(http.StatusOK, toTemplateResponse(tpl))
}

type exceptionRequest struct {
	Date        string `json:"date" validate:"required"`
	Reason      string `json:"reason"`
	StartMinute *int   `json:"start_minute"`
	EndMinute   *int   `json:"end_minute"`
	Force       bool   `json:"force"`
}

type exceptionResponse struct {
	ID          uuid.UUID `json:"id"`
	ProviderID  string    `json:"provider_id"`
	Date        string    `json:"date"`
	Reason      string    `json:"reason,omitempty"`
	StartMinute *int      `json:"start_minute,omitempty"`
	EndMinute   *int      `json:"end_minute,omitempty"`
}

func toExceptionResponse(e domain.Exception) exceptionResponse {
	return exceptionResponse{
		ID:          e.ID,
		ProviderID:  e.ProviderID,
		Date:        e.Date,
		Reason:      e.Reason,
		StartMinute: e.StartMinute,
		EndMinute:   e.EndMinute,
	}
}

func (h *handler) AddException(c echo.Context) error {
	providerID := c.Param("providerId")
	if err := h.requireSubject(c, providerID); err != nil {
		return err
	}

	var req exceptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	exc, err := h.svc.AddException(c.Request().Context(), scheduling.AddExceptionInput{
		ProviderID:  providerID,
		Date:        req.Date,
		Reason:      req.Reason,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
		Force:       req.Force,
	})
	if err != nil {
		return h.respondError(c, "add_exception", err)
	}
	return c.JSON(http.StatusCreated, toExceptionResponse(exc))
}

func (h *handler) RemoveException(c echo.Context) error {
	providerID := c.Param("providerId")
	if err := h.requireSubject(c, providerID); err != nil {
		return err
	}
	if err := h.svc.RemoveException(c.Request().Context(), providerID, c.Param("date")); err != nil {
		return h.respondError(c, "remove_exception", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handler) ListExceptions(c echo.Context) error {
	excs, err := h.svc.ListExceptions(c.Request().Context(), c.Param("providerId"))
	if err != nil {
		return h.respondError(c, "list_exceptions", err)
	}
	out := make([]exceptionResponse, 0, len(excs))
	for _, e := range excs {
		out = append(out, toExceptionResponse(e))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *handler) ListFreeSlots(c echo.Context) error {
	from, to, err := parseWindow(c)
	if err != nil {
		return err
	}
	slots, err := h.svc.ListFreeSlots(c.Request().Context(), c.Param("providerId"), from, to)
	if err != nil {
		return h.respondError(c, "list_free_slots", err)
	}
	if slots == nil {
		slots = []domain.Slot{}
	}
	return c.JSON(http.StatusOK, slots)
}

func (h *handler) GetSlotState(c echo.Context) error {
	start, err := parseTimeParam(c.QueryParam("start"), "start")
	if err != nil {
		return err
	}
	state, err := h.svc.GetSlotState(c.Request().Context(), c.Param("providerId"), start)
	if err != nil {
		return h.respondError(c, "get_slot_state", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"state": state})
}

type agendaEntryResponse struct {
	Slot        domain.Slot          `json:"slot"`
	Hold        *holdResponse        `json:"hold,omitempty"`
	Appointment *appointmentResponse `json:"appointment,omitempty"`
}

func (h *handler) GetProviderAgenda(c echo.Context) error {
	providerID := c.Param("providerId")
	if err := h.requireSubject(c, providerID); err != nil {
		return err
	}
	from, to, err := parseWindow(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.GetProviderAgenda(c.Request().Context(), providerID, from, to)
	if err != nil {
		return h.respondError(c, "get_provider_agenda", err)
	}
	out := make([]agendaEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp := agendaEntryResponse{Slot: e.Slot}
		if e.Hold != nil {
			hr := toHoldResponse(*e.Hold)
			resp.Hold = &hr
		}
		if e.Appointment != nil {
			ar := toAppointmentResponse(*e.Appointment)
			resp.Appointment = &ar
		}
		out = append(out, resp)
	}
	return c.JSON(http.StatusOK, out)
}

type acquireHoldRequest struct {
	ProviderID string    `json:"provider_id" validate:"required"`
	SlotStart  time.Time `json:"slot_start" validate:"required"`
	TTLSeconds int       `json:"ttl_seconds" validate:"min=0"`
}

type holdResponse struct {
	ID          uuid.UUID `json:"id"`
	ProviderID  string    `json:"provider_id"`
	SlotStart   time.Time `json:"slot_start"`
	SlotEnd     time.Time `json:"slot_end"`
	RequesterID string    `json:"requester_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toHoldResponse(hold domain.Hold) holdResponse {
	return holdResponse{
		ID:          hold.ID,
		ProviderID:  hold.ProviderID,
		SlotStart:   hold.SlotStart,
		SlotEnd:     hold.SlotEnd,
		RequesterID: hold.RequesterID,
		ExpiresAt:   hold.ExpiresAt,
	}
}

func (h *handler) AcquireHold(c echo.Context) error {
	var req acquireHoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	hold, err := h.svc.AcquireHold(c.Request().Context(), scheduling.AcquireHoldInput{
		ProviderID:  req.ProviderID,
		SlotStart:   req.SlotStart,
		RequesterID: ClaimsFrom(c).Subject,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		return h.respondError(c, "acquire_hold", err)
	}
	return c.JSON(http.StatusCreated, toHoldResponse(hold))
}

func (h *handler) ReleaseHold(c echo.Context) error {
	holdID, err := parseUUIDParam(c, "holdId")
	if err != nil {
		return err
	}
	if err := h.svc.ReleaseHold(c.Request().Context(), holdID); err != nil {
		return h.respondError(c, "release_hold", err)
	}
	return c.NoContent(http.StatusNoContent)
}

type renewHoldRequest struct {
	TTLSeconds int `json:"ttl_seconds" validate:"min=0"`
}

func (h *handler) RenewHold(c echo.Context) error {
	holdID, err := parseUUIDParam(c, "holdId")
	if err != nil {
		return err
	}
	var req renewHoldRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	hold, err := h.svc.RenewHold(c.Request().Context(), holdID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return h.respondError(c, "renew_hold", err)
	}
	return c.JSON(http.StatusOK, toHoldResponse(hold))
}

type confirmBookingRequest struct {
	HoldID uuid.UUID `json:"hold_id" validate:"required"`
	Reason string    `json:"reason" validate:"required"`
}

type appointmentResponse struct {
	ID            uuid.UUID                `json:"id"`
	ProviderID    string                   `json:"provider_id"`
	RequesterID   string                   `json:"requester_id"`
	SlotStart     time.Time                `json:"slot_start"`
	SlotEnd       time.Time                `json:"slot_end"`
	Status        domain.AppointmentStatus `json:"status"`
	Reason        string                   `json:"reason,omitempty"`
	Notes         string                   `json:"notes,omitempty"`
	CancelPending bool                     `json:"cancel_pending,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
}

func toAppointmentResponse(a domain.Appointment) appointmentResponse {
	return appointmentResponse{
		ID:            a.ID,
		ProviderID:    a.ProviderID,
		RequesterID:   a.RequesterID,
		SlotStart:     a.SlotStart,
		SlotEnd:       a.SlotEnd,
		Status:        a.Status,
		Reason:        a.Reason,
		Notes:         a.Notes,
		CancelPending: a.CancelPending,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (h *handler) ConfirmBooking(c echo.Context) error {
	var req confirmBookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	appt, err := h.svc.ConfirmBooking(c.Request().Context(), scheduling.ConfirmBookingInput{
		HoldID:         req.HoldID,
		RequesterID:    ClaimsFrom(c).Subject,
		Reason:         req.Reason,
		IdempotencyKey: c.Request().Header.Get("Idempotency-Key"),
	})
	if err != nil {
		return h.respondError(c, "confirm_booking", err)
	}
	return c.JSON(http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handler) GetAppointment(c echo.Context) error {
	appt, err := h.fetchOwnAppointment(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

func (h *handler) Cancel(c echo.Context) error {
	appt, err := h.fetchOwnAppointment(c)
	if err != nil {
		return err
	}
	updated, err := h.svc.Cancel(c.Request().Context(), appt.ID, ClaimsFrom(c).Role)
	if err != nil {
		return h.respondError(c, "cancel_appointment", err)
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(updated))
}

func (h *handler) MarkCompleted(c echo.Context) error {
	appt, err := h.fetchOwnAppointment(c)
	if err != nil {
		return err
	}
	updated, err := h.svc.MarkCompleted(c.Request().Context(), appt.ID, ClaimsFrom(c).Role)
	if err != nil {
		return h.respondError(c, "mark_completed", err)
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(updated))
}

func (h *handler) MarkNoShow(c echo.Context) error {
	appt, err := h.fetchOwnAppointment(c)
	if err != nil {
		return err
	}
	updated, err := h.svc.MarkNoShow(c.Request().Context(), appt.ID, ClaimsFrom(c).Role)
	if err != nil {
		return h.respondError(c, "mark_no_show", err)
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(updated))
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (h *handler) UpdateNotes(c echo.Context) error {
	appt, err := h.fetchOwnAppointment(c)
	if err != nil {
		return err
	}
	var req notesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := h.svc.UpdateNotes(c.Request().Context(), appt.ID, req.Notes)
	if err != nil {
		return h.respondError(c, "update_notes", err)
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(updated))
}

// fetchOwnAppointment loads the appointment and checks the caller is a
// party to it: the provider for doctors, the requester for patients.
func (h *handler) fetchOwnAppointment(c echo.Context) (domain.Appointment, error) {
	id, err := parseUUIDParam(c, "id")
	if err != nil {
		return domain.Appointment{}, err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return domain.Appointment{}, h.respondError(c, "get_appointment", err)
	}
	claims := ClaimsFrom(c)
	switch claims.Role {
	case domain.RoleDoctor:
		if appt.ProviderID != claims.Subject {
			return domain.Appointment{}, echo.NewHTTPError(http.StatusForbidden, "appointment belongs to another provider")
		}
	case domain.RolePatient:
		if appt.RequesterID != claims.Subject {
			return domain.Appointment{}, echo.NewHTTPError(http.StatusForbidden, "appointment belongs to another requester")
		}
	}
	return appt, nil
}

// requireSubject guards provider-scoped writes: the token subject must be
// the provider being modified.
func (h *handler) requireSubject(c echo.Context, providerID string) error {
	if ClaimsFrom(c).Subject != providerID {
		return echo.NewHTTPError(http.StatusForbidden, "token subject does not match provider")
	}
	return nil
}

func parseWindow(c echo.Context) (time.Time, time.Time, error) {
	from, err := parseTimeParam(c.QueryParam("from"), "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseTimeParam(c.QueryParam("to"), "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func parseTimeParam(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" is required")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
	}
	return t, nil
}

func parseUUIDParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be a UUID")
	}
	return id, nil
}
