package dispatch

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hospital/patientflow/internal/domain/journey"
	"github.com/hospital/patientflow/internal/domain/queue"
	"github.com/hospital/patientflow/internal/platform/auth"
	"github.com/hospital/patientflow/internal/platform/db"
	"github.com/hospital/patientflow/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleStaff, auth.RolePatient))
	read.GET("/patients/:id/position", h.GetPosition)
	read.GET("/patients/:id/journey", h.GetJourney)
	read.GET("/patients/:id/transitions", h.ListTransitions)
	read.POST("/patients/:id/actions", h.PerformAction)

	staff := api.Group("", auth.RequireRole(auth.RoleStaff))
	staff.POST("/queue/entries", h.Enqueue)
	staff.POST("/queue/entries/:id/advance", h.Advance)
	staff.POST("/queue/entries/:id/priority", h.SetPriority)
	staff.GET("/queue/entries/:id/history", h.ListStatusRecords)
	staff.GET("/queue/exams/:id", h.GetSnapshot)
	staff.POST("/patients/:id/external-status", h.SyncExternalStatus)
}

func httpError(err error) error {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he
	case errors.Is(err, queue.ErrIllegalTransition),
		errors.Is(err, journey.ErrIllegalAction),
		errors.Is(err, queue.ErrDuplicateActiveEntry),
		errors.Is(err, ErrAppointmentNotPending),
		errors.Is(err, db.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, queue.ErrNoActiveEntry),
		errors.Is(err, ErrNoPendingAppointment):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAppointmentOwnership):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, queue.ErrInvalidRequest),
		errors.Is(err, journey.ErrInvalidRequest),
		errors.Is(err, journey.ErrUnknownExternalStatus):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, db.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	// Anything unclassified is a server fault; the cause reaches the log,
	// not the client.
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// patientParam parses :id and checks that a patient caller only touches
// their own records.
func patientParam(c echo.Context) (uuid.UUID, error) {
	id, err := parseID(c)
	if err != nil {
		return uuid.Nil, err
	}
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, auth.RoleStaff) && auth.UserIDFromContext(ctx) != id.String() {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "patients may only access their own journey")
	}
	return id, nil
}

// -- Queue Handlers --

type enqueueRequest struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Priority      string    `json:"priority"`
}

func (h *Handler) Enqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AppointmentID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "appointment_id is required")
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	entry, err := h.engine.EnqueuePatient(ctx, req.AppointmentID, priority, auth.ActorFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

type advanceRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) Advance(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req advanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, err := queue.ParseStatus(req.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	entry, err := h.engine.AdvanceQueueEntry(ctx, id, target, auth.ActorFromContext(ctx), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

type priorityRequest struct {
	Priority string `json:"priority"`
}

func (h *Handler) SetPriority(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req priorityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Priority == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "priority is required")
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	entry, err := h.engine.SetPriority(ctx, id, priority, auth.ActorFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) ListStatusRecords(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.engine.QueueHistory(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSnapshot(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	snap, err := h.engine.GetExamQueueSnapshot(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

// -- Patient Handlers --

func (h *Handler) GetPosition(c echo.Context) error {
	id, err := patientParam(c)
	if err != nil {
		return err
	}
	pos, err := h.engine.GetQueuePosition(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pos)
}

func (h *Handler) GetJourney(c echo.Context) error {
	id, err := patientParam(c)
	if err != nil {
		return err
	}
	p, err := h.engine.GetJourneyProjection(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListTransitions(c echo.Context) error {
	id, err := patientParam(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.engine.JourneyHistory(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type actionRequest struct {
	Action        string     `json:"action"`
	TriggerKind   string     `json:"trigger_kind"`
	Source        string     `json:"source"`
	Detail        string     `json:"detail"`
	LocationTag   string     `json:"location_tag"`
	AppointmentID *uuid.UUID `json:"appointment_id"`
}

// PerformAction applies a journey action. Patients act as patient_action;
// staff default to staff_action and may name another trigger kind, such as
// nfc_tag for kiosk readers.
func (h *Handler) PerformAction(c echo.Context) error {
	id, err := patientParam(c)
	if err != nil {
		return err
	}
	var req actionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	action, err := journey.ParseAction(req.Action)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	kind := journey.TriggerPatientAction
	if auth.HasRole(ctx, auth.RoleStaff) {
		kind = journey.TriggerStaffAction
		if req.TriggerKind != "" {
			kind = journey.TriggerKind(req.TriggerKind)
			if !kind.Valid() || kind == journey.TriggerQueueSync || kind == journey.TriggerEMRSync {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid trigger_kind")
			}
		}
	}

	p, err := h.engine.PerformJourneyAction(ctx, id, action, ActionContext{
		TriggerKind:   kind,
		Source:        req.Source,
		Detail:        req.Detail,
		LocationTag:   req.LocationTag,
		AppointmentID: req.AppointmentID,
		Actor:         auth.ActorFromContext(ctx),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type externalStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) SyncExternalStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req externalStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := h.engine.SyncFromExternalStatus(ctx, id, req.Status, auth.ActorFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}
