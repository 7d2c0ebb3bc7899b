package queue

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carequeue/carequeue/internal/platform/auth"
	"github.com/carequeue/carequeue/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes registers patient and staff queue routes on g. Both sets
// share the /queue prefix, so roles are enforced per route.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	q := g.Group("/queue")
	patient := auth.RequireRole(auth.RolePatient)
	staff := auth.RequireRole(auth.RoleStaff)

	q.POST("/join", h.Join, patient)
	q.GET("/status", h.Status, patient)
	q.POST("/leave", h.Leave, patient)
	q.GET("/history", h.History, patient)
	q.GET("/visible", h.Visible, patient)

	q.GET("/hospital", h.HospitalQueue, staff)
	q.POST("/call-next", h.CallNext, staff)
	q.POST("/:id/call", h.Call, staff)
	q.POST("/complete", h.Complete, staff)
	q.POST("/:id/complete", h.Complete, staff)
	q.POST("/notify", h.Notify, staff)
	q.POST("/assign-room", h.AssignRoom, staff)
	q.POST("/no-show", h.NoShow, staff)
	q.POST("/announce", h.Announce, staff)
}

// -- Request types --

type joinRequest struct {
	HospitalName string `json:"hospital_name"`
	Specialty    string `json:"specialty"`
	Notes        string `json:"notes"`
	Priority     string `json:"priority"`
}

type partitionRequest struct {
	HospitalName string `json:"hospital_name"`
	Specialty    string `json:"specialty"`
}

type idsRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

type assignRoomRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	RoomID uuid.UUID   `json:"room_id"`
}

type notifyRequest struct {
	PatientIDs []string `json:"patient_ids"`
	Message    string   `json:"message"`
	Priority   string   `json:"priority"`
}

type announceRequest struct {
	HospitalName string `json:"hospital_name"`
	Message      string `json:"message"`
	Priority     string `json:"priority"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Entry   *Entry `json:"entry,omitempty"`
}

// -- Patient handlers --

func (h *Handler) Join(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id := auth.IdentityFromContext(c.Request().Context())
	entry, err := h.svc.Join(c.Request().Context(), JoinRequest{
		PatientID:    id.UserID,
		PatientName:  id.Name,
		HospitalName: req.HospitalName,
		Specialty:    req.Specialty,
		Notes:        req.Notes,
		Priority:     req.Priority,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) Status(c echo.Context) error {
	id := auth.IdentityFromContext(c.Request().Context())
	view, err := h.svc.Status(c.Request().Context(), id.UserID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Leave(c echo.Context) error {
	id := auth.IdentityFromContext(c.Request().Context())
	entry, err := h.svc.Leave(c.Request().Context(), id.UserID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) History(c echo.Context) error {
	id := auth.IdentityFromContext(c.Request().Context())
	p := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), id.UserID, p)
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}

func (h *Handler) Visible(c echo.Context) error {
	id := auth.IdentityFromContext(c.Request().Context())
	entries, err := h.svc.VisibleQueue(c.Request().Context(), id.UserID, c.QueryParam("specialty"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

// -- Staff handlers --

func actorFrom(c echo.Context) Actor {
	id := auth.IdentityFromContext(c.Request().Context())
	return Actor{UserID: id.UserID, Name: id.Name, Hospital: id.HospitalScope()}
}

func (h *Handler) HospitalQueue(c echo.Context) error {
	entries, err := h.svc.HospitalQueue(c.Request().Context(), actorFrom(c),
		c.QueryParam("hospital"), c.QueryParam("specialty"))
	if err != nil {
		return h.fail(c, err)
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) CallNext(c echo.Context) error {
	var req partitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	entry, err := h.svc.CallNext(c.Request().Context(), actorFrom(c), req.HospitalName, req.Specialty)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) Call(c echo.Context) error {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	entry, err := h.svc.CallSpecific(c.Request().Context(), actorFrom(c), entryID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

// Complete serves the entry named in the path, or the longest-called entry of
// the partition in the body.
func (h *Handler) Complete(c echo.Context) error {
	var req CompleteRequest
	if raw := c.Param("id"); raw != "" {
		entryID, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
		}
		req.ID = &entryID
	} else {
		var body partitionRequest
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		req.Hospital, req.Specialty = body.HospitalName, body.Specialty
	}
	entry, err := h.svc.Complete(c.Request().Context(), actorFrom(c), req)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) NoShow(c echo.Context) error {
	var req idsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := h.svc.MarkNoShow(c.Request().Context(), actorFrom(c), req.IDs)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"modified_count": n})
}

func (h *Handler) AssignRoom(c echo.Context) error {
	var req assignRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RoomID == uuid.Nil {
		return h.fail(c, &ValidationError{Field: "room_id", Message: "is required"})
	}
	res, err := h.svc.AssignRoom(c.Request().Context(), actorFrom(c), req.IDs, req.RoomID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Notify(c echo.Context) error {
	var req notifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := h.svc.NotifySelected(c.Request().Context(), actorFrom(c), req.PatientIDs, req.Message, req.Priority)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"notified_count": n})
}

func (h *Handler) Announce(c echo.Context) error {
	var req announceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.Announce(c.Request().Context(), actorFrom(c), req.HospitalName, req.Message, req.Priority); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// fail writes a domain error with its status, or logs anything else and hides
// it behind a 500.
func (h *Handler) fail(c echo.Context, err error) error {
	var kinded Kinded
	if !errors.As(err, &kinded) {
		h.logger.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Msg("queue request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	body := errorBody{Error: kinded.Kind(), Message: kinded.Error()}
	var ve *ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	var aq *AlreadyInQueueError
	if errors.As(err, &aq) {
		body.Entry = aq.Entry
	}
	return c.JSON(statusFor(kinded), body)
}

func statusFor(err Kinded) int {
	switch err.(type) {
	case *ValidationError:
		return http.StatusBadRequest
	case *AlreadyInQueueError, *InvalidStateError:
		return http.StatusConflict
	case *NotInQueueError, *NotFoundError, *NoPatientWaitingError:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
