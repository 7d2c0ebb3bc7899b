package room

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carequeue/carequeue/internal/platform/auth"
	"github.com/carequeue/carequeue/internal/platform/websocket"
)

type Handler struct {
	svc    *Service
	events websocket.EventPublisher
}

// NewHandler creates a room handler. events may be nil, in which case
// occupancy changes are not broadcast.
func NewHandler(svc *Service, events websocket.EventPublisher) *Handler {
	return &Handler{svc: svc, events: events}
}

// RegisterRoutes registers room routes. All of them require staff.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	staff := g.Group("/rooms", auth.RequireRole(auth.RoleStaff))
	staff.GET("", h.List)
	staff.POST("", h.Create)
	staff.GET("/:id", h.Get)
	staff.PUT("/:id/occupancy", h.SetOccupancy)
}

type occupancyRequest struct {
	CurrentOccupancy *int `json:"current_occupancy"`
}

type createRequest struct {
	Name         string `json:"name"`
	HospitalName string `json:"hospital_name"`
	Capacity     int    `json:"capacity"`
}

// hospitalFor resolves the hospital a staff caller acts on. Staff are pinned to
// their own hospital; admins name one explicitly.
func hospitalFor(id *auth.Identity, requested string) (string, error) {
	if scope := id.HospitalScope(); scope != "" {
		return scope, nil
	}
	if requested == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "hospital_name is required")
	}
	return requested, nil
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id := auth.IdentityFromContext(c.Request().Context())
	hospital, err := hospitalFor(id, req.HospitalName)
	if err != nil {
		return err
	}

	r := &Room{Name: req.Name, HospitalName: hospital, Capacity: req.Capacity}
	if err := h.svc.Create(c.Request().Context(), r); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
		}
		if errors.Is(err, ErrDuplicateName) {
			return echo.NewHTTPError(http.StatusConflict, "a room named "+r.Name+" already exists")
		}
		return err
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) List(c echo.Context) error {
	id := auth.IdentityFromContext(c.Request().Context())
	hospital, err := hospitalFor(id, c.QueryParam("hospital"))
	if err != nil {
		return err
	}
	rooms, err := h.svc.ListByHospital(c.Request().Context(), hospital)
	if err != nil {
		return err
	}
	if rooms == nil {
		rooms = []*Room{}
	}
	return c.JSON(http.StatusOK, rooms)
}

func (h *Handler) Get(c echo.Context) error {
	r, err := h.scopedRoom(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

// SetOccupancy overwrites the occupancy counter, typically after patients
// leave a room, and broadcasts the new level.
func (h *Handler) SetOccupancy(c echo.Context) error {
	r, err := h.scopedRoom(c)
	if err != nil {
		return err
	}
	var req occupancyRequest
	if err := c.Bind(&req); err != nil || req.CurrentOccupancy == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "current_occupancy is required")
	}

	ctx := c.Request().Context()
	updated, err := h.svc.UpdateOccupancy(ctx, r.ID, *req.CurrentOccupancy)
	if err != nil {
		return err
	}
	if h.events != nil {
		ev, err := websocket.NewEvent(websocket.OccupancyUpdated{
			RoomID:           updated.ID,
			RoomName:         updated.Name,
			CurrentOccupancy: updated.CurrentOccupancy,
			Capacity:         updated.Capacity,
			Status:           updated.Status,
			Color:            updated.Color,
		}, time.Now())
		if err == nil {
			_ = h.events.Publish(ctx, websocket.Hospital(updated.HospitalName), ev)
			_ = h.events.Publish(ctx, websocket.Room(updated.ID.String()), ev)
		}
	}
	return c.JSON(http.StatusOK, updated)
}

// scopedRoom loads the room named by the :id param. Rooms at another hospital
// than the caller's look absent.
func (h *Handler) scopedRoom(c echo.Context) (*Room, error) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.Get(c.Request().Context(), roomID)
	if errors.Is(err, ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	if err != nil {
		return nil, err
	}
	id := auth.IdentityFromContext(c.Request().Context())
	if scope := id.HospitalScope(); scope != "" && scope != r.HospitalName {
		return nil, echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	return r, nil
}
