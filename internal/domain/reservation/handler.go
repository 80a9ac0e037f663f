package reservation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/slotreserve/internal/platform/auth"
	"github.com/ehr/slotreserve/internal/platform/lock"
	"github.com/ehr/slotreserve/pkg/pagination"
)

// retryAfterSeconds is advertised when a slot lock is contended.
const retryAfterSeconds = 1

type Handler struct {
	svc     *Service
	catalog *Catalog
}

func NewHandler(svc *Service, catalog *Catalog) *Handler {
	return &Handler{svc: svc, catalog: catalog}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/doctors/:doctor_id/slots", h.ListSlots)

	api.POST("/reservations", h.Reserve)
	api.GET("/reservations/:id", h.Get)
	api.POST("/reservations/:id/confirm", h.Confirm)
	api.POST("/reservations/:id/extend", h.Extend)
	api.POST("/reservations/:id/release", h.Release)

	api.GET("/reservations", h.List, auth.RequireRole("admin", "registrar", "physician"))
}

type reserveRequest struct {
	DoctorID string `json:"doctor_id" validate:"required,max=64,excludesall=/"`
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	Time     string `json:"time" validate:"required,datetime=15:04"`
}

type versionRequest struct {
	Version int `json:"version" validate:"required,min=1"`
}

type releaseRequest struct {
	Version int `json:"version" validate:"omitempty,min=1"`
}

type confirmRequest struct {
	Version          int    `json:"version" validate:"required,min=1"`
	AppointmentType  string `json:"appointment_type" validate:"omitempty,max=64"`
	Reason           string `json:"reason" validate:"omitempty,max=500"`
	PaymentReference string `json:"payment_reference" validate:"omitempty,max=128"`
}

type slotsResponse struct {
	DoctorID string   `json:"doctor_id"`
	Date     string   `json:"date"`
	Timezone string   `json:"timezone"`
	Slots    []string `json:"slots"`
}

type reservationView struct {
	*Reservation
	RemainingSeconds int `json:"remaining_seconds"`
}

func (h *Handler) ListSlots(c echo.Context) error {
	doctorID := c.Param("doctor_id")
	date := c.QueryParam("date")
	if date == "" {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody("invalid_slot_request", "date query parameter is required"))
	}
	keys, err := h.catalog.AvailableSlots(c.Request().Context(), doctorID, date)
	if err != nil {
		return h.httpError(c, err)
	}
	resp := slotsResponse{DoctorID: doctorID, Date: date, Timezone: h.catalog.Location().String(), Slots: make([]string, len(keys))}
	for i, k := range keys {
		resp.Slots[i] = k.Start
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Reserve(c echo.Context) error {
	var req reserveRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	handle, err := h.svc.ReserveSlot(c.Request().Context(), ReserveRequest{
		DoctorID: req.DoctorID,
		Date:     req.Date,
		Time:     req.Time,
		HolderID: auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, handle)
}

func (h *Handler) Get(c echo.Context) error {
	r, err := h.load(c)
	if err != nil {
		return err
	}
	view := reservationView{Reservation: r}
	if r.State == StateHeld {
		view.RemainingSeconds = h.svc.HandleFor(r).RemainingSeconds
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) Confirm(c echo.Context) error {
	var req confirmRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	r, err := h.load(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.ConfirmReservation(c.Request().Context(), h.handle(r, req.Version), BookingMetadata{
		AppointmentType:  req.AppointmentType,
		Reason:           req.Reason,
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Extend(c echo.Context) error {
	var req versionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	r, err := h.load(c)
	if err != nil {
		return err
	}
	handle, err := h.svc.ExtendReservation(c.Request().Context(), h.handle(r, req.Version))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, handle)
}

func (h *Handler) Release(c echo.Context) error {
	var req releaseRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	r, err := h.load(c)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusNotFound {
			return c.NoContent(http.StatusNoContent)
		}
		return err
	}
	version := req.Version
	if version == 0 {
		version = r.Version
	}
	if err := h.svc.ReleaseReservation(c.Request().Context(), h.handle(r, version)); err != nil {
		return h.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) List(c echo.Context) error {
	doctorID := c.QueryParam("doctor_id")
	date := c.QueryParam("date")
	if doctorID == "" || date == "" {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody("invalid_slot_request", "doctor_id and date are required"))
	}
	items, err := h.svc.ListReservations(c.Request().Context(), doctorID, date)
	if err != nil {
		return h.httpError(c, err)
	}
	pg := pagination.FromContext(c)
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Slice(items, pg), len(items), pg.Limit, pg.Offset))
}

// load fetches the reservation named in the path for the calling holder.
func (h *Handler) load(c echo.Context) (*Reservation, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, errorBody("invalid_slot_request", "invalid reservation id"))
	}
	r, err := h.svc.GetReservation(c.Request().Context(), id, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return nil, h.httpError(c, err)
	}
	return r, nil
}

func (h *Handler) handle(r *Reservation, version int) Handle {
	return Handle{
		ReservationID: r.ID,
		Key:           r.Key,
		HolderID:      r.HolderID,
		Version:       version,
	}
}

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errorBody("invalid_slot_request", "malformed request body"))
	}
	if err := c.Validate(v); err != nil {
		return err
	}
	return nil
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

// httpError maps service errors onto HTTP responses.
func (h *Handler) httpError(c echo.Context, err error) error {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrInvalidSlotRequest):
		status, code = http.StatusBadRequest, "invalid_slot_request"
	case errors.Is(err, ErrDoctorNotFound):
		status, code = http.StatusNotFound, "doctor_not_found"
	case errors.Is(err, ErrReservationNotFound):
		status, code = http.StatusNotFound, "reservation_not_found"
	case errors.Is(err, ErrNotHolder):
		status, code = http.StatusForbidden, "not_holder"
	case errors.Is(err, ErrSlotUnavailable):
		status, code = http.StatusConflict, "slot_unavailable"
	case errors.Is(err, ErrReservationExpired):
		status, code = http.StatusGone, "reservation_expired"
	case errors.Is(err, ErrVersionMismatch):
		status, code = http.StatusConflict, "version_mismatch"
	case errors.Is(err, ErrExtensionLimit):
		status, code = http.StatusUnprocessableEntity, "extension_limit"
	case errors.Is(err, ErrAlreadyFinal):
		status, code = http.StatusConflict, "reservation_final"
	case errors.Is(err, lock.ErrTimeout):
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		return echo.NewHTTPError(http.StatusServiceUnavailable, errorBody("slot_busy", "slot is busy, retry shortly")).SetInternal(err)
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	return echo.NewHTTPError(status, errorBody(code, msg)).SetInternal(err)
}
