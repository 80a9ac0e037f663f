package reservation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/slotreserve/internal/platform/auth"
	"github.com/ehr/slotreserve/internal/platform/lock"
	"github.com/ehr/slotreserve/internal/platform/validation"
)

func newTestServer(svc *Service, catalog *Catalog) *echo.Echo {
	e := echo.New()
	e.Validator = validation.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware(auth.JWTConfig{SigningKey: []byte("test-secret")}))
	NewHandler(svc, catalog).RegisterRoutes(api)
	return e
}

func doRequest(e *echo.Echo, method, path, holder, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if holder != "" {
		req.Header.Set(auth.HolderHeader, holder)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body["error"]
}

func reserveOverHTTP(t *testing.T, e *echo.Echo, holder, start string) Handle {
	t.Helper()
	rec := doRequest(e, http.MethodPost, "/api/v1/reservations", holder,
		`{"doctor_id":"D","date":"2024-06-01","time":"`+start+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("reserve: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var h Handle
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode handle: %v", err)
	}
	return h
}

func TestHandler_ListSlots(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)
	reserveOverHTTP(t, e, "A", "09:00")

	rec := doRequest(e, http.MethodGet, "/api/v1/doctors/D/slots?date=2024-06-01", "B", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp slotsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Slots) != 5 || resp.Slots[0] != "09:30" {
		t.Errorf("unexpected slots %v", resp.Slots)
	}
	if resp.Timezone != "UTC" {
		t.Errorf("expected UTC, got %s", resp.Timezone)
	}
}

func TestHandler_ListSlots_Errors(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"missing date", "/api/v1/doctors/D/slots", http.StatusBadRequest, "invalid_slot_request"},
		{"bad date", "/api/v1/doctors/D/slots?date=tomorrow", http.StatusBadRequest, "invalid_slot_request"},
		{"unknown doctor", "/api/v1/doctors/X/slots?date=2024-06-01", http.StatusNotFound, "doctor_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(e, http.MethodGet, tt.path, "A", "")
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec); got != tt.code {
				t.Errorf("expected error code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestHandler_ReserveConflict(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)
	h := reserveOverHTTP(t, e, "A", "09:00")
	if h.HolderID != "A" || h.Version != 1 || h.RemainingSeconds != 600 {
		t.Errorf("unexpected handle %+v", h)
	}

	rec := doRequest(e, http.MethodPost, "/api/v1/reservations", "B", `{"doctor_id":"D","date":"2024-06-01","time":"09:00"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got != "slot_unavailable" {
		t.Errorf("expected slot_unavailable, got %s", got)
	}
}

func TestHandler_ReserveValidation(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)

	bodies := []string{
		`{"date":"2024-06-01","time":"09:00"}`,
		`{"doctor_id":"a/b","date":"2024-06-01","time":"09:00"}`,
		`{"doctor_id":"D","date":"01-06-2024","time":"09:00"}`,
		`{"doctor_id":"D","date":"2024-06-01","time":"9"}`,
		`{"doctor_id":"D","date":"2024-06-01","time":"09:15"}`,
		`not json`,
	}
	for _, body := range bodies {
		rec := doRequest(e, http.MethodPost, "/api/v1/reservations", "A", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestHandler_ConfirmFlow(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)
	h := reserveOverHTTP(t, e, "A", "09:00")
	path := "/api/v1/reservations/" + h.ReservationID.String()

	rec := doRequest(e, http.MethodGet, path, "A", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var view struct {
		State            State `json:"state"`
		RemainingSeconds int   `json:"remaining_seconds"`
	}
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.State != StateHeld || view.RemainingSeconds != 600 {
		t.Errorf("unexpected view %+v", view)
	}

	if rec := doRequest(e, http.MethodGet, path, "B", ""); rec.Code != http.StatusForbidden {
		t.Errorf("expected another holder to get 403, got %d", rec.Code)
	}

	env.clock.Advance(5 * time.Minute)
	rec = doRequest(e, http.MethodPost, path+"/confirm", "A", `{"version":1,"appointment_type":"follow-up"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var booking BookingRecord
	json.Unmarshal(rec.Body.Bytes(), &booking)
	if booking.ReservationID != h.ReservationID || booking.Metadata.AppointmentType != "follow-up" {
		t.Errorf("unexpected booking %+v", booking)
	}

	rec = doRequest(e, http.MethodPost, path+"/extend", "A", `{"version":2}`)
	if rec.Code != http.StatusConflict || decodeError(t, rec) != "reservation_final" {
		t.Errorf("expected extending a confirmed reservation to be refused, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ConfirmExpired(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)
	h := reserveOverHTTP(t, e, "A", "09:00")

	env.clock.Advance(11 * time.Minute)
	rec := doRequest(e, http.MethodPost, "/api/v1/reservations/"+h.ReservationID.String()+"/confirm", "A", `{"version":1}`)
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_ConfirmRequiresVersion(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)
	h := reserveOverHTTP(t, e, "A", "09:00")

	rec := doRequest(e, http.MethodPost, "/api/v1/reservations/"+h.ReservationID.String()+"/confirm", "A", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ExtendLimit(t *testing.T) {
	env := newTestEnv(t, WithMaxExtensions(0))
	e := newTestServer(env.svc, env.catalog)
	h := reserveOverHTTP(t, e, "A", "09:00")

	rec := doRequest(e, http.MethodPost, "/api/v1/reservations/"+h.ReservationID.String()+"/extend", "A", `{"version":1}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandler_Release(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)
	h := reserveOverHTTP(t, e, "A", "09:00")
	path := "/api/v1/reservations/" + h.ReservationID.String() + "/release"

	if rec := doRequest(e, http.MethodPost, path, "A", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("release: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(e, http.MethodPost, path, "A", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("repeat release: expected 204, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, "/api/v1/reservations/7f0c5e43-3f3a-4d55-9a53-0b0a7d8b1c11/release", "A", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("unknown release: expected 204, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, "/api/v1/reservations/nope/release", "A", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}
	reserveOverHTTP(t, e, "B", "09:00")
}

func TestHandler_ListRequiresStaff(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)
	reserveOverHTTP(t, e, "A", "09:00")
	reserveOverHTTP(t, e, "B", "10:00")

	if rec := doRequest(e, http.MethodGet, "/api/v1/reservations?doctor_id=D&date=2024-06-01", "A", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected a patient to get 403, got %d", rec.Code)
	}

	rec := doRequest(e, http.MethodGet, "/api/v1/reservations?doctor_id=D&date=2024-06-01&limit=1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data    []Reservation `json:"data"`
		Total   int           `json:"total"`
		HasMore bool          `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
}

func TestHandler_UnknownPathIsNotFoundForPatients(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)

	if rec := doRequest(e, http.MethodGet, "/api/v1/no-such-thing", "A", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown path, got %d", rec.Code)
	}
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, lock.ErrTimeout
}

func TestHandler_BusySlotIs503(t *testing.T) {
	env := newTestEnv(t)
	ledger := NewLedger(NewMemoryStore(), busyLocker{})
	catalog := NewCatalog(env.provider, ledger, env.bookings, env.clock, time.UTC, 30)
	svc := NewService(ledger, catalog, env.bookings, env.clock)
	e := newTestServer(svc, catalog)

	rec := doRequest(e, http.MethodPost, "/api/v1/reservations", "A", `{"doctor_id":"D","date":"2024-06-01","time":"09:00"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After: 1, got %q", rec.Header().Get("Retry-After"))
	}
	if got := decodeError(t, rec); got != "slot_busy" {
		t.Errorf("expected slot_busy, got %s", got)
	}
}

func TestHandler_StorageFaultIsOpaque(t *testing.T) {
	env := newTestEnv(t)
	e := newTestServer(env.svc, env.catalog)
	env.store.failOn("getlive", context.DeadlineExceeded)

	rec := doRequest(e, http.MethodPost, "/api/v1/reservations", "A", `{"doctor_id":"D","date":"2024-06-01","time":"09:00"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "deadline") {
		t.Errorf("internal detail leaked: %s", rec.Body.String())
	}
}
