package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"qms/hospital-queue/internal/auth"
	"qms/hospital-queue/internal/engine"
	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/notify"
	"qms/hospital-queue/internal/seed"
	"qms/hospital-queue/internal/store"
	"qms/hospital-queue/internal/store/memory"

	"github.com/rs/zerolog"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testServer struct {
	handler  http.Handler
	tokens   *auth.Tokens
	recorder *notify.Recorder
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	t.Setenv("ADMIN_PASSWORD", "")
	ctx := context.Background()

	st := memory.New(memory.Options{DefaultMaxPatients: models.DefaultMaxPatients})
	file, err := seed.Default()
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if _, err := seed.Apply(ctx, st, file, zerolog.Nop()); err != nil {
		t.Fatalf("apply seed: %v", err)
	}

	recorder := &notify.Recorder{}
	eng := engine.New(st, recorder, engine.Options{
		Now:    func() time.Time { return testNow },
		Logger: zerolog.Nop(),
	})
	tokens := auth.NewTokens([]byte("test-secret"), "hospital-queue", time.Hour)
	handler := NewHandler(eng, auth.NewService(st, tokens), zerolog.Nop())
	return testServer{
		handler:  LoggingMiddleware(zerolog.Nop(), Authenticate(tokens, handler.Routes())),
		tokens:   tokens,
		recorder: recorder,
	}
}

func (s testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s testServer) staffToken(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/staff/login", "", map[string]string{"username": "admin", "password": "admin123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("staff login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var session auth.Session
	decode(t, rec, &session)
	return session.Token
}

func (s testServer) patientToken(t *testing.T, phone string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/patients/register", "", map[string]string{
		"name":     "Patient " + phone,
		"phone":    phone,
		"password": "secret1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var session auth.Session
	decode(t, rec, &session)
	return session.Token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(target); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	decode(t, rec, &resp)
	return resp.Error.Code
}

func TestJoinQueueAndTicketStatus(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/queue/join", "", map[string]string{"name": "Ana", "phone": "081234567890"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
	var ticket models.Ticket
	decode(t, rec, &ticket)
	if ticket.Position != 1 || len(ticket.OTP) != 6 {
		t.Fatalf("unexpected ticket %+v", ticket)
	}

	rec = srv.do(t, http.MethodGet, "/api/queue/tickets/"+ticket.TicketID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status engine.TicketStatus
	decode(t, rec, &status)
	if status.Ticket.Position != 1 || status.Ticket.OTP != "" {
		t.Fatalf("unexpected status %+v", status.Ticket)
	}

	rec = srv.do(t, http.MethodPost, "/api/queue/join", "", map[string]string{"name": "Ana", "phone": "081234567890"})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "duplicate_ticket" {
		t.Fatalf("expected duplicate_ticket conflict, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodGet, "/api/queue/tickets/TKTMISSING", "", nil)
	if rec.Code != http.StatusNotFound || errorCode(t, rec) != "ticket_not_found" {
		t.Fatalf("expected ticket_not_found, got %d", rec.Code)
	}
}

func TestJoinQueueValidation(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/queue/join", "", map[string]string{"name": "Ana"})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_request" {
		t.Fatalf("expected invalid_request, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/api/queue/join", "", map[string]string{"name": "Ana", "phone": "0812", "unknown": "x"})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "invalid_json" {
		t.Fatalf("expected invalid_json, got %d", rec.Code)
	}
}

func TestStaffRoutesRequireStaff(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/api/queue/serve-next", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/api/queue/serve-next", srv.patientToken(t, "0899"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for patient, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/api/queue/serve-next", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodPost, "/api/queue/serve-next", srv.staffToken(t), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on empty queue, got %d: %s", rec.Code, rec.Body.String())
	}
	var result engine.ServeResult
	decode(t, rec, &result)
	if result.Serving != nil {
		t.Fatalf("expected nothing served, got %+v", result.Serving)
	}
}

func TestVerifyAndServeTicket(t *testing.T) {
	srv := newTestServer(t)
	staff := srv.staffToken(t)

	rec := srv.do(t, http.MethodPost, "/api/queue/join", "", map[string]string{"name": "Ana", "phone": "0811"})
	var ticket models.Ticket
	decode(t, rec, &ticket)

	rec = srv.do(t, http.MethodPost, "/api/queue/verify", staff, map[string]string{"ticket_id": ticket.TicketID, "otp": "000000x"})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "invalid_otp" {
		t.Fatalf("expected invalid_otp, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/api/queue/verify", staff, map[string]string{"ticket_id": ticket.TicketID, "otp": ticket.OTP})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = srv.do(t, http.MethodPost, "/api/queue/verify", staff, map[string]string{"ticket_id": ticket.TicketID, "otp": ticket.OTP})
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "already_verified" {
		t.Fatalf("expected already_verified, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodPost, "/api/queue/serve-next", staff, nil)
	var result engine.ServeResult
	decode(t, rec, &result)
	if result.Serving == nil || result.Serving.TicketID != ticket.TicketID {
		t.Fatalf("expected %s serving, got %+v", ticket.TicketID, result.Serving)
	}
	if len(srv.recorder.OfKind(notify.KindYourTurn)) != 1 {
		t.Fatalf("expected one your-turn event")
	}

	rec = srv.do(t, http.MethodGet, "/api/queue/current", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("current: expected 200, got %d", rec.Code)
	}
}

func TestAppointmentFlow(t *testing.T) {
	srv := newTestServer(t)
	patient := srv.patientToken(t, "0821")
	staff := srv.staffToken(t)

	rec := srv.do(t, http.MethodGet, "/api/departments", "", nil)
	var departments []models.Department
	decode(t, rec, &departments)
	if len(departments) == 0 {
		t.Fatalf("expected seeded departments")
	}
	department := departments[0]

	rec = srv.do(t, http.MethodGet, "/api/departments/"+department.DepartmentID+"/doctors", "", nil)
	var doctors []models.Doctor
	decode(t, rec, &doctors)
	if len(doctors) == 0 {
		t.Fatalf("expected doctors in %s", department.Code)
	}
	doctor := doctors[0]

	rec = srv.do(t, http.MethodGet, fmt.Sprintf("/api/doctors/%s/slots?date=2026-03-02", doctor.DoctorID), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("slots: expected 200, got %d", rec.Code)
	}

	book := map[string]string{"doctor_id": doctor.DoctorID, "date": "2026-03-02", "time": "09:00"}
	rec = srv.do(t, http.MethodPost, "/api/appointments", staff, book)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected staff booking to be forbidden, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/api/appointments", patient, book)
	if rec.Code != http.StatusCreated {
		t.Fatalf("book: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var booking engine.Booking
	decode(t, rec, &booking)
	appt := booking.Appointment
	if appt.QueuePosition != 1 || appt.OTP == "" || appt.TokenNumber == "" {
		t.Fatalf("unexpected booking %+v", appt)
	}

	rec = srv.do(t, http.MethodPost, "/api/appointments", patient, map[string]string{"doctor_id": doctor.DoctorID, "date": "2026-03-01", "time": "09:00"})
	if rec.Code != http.StatusGone {
		t.Fatalf("expected 410 for past date, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/api/appointments", patient, map[string]string{"doctor_id": doctor.DoctorID, "date": "2026-03-02", "time": "12:30"})
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != "slot_not_found" {
		t.Fatalf("expected slot_not_found, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodGet, "/api/appointments/mine", patient, nil)
	var mine []models.Appointment
	decode(t, rec, &mine)
	if len(mine) != 1 || mine[0].AppointmentID != appt.AppointmentID {
		t.Fatalf("unexpected appointments %+v", mine)
	}

	rec = srv.do(t, http.MethodGet, "/api/appointments/"+appt.AppointmentID, srv.patientToken(t, "0822"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected another patient to be denied, got %d", rec.Code)
	}

	rec = srv.do(t, http.MethodPost, "/api/admin/appointments/verify", staff, map[string]string{"token_number": appt.TokenNumber, "otp": appt.OTP})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodGet, "/api/admin/departments/"+department.DepartmentID+"/queue", patient, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected patient to be denied the department queue, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodGet, "/api/admin/departments/"+department.DepartmentID+"/queue", staff, nil)
	var queue []models.Appointment
	decode(t, rec, &queue)
	if len(queue) != 1 || queue[0].Status != models.StatusReady || queue[0].OTP != "" {
		t.Fatalf("unexpected department queue %+v", queue)
	}

	rec = srv.do(t, http.MethodPost, "/api/admin/departments/"+department.DepartmentID+"/serve-next", staff, nil)
	var served struct {
		Found       bool               `json:"found"`
		Appointment models.Appointment `json:"appointment"`
	}
	decode(t, rec, &served)
	if !served.Found || served.Appointment.AppointmentID != appt.AppointmentID {
		t.Fatalf("expected %s served, got %+v", appt.AppointmentID, served)
	}

	rec = srv.do(t, http.MethodPost, "/api/admin/departments/"+department.DepartmentID+"/serve-next", staff, nil)
	decode(t, rec, &served)
	if served.Found {
		t.Fatalf("expected empty department queue")
	}

	rec = srv.do(t, http.MethodPost, "/api/admin/appointments/"+appt.AppointmentID+"/complete", staff, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rec.Code)
	}
	rec = srv.do(t, http.MethodPost, "/api/appointments/"+appt.AppointmentID+"/cancel", patient, nil)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "already_finalized" {
		t.Fatalf("expected already_finalized, got %d", rec.Code)
	}
}

func TestWhoAmI(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/api/auth/me", srv.staffToken(t), nil)
	var body map[string]string
	decode(t, rec, &body)
	if body["kind"] != "staff" || body["username"] != "admin" {
		t.Fatalf("unexpected whoami %v", body)
	}
	rec = srv.do(t, http.MethodGet, "/api/auth/me", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestJoinRateLimit(t *testing.T) {
	srv := newTestServer(t)
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, JoinPerMinute: 1, JoinBurst: 1})
	handler := limiter.Middleware(srv.handler)

	send := func(phone string) int {
		body, _ := json.Marshal(map[string]string{"name": "Ana", "phone": phone})
		req := httptest.NewRequest(http.MethodPost, "/api/queue/join", bytes.NewReader(body))
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("0811"); code != http.StatusCreated {
		t.Fatalf("expected first join to pass, got %d", code)
	}
	if code := send("0812"); code != http.StatusTooManyRequests {
		t.Fatalf("expected second join to be limited, got %d", code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected queue listing to pass, got %d", rec.Code)
	}
}

func TestJoinRateLimitForwardedFor(t *testing.T) {
	tests := []struct {
		name       string
		trust      bool
		secondCode int
	}{
		{"rotating header ignored by default", false, http.StatusTooManyRequests},
		{"trusted proxy keys by forwarded client", true, http.StatusCreated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t)
			limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, JoinPerMinute: 1, JoinBurst: 1, TrustForwardedFor: tc.trust})
			handler := limiter.Middleware(srv.handler)

			send := func(phone, forwarded string) int {
				body, _ := json.Marshal(map[string]string{"name": "Ana", "phone": phone})
				req := httptest.NewRequest(http.MethodPost, "/api/queue/join", bytes.NewReader(body))
				req.RemoteAddr = "10.0.0.9:4321"
				req.Header.Set("X-Forwarded-For", forwarded)
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				return rec.Code
			}
			if code := send("0831", "203.0.113.1"); code != http.StatusCreated {
				t.Fatalf("expected first join to pass, got %d", code)
			}
			if code := send("0832", "203.0.113.2"); code != tc.secondCode {
				t.Fatalf("expected %d for second join, got %d", tc.secondCode, code)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrSlotFull, http.StatusConflict, "slot_full"},
		{store.ErrInvalidCredential, http.StatusUnauthorized, "invalid_otp"},
		{store.ErrExpired, http.StatusGone, "expired"},
		{fmt.Errorf("%w: ListQueue", store.ErrUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{store.ErrPatientNotFound, http.StatusNotFound, "not_found"},
		{auth.ErrInvalidLogin, http.StatusUnauthorized, "invalid_login"},
		{fmt.Errorf("list queue: %w", context.Canceled), 499, "request_cancelled"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		status, code, _ := mapError(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("mapError(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}
}

func TestLoggingMiddlewareSkipsCancelledRequests(t *testing.T) {
	respond := func(status int) {
		handler := LoggingMiddleware(zerolog.Nop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	}

	before := requestsErrors.Value()
	respond(statusClientClosedRequest)
	if got := requestsErrors.Value(); got != before {
		t.Fatalf("expected cancelled request not counted as error, counter moved %d -> %d", before, got)
	}
	respond(http.StatusServiceUnavailable)
	if got := requestsErrors.Value(); got != before+1 {
		t.Fatalf("expected 503 counted as error, counter moved %d -> %d", before, got)
	}
}
