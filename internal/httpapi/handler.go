// Package httpapi exposes the engine over JSON HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"qms/hospital-queue/internal/auth"
	"qms/hospital-queue/internal/engine"
	"qms/hospital-queue/internal/store"

	"github.com/rs/zerolog"
)

type Handler struct {
	engine   *engine.Engine
	accounts *auth.Service
	logger   zerolog.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type joinQueueRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type verifyTicketRequest struct {
	TicketID string `json:"ticket_id"`
	OTP      string `json:"otp"`
}

type cancelTicketRequest struct {
	OTP string `json:"otp"`
}

type bookAppointmentRequest struct {
	DoctorID string `json:"doctor_id"`
	Date     string `json:"date"`
	Time     string `json:"time"`
}

type verifyPatientRequest struct {
	TokenNumber string `json:"token_number"`
	OTP         string `json:"otp"`
}

type registerRequest struct {
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type patientLoginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type staffLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type serveNextAppointmentResponse struct {
	Found       bool        `json:"found"`
	Appointment interface{} `json:"appointment"`
}

func NewHandler(eng *engine.Engine, accounts *auth.Service, logger zerolog.Logger) *Handler {
	return &Handler{engine: eng, accounts: accounts, logger: logger}
}

// Routes registers the API on a fresh mux. Identity must already be on the
// request context; see Authenticate.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("POST /api/queue/join", h.handleJoinQueue)
	mux.HandleFunc("GET /api/queue", h.handleListQueue)
	mux.HandleFunc("GET /api/queue/current", h.handleCurrentServing)
	mux.HandleFunc("GET /api/queue/tickets/{ticketID}", h.handleTicketStatus)
	mux.HandleFunc("POST /api/queue/tickets/{ticketID}/cancel", h.handleCancelTicket)
	mux.HandleFunc("POST /api/queue/verify", h.handleVerifyTicket)
	mux.HandleFunc("POST /api/queue/serve-next", h.handleServeNextTicket)

	mux.HandleFunc("POST /api/appointments", h.handleBookAppointment)
	mux.HandleFunc("GET /api/appointments/mine", h.handleMyAppointments)
	mux.HandleFunc("GET /api/appointments/{appointmentID}", h.handleAppointmentStatus)
	mux.HandleFunc("POST /api/appointments/{appointmentID}/cancel", h.handleCancelAppointment)

	mux.HandleFunc("GET /api/departments", h.handleDepartments)
	mux.HandleFunc("GET /api/departments/{departmentID}/doctors", h.handleDepartmentDoctors)
	mux.HandleFunc("GET /api/doctors/{doctorID}/slots", h.handleDoctorSlots)

	mux.HandleFunc("POST /api/admin/appointments/verify", h.handleVerifyPatient)
	mux.HandleFunc("POST /api/admin/appointments/{appointmentID}/complete", h.handleCompleteAppointment)
	mux.HandleFunc("POST /api/admin/departments/{departmentID}/serve-next", h.handleServeNextInDepartment)
	mux.HandleFunc("GET /api/admin/departments/{departmentID}/queue", h.handleDepartmentQueue)

	mux.HandleFunc("POST /api/auth/patients/register", h.handleRegisterPatient)
	mux.HandleFunc("POST /api/auth/patients/login", h.handleLoginPatient)
	mux.HandleFunc("POST /api/auth/staff/login", h.handleLoginStaff)
	mux.HandleFunc("GET /api/auth/me", h.handleWhoAmI)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleJoinQueue(w http.ResponseWriter, r *http.Request) {
	var req joinQueueRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.engine.JoinQueue(r.Context(), engine.JoinQueueInput{Name: req.Name, Phone: req.Phone, Email: req.Email})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, ok := intParam(w, r, "page")
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	listing, err := h.engine.ListQueue(r.Context(), engine.ListQueueInput{Page: page, Limit: limit, Sort: query.Get("sort")})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *Handler) handleCurrentServing(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.engine.CurrentServing(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"current_serving": ticket})
}

func (h *Handler) handleTicketStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.TicketStatus(r.Context(), r.PathValue("ticketID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	var req cancelTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.engine.CancelTicket(r.Context(), r.PathValue("ticketID"), req.OTP)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleVerifyTicket(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	var req verifyTicketRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TicketID) == "" || strings.TrimSpace(req.OTP) == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket_id and otp are required")
		return
	}
	ticket, err := h.engine.VerifyTicket(r.Context(), req.TicketID, req.OTP)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleServeNextTicket(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	result, err := h.engine.ServeNextTicket(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBookAppointment(w http.ResponseWriter, r *http.Request) {
	patient, ok := requirePatient(w, r)
	if !ok {
		return
	}
	var req bookAppointmentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	booking, err := h.engine.BookAppointment(r.Context(), patient, engine.BookAppointmentInput{
		DoctorID: req.DoctorID,
		Date:     req.Date,
		Time:     req.Time,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *Handler) handleMyAppointments(w http.ResponseWriter, r *http.Request) {
	patient, ok := requirePatient(w, r)
	if !ok {
		return
	}
	appointments, err := h.engine.MyAppointments(r.Context(), patient)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appointments)
}

func (h *Handler) handleAppointmentStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	appt, err := h.engine.AppointmentStatus(r.Context(), identity, r.PathValue("appointmentID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) handleCancelAppointment(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	appt, err := h.engine.CancelAppointment(r.Context(), identity, r.PathValue("appointmentID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) handleDepartments(w http.ResponseWriter, r *http.Request) {
	departments, err := h.engine.ListDepartments(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, departments)
}

func (h *Handler) handleDepartmentDoctors(w http.ResponseWriter, r *http.Request) {
	doctors, err := h.engine.DepartmentDoctors(r.Context(), r.PathValue("departmentID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doctors)
}

func (h *Handler) handleDoctorSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := h.engine.DoctorSlots(r.Context(), r.PathValue("doctorID"), r.URL.Query().Get("date"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slots)
}

func (h *Handler) handleVerifyPatient(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	var req verifyPatientRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.TokenNumber) == "" || strings.TrimSpace(req.OTP) == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "token_number and otp are required")
		return
	}
	appt, err := h.engine.VerifyPatient(r.Context(), req.TokenNumber, req.OTP)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) handleCompleteAppointment(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	appt, err := h.engine.CompleteAppointment(r.Context(), r.PathValue("appointmentID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *Handler) handleServeNextInDepartment(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	appt, found, err := h.engine.ServeNextInDepartment(r.Context(), r.PathValue("departmentID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	response := serveNextAppointmentResponse{Found: found}
	if found {
		response.Appointment = appt
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleDepartmentQueue(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireStaff(w, r); !ok {
		return
	}
	appointments, err := h.engine.DepartmentQueue(r.Context(), r.PathValue("departmentID"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appointments)
}

func (h *Handler) handleRegisterPatient(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	session, err := h.accounts.RegisterPatient(r.Context(), auth.RegisterInput{
		Name:     req.Name,
		Phone:    req.Phone,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleLoginPatient(w http.ResponseWriter, r *http.Request) {
	var req patientLoginRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	session, err := h.accounts.LoginPatient(r.Context(), req.Phone, req.Password)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleLoginStaff(w http.ResponseWriter, r *http.Request) {
	var req staffLoginRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	session, err := h.accounts.LoginStaff(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	switch who := identity.(type) {
	case auth.Patient:
		writeJSON(w, http.StatusOK, map[string]string{"kind": "patient", "patient_id": who.PatientID, "name": who.Name})
	case auth.Staff:
		writeJSON(w, http.StatusOK, map[string]string{"kind": "staff", "staff_id": who.StaffID, "username": who.Username, "role": who.Role})
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", name+" must be a positive integer")
		return 0, false
	}
	return value, true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("request_id", requestIDFromRequest(r)).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

// statusClientClosedRequest is the nginx convention for a client that went
// away before the response.
const statusClientClosedRequest = 499

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, auth.ErrInvalidLogin):
		return http.StatusUnauthorized, "invalid_login", "invalid credentials"
	case errors.Is(err, auth.ErrMissingField):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, "weak_password", err.Error()
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "appointment not found"
	case errors.Is(err, store.ErrDoctorNotFound):
		return http.StatusNotFound, "doctor_not_found", "doctor not found"
	case errors.Is(err, store.ErrDepartmentNotFound):
		return http.StatusNotFound, "department_not_found", "department not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrInvalidCredential):
		return http.StatusUnauthorized, "invalid_otp", "invalid OTP"
	case errors.Is(err, store.ErrAlreadyFinalized):
		return http.StatusConflict, "already_finalized", "already served, completed or cancelled"
	case errors.Is(err, store.ErrAlreadyVerified):
		return http.StatusConflict, "already_verified", "already verified"
	case errors.Is(err, store.ErrSlotFull):
		return http.StatusConflict, "slot_full", "slot is fully booked"
	case errors.Is(err, store.ErrSlotNotFound):
		return http.StatusBadRequest, "slot_not_found", "doctor has no slot at this time"
	case errors.Is(err, store.ErrExpired):
		return http.StatusGone, "expired", "appointment date has passed"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", "concurrent update, retry"
	case errors.Is(err, store.ErrDuplicateTicket):
		return http.StatusConflict, "duplicate_ticket", "phone already has an active ticket"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "state does not allow this action"
	case errors.Is(err, store.ErrAccessDenied):
		return http.StatusForbidden, "access_denied", "access denied"
	case errors.Is(err, store.ErrPhoneTaken):
		return http.StatusConflict, "phone_taken", "phone already registered"
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable"
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "request_cancelled", "request cancelled"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
