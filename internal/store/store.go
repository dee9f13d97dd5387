package store

import (
	"context"
	"time"

	"qms/hospital-queue/internal/models"
)

type CreateTicketInput struct {
	TicketID  string
	Name      string
	Phone     string
	Email     string
	OTP       string
	CreatedAt time.Time
}

type ListQueueInput struct {
	Page       int
	Limit      int
	Descending bool
}

type QueuePage struct {
	Tickets        []models.Ticket
	Total          int
	CurrentServing *models.Ticket
}

type VerifyTicketInput struct {
	TicketID   string
	OTP        string
	VerifiedAt time.Time
}

type CancelTicketInput struct {
	TicketID    string
	OTP         string
	CancelledAt time.Time
}

// ServeNextResult describes one walk-in serve-next step. Serving is only
// meaningful when Found is true; Finished is the ticket demoted to served,
// if any.
type ServeNextResult struct {
	Serving  models.Ticket
	Found    bool
	Finished *models.Ticket
}

type BookAppointmentInput struct {
	AppointmentID string
	PatientID     string
	DoctorID      string
	Date          string
	Time          string
	OTP           string
	CreatedAt     time.Time
}

type VerifyAppointmentInput struct {
	TokenNumber string
	OTP         string
	Today       string
	VerifiedAt  time.Time
}

type ServeNextAppointmentInput struct {
	DepartmentID string
	Date         string
	ServedAt     time.Time
}

type CompleteAppointmentInput struct {
	AppointmentID string
	CompletedAt   time.Time
}

// CancelAppointmentInput cancels on behalf of PatientID; an empty PatientID
// skips the ownership check.
type CancelAppointmentInput struct {
	AppointmentID string
	PatientID     string
	CancelledAt   time.Time
}

type CreatePatientInput struct {
	PatientID    string
	Name         string
	Phone        string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// QueueStore holds the walk-in queue. Every mutating method is atomic with
// respect to the other mutating methods and leaves persisted positions
// recomputed.
type QueueStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListQueue(ctx context.Context, input ListQueueInput) (QueuePage, error)
	CurrentServing(ctx context.Context) (models.Ticket, bool, error)
	VerifyTicket(ctx context.Context, input VerifyTicketInput) (models.Ticket, error)
	ServeNextTicket(ctx context.Context, servedAt time.Time) (ServeNextResult, error)
	CancelTicket(ctx context.Context, input CancelTicketInput) (models.Ticket, error)
	RecomputePositions(ctx context.Context) (int, error)
}

// AppointmentStore holds scheduled appointments. BookAppointment performs
// the capacity check and the insert as one unit per slot.
type AppointmentStore interface {
	BookAppointment(ctx context.Context, input BookAppointmentInput) (models.Appointment, error)
	GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error)
	ListPatientAppointments(ctx context.Context, patientID string) ([]models.Appointment, error)
	ListDepartmentQueue(ctx context.Context, departmentID, date string) ([]models.Appointment, error)
	VerifyAppointment(ctx context.Context, input VerifyAppointmentInput) (models.Appointment, error)
	ServeNextAppointment(ctx context.Context, input ServeNextAppointmentInput) (models.Appointment, bool, error)
	CompleteAppointment(ctx context.Context, input CompleteAppointmentInput) (models.Appointment, error)
	CancelAppointment(ctx context.Context, input CancelAppointmentInput) (models.Appointment, error)
	SlotBookings(ctx context.Context, doctorID, date string) (map[string]int, error)
}

type DirectoryStore interface {
	ListDepartments(ctx context.Context) ([]models.Department, error)
	GetDepartment(ctx context.Context, departmentID string) (models.Department, error)
	ListDoctors(ctx context.Context, departmentID string) ([]models.Doctor, error)
	GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error)
	UpsertDepartment(ctx context.Context, department models.Department) (models.Department, error)
	UpsertDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error)
}

type AccountStore interface {
	CreatePatient(ctx context.Context, input CreatePatientInput) (models.Patient, error)
	GetPatient(ctx context.Context, patientID string) (models.Patient, error)
	GetPatientCredentials(ctx context.Context, phone string) (models.Patient, string, error)
	UpsertStaff(ctx context.Context, staff models.Staff, passwordHash string) (models.Staff, error)
	GetStaffCredentials(ctx context.Context, username string) (models.Staff, string, error)
}

type Store interface {
	QueueStore
	AppointmentStore
	DirectoryStore
	AccountStore
}

// ClampPage normalizes pagination: page starts at 1, limit within 1..maxLimit.
func ClampPage(input ListQueueInput, defaultLimit, maxLimit int) ListQueueInput {
	if input.Page < 1 {
		input.Page = 1
	}
	if input.Limit <= 0 {
		input.Limit = defaultLimit
	}
	if maxLimit > 0 && input.Limit > maxLimit {
		input.Limit = maxLimit
	}
	return input
}
