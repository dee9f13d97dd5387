package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qms/hospital-queue/internal/auth"
	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/notify"
	"qms/hospital-queue/internal/store"

	"github.com/google/uuid"
)

type BookAppointmentInput struct {
	DoctorID string
	Date     string
	Time     string
}

type Booking struct {
	Appointment          models.Appointment `json:"appointment"`
	EstimatedWaitMinutes int                `json:"estimated_wait_minutes"`
}

type DoctorSlots struct {
	Doctor models.Doctor             `json:"doctor"`
	Date   string                    `json:"date"`
	Slots  []models.SlotAvailability `json:"slots"`
}

func (e *Engine) BookAppointment(ctx context.Context, patient auth.Patient, input BookAppointmentInput) (booking Booking, err error) {
	ctx, span := e.start(ctx, "BookAppointment")
	defer func() { err = e.finish(span, "BookAppointment", err) }()

	input.DoctorID = strings.TrimSpace(input.DoctorID)
	if input.DoctorID == "" {
		return Booking{}, invalidInput("doctor_id is required")
	}
	date, err := parseDate(input.Date)
	if err != nil {
		return Booking{}, err
	}
	slotTime, err := parseSlotTime(input.Time)
	if err != nil {
		return Booking{}, err
	}
	if date < e.Today() {
		return Booking{}, store.ErrExpired
	}

	otp, err := GenerateOTP()
	if err != nil {
		return Booking{}, err
	}
	appt, err := e.store.BookAppointment(ctx, store.BookAppointmentInput{
		AppointmentID: uuid.NewString(),
		PatientID:     patient.PatientID,
		DoctorID:      input.DoctorID,
		Date:          date,
		Time:          slotTime,
		OTP:           otp,
		CreatedAt:     e.clock(),
	})
	if err != nil {
		return Booking{}, err
	}

	e.publish(ctx, notify.Event{
		Kind:   notify.KindAppointmentBooked,
		Scopes: []notify.Scope{notify.Department(appt.DepartmentID), notify.Patient(appt.PatientID)},
		Data:   appt.Redacted(),
	})
	return Booking{
		Appointment:          appt,
		EstimatedWaitMinutes: store.EstimateWaitMinutes(appt.QueuePosition-1, e.serviceMinutes),
	}, nil
}

// MyAppointments lists the patient's non-cancelled appointments by date and time.
func (e *Engine) MyAppointments(ctx context.Context, patient auth.Patient) (appointments []models.Appointment, err error) {
	ctx, span := e.start(ctx, "MyAppointments")
	defer func() { err = e.finish(span, "MyAppointments", err) }()

	return e.store.ListPatientAppointments(ctx, patient.PatientID)
}

func (e *Engine) AppointmentStatus(ctx context.Context, who auth.Identity, appointmentID string) (appt models.Appointment, err error) {
	ctx, span := e.start(ctx, "AppointmentStatus")
	defer func() { err = e.finish(span, "AppointmentStatus", err) }()

	appt, err = e.store.GetAppointment(ctx, strings.TrimSpace(appointmentID))
	if err != nil {
		return models.Appointment{}, err
	}
	switch caller := who.(type) {
	case auth.Patient:
		if caller.PatientID != appt.PatientID {
			return models.Appointment{}, store.ErrAccessDenied
		}
		return appt, nil
	case auth.Staff:
		return appt.Redacted(), nil
	default:
		return models.Appointment{}, store.ErrAccessDenied
	}
}

func (e *Engine) VerifyPatient(ctx context.Context, tokenNumber, otp string) (appt models.Appointment, err error) {
	ctx, span := e.start(ctx, "VerifyPatient")
	defer func() { err = e.finish(span, "VerifyPatient", err) }()

	appt, err = e.store.VerifyAppointment(ctx, store.VerifyAppointmentInput{
		TokenNumber: strings.ToUpper(strings.TrimSpace(tokenNumber)),
		OTP:         otp,
		Today:       e.Today(),
		VerifiedAt:  e.clock(),
	})
	if err != nil {
		return models.Appointment{}, err
	}
	redacted := appt.Redacted()
	e.publish(ctx, notify.Event{
		Kind:   notify.KindVerified,
		Scopes: []notify.Scope{notify.Department(appt.DepartmentID), notify.Patient(appt.PatientID)},
		Data:   redacted,
	})
	return redacted, nil
}

// ServeNextInDepartment promotes today's next verified appointment. found is
// false when nobody is ready; that is not an error.
func (e *Engine) ServeNextInDepartment(ctx context.Context, departmentID string) (appt models.Appointment, found bool, err error) {
	ctx, span := e.start(ctx, "ServeNextInDepartment")
	defer func() { err = e.finish(span, "ServeNextInDepartment", err) }()

	departmentID = strings.TrimSpace(departmentID)
	today := e.Today()
	appt, found, err = e.store.ServeNextAppointment(ctx, store.ServeNextAppointmentInput{
		DepartmentID: departmentID,
		Date:         today,
		ServedAt:     e.clock(),
	})
	if err != nil || !found {
		return models.Appointment{}, false, err
	}

	redacted := appt.Redacted()
	served := notify.Alert{
		Position:    0,
		Message:     fmt.Sprintf("It's your turn! Token %s, please proceed to %s.", appt.TokenNumber, doctorLabel(appt)),
		TokenNumber: appt.TokenNumber,
	}
	if patient, perr := e.store.GetPatient(ctx, appt.PatientID); perr == nil {
		served.Name = patient.Name
		served.Phone = patient.Phone
		served.Email = patient.Email
	}
	events := []notify.Event{
		{
			Kind:   notify.KindAppointmentServed,
			Scopes: []notify.Scope{notify.Department(departmentID)},
			Data:   redacted,
		},
		{
			Kind:   notify.KindYourTurn,
			Scopes: []notify.Scope{notify.Patient(appt.PatientID)},
			Data:   served,
		},
	}
	events = append(events, e.departmentNearTurn(ctx, departmentID, today)...)
	e.publish(ctx, events...)
	return redacted, true, nil
}

func (e *Engine) CompleteAppointment(ctx context.Context, appointmentID string) (appt models.Appointment, err error) {
	ctx, span := e.start(ctx, "CompleteAppointment")
	defer func() { err = e.finish(span, "CompleteAppointment", err) }()

	appt, err = e.store.CompleteAppointment(ctx, store.CompleteAppointmentInput{
		AppointmentID: strings.TrimSpace(appointmentID),
		CompletedAt:   e.clock(),
	})
	if err != nil {
		return models.Appointment{}, err
	}
	redacted := appt.Redacted()
	e.publish(ctx, notify.Event{
		Kind:   notify.KindCompleted,
		Scopes: []notify.Scope{notify.Department(appt.DepartmentID), notify.Patient(appt.PatientID)},
		Data:   redacted,
	})
	return redacted, nil
}

// CancelAppointment cancels a waiting or ready appointment. Patients may only
// cancel their own; staff may cancel any.
func (e *Engine) CancelAppointment(ctx context.Context, who auth.Identity, appointmentID string) (appt models.Appointment, err error) {
	ctx, span := e.start(ctx, "CancelAppointment")
	defer func() { err = e.finish(span, "CancelAppointment", err) }()

	input := store.CancelAppointmentInput{
		AppointmentID: strings.TrimSpace(appointmentID),
		CancelledAt:   e.clock(),
	}
	switch caller := who.(type) {
	case auth.Patient:
		input.PatientID = caller.PatientID
	case auth.Staff:
	default:
		return models.Appointment{}, store.ErrAccessDenied
	}

	appt, err = e.store.CancelAppointment(ctx, input)
	if err != nil {
		return models.Appointment{}, err
	}
	redacted := appt.Redacted()
	events := []notify.Event{{
		Kind:   notify.KindAppointmentCancelled,
		Scopes: []notify.Scope{notify.Department(appt.DepartmentID), notify.Patient(appt.PatientID)},
		Data:   redacted,
	}}
	if today := e.Today(); appt.AppointmentDate == today {
		events = append(events, e.departmentNearTurn(ctx, appt.DepartmentID, today)...)
	}
	e.publish(ctx, events...)
	return redacted, nil
}

// DepartmentQueue lists today's active appointments of a department in
// serve order.
func (e *Engine) DepartmentQueue(ctx context.Context, departmentID string) (appointments []models.Appointment, err error) {
	ctx, span := e.start(ctx, "DepartmentQueue")
	defer func() { err = e.finish(span, "DepartmentQueue", err) }()

	list, err := e.store.ListDepartmentQueue(ctx, strings.TrimSpace(departmentID), e.Today())
	if err != nil {
		return nil, err
	}
	appointments = make([]models.Appointment, 0, len(list))
	for _, appt := range list {
		appointments = append(appointments, appt.Redacted())
	}
	return appointments, nil
}

func (e *Engine) ListDepartments(ctx context.Context) (departments []models.Department, err error) {
	ctx, span := e.start(ctx, "ListDepartments")
	defer func() { err = e.finish(span, "ListDepartments", err) }()

	return e.store.ListDepartments(ctx)
}

func (e *Engine) DepartmentDoctors(ctx context.Context, departmentID string) (doctors []models.Doctor, err error) {
	ctx, span := e.start(ctx, "DepartmentDoctors")
	defer func() { err = e.finish(span, "DepartmentDoctors", err) }()

	return e.store.ListDoctors(ctx, strings.TrimSpace(departmentID))
}

// DoctorSlots reports slot availability for a date, today when date is empty.
func (e *Engine) DoctorSlots(ctx context.Context, doctorID, date string) (slots DoctorSlots, err error) {
	ctx, span := e.start(ctx, "DoctorSlots")
	defer func() { err = e.finish(span, "DoctorSlots", err) }()

	if strings.TrimSpace(date) == "" {
		date = e.Today()
	}
	date, err = parseDate(date)
	if err != nil {
		return DoctorSlots{}, err
	}
	doctor, err := e.store.GetDoctor(ctx, strings.TrimSpace(doctorID))
	if err != nil {
		return DoctorSlots{}, err
	}
	booked, err := e.store.SlotBookings(ctx, doctor.DoctorID, date)
	if err != nil {
		return DoctorSlots{}, err
	}
	return DoctorSlots{
		Doctor: doctor,
		Date:   date,
		Slots:  store.Availability(doctor, booked, e.defaultMax, e.serviceMinutes),
	}, nil
}

func (e *Engine) departmentNearTurn(ctx context.Context, departmentID, date string) []notify.Event {
	queue, err := e.store.ListDepartmentQueue(ctx, departmentID, date)
	if err != nil {
		e.logger.Warn().Err(err).Str("department_id", departmentID).Msg("near-turn lookup failed")
		return nil
	}
	var events []notify.Event
	position := 0
	for _, appt := range queue {
		if appt.Status == models.StatusServing {
			continue
		}
		position++
		if !store.NearTurn(position, e.nearTurnWindow) {
			break
		}
		events = append(events, notify.Event{
			Kind:   notify.KindNearTurn,
			Scopes: []notify.Scope{notify.Patient(appt.PatientID)},
			Data: notify.Alert{
				Position:    position,
				Message:     nearTurnMessage(position),
				TokenNumber: appt.TokenNumber,
				Name:        appt.PatientName,
				Phone:       appt.PatientPhone,
				Email:       appt.PatientEmail,
			},
		})
	}
	return events
}

func doctorLabel(appt models.Appointment) string {
	if appt.DoctorName != "" {
		return appt.DoctorName
	}
	return "your doctor"
}

func parseDate(value string) (string, error) {
	value = strings.TrimSpace(value)
	parsed, err := time.Parse(models.DateLayout, value)
	if err != nil {
		return "", invalidInput("date must be YYYY-MM-DD")
	}
	return parsed.Format(models.DateLayout), nil
}

func parseSlotTime(value string) (string, error) {
	value = strings.TrimSpace(value)
	parsed, err := time.Parse(models.TimeLayout, value)
	if err != nil {
		return "", invalidInput("time must be HH:MM")
	}
	return parsed.Format(models.TimeLayout), nil
}
