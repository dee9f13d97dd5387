package models

import "time"

// DateLayout is the civil date format used for appointment dates.
const DateLayout = "2006-01-02"

// TimeLayout is the slot time-of-day format.
const TimeLayout = "15:04"

type Appointment struct {
	AppointmentID   string     `json:"appointment_id"`
	PatientID       string     `json:"patient_id"`
	DepartmentID    string     `json:"department_id"`
	DoctorID        string     `json:"doctor_id"`
	AppointmentDate string     `json:"appointment_date"`
	AppointmentTime string     `json:"appointment_time"`
	TokenNumber     string     `json:"token_number"`
	OTP             string     `json:"otp,omitempty"`
	Status          string     `json:"status"`
	QueuePosition   int        `json:"queue_position"`
	LivePosition    int        `json:"live_position"`
	IsVerified      bool       `json:"is_verified"`
	CreatedAt       time.Time  `json:"created_at"`
	VerifiedAt      *time.Time `json:"verified_at,omitempty"`
	ServedAt        *time.Time `json:"served_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	PatientName     string     `json:"patient_name,omitempty"`
	PatientPhone    string     `json:"patient_phone,omitempty"`
	PatientEmail    string     `json:"patient_email,omitempty"`
	DoctorName      string     `json:"doctor_name,omitempty"`
}

func (a Appointment) Redacted() Appointment {
	a.OTP = ""
	return a
}

// Active reports whether the appointment still counts toward its slot queue.
func (a Appointment) Active() bool {
	switch a.Status {
	case StatusWaiting, StatusReady, StatusServing:
		return true
	}
	return false
}

// SlotKey identifies the capacity partition of an appointment.
func SlotKey(doctorID, date, slotTime string) string {
	return doctorID + "|" + date + "|" + slotTime
}

func (a Appointment) SlotKey() string {
	return SlotKey(a.DoctorID, a.AppointmentDate, a.AppointmentTime)
}
