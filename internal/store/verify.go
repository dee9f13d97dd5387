package store

import "qms/hospital-queue/internal/models"

// CheckTicketVerification applies the verification gate to a walk-in ticket.
// The OTP comparison is exact.
func CheckTicketVerification(ticket models.Ticket, otp string) error {
	if ticket.OTP != otp {
		return ErrInvalidCredential
	}
	if models.Terminal(ticket.Status) {
		return ErrAlreadyFinalized
	}
	if !ValidTicketTransition("verify", ticket.Status) {
		return ErrInvalidState
	}
	if ticket.Verified {
		return ErrAlreadyVerified
	}
	return nil
}

// CheckAppointmentVerification applies the verification gate to an
// appointment. today is the current civil date in DateLayout.
func CheckAppointmentVerification(appt models.Appointment, otp, today string) error {
	if appt.OTP != otp {
		return ErrInvalidCredential
	}
	if models.Terminal(appt.Status) {
		return ErrAlreadyFinalized
	}
	if appt.AppointmentDate < today {
		return ErrExpired
	}
	if appt.IsVerified || !ValidAppointmentTransition("verify", appt.Status) {
		return ErrAlreadyVerified
	}
	return nil
}
