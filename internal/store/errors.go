package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrTicketNotFound      = fmt.Errorf("ticket %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
	ErrDoctorNotFound      = fmt.Errorf("doctor %w", ErrNotFound)
	ErrDepartmentNotFound  = fmt.Errorf("department %w", ErrNotFound)
	ErrPatientNotFound     = fmt.Errorf("patient %w", ErrNotFound)
	ErrStaffNotFound       = fmt.Errorf("staff %w", ErrNotFound)
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrAlreadyFinalized    = errors.New("already finalized")
	ErrAlreadyVerified     = errors.New("already verified")
	ErrSlotFull            = errors.New("slot is full")
	ErrSlotNotFound        = errors.New("slot not configured")
	ErrExpired             = errors.New("appointment date has passed")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrDuplicateTicket     = errors.New("phone already has an active ticket")
	ErrInvalidState        = errors.New("invalid state for action")
	ErrAccessDenied        = errors.New("access denied")
	ErrPhoneTaken          = errors.New("phone already registered")
	ErrUnavailable         = errors.New("store unavailable")
)

var domainErrors = []error{
	ErrNotFound,
	ErrInvalidCredential,
	ErrAlreadyFinalized,
	ErrAlreadyVerified,
	ErrSlotFull,
	ErrSlotNotFound,
	ErrExpired,
	ErrConflict,
	ErrDuplicateTicket,
	ErrInvalidState,
	ErrAccessDenied,
	ErrPhoneTaken,
}

// IsDomainError reports whether err is one of the sentinel errors above
// other than ErrUnavailable.
func IsDomainError(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
