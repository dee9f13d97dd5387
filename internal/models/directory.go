package models

import "time"

// DefaultMaxPatients applies to slots configured without a capacity.
const DefaultMaxPatients = 10

type Department struct {
	DepartmentID string `json:"department_id"`
	Name         string `json:"name"`
	Code         string `json:"code"`
	Description  string `json:"description,omitempty"`
	Active       bool   `json:"active"`
}

type Slot struct {
	Time        string `json:"time" yaml:"time"`
	MaxPatients int    `json:"max_patients" yaml:"max_patients"`
}

type Doctor struct {
	DoctorID       string `json:"doctor_id"`
	DepartmentID   string `json:"department_id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
	Slots          []Slot `json:"slots"`
	Active         bool   `json:"active"`
}

// FindSlot returns the doctor's slot configured at slotTime.
func (d Doctor) FindSlot(slotTime string) (Slot, bool) {
	for _, slot := range d.Slots {
		if slot.Time == slotTime {
			return slot, true
		}
	}
	return Slot{}, false
}

// SlotAvailability is a slot as seen for one date.
type SlotAvailability struct {
	Time                 string `json:"time"`
	MaxPatients          int    `json:"max_patients"`
	Booked               int    `json:"booked"`
	Remaining            int    `json:"remaining"`
	Available            bool   `json:"available"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

type Patient struct {
	PatientID string    `json:"patient_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

type Staff struct {
	StaffID  string `json:"staff_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	Active   bool   `json:"active"`
}
