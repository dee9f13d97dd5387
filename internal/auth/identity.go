package auth

import "qms/hospital-queue/internal/models"

// Identity is the authenticated caller. It is either a Patient or a Staff
// member; dispatch with a type switch.
type Identity interface {
	Subject() string
	isIdentity()
}

type Patient struct {
	PatientID string
	Name      string
	Phone     string
}

func (p Patient) Subject() string { return p.PatientID }
func (Patient) isIdentity()       {}

type Staff struct {
	StaffID  string
	Username string
	Role     string
}

func (s Staff) Subject() string { return s.StaffID }
func (Staff) isIdentity()       {}

// SuperAdmin reports whether the staff member holds the super_admin role.
func (s Staff) SuperAdmin() bool { return s.Role == models.RoleSuperAdmin }

// CanSubscribePatient reports whether id may receive events addressed to
// the given patient.
func CanSubscribePatient(id Identity, patientID string) bool {
	switch who := id.(type) {
	case Staff:
		return true
	case Patient:
		return who.PatientID == patientID
	default:
		return false
	}
}
