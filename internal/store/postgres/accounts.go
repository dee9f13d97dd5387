package postgres

import (
	"context"
	"errors"
	"time"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO patients (patient_id, name, phone, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, input.PatientID, input.Name, input.Phone, input.Email, input.PasswordHash, createdAt); err != nil {
		return models.Patient{}, mapError(err)
	}
	return models.Patient{
		PatientID: input.PatientID,
		Name:      input.Name,
		Phone:     input.Phone,
		Email:     input.Email,
		CreatedAt: createdAt,
	}, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	var patient models.Patient
	err := s.pool.QueryRow(ctx, `
		SELECT patient_id, name, phone, email, created_at FROM patients WHERE patient_id = $1
	`, patientID).Scan(&patient.PatientID, &patient.Name, &patient.Phone, &patient.Email, &patient.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	return patient, nil
}

func (s *Store) GetPatientCredentials(ctx context.Context, phone string) (models.Patient, string, error) {
	var patient models.Patient
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT patient_id, name, phone, email, created_at, password_hash FROM patients WHERE phone = $1
	`, phone).Scan(&patient.PatientID, &patient.Name, &patient.Phone, &patient.Email, &patient.CreatedAt, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, "", store.ErrPatientNotFound
		}
		return models.Patient{}, "", err
	}
	return patient, hash, nil
}

// UpsertStaff matches on username and keeps the existing id.
func (s *Store) UpsertStaff(ctx context.Context, staff models.Staff, passwordHash string) (models.Staff, error) {
	if staff.StaffID == "" {
		staff.StaffID = uuid.NewString()
	}
	if staff.Role == "" {
		staff.Role = models.RoleAdmin
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO staff (staff_id, username, role, password_hash, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE
		SET role = EXCLUDED.role, password_hash = EXCLUDED.password_hash, active = EXCLUDED.active
		RETURNING staff_id
	`, staff.StaffID, staff.Username, staff.Role, passwordHash, staff.Active).Scan(&staff.StaffID)
	if err != nil {
		return models.Staff{}, mapError(err)
	}
	return staff, nil
}

func (s *Store) GetStaffCredentials(ctx context.Context, username string) (models.Staff, string, error) {
	var staff models.Staff
	var hash string
	err := s.pool.QueryRow(ctx, `
		SELECT staff_id, username, role, active, password_hash
		FROM staff WHERE username = $1 AND active
	`, username).Scan(&staff.StaffID, &staff.Username, &staff.Role, &staff.Active, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Staff{}, "", store.ErrStaffNotFound
		}
		return models.Staff{}, "", err
	}
	return staff, hash, nil
}
