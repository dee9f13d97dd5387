package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const doctorColumns = `doctor_id, department_id, name, specialization, slots, active`

func scanDoctor(row pgx.Row) (models.Doctor, error) {
	var doctor models.Doctor
	var slots []byte
	if err := row.Scan(&doctor.DoctorID, &doctor.DepartmentID, &doctor.Name, &doctor.Specialization, &slots, &doctor.Active); err != nil {
		return models.Doctor{}, err
	}
	doctor.Slots = []models.Slot{}
	if len(slots) > 0 {
		if err := json.Unmarshal(slots, &doctor.Slots); err != nil {
			return models.Doctor{}, err
		}
	}
	return doctor, nil
}

func getDoctor(ctx context.Context, q querier, doctorID string) (models.Doctor, error) {
	doctor, err := scanDoctor(q.QueryRow(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE doctor_id = $1`, doctorID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Doctor{}, store.ErrDoctorNotFound
		}
		return models.Doctor{}, err
	}
	return doctor, nil
}

func departmentExists(ctx context.Context, q querier, departmentID string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM departments WHERE department_id = $1)`, departmentID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrDepartmentNotFound
	}
	return nil
}

func (s *Store) ListDepartments(ctx context.Context) ([]models.Department, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT department_id, name, code, description, active
		FROM departments
		WHERE active
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.Department{}
	for rows.Next() {
		var department models.Department
		if err := rows.Scan(&department.DepartmentID, &department.Name, &department.Code, &department.Description, &department.Active); err != nil {
			return nil, err
		}
		result = append(result, department)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetDepartment(ctx context.Context, departmentID string) (models.Department, error) {
	var department models.Department
	err := s.pool.QueryRow(ctx, `
		SELECT department_id, name, code, description, active
		FROM departments WHERE department_id = $1
	`, departmentID).Scan(&department.DepartmentID, &department.Name, &department.Code, &department.Description, &department.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Department{}, store.ErrDepartmentNotFound
		}
		return models.Department{}, err
	}
	return department, nil
}

func (s *Store) ListDoctors(ctx context.Context, departmentID string) ([]models.Doctor, error) {
	if err := departmentExists(ctx, s.pool, departmentID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+doctorColumns+`
		FROM doctors
		WHERE department_id = $1 AND active
		ORDER BY name ASC
	`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.Doctor{}
	for rows.Next() {
		doctor, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, doctor)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	return getDoctor(ctx, s.pool, doctorID)
}

// UpsertDepartment matches on the upper-cased code and keeps the existing id.
func (s *Store) UpsertDepartment(ctx context.Context, department models.Department) (models.Department, error) {
	department.Code = strings.ToUpper(strings.TrimSpace(department.Code))
	if department.DepartmentID == "" {
		department.DepartmentID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO departments (department_id, name, code, description, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (code) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description, active = EXCLUDED.active
		RETURNING department_id
	`, department.DepartmentID, department.Name, department.Code, department.Description, department.Active).Scan(&department.DepartmentID)
	if err != nil {
		return models.Department{}, mapError(err)
	}
	return department, nil
}

// UpsertDoctor matches on id, or on (department, name) when the id is empty.
func (s *Store) UpsertDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error) {
	if err := departmentExists(ctx, s.pool, doctor.DepartmentID); err != nil {
		return models.Doctor{}, err
	}
	if doctor.DoctorID == "" {
		err := s.pool.QueryRow(ctx, `
			SELECT doctor_id FROM doctors WHERE department_id = $1 AND name = $2
		`, doctor.DepartmentID, doctor.Name).Scan(&doctor.DoctorID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return models.Doctor{}, err
		}
	}
	if doctor.DoctorID == "" {
		doctor.DoctorID = uuid.NewString()
	}
	if doctor.Slots == nil {
		doctor.Slots = []models.Slot{}
	}
	slots, err := json.Marshal(doctor.Slots)
	if err != nil {
		return models.Doctor{}, err
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO doctors (doctor_id, department_id, name, specialization, slots, active)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (doctor_id) DO UPDATE
		SET department_id = EXCLUDED.department_id, name = EXCLUDED.name,
			specialization = EXCLUDED.specialization, slots = EXCLUDED.slots, active = EXCLUDED.active
	`, doctor.DoctorID, doctor.DepartmentID, doctor.Name, doctor.Specialization, string(slots), doctor.Active); err != nil {
		return models.Doctor{}, mapError(err)
	}
	return doctor, nil
}
