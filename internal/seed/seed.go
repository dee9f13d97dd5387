// Package seed loads the hospital directory (departments, doctors, slots)
// and staff accounts from YAML and upserts them into a store.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"qms/hospital-queue/internal/auth"
	"qms/hospital-queue/internal/models"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed hospital.yaml
var defaultFile []byte

type File struct {
	DefaultSlots []models.Slot `yaml:"default_slots"`
	Departments  []Department  `yaml:"departments"`
	Staff        []Staff       `yaml:"staff"`
}

type Department struct {
	Name        string   `yaml:"name"`
	Code        string   `yaml:"code"`
	Description string   `yaml:"description"`
	Inactive    bool     `yaml:"inactive"`
	Doctors     []Doctor `yaml:"doctors"`
}

type Doctor struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	Specialization string        `yaml:"specialization"`
	Slots          []models.Slot `yaml:"slots"`
	Inactive       bool          `yaml:"inactive"`
}

// Staff passwords come from PasswordEnv when that variable is set.
type Staff struct {
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
	Role        string `yaml:"role"`
}

// Target is the subset of the store the loader writes to.
type Target interface {
	UpsertDepartment(ctx context.Context, department models.Department) (models.Department, error)
	UpsertDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error)
	UpsertStaff(ctx context.Context, staff models.Staff, passwordHash string) (models.Staff, error)
}

type Summary struct {
	Departments int
	Doctors     int
	Staff       int
}

// Default is the built-in hospital directory.
func Default() (File, error) {
	return Parse(bytes.NewReader(defaultFile))
}

func LoadFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func Parse(r io.Reader) (File, error) {
	var file File
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse seed file: %w", err)
	}
	if err := file.validate(); err != nil {
		return File{}, err
	}
	return file, nil
}

func (f File) validate() error {
	codes := make(map[string]struct{})
	for i, department := range f.Departments {
		code := strings.ToUpper(strings.TrimSpace(department.Code))
		if department.Name == "" || code == "" {
			return fmt.Errorf("department %d: name and code are required", i)
		}
		if _, dup := codes[code]; dup {
			return fmt.Errorf("department %s: duplicate code", code)
		}
		codes[code] = struct{}{}
		for _, doctor := range department.Doctors {
			if doctor.Name == "" {
				return fmt.Errorf("department %s: doctor without name", code)
			}
			if err := validateSlots(doctor.Slots); err != nil {
				return fmt.Errorf("doctor %s: %w", doctor.Name, err)
			}
		}
	}
	if err := validateSlots(f.DefaultSlots); err != nil {
		return fmt.Errorf("default_slots: %w", err)
	}
	for _, staff := range f.Staff {
		if staff.Username == "" {
			return fmt.Errorf("staff entry without username")
		}
		if staff.Role != "" && staff.Role != models.RoleAdmin && staff.Role != models.RoleSuperAdmin {
			return fmt.Errorf("staff %s: unknown role %q", staff.Username, staff.Role)
		}
	}
	return nil
}

// FallbackPasswords lists staff whose password_env is unset in the
// environment, so Apply would store the literal password from the file.
func (f File) FallbackPasswords() []string {
	var users []string
	for _, entry := range f.Staff {
		if entry.PasswordEnv == "" || entry.Password == "" {
			continue
		}
		if os.Getenv(entry.PasswordEnv) == "" {
			users = append(users, entry.Username)
		}
	}
	return users
}

func validateSlots(slots []models.Slot) error {
	seen := make(map[string]struct{})
	for _, slot := range slots {
		if len(slot.Time) != len(models.TimeLayout) {
			return fmt.Errorf("slot time %q must be HH:MM", slot.Time)
		}
		if _, dup := seen[slot.Time]; dup {
			return fmt.Errorf("duplicate slot %s", slot.Time)
		}
		if slot.MaxPatients < 0 {
			return fmt.Errorf("slot %s: negative max_patients", slot.Time)
		}
		seen[slot.Time] = struct{}{}
	}
	return nil
}

// Apply upserts every entry of f. Departments match by code, doctors by id or
// by name within their department, staff by username.
func Apply(ctx context.Context, target Target, f File, logger zerolog.Logger) (Summary, error) {
	var summary Summary
	for _, entry := range f.Departments {
		department, err := target.UpsertDepartment(ctx, models.Department{
			Name:        entry.Name,
			Code:        entry.Code,
			Description: entry.Description,
			Active:      !entry.Inactive,
		})
		if err != nil {
			return summary, fmt.Errorf("upsert department %s: %w", entry.Code, err)
		}
		summary.Departments++

		for _, doc := range entry.Doctors {
			slots := doc.Slots
			if len(slots) == 0 {
				slots = f.DefaultSlots
			}
			doctor, err := target.UpsertDoctor(ctx, models.Doctor{
				DoctorID:       doc.ID,
				DepartmentID:   department.DepartmentID,
				Name:           doc.Name,
				Specialization: doc.Specialization,
				Slots:          slots,
				Active:         !doc.Inactive,
			})
			if err != nil {
				return summary, fmt.Errorf("upsert doctor %s: %w", doc.Name, err)
			}
			summary.Doctors++
			logger.Debug().Str("department", department.Code).Str("doctor_id", doctor.DoctorID).Str("doctor", doctor.Name).Msg("seeded doctor")
		}
	}

	for _, entry := range f.Staff {
		password := entry.Password
		if entry.PasswordEnv != "" {
			if value := os.Getenv(entry.PasswordEnv); value != "" {
				password = value
			}
		}
		if password == "" {
			return summary, fmt.Errorf("staff %s: no password", entry.Username)
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return summary, fmt.Errorf("hash password for %s: %w", entry.Username, err)
		}
		role := entry.Role
		if role == "" {
			role = models.RoleAdmin
		}
		if _, err := target.UpsertStaff(ctx, models.Staff{Username: entry.Username, Role: role, Active: true}, hash); err != nil {
			return summary, fmt.Errorf("upsert staff %s: %w", entry.Username, err)
		}
		summary.Staff++
	}

	logger.Info().
		Int("departments", summary.Departments).
		Int("doctors", summary.Doctors).
		Int("staff", summary.Staff).
		Msg("seed applied")
	return summary, nil
}
