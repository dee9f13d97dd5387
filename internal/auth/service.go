package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidLogin = errors.New("invalid login")
	ErrWeakPassword = errors.New("password must be at least 6 characters")
	ErrMissingField = errors.New("name and phone are required")
)

const minPasswordLength = 6

type RegisterInput struct {
	Name     string
	Phone    string
	Email    string
	Password string
}

type Session struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
	Patient   *models.Patient `json:"patient,omitempty"`
	Staff     *models.Staff   `json:"staff,omitempty"`
}

// Service registers patients and logs in patients and staff.
type Service struct {
	accounts store.AccountStore
	tokens   *Tokens
}

func NewService(accounts store.AccountStore, tokens *Tokens) *Service {
	return &Service{accounts: accounts, tokens: tokens}
}

func (s *Service) RegisterPatient(ctx context.Context, input RegisterInput) (Session, error) {
	if strings.TrimSpace(input.Name) == "" || strings.TrimSpace(input.Phone) == "" {
		return Session{}, ErrMissingField
	}
	if len(input.Password) < minPasswordLength {
		return Session{}, ErrWeakPassword
	}
	hash, err := HashPassword(input.Password)
	if err != nil {
		return Session{}, err
	}
	patient, err := s.accounts.CreatePatient(ctx, store.CreatePatientInput{
		PatientID:    uuid.NewString(),
		Name:         strings.TrimSpace(input.Name),
		Phone:        strings.TrimSpace(input.Phone),
		Email:        strings.TrimSpace(input.Email),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return Session{}, err
	}
	return s.patientSession(patient)
}

func (s *Service) LoginPatient(ctx context.Context, phone, password string) (Session, error) {
	patient, hash, err := s.accounts.GetPatientCredentials(ctx, strings.TrimSpace(phone))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, ErrInvalidLogin
		}
		return Session{}, err
	}
	if !CheckPassword(hash, password) {
		return Session{}, ErrInvalidLogin
	}
	return s.patientSession(patient)
}

func (s *Service) LoginStaff(ctx context.Context, username, password string) (Session, error) {
	staff, hash, err := s.accounts.GetStaffCredentials(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, ErrInvalidLogin
		}
		return Session{}, err
	}
	if !CheckPassword(hash, password) {
		return Session{}, ErrInvalidLogin
	}
	token, expires, err := s.tokens.Issue(Staff{StaffID: staff.StaffID, Username: staff.Username, Role: staff.Role})
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: expires, Staff: &staff}, nil
}

func (s *Service) patientSession(patient models.Patient) (Session, error) {
	token, expires, err := s.tokens.Issue(Patient{PatientID: patient.PatientID, Name: patient.Name, Phone: patient.Phone})
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, ExpiresAt: expires, Patient: &patient}, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
