// Package memory is a process-local store. A single mutex serializes every
// operation, which makes each method one atomic unit.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"

	"github.com/google/uuid"
)

type Options struct {
	DefaultMaxPatients int
}

type staffRecord struct {
	staff models.Staff
	hash  string
}

type Store struct {
	mu         sync.Mutex
	defaultMax int
	seq        int64

	tickets      map[string]*models.Ticket
	appointments map[string]*models.Appointment
	tokens       map[string]string
	tokenSeq     map[string]int64

	departments map[string]models.Department
	doctors     map[string]models.Doctor

	patients      map[string]models.Patient
	patientHashes map[string]string
	patientPhones map[string]string
	staff         map[string]staffRecord
}

var _ store.Store = (*Store)(nil)

func New(options Options) *Store {
	return &Store{
		defaultMax:    options.DefaultMaxPatients,
		tickets:       make(map[string]*models.Ticket),
		appointments:  make(map[string]*models.Appointment),
		tokens:        make(map[string]string),
		tokenSeq:      make(map[string]int64),
		departments:   make(map[string]models.Department),
		doctors:       make(map[string]models.Doctor),
		patients:      make(map[string]models.Patient),
		patientHashes: make(map[string]string),
		patientPhones: make(map[string]string),
		staff:         make(map[string]staffRecord),
	}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ticket := range s.tickets {
		if ticket.Phone == input.Phone && ticket.Active() {
			return models.Ticket{}, store.ErrDuplicateTicket
		}
	}
	if _, exists := s.tickets[input.TicketID]; exists {
		return models.Ticket{}, store.ErrConflict
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s.seq++
	ticket := &models.Ticket{
		TicketID:  input.TicketID,
		Seq:       s.seq,
		Name:      input.Name,
		Phone:     input.Phone,
		Email:     input.Email,
		OTP:       input.OTP,
		Status:    models.StatusWaiting,
		CreatedAt: createdAt,
	}
	s.tickets[ticket.TicketID] = ticket
	s.recomputeLocked()
	return *ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	result := *ticket
	result.Position = store.TicketPosition(s.ticketListLocked(), result)
	return result, nil
}

func (s *Store) ListQueue(ctx context.Context, input store.ListQueueInput) (store.QueuePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiting := store.RecomputePositions(s.ticketListLocked())
	if input.Descending {
		for i, j := 0, len(waiting)-1; i < j; i, j = i+1, j-1 {
			waiting[i], waiting[j] = waiting[j], waiting[i]
		}
	}

	page := store.QueuePage{Total: len(waiting)}
	start := (input.Page - 1) * input.Limit
	if start < 0 {
		start = 0
	}
	if start < len(waiting) {
		end := start + input.Limit
		if input.Limit <= 0 || end > len(waiting) {
			end = len(waiting)
		}
		page.Tickets = waiting[start:end]
	}
	if page.Tickets == nil {
		page.Tickets = []models.Ticket{}
	}
	if serving, ok := s.servingLocked(); ok {
		page.CurrentServing = &serving
	}
	return page, nil
}

func (s *Store) CurrentServing(ctx context.Context) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.servingLocked()
	return ticket, ok, nil
}

func (s *Store) VerifyTicket(ctx context.Context, input store.VerifyTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if err := store.CheckTicketVerification(*ticket, input.OTP); err != nil {
		return models.Ticket{}, err
	}
	verifiedAt := input.VerifiedAt
	ticket.Verified = true
	ticket.VerifiedAt = &verifiedAt
	return *ticket, nil
}

func (s *Store) ServeNextTicket(ctx context.Context, servedAt time.Time) (store.ServeNextResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, found := store.NextTicket(s.ticketListLocked())
	if !found {
		return store.ServeNextResult{}, nil
	}

	var result store.ServeNextResult
	for _, ticket := range s.tickets {
		if ticket.Status != models.StatusServing {
			continue
		}
		finishedAt := servedAt
		ticket.Status = models.StatusServed
		ticket.ServedAt = &finishedAt
		ticket.Position = 0
		finished := *ticket
		result.Finished = &finished
	}

	promoted := s.tickets[next.TicketID]
	servingAt := servedAt
	promoted.Status = models.StatusServing
	promoted.ServingAt = &servingAt
	s.recomputeLocked()

	result.Serving = *promoted
	result.Found = true
	return result, nil
}

func (s *Store) CancelTicket(ctx context.Context, input store.CancelTicketInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if ticket.OTP != input.OTP {
		return models.Ticket{}, store.ErrInvalidCredential
	}
	if !store.ValidTicketTransition("cancel", ticket.Status) {
		return models.Ticket{}, store.TransitionError(ticket.Status)
	}
	cancelledAt := input.CancelledAt
	ticket.Status = models.StatusCancelled
	ticket.CancelledAt = &cancelledAt
	s.recomputeLocked()
	return *ticket, nil
}

func (s *Store) RecomputePositions(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputeLocked(), nil
}

func (s *Store) recomputeLocked() int {
	ranked := store.RecomputePositions(s.ticketListLocked())
	for _, ticket := range s.tickets {
		if ticket.Status != models.StatusWaiting {
			ticket.Position = 0
		}
	}
	for _, ticket := range ranked {
		s.tickets[ticket.TicketID].Position = ticket.Position
	}
	return len(ranked)
}

func (s *Store) ticketListLocked() []models.Ticket {
	list := make([]models.Ticket, 0, len(s.tickets))
	for _, ticket := range s.tickets {
		list = append(list, *ticket)
	}
	return list
}

func (s *Store) servingLocked() (models.Ticket, bool) {
	for _, ticket := range s.tickets {
		if ticket.Status == models.StatusServing {
			return *ticket, true
		}
	}
	return models.Ticket{}, false
}

func (s *Store) BookAppointment(ctx context.Context, input store.BookAppointmentInput) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doctor, ok := s.doctors[input.DoctorID]
	if !ok || !doctor.Active {
		return models.Appointment{}, store.ErrDoctorNotFound
	}
	department, ok := s.departments[doctor.DepartmentID]
	if !ok {
		return models.Appointment{}, store.ErrDepartmentNotFound
	}
	if _, exists := s.appointments[input.AppointmentID]; exists {
		return models.Appointment{}, store.ErrConflict
	}

	booked := s.slotCountLocked(input.DoctorID, input.Date, input.Time)
	ordinal, err := store.CheckCapacity(doctor, input.Time, booked, s.defaultMax)
	if err != nil {
		return models.Appointment{}, err
	}

	s.tokenSeq[department.DepartmentID]++
	token := store.FormatTokenNumber(department.Code, s.tokenSeq[department.DepartmentID])
	if _, taken := s.tokens[token]; taken {
		return models.Appointment{}, store.ErrConflict
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	appt := &models.Appointment{
		AppointmentID:   input.AppointmentID,
		PatientID:       input.PatientID,
		DepartmentID:    department.DepartmentID,
		DoctorID:        doctor.DoctorID,
		AppointmentDate: input.Date,
		AppointmentTime: input.Time,
		TokenNumber:     token,
		OTP:             input.OTP,
		Status:          models.StatusWaiting,
		QueuePosition:   ordinal,
		CreatedAt:       createdAt,
	}
	s.appointments[appt.AppointmentID] = appt
	s.tokens[token] = appt.AppointmentID
	return s.decorateLocked(*appt), nil
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	return s.decorateLocked(*appt), nil
}

func (s *Store) ListPatientAppointments(ctx context.Context, patientID string) ([]models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []models.Appointment{}
	for _, appt := range s.appointments {
		if appt.PatientID != patientID || appt.Status == models.StatusCancelled {
			continue
		}
		result = append(result, s.decorateLocked(*appt))
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].AppointmentDate != result[j].AppointmentDate {
			return result[i].AppointmentDate < result[j].AppointmentDate
		}
		return store.ServeBefore(result[i], result[j])
	})
	return result, nil
}

func (s *Store) ListDepartmentQueue(ctx context.Context, departmentID, date string) ([]models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.departments[departmentID]; !ok {
		return nil, store.ErrDepartmentNotFound
	}
	result := []models.Appointment{}
	for _, appt := range s.appointments {
		if appt.DepartmentID != departmentID || appt.AppointmentDate != date || !appt.Active() {
			continue
		}
		decorated := s.decorateLocked(*appt)
		if patient, ok := s.patients[appt.PatientID]; ok {
			decorated.PatientName = patient.Name
			decorated.PatientPhone = patient.Phone
			decorated.PatientEmail = patient.Email
		}
		result = append(result, decorated)
	}
	store.SortAppointments(result)
	return result, nil
}

func (s *Store) VerifyAppointment(ctx context.Context, input store.VerifyAppointmentInput) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokens[input.TokenNumber]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	appt := s.appointments[id]
	if err := store.CheckAppointmentVerification(*appt, input.OTP, input.Today); err != nil {
		return models.Appointment{}, err
	}
	verifiedAt := input.VerifiedAt
	appt.Status = models.StatusReady
	appt.IsVerified = true
	appt.VerifiedAt = &verifiedAt
	return s.decorateLocked(*appt), nil
}

func (s *Store) ServeNextAppointment(ctx context.Context, input store.ServeNextAppointmentInput) (models.Appointment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.departments[input.DepartmentID]; !ok {
		return models.Appointment{}, false, store.ErrDepartmentNotFound
	}
	list := make([]models.Appointment, 0, len(s.appointments))
	for _, appt := range s.appointments {
		list = append(list, *appt)
	}
	next, found := store.NextAppointment(list, input.DepartmentID, input.Date)
	if !found {
		return models.Appointment{}, false, nil
	}
	appt := s.appointments[next.AppointmentID]
	servedAt := input.ServedAt
	appt.Status = models.StatusServing
	appt.ServedAt = &servedAt
	return s.decorateLocked(*appt), true, nil
}

func (s *Store) CompleteAppointment(ctx context.Context, input store.CompleteAppointmentInput) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[input.AppointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if !store.ValidAppointmentTransition("complete", appt.Status) {
		return models.Appointment{}, store.TransitionError(appt.Status)
	}
	completedAt := input.CompletedAt
	appt.Status = models.StatusCompleted
	appt.CompletedAt = &completedAt
	return s.decorateLocked(*appt), nil
}

func (s *Store) CancelAppointment(ctx context.Context, input store.CancelAppointmentInput) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[input.AppointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	if input.PatientID != "" && appt.PatientID != input.PatientID {
		return models.Appointment{}, store.ErrAccessDenied
	}
	if !store.ValidAppointmentTransition("cancel", appt.Status) {
		return models.Appointment{}, store.TransitionError(appt.Status)
	}
	cancelledAt := input.CancelledAt
	appt.Status = models.StatusCancelled
	appt.CancelledAt = &cancelledAt
	return s.decorateLocked(*appt), nil
}

func (s *Store) SlotBookings(ctx context.Context, doctorID, date string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doctors[doctorID]; !ok {
		return nil, store.ErrDoctorNotFound
	}
	counts := make(map[string]int)
	for _, appt := range s.appointments {
		if appt.DoctorID == doctorID && appt.AppointmentDate == date && appt.Status != models.StatusCancelled {
			counts[appt.AppointmentTime]++
		}
	}
	return counts, nil
}

func (s *Store) slotCountLocked(doctorID, date, slotTime string) int {
	count := 0
	for _, appt := range s.appointments {
		if appt.DoctorID == doctorID && appt.AppointmentDate == date && appt.AppointmentTime == slotTime && appt.Status != models.StatusCancelled {
			count++
		}
	}
	return count
}

func (s *Store) decorateLocked(appt models.Appointment) models.Appointment {
	list := make([]models.Appointment, 0)
	key := appt.SlotKey()
	for _, other := range s.appointments {
		if other.SlotKey() == key {
			list = append(list, *other)
		}
	}
	appt.LivePosition = store.AppointmentPosition(list, appt)
	if doctor, ok := s.doctors[appt.DoctorID]; ok {
		appt.DoctorName = doctor.Name
	}
	return appt
}

func (s *Store) ListDepartments(ctx context.Context) ([]models.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := []models.Department{}
	for _, department := range s.departments {
		if department.Active {
			result = append(result, department)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) GetDepartment(ctx context.Context, departmentID string) (models.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	department, ok := s.departments[departmentID]
	if !ok {
		return models.Department{}, store.ErrDepartmentNotFound
	}
	return department, nil
}

func (s *Store) ListDoctors(ctx context.Context, departmentID string) ([]models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.departments[departmentID]; !ok {
		return nil, store.ErrDepartmentNotFound
	}
	result := []models.Doctor{}
	for _, doctor := range s.doctors {
		if doctor.DepartmentID == departmentID && doctor.Active {
			result = append(result, doctor)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID string) (models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doctor, ok := s.doctors[doctorID]
	if !ok {
		return models.Doctor{}, store.ErrDoctorNotFound
	}
	return doctor, nil
}

func (s *Store) UpsertDepartment(ctx context.Context, department models.Department) (models.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	department.Code = strings.ToUpper(strings.TrimSpace(department.Code))
	for id, existing := range s.departments {
		if existing.Code == department.Code {
			department.DepartmentID = id
			break
		}
	}
	if department.DepartmentID == "" {
		department.DepartmentID = uuid.NewString()
	}
	s.departments[department.DepartmentID] = department
	return department, nil
}

func (s *Store) UpsertDoctor(ctx context.Context, doctor models.Doctor) (models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.departments[doctor.DepartmentID]; !ok {
		return models.Doctor{}, store.ErrDepartmentNotFound
	}
	if doctor.DoctorID == "" {
		for id, existing := range s.doctors {
			if existing.DepartmentID == doctor.DepartmentID && existing.Name == doctor.Name {
				doctor.DoctorID = id
				break
			}
		}
	}
	if doctor.DoctorID == "" {
		doctor.DoctorID = uuid.NewString()
	}
	slots := make([]models.Slot, len(doctor.Slots))
	copy(slots, doctor.Slots)
	doctor.Slots = slots
	s.doctors[doctor.DoctorID] = doctor
	return doctor, nil
}

func (s *Store) CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.patientPhones[input.Phone]; taken {
		return models.Patient{}, store.ErrPhoneTaken
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	patient := models.Patient{
		PatientID: input.PatientID,
		Name:      input.Name,
		Phone:     input.Phone,
		Email:     input.Email,
		CreatedAt: createdAt,
	}
	s.patients[patient.PatientID] = patient
	s.patientHashes[patient.PatientID] = input.PasswordHash
	s.patientPhones[patient.Phone] = patient.PatientID
	return patient, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	patient, ok := s.patients[patientID]
	if !ok {
		return models.Patient{}, store.ErrPatientNotFound
	}
	return patient, nil
}

func (s *Store) GetPatientCredentials(ctx context.Context, phone string) (models.Patient, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.patientPhones[phone]
	if !ok {
		return models.Patient{}, "", store.ErrPatientNotFound
	}
	return s.patients[id], s.patientHashes[id], nil
}

func (s *Store) UpsertStaff(ctx context.Context, staff models.Staff, passwordHash string) (models.Staff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.staff[staff.Username]; ok {
		staff.StaffID = existing.staff.StaffID
	}
	if staff.StaffID == "" {
		staff.StaffID = uuid.NewString()
	}
	s.staff[staff.Username] = staffRecord{staff: staff, hash: passwordHash}
	return staff, nil
}

func (s *Store) GetStaffCredentials(ctx context.Context, username string) (models.Staff, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.staff[username]
	if !ok || !record.staff.Active {
		return models.Staff{}, "", store.ErrStaffNotFound
	}
	return record.staff, record.hash, nil
}
