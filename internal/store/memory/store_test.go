package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

func seedDoctor(t *testing.T, st *Store, maxPatients int) (models.Department, models.Doctor) {
	t.Helper()
	ctx := context.Background()
	department, err := st.UpsertDepartment(ctx, models.Department{Name: "Cardiology", Code: "card", Active: true})
	if err != nil {
		t.Fatalf("upsert department: %v", err)
	}
	doctor, err := st.UpsertDoctor(ctx, models.Doctor{
		DepartmentID: department.DepartmentID,
		Name:         "Dr. Reyes",
		Slots:        []models.Slot{{Time: "09:00", MaxPatients: maxPatients}, {Time: "10:00", MaxPatients: maxPatients}},
		Active:       true,
	})
	if err != nil {
		t.Fatalf("upsert doctor: %v", err)
	}
	return department, doctor
}

func joinTicket(t *testing.T, st *Store, id string, created time.Time) models.Ticket {
	t.Helper()
	ticket, err := st.CreateTicket(context.Background(), store.CreateTicketInput{
		TicketID:  id,
		Name:      "Patient " + id,
		Phone:     "0800" + id,
		OTP:       "123456",
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("create ticket %s: %v", id, err)
	}
	return ticket
}

func TestCreateTicketAssignsPositionsInCreationOrder(t *testing.T) {
	st := New(Options{})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"t1", "t2", "t3"} {
		ticket := joinTicket(t, st, id, base.Add(time.Duration(i)*time.Minute))
		if ticket.Position != i+1 {
			t.Fatalf("ticket %s: expected position %d, got %d", id, i+1, ticket.Position)
		}
	}
	for i, id := range []string{"t1", "t2", "t3"} {
		ticket, err := st.GetTicket(context.Background(), id)
		if err != nil {
			t.Fatalf("get ticket: %v", err)
		}
		if ticket.Position != i+1 {
			t.Fatalf("ticket %s: expected position %d, got %d", id, i+1, ticket.Position)
		}
	}
}

func TestRecomputePositionsRepairsStaleRanks(t *testing.T) {
	st := New(Options{})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"t1", "t2", "t3"} {
		joinTicket(t, st, id, base.Add(time.Duration(i)*time.Minute))
	}

	st.mu.Lock()
	st.tickets["t1"].Position = 7
	st.tickets["t3"].Position = 0
	st.mu.Unlock()

	count, err := st.RecomputePositions(context.Background())
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 waiting, got %d", count)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, id := range []string{"t1", "t2", "t3"} {
		if got := st.tickets[id].Position; got != i+1 {
			t.Fatalf("ticket %s: expected stored position %d, got %d", id, i+1, got)
		}
	}
}

func TestCreateTicketRejectsDuplicateActivePhone(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	input := store.CreateTicketInput{TicketID: "t1", Name: "A", Phone: "0811", OTP: "111111"}
	if _, err := st.CreateTicket(ctx, input); err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	input.TicketID = "t2"
	if _, err := st.CreateTicket(ctx, input); !errors.Is(err, store.ErrDuplicateTicket) {
		t.Fatalf("expected ErrDuplicateTicket, got %v", err)
	}
	if _, err := st.CancelTicket(ctx, store.CancelTicketInput{TicketID: "t1", OTP: "111111"}); err != nil {
		t.Fatalf("cancel ticket: %v", err)
	}
	if _, err := st.CreateTicket(ctx, input); err != nil {
		t.Fatalf("expected rejoin after cancel, got %v", err)
	}
}

func TestServeNextTicketKeepsSingleServing(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	joinTicket(t, st, "t1", base)
	joinTicket(t, st, "t2", base.Add(time.Minute))

	first, err := st.ServeNextTicket(ctx, base.Add(time.Hour))
	if err != nil || !first.Found || first.Serving.TicketID != "t1" {
		t.Fatalf("expected t1 serving, got %+v err=%v", first, err)
	}
	if first.Finished != nil {
		t.Fatalf("expected nothing finished on first serve")
	}
	second, err := st.ServeNextTicket(ctx, base.Add(2*time.Hour))
	if err != nil || !second.Found || second.Serving.TicketID != "t2" {
		t.Fatalf("expected t2 serving, got %+v err=%v", second, err)
	}
	if second.Finished == nil || second.Finished.TicketID != "t1" || second.Finished.Status != models.StatusServed {
		t.Fatalf("expected t1 finished, got %+v", second.Finished)
	}

	empty, err := st.ServeNextTicket(ctx, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("empty serve must not fail: %v", err)
	}
	if empty.Found {
		t.Fatalf("expected no candidate")
	}
	current, ok, err := st.CurrentServing(ctx)
	if err != nil || !ok || current.TicketID != "t2" {
		t.Fatalf("empty serve must not alter current serving, got %+v ok=%v err=%v", current, ok, err)
	}
}

func TestServeNextTicketConcurrent(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		joinTicket(t, st, fmt.Sprintf("t%02d", i), base.Add(time.Duration(i)*time.Second))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	served := make(map[string]int)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := st.ServeNextTicket(ctx, time.Now().UTC())
			if err != nil {
				t.Errorf("serve next: %v", err)
				return
			}
			mu.Lock()
			served[result.Serving.TicketID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(served) != 20 {
		t.Fatalf("expected 20 distinct promotions, got %d", len(served))
	}
	serving := 0
	for _, ticket := range st.ticketListLocked() {
		if ticket.Status == models.StatusServing {
			serving++
		}
	}
	if serving != 1 {
		t.Fatalf("expected exactly one serving ticket, got %d", serving)
	}
}

func TestCancelTicketTwice(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	joinTicket(t, st, "t1", base)
	joinTicket(t, st, "t2", base.Add(time.Minute))

	if _, err := st.CancelTicket(ctx, store.CancelTicketInput{TicketID: "t1", OTP: "999999"}); !errors.Is(err, store.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	cancelled, err := st.CancelTicket(ctx, store.CancelTicketInput{TicketID: "t1", OTP: "123456", CancelledAt: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != models.StatusCancelled || cancelled.Position != 0 {
		t.Fatalf("unexpected cancelled ticket: %+v", cancelled)
	}
	if _, err := st.CancelTicket(ctx, store.CancelTicketInput{TicketID: "t1", OTP: "123456"}); !errors.Is(err, store.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}

	page, err := st.ListQueue(ctx, store.ListQueueInput{Page: 1, Limit: 10})
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if page.Total != 1 || page.Tickets[0].TicketID != "t2" || page.Tickets[0].Position != 1 {
		t.Fatalf("unexpected queue after cancel: %+v", page)
	}
}

func TestVerifyTicketWrongOTPDoesNotMutate(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	joinTicket(t, st, "t1", time.Now().UTC())

	if _, err := st.VerifyTicket(ctx, store.VerifyTicketInput{TicketID: "t1", OTP: "000000"}); !errors.Is(err, store.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	ticket, _ := st.GetTicket(ctx, "t1")
	if ticket.Verified || ticket.Status != models.StatusWaiting {
		t.Fatalf("wrong otp mutated ticket: %+v", ticket)
	}
	if _, err := st.VerifyTicket(ctx, store.VerifyTicketInput{TicketID: "t1", OTP: "123456"}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := st.VerifyTicket(ctx, store.VerifyTicketInput{TicketID: "t1", OTP: "123456"}); !errors.Is(err, store.ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
	if _, err := st.VerifyTicket(ctx, store.VerifyTicketInput{TicketID: "missing", OTP: "123456"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListQueuePagination(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		joinTicket(t, st, fmt.Sprintf("t%d", i+1), base.Add(time.Duration(i)*time.Minute))
	}

	page, err := st.ListQueue(ctx, store.ListQueueInput{Page: 2, Limit: 2})
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if page.Total != 5 || len(page.Tickets) != 2 || page.Tickets[0].TicketID != "t3" {
		t.Fatalf("unexpected page: %+v", page)
	}
	desc, _ := st.ListQueue(ctx, store.ListQueueInput{Page: 1, Limit: 1, Descending: true})
	if desc.Tickets[0].TicketID != "t5" || desc.Tickets[0].Position != 5 {
		t.Fatalf("unexpected descending page: %+v", desc.Tickets)
	}
	beyond, _ := st.ListQueue(ctx, store.ListQueueInput{Page: 9, Limit: 2})
	if len(beyond.Tickets) != 0 {
		t.Fatalf("expected empty page beyond range")
	}
}

func book(st *Store, doctorID, patientID, id, date, slot string) (models.Appointment, error) {
	return st.BookAppointment(context.Background(), store.BookAppointmentInput{
		AppointmentID: id,
		PatientID:     patientID,
		DoctorID:      doctorID,
		Date:          date,
		Time:          slot,
		OTP:           "654321",
	})
}

func TestBookAppointmentCapacity(t *testing.T) {
	st := New(Options{})
	_, doctor := seedDoctor(t, st, 2)

	first, err := book(st, doctor.DoctorID, "p1", "a1", "2026-03-10", "09:00")
	if err != nil {
		t.Fatalf("first booking: %v", err)
	}
	second, err := book(st, doctor.DoctorID, "p2", "a2", "2026-03-10", "09:00")
	if err != nil {
		t.Fatalf("second booking: %v", err)
	}
	if first.QueuePosition != 1 || second.QueuePosition != 2 {
		t.Fatalf("unexpected ordinals %d, %d", first.QueuePosition, second.QueuePosition)
	}
	if first.TokenNumber != "CARD-0001" || second.TokenNumber != "CARD-0002" {
		t.Fatalf("unexpected tokens %s, %s", first.TokenNumber, second.TokenNumber)
	}
	if _, err := book(st, doctor.DoctorID, "p3", "a3", "2026-03-10", "09:00"); !errors.Is(err, store.ErrSlotFull) {
		t.Fatalf("expected ErrSlotFull, got %v", err)
	}
	if _, err := book(st, doctor.DoctorID, "p3", "a3", "2026-03-10", "11:30"); !errors.Is(err, store.ErrSlotNotFound) {
		t.Fatalf("expected ErrSlotNotFound, got %v", err)
	}
	if _, err := book(st, "nobody", "p3", "a3", "2026-03-10", "09:00"); !errors.Is(err, store.ErrDoctorNotFound) {
		t.Fatalf("expected ErrDoctorNotFound, got %v", err)
	}
}

func TestBookAppointmentConcurrentCapacity(t *testing.T) {
	st := New(Options{})
	_, doctor := seedDoctor(t, st, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, full := 0, 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := book(st, doctor.DoctorID, fmt.Sprintf("p%d", i), fmt.Sprintf("a%d", i), "2026-03-10", "09:00")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, store.ErrSlotFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 5 || full != 7 {
		t.Fatalf("expected 5 bookings and 7 rejections, got %d and %d", succeeded, full)
	}
}

func TestCancelledAppointmentLeavesOrdinalGap(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	_, doctor := seedDoctor(t, st, 3)
	book(st, doctor.DoctorID, "p1", "a1", "2026-03-10", "09:00")
	book(st, doctor.DoctorID, "p2", "a2", "2026-03-10", "09:00")

	if _, err := st.CancelAppointment(ctx, store.CancelAppointmentInput{AppointmentID: "a1", PatientID: "p2"}); !errors.Is(err, store.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, err := st.CancelAppointment(ctx, store.CancelAppointmentInput{AppointmentID: "a1", PatientID: "p1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second, err := st.GetAppointment(ctx, "a2")
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if second.QueuePosition != 2 || second.LivePosition != 1 {
		t.Fatalf("expected ordinal 2 and live position 1, got %d and %d", second.QueuePosition, second.LivePosition)
	}
	third, err := book(st, doctor.DoctorID, "p3", "a3", "2026-03-10", "09:00")
	if err != nil {
		t.Fatalf("book after cancel: %v", err)
	}
	if third.QueuePosition != 2 {
		t.Fatalf("expected ordinal from non-cancelled count, got %d", third.QueuePosition)
	}
}

func TestAppointmentLifecycle(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	department, doctor := seedDoctor(t, st, 5)
	date := "2026-03-10"

	ten, _ := book(st, doctor.DoctorID, "p1", "a-ten", date, "10:00")
	nine, _ := book(st, doctor.DoctorID, "p2", "a-nine", date, "09:00")

	if _, err := st.CompleteAppointment(ctx, store.CompleteAppointmentInput{AppointmentID: nine.AppointmentID}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState completing waiting appointment, got %v", err)
	}
	empty, found, err := st.ServeNextAppointment(ctx, store.ServeNextAppointmentInput{DepartmentID: department.DepartmentID, Date: date})
	if err != nil || found {
		t.Fatalf("expected no candidate before verification, got %+v err=%v", empty, err)
	}

	for _, appt := range []models.Appointment{ten, nine} {
		verified, err := st.VerifyAppointment(ctx, store.VerifyAppointmentInput{TokenNumber: appt.TokenNumber, OTP: "654321", Today: date})
		if err != nil {
			t.Fatalf("verify %s: %v", appt.TokenNumber, err)
		}
		if verified.Status != models.StatusReady || !verified.IsVerified {
			t.Fatalf("unexpected verified appointment: %+v", verified)
		}
	}

	serving, found, err := st.ServeNextAppointment(ctx, store.ServeNextAppointmentInput{DepartmentID: department.DepartmentID, Date: date})
	if err != nil || !found {
		t.Fatalf("serve next: found=%v err=%v", found, err)
	}
	if serving.AppointmentID != nine.AppointmentID || serving.Status != models.StatusServing {
		t.Fatalf("expected 09:00 appointment serving, got %+v", serving)
	}
	if _, err := st.CancelAppointment(ctx, store.CancelAppointmentInput{AppointmentID: nine.AppointmentID}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState cancelling serving appointment, got %v", err)
	}
	completed, err := st.CompleteAppointment(ctx, store.CompleteAppointmentInput{AppointmentID: nine.AppointmentID})
	if err != nil || completed.Status != models.StatusCompleted {
		t.Fatalf("complete: %+v err=%v", completed, err)
	}
	if _, err := st.CompleteAppointment(ctx, store.CompleteAppointmentInput{AppointmentID: nine.AppointmentID}); !errors.Is(err, store.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}

	queue, err := st.ListDepartmentQueue(ctx, department.DepartmentID, date)
	if err != nil {
		t.Fatalf("department queue: %v", err)
	}
	if len(queue) != 1 || queue[0].AppointmentID != ten.AppointmentID {
		t.Fatalf("unexpected department queue: %+v", queue)
	}
}

func TestVerifyAppointmentExpired(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	_, doctor := seedDoctor(t, st, 5)
	appt, _ := book(st, doctor.DoctorID, "p1", "a1", "2026-03-09", "09:00")

	if _, err := st.VerifyAppointment(ctx, store.VerifyAppointmentInput{TokenNumber: appt.TokenNumber, OTP: "654321", Today: "2026-03-10"}); !errors.Is(err, store.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	unchanged, _ := st.GetAppointment(ctx, appt.AppointmentID)
	if unchanged.Status != models.StatusWaiting || unchanged.IsVerified {
		t.Fatalf("expired verify mutated appointment: %+v", unchanged)
	}
	if _, err := st.VerifyAppointment(ctx, store.VerifyAppointmentInput{TokenNumber: "NOPE-0001", OTP: "654321", Today: "2026-03-10"}); !errors.Is(err, store.ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
}

func TestAccounts(t *testing.T) {
	st := New(Options{})
	ctx := context.Background()
	patient, err := st.CreatePatient(ctx, store.CreatePatientInput{PatientID: "p1", Name: "Ana", Phone: "0812", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("create patient: %v", err)
	}
	if _, err := st.CreatePatient(ctx, store.CreatePatientInput{PatientID: "p2", Name: "Ben", Phone: "0812"}); !errors.Is(err, store.ErrPhoneTaken) {
		t.Fatalf("expected ErrPhoneTaken, got %v", err)
	}
	found, hash, err := st.GetPatientCredentials(ctx, "0812")
	if err != nil || found.PatientID != patient.PatientID || hash != "hash" {
		t.Fatalf("unexpected credentials: %+v %q %v", found, hash, err)
	}

	if _, err := st.UpsertStaff(ctx, models.Staff{Username: "desk", Role: models.RoleAdmin, Active: false}, "h"); err != nil {
		t.Fatalf("upsert staff: %v", err)
	}
	if _, _, err := st.GetStaffCredentials(ctx, "desk"); !errors.Is(err, store.ErrStaffNotFound) {
		t.Fatalf("inactive staff must not log in, got %v", err)
	}
}
