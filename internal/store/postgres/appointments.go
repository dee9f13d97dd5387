package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"

	"github.com/jackc/pgx/v5"
)

// appointmentColumns reads an appointment with its doctor name and live slot
// rank; a is the appointments alias and d the doctors alias.
const appointmentColumns = `
	a.appointment_id, a.patient_id, a.department_id, a.doctor_id,
		to_char(a.appointment_date, 'YYYY-MM-DD'), a.appointment_time, a.token_number, a.otp,
		a.status, a.queue_position, a.is_verified, a.created_at,
		a.verified_at, a.served_at, a.completed_at, a.cancelled_at,
		d.name,
		CASE WHEN a.status IN ('waiting','ready','serving') THEN 1 + (
			SELECT COUNT(*) FROM appointments o
			WHERE o.doctor_id = a.doctor_id
				AND o.appointment_date = a.appointment_date
				AND o.appointment_time = a.appointment_time
				AND o.status IN ('waiting','ready','serving')
				AND o.queue_position < a.queue_position
		) ELSE 0 END AS live_position`

const appointmentFrom = `
	FROM appointments a
	JOIN doctors d ON d.doctor_id = a.doctor_id`

const appointmentSelect = `SELECT ` + appointmentColumns + appointmentFrom

const serveOrder = `ORDER BY a.appointment_time ASC, a.queue_position ASC, a.created_at ASC, a.appointment_id ASC`

func scanAppointment(row pgx.Row, extra ...any) (models.Appointment, error) {
	var appt models.Appointment
	var verifiedAt, servedAt, completedAt, cancelledAt sql.NullTime
	dest := []any{
		&appt.AppointmentID, &appt.PatientID, &appt.DepartmentID, &appt.DoctorID,
		&appt.AppointmentDate, &appt.AppointmentTime, &appt.TokenNumber, &appt.OTP,
		&appt.Status, &appt.QueuePosition, &appt.IsVerified, &appt.CreatedAt,
		&verifiedAt, &servedAt, &completedAt, &cancelledAt,
		&appt.DoctorName, &appt.LivePosition,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.Appointment{}, err
	}
	appt.VerifiedAt = nullTimePtr(verifiedAt)
	appt.ServedAt = nullTimePtr(servedAt)
	appt.CompletedAt = nullTimePtr(completedAt)
	appt.CancelledAt = nullTimePtr(cancelledAt)
	return appt, nil
}

func collectAppointments(rows pgx.Rows) ([]models.Appointment, error) {
	defer rows.Close()
	result := []models.Appointment{}
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func getAppointment(ctx context.Context, q querier, appointmentID string) (models.Appointment, error) {
	appt, err := scanAppointment(q.QueryRow(ctx, appointmentSelect+` WHERE a.appointment_id = $1`, appointmentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	return appt, nil
}

// BookAppointment counts and inserts under the slot's advisory lock, so two
// bookings for the same slot never see the same count.
func (s *Store) BookAppointment(ctx context.Context, input store.BookAppointmentInput) (appt models.Appointment, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	doctor, err := getDoctor(ctx, tx, input.DoctorID)
	if err != nil {
		return models.Appointment{}, err
	}
	if !doctor.Active {
		err = store.ErrDoctorNotFound
		return models.Appointment{}, err
	}
	var departmentCode string
	if err = tx.QueryRow(ctx, `SELECT code FROM departments WHERE department_id = $1`, doctor.DepartmentID).Scan(&departmentCode); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrDepartmentNotFound
		}
		return models.Appointment{}, err
	}

	if err = advisoryLock(ctx, tx, "slot:"+models.SlotKey(doctor.DoctorID, input.Date, input.Time)); err != nil {
		return models.Appointment{}, err
	}
	var booked int
	if err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND appointment_time = $3 AND status <> 'cancelled'
	`, doctor.DoctorID, input.Date, input.Time).Scan(&booked); err != nil {
		return models.Appointment{}, err
	}
	ordinal, err := store.CheckCapacity(doctor, input.Time, booked, s.defaultMax)
	if err != nil {
		return models.Appointment{}, err
	}

	seq, err := nextTokenNumber(ctx, tx, doctor.DepartmentID)
	if err != nil {
		return models.Appointment{}, err
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO appointments (
			appointment_id, patient_id, department_id, doctor_id, appointment_date, appointment_time,
			token_number, otp, status, queue_position, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, input.AppointmentID, input.PatientID, doctor.DepartmentID, doctor.DoctorID, input.Date, input.Time,
		store.FormatTokenNumber(departmentCode, seq), input.OTP, models.StatusWaiting, ordinal, createdAt); err != nil {
		err = mapError(err)
		return models.Appointment{}, err
	}

	appt, err = getAppointment(ctx, tx, input.AppointmentID)
	if err != nil {
		return models.Appointment{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapError(err)
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	return getAppointment(ctx, s.pool, appointmentID)
}

func (s *Store) ListPatientAppointments(ctx context.Context, patientID string) ([]models.Appointment, error) {
	rows, err := s.pool.Query(ctx, appointmentSelect+`
		WHERE a.patient_id = $1 AND a.status <> 'cancelled'
		ORDER BY a.appointment_date ASC, a.appointment_time ASC, a.queue_position ASC, a.created_at ASC, a.appointment_id ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (s *Store) ListDepartmentQueue(ctx context.Context, departmentID, date string) ([]models.Appointment, error) {
	if err := departmentExists(ctx, s.pool, departmentID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+appointmentColumns+`, p.name, p.phone, COALESCE(p.email, '')`+appointmentFrom+`
		JOIN patients p ON p.patient_id = a.patient_id
		WHERE a.department_id = $1 AND a.appointment_date = $2 AND a.status IN ('waiting','ready','serving')
		`+serveOrder, departmentID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []models.Appointment{}
	for rows.Next() {
		var name, phone, email string
		appt, err := scanAppointment(rows, &name, &phone, &email)
		if err != nil {
			return nil, err
		}
		appt.PatientName, appt.PatientPhone, appt.PatientEmail = name, phone, email
		result = append(result, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) VerifyAppointment(ctx context.Context, input store.VerifyAppointmentInput) (appt models.Appointment, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var appointmentID string
	if err = tx.QueryRow(ctx, `SELECT appointment_id FROM appointments WHERE token_number = $1 FOR UPDATE`, input.TokenNumber).Scan(&appointmentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	appt, err = getAppointment(ctx, tx, appointmentID)
	if err != nil {
		return models.Appointment{}, err
	}
	if err = store.CheckAppointmentVerification(appt, input.OTP, input.Today); err != nil {
		return models.Appointment{}, err
	}
	if _, err = tx.Exec(ctx, `
		UPDATE appointments SET status = 'ready', is_verified = TRUE, verified_at = $2
		WHERE appointment_id = $1
	`, appointmentID, input.VerifiedAt); err != nil {
		return models.Appointment{}, err
	}
	appt, err = getAppointment(ctx, tx, appointmentID)
	if err != nil {
		return models.Appointment{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapError(err)
		return models.Appointment{}, err
	}
	return appt, nil
}

// ServeNextAppointment serializes per department, so two desks of the same
// department never promote the same appointment.
func (s *Store) ServeNextAppointment(ctx context.Context, input store.ServeNextAppointmentInput) (appt models.Appointment, found bool, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = departmentExists(ctx, tx, input.DepartmentID); err != nil {
		return models.Appointment{}, false, err
	}
	if err = advisoryLock(ctx, tx, "department:"+input.DepartmentID); err != nil {
		return models.Appointment{}, false, err
	}

	var appointmentID string
	err = tx.QueryRow(ctx, `
		WITH next_appointment AS (
			SELECT a.appointment_id
			FROM appointments a
			WHERE a.department_id = $1
				AND a.appointment_date = $2
				AND a.status = 'ready'
				AND a.is_verified
			`+serveOrder+`
			LIMIT 1
			FOR UPDATE
		)
		UPDATE appointments
		SET status = 'serving', served_at = $3
		FROM next_appointment
		WHERE appointments.appointment_id = next_appointment.appointment_id
		RETURNING appointments.appointment_id
	`, input.DepartmentID, input.Date, input.ServedAt).Scan(&appointmentID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.Commit(ctx)
		return models.Appointment{}, false, err
	}
	if err != nil {
		err = mapError(err)
		return models.Appointment{}, false, err
	}

	appt, err = getAppointment(ctx, tx, appointmentID)
	if err != nil {
		return models.Appointment{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapError(err)
		return models.Appointment{}, false, err
	}
	return appt, true, nil
}

func (s *Store) CompleteAppointment(ctx context.Context, input store.CompleteAppointmentInput) (models.Appointment, error) {
	return s.transitionAppointment(ctx, input.AppointmentID, "", "complete", `
		UPDATE appointments SET status = 'completed', completed_at = $2 WHERE appointment_id = $1
	`, input.CompletedAt)
}

func (s *Store) CancelAppointment(ctx context.Context, input store.CancelAppointmentInput) (models.Appointment, error) {
	return s.transitionAppointment(ctx, input.AppointmentID, input.PatientID, "cancel", `
		UPDATE appointments SET status = 'cancelled', cancelled_at = $2 WHERE appointment_id = $1
	`, input.CancelledAt)
}

// transitionAppointment locks the row, checks owner and transition, then runs
// update with ($1 appointment id, $2 at).
func (s *Store) transitionAppointment(ctx context.Context, appointmentID, ownerID, action, update string, at time.Time) (appt models.Appointment, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var patientID, status string
	if err = tx.QueryRow(ctx, `
		SELECT patient_id, status FROM appointments WHERE appointment_id = $1 FOR UPDATE
	`, appointmentID).Scan(&patientID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	if ownerID != "" && ownerID != patientID {
		err = store.ErrAccessDenied
		return models.Appointment{}, err
	}
	if !store.ValidAppointmentTransition(action, status) {
		err = store.TransitionError(status)
		return models.Appointment{}, err
	}
	if _, err = tx.Exec(ctx, update, appointmentID, at); err != nil {
		return models.Appointment{}, err
	}
	appt, err = getAppointment(ctx, tx, appointmentID)
	if err != nil {
		return models.Appointment{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapError(err)
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) SlotBookings(ctx context.Context, doctorID, date string) (map[string]int, error) {
	if _, err := getDoctor(ctx, s.pool, doctorID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT appointment_time, COUNT(*)
		FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status <> 'cancelled'
		GROUP BY appointment_time
	`, doctorID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var slotTime string
		var count int
		if err := rows.Scan(&slotTime, &count); err != nil {
			return nil, err
		}
		counts[slotTime] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func nextTokenNumber(ctx context.Context, tx pgx.Tx, departmentID string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (department_id, next_number)
		VALUES ($1, 1)
		ON CONFLICT (department_id)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, departmentID)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}
