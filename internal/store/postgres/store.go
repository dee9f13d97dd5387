// Package postgres implements store.Store on PostgreSQL through pgx. Queue
// mutations serialize on transaction-scoped advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const walkInLock = "walkin-queue"

type Store struct {
	pool       *pgxpool.Pool
	defaultMax int
}

type Options struct {
	DefaultMaxPatients int
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	return &Store{pool: pool, defaultMax: options.DefaultMaxPatients}
}

const ticketColumns = `ticket_id, seq, name, phone, email, otp, status, position, verified, created_at, verified_at, serving_at, served_at, cancelled_at`

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var verifiedAt, servingAt, servedAt, cancelledAt sql.NullTime
	if err := row.Scan(&ticket.TicketID, &ticket.Seq, &ticket.Name, &ticket.Phone, &ticket.Email, &ticket.OTP,
		&ticket.Status, &ticket.Position, &ticket.Verified, &ticket.CreatedAt,
		&verifiedAt, &servingAt, &servedAt, &cancelledAt); err != nil {
		return models.Ticket{}, err
	}
	ticket.VerifiedAt = nullTimePtr(verifiedAt)
	ticket.ServingAt = nullTimePtr(servingAt)
	ticket.ServedAt = nullTimePtr(servedAt)
	ticket.CancelledAt = nullTimePtr(cancelledAt)
	return ticket, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	tickets := []models.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (ticket models.Ticket, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = advisoryLock(ctx, tx, walkInLock); err != nil {
		return models.Ticket{}, err
	}

	var exists bool
	if err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM tickets WHERE phone = $1 AND status IN ('waiting','serving'))
	`, input.Phone).Scan(&exists); err != nil {
		return models.Ticket{}, err
	}
	if exists {
		err = store.ErrDuplicateTicket
		return models.Ticket{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err = tx.Exec(ctx, `
		INSERT INTO tickets (ticket_id, name, phone, email, otp, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, input.TicketID, input.Name, input.Phone, input.Email, input.OTP, models.StatusWaiting, createdAt); err != nil {
		err = mapError(err)
		return models.Ticket{}, err
	}

	if _, err = recompute(ctx, tx); err != nil {
		return models.Ticket{}, err
	}
	ticket, err = scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, input.TicketID))
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapError(err)
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	ticket.Position, err = livePosition(ctx, s.pool, ticket)
	if err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) ListQueue(ctx context.Context, input store.ListQueueInput) (store.QueuePage, error) {
	var page store.QueuePage
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tickets WHERE status = 'waiting'`).Scan(&page.Total); err != nil {
		return store.QueuePage{}, err
	}

	order := "ASC"
	if input.Descending {
		order = "DESC"
	}
	offset := (input.Page - 1) * input.Limit
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'waiting'
		ORDER BY created_at `+order+`, seq `+order+`
		LIMIT $1 OFFSET $2
	`, input.Limit, offset)
	if err != nil {
		return store.QueuePage{}, err
	}
	page.Tickets, err = collectTickets(rows)
	if err != nil {
		return store.QueuePage{}, err
	}
	for i := range page.Tickets {
		if input.Descending {
			page.Tickets[i].Position = page.Total - offset - i
		} else {
			page.Tickets[i].Position = offset + i + 1
		}
	}

	serving, ok, err := s.CurrentServing(ctx)
	if err != nil {
		return store.QueuePage{}, err
	}
	if ok {
		page.CurrentServing = &serving
	}
	return page, nil
}

func (s *Store) CurrentServing(ctx context.Context) (models.Ticket, bool, error) {
	ticket, err := scanTicket(s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE status = 'serving' LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) VerifyTicket(ctx context.Context, input store.VerifyTicketInput) (ticket models.Ticket, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	ticket, err = lockTicket(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = store.CheckTicketVerification(ticket, input.OTP); err != nil {
		return models.Ticket{}, err
	}
	ticket, err = scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets SET verified = TRUE, verified_at = $2
		WHERE ticket_id = $1
		RETURNING `+ticketColumns, input.TicketID, input.VerifiedAt))
	if err != nil {
		return models.Ticket{}, err
	}
	ticket.Position, err = livePosition(ctx, tx, ticket)
	if err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapError(err)
		return models.Ticket{}, err
	}
	return ticket, nil
}

// ServeNextTicket finishes the serving ticket and promotes the oldest
// waiting one. When nobody is waiting the transaction is rolled back, so the
// serving ticket stays as it was.
func (s *Store) ServeNextTicket(ctx context.Context, servedAt time.Time) (result store.ServeNextResult, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.ServeNextResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = advisoryLock(ctx, tx, walkInLock); err != nil {
		return store.ServeNextResult{}, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE tickets SET status = 'served', served_at = $1, position = 0
		WHERE status = 'serving'
		RETURNING `+ticketColumns, servedAt)
	if err != nil {
		return store.ServeNextResult{}, err
	}
	finished, err := collectTickets(rows)
	if err != nil {
		return store.ServeNextResult{}, err
	}

	serving, err := scanTicket(tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT ticket_id
			FROM tickets
			WHERE status = 'waiting'
			ORDER BY created_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE
		)
		UPDATE tickets
		SET status = 'serving', serving_at = $1, position = 0
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id
		RETURNING `+qualify("tickets", ticketColumns), servedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return store.ServeNextResult{}, nil
	}
	if err != nil {
		err = mapError(err)
		return store.ServeNextResult{}, err
	}

	if _, err = recompute(ctx, tx); err != nil {
		return store.ServeNextResult{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapError(err)
		return store.ServeNextResult{}, err
	}

	result = store.ServeNextResult{Serving: serving, Found: true}
	if len(finished) > 0 {
		result.Finished = &finished[0]
	}
	return result, nil
}

func (s *Store) CancelTicket(ctx context.Context, input store.CancelTicketInput) (ticket models.Ticket, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = advisoryLock(ctx, tx, walkInLock); err != nil {
		return models.Ticket{}, err
	}
	ticket, err = lockTicket(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if ticket.OTP != input.OTP {
		err = store.ErrInvalidCredential
		return models.Ticket{}, err
	}
	if !store.ValidTicketTransition("cancel", ticket.Status) {
		err = store.TransitionError(ticket.Status)
		return models.Ticket{}, err
	}
	ticket, err = scanTicket(tx.QueryRow(ctx, `
		UPDATE tickets SET status = 'cancelled', cancelled_at = $2, position = 0
		WHERE ticket_id = $1
		RETURNING `+ticketColumns, input.TicketID, input.CancelledAt))
	if err != nil {
		return models.Ticket{}, err
	}
	if _, err = recompute(ctx, tx); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = mapError(err)
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) RecomputePositions(ctx context.Context) (count int, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = advisoryLock(ctx, tx, walkInLock); err != nil {
		return 0, err
	}
	count, err = recompute(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return count, nil
}

// recompute rewrites persisted positions: waiting tickets get 1..N in queue
// order, everything else 0. Only rows whose position changes are written.
func recompute(ctx context.Context, tx pgx.Tx) (int, error) {
	rows, err := tx.Query(ctx, `
		SELECT ticket_id, seq, status, position, created_at
		FROM tickets
		WHERE status = 'waiting' OR position <> 0
	`)
	if err != nil {
		return 0, err
	}
	var tickets []models.Ticket
	for rows.Next() {
		var ticket models.Ticket
		if err := rows.Scan(&ticket.TicketID, &ticket.Seq, &ticket.Status, &ticket.Position, &ticket.CreatedAt); err != nil {
			rows.Close()
			return 0, err
		}
		tickets = append(tickets, ticket)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	ranked := store.RecomputePositions(tickets)
	want := make(map[string]int, len(ranked))
	for _, ticket := range ranked {
		want[ticket.TicketID] = ticket.Position
	}

	batch := &pgx.Batch{}
	for _, ticket := range tickets {
		position := want[ticket.TicketID]
		if ticket.Position == position {
			continue
		}
		batch.Queue(`UPDATE tickets SET position = $2 WHERE ticket_id = $1`, ticket.TicketID, position)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, err
		}
	}
	return len(ranked), nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// livePosition counts waiting tickets ahead of ticket.
func livePosition(ctx context.Context, q querier, ticket models.Ticket) (int, error) {
	if ticket.Status != models.StatusWaiting {
		return 0, nil
	}
	var ahead int
	if err := q.QueryRow(ctx, `
		SELECT COUNT(*) FROM tickets
		WHERE status = 'waiting' AND (created_at, seq) < ($1, $2)
	`, ticket.CreatedAt, ticket.Seq).Scan(&ahead); err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

func lockTicket(ctx context.Context, tx pgx.Tx, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1 FOR UPDATE`, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func advisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

// qualify prefixes every column in a comma-separated list with table.
func qualify(table, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = table + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

// mapError translates conflicts Postgres reports into store errors.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "23505":
		switch pgErr.ConstraintName {
		case "tickets_active_phone_idx":
			return store.ErrDuplicateTicket
		case "patients_phone_key":
			return store.ErrPhoneTaken
		}
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
