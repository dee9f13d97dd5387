package engine

import (
	"context"
	"fmt"
	"strings"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/notify"
	"qms/hospital-queue/internal/store"
)

type JoinQueueInput struct {
	Name  string
	Phone string
	Email string
}

type ListQueueInput struct {
	Page  int
	Limit int
	Sort  string
}

type QueueStats struct {
	TotalWaiting   int    `json:"total_waiting"`
	CurrentServing string `json:"current_serving,omitempty"`
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type QueueListing struct {
	Tickets        []models.Ticket `json:"tickets"`
	CurrentServing *models.Ticket  `json:"current_serving"`
	Stats          QueueStats      `json:"stats"`
	Pagination     Pagination      `json:"pagination"`
}

// QueueSnapshot is the data carried by walk-in queue events.
type QueueSnapshot struct {
	Queue          []models.Ticket `json:"queue"`
	CurrentServing *models.Ticket  `json:"current_serving"`
	TotalWaiting   int             `json:"total_waiting"`
	Ticket         *models.Ticket  `json:"ticket,omitempty"`
}

type TicketStatus struct {
	Ticket               models.Ticket  `json:"ticket"`
	CurrentServing       *models.Ticket `json:"current_serving"`
	EstimatedWaitMinutes int            `json:"estimated_wait_minutes"`
}

// ServeResult is the outcome of a walk-in serve-next. Serving is nil when
// the queue was empty.
type ServeResult struct {
	Serving  *models.Ticket `json:"serving"`
	Finished *models.Ticket `json:"finished,omitempty"`
}

func (e *Engine) JoinQueue(ctx context.Context, input JoinQueueInput) (ticket models.Ticket, err error) {
	ctx, span := e.start(ctx, "JoinQueue")
	defer func() { err = e.finish(span, "JoinQueue", err) }()

	input.Name = strings.TrimSpace(input.Name)
	input.Phone = strings.TrimSpace(input.Phone)
	input.Email = strings.TrimSpace(input.Email)
	if input.Name == "" || input.Phone == "" {
		return models.Ticket{}, invalidInput("name and phone are required")
	}

	otp, err := GenerateOTP()
	if err != nil {
		return models.Ticket{}, err
	}
	ticket, err = e.store.CreateTicket(ctx, store.CreateTicketInput{
		TicketID:  newTicketID(),
		Name:      input.Name,
		Phone:     input.Phone,
		Email:     input.Email,
		OTP:       otp,
		CreatedAt: e.clock(),
	})
	if err != nil {
		return models.Ticket{}, err
	}

	snapshot := e.queueSnapshot(ctx)
	joined := ticket.Redacted()
	snapshot.Ticket = &joined
	e.publish(ctx, notify.Event{
		Kind:   notify.KindQueueUpdated,
		Scopes: []notify.Scope{notify.Global()},
		Data:   snapshot,
	})
	return ticket, nil
}

func (e *Engine) TicketStatus(ctx context.Context, ticketID string) (status TicketStatus, err error) {
	ctx, span := e.start(ctx, "TicketStatus")
	defer func() { err = e.finish(span, "TicketStatus", err) }()

	ticket, err := e.store.GetTicket(ctx, strings.TrimSpace(ticketID))
	if err != nil {
		return TicketStatus{}, err
	}
	status.Ticket = ticket.Redacted()
	if ticket.Position > 0 {
		status.EstimatedWaitMinutes = store.EstimateWaitMinutes(ticket.Position-1, e.serviceMinutes)
	}
	serving, ok, err := e.store.CurrentServing(ctx)
	if err != nil {
		return TicketStatus{}, err
	}
	if ok {
		redacted := serving.Redacted()
		status.CurrentServing = &redacted
	}
	return status, nil
}

func (e *Engine) ListQueue(ctx context.Context, input ListQueueInput) (listing QueueListing, err error) {
	ctx, span := e.start(ctx, "ListQueue")
	defer func() { err = e.finish(span, "ListQueue", err) }()

	descending, err := parseSort(input.Sort)
	if err != nil {
		return QueueListing{}, err
	}
	query := store.ClampPage(store.ListQueueInput{Page: input.Page, Limit: input.Limit, Descending: descending}, e.pageLimit, maxPageLimit)
	page, err := e.store.ListQueue(ctx, query)
	if err != nil {
		return QueueListing{}, err
	}

	listing.Tickets = redactTickets(page.Tickets)
	if page.CurrentServing != nil {
		serving := page.CurrentServing.Redacted()
		listing.CurrentServing = &serving
		listing.Stats.CurrentServing = serving.TicketID
	}
	listing.Stats.TotalWaiting = page.Total
	pages := 0
	if page.Total > 0 {
		pages = (page.Total + query.Limit - 1) / query.Limit
	}
	listing.Pagination = Pagination{Page: query.Page, Limit: query.Limit, Total: page.Total, Pages: pages}
	return listing, nil
}

func (e *Engine) CurrentServing(ctx context.Context) (ticket *models.Ticket, err error) {
	ctx, span := e.start(ctx, "CurrentServing")
	defer func() { err = e.finish(span, "CurrentServing", err) }()

	serving, ok, err := e.store.CurrentServing(ctx)
	if err != nil || !ok {
		return nil, err
	}
	redacted := serving.Redacted()
	return &redacted, nil
}

func (e *Engine) VerifyTicket(ctx context.Context, ticketID, otp string) (ticket models.Ticket, err error) {
	ctx, span := e.start(ctx, "VerifyTicket")
	defer func() { err = e.finish(span, "VerifyTicket", err) }()

	ticket, err = e.store.VerifyTicket(ctx, store.VerifyTicketInput{
		TicketID:   strings.TrimSpace(ticketID),
		OTP:        otp,
		VerifiedAt: e.clock(),
	})
	if err != nil {
		return models.Ticket{}, err
	}
	redacted := ticket.Redacted()
	e.publish(ctx, notify.Event{
		Kind:   notify.KindVerified,
		Scopes: []notify.Scope{notify.Ticket(ticket.TicketID)},
		Data:   redacted,
	})
	return redacted, nil
}

func (e *Engine) ServeNextTicket(ctx context.Context) (result ServeResult, err error) {
	ctx, span := e.start(ctx, "ServeNextTicket")
	defer func() { err = e.finish(span, "ServeNextTicket", err) }()

	outcome, err := e.store.ServeNextTicket(ctx, e.clock())
	if err != nil {
		return ServeResult{}, err
	}
	if !outcome.Found {
		return ServeResult{}, nil
	}

	serving := outcome.Serving
	redacted := serving.Redacted()
	result.Serving = &redacted
	if outcome.Finished != nil {
		finished := outcome.Finished.Redacted()
		result.Finished = &finished
	}

	snapshot := e.queueSnapshot(ctx)
	events := []notify.Event{
		{
			Kind:   notify.KindTicketServed,
			Scopes: []notify.Scope{notify.Global()},
			Data:   snapshot,
		},
		{
			Kind:   notify.KindYourTurn,
			Scopes: []notify.Scope{notify.Ticket(serving.TicketID)},
			Data: notify.Alert{
				Position: 0,
				Message:  "It's your turn! Please proceed to the counter.",
				TicketID: serving.TicketID,
				Name:     serving.Name,
				Phone:    serving.Phone,
				Email:    serving.Email,
			},
		},
	}
	events = append(events, e.ticketNearTurn(ctx)...)
	e.publish(ctx, events...)
	return result, nil
}

func (e *Engine) CancelTicket(ctx context.Context, ticketID, otp string) (ticket models.Ticket, err error) {
	ctx, span := e.start(ctx, "CancelTicket")
	defer func() { err = e.finish(span, "CancelTicket", err) }()

	ticket, err = e.store.CancelTicket(ctx, store.CancelTicketInput{
		TicketID:    strings.TrimSpace(ticketID),
		OTP:         otp,
		CancelledAt: e.clock(),
	})
	if err != nil {
		return models.Ticket{}, err
	}
	redacted := ticket.Redacted()
	snapshot := e.queueSnapshot(ctx)
	snapshot.Ticket = &redacted
	events := []notify.Event{{
		Kind:   notify.KindQueueUpdated,
		Scopes: []notify.Scope{notify.Global(), notify.Ticket(ticket.TicketID)},
		Data:   snapshot,
	}}
	events = append(events, e.ticketNearTurn(ctx)...)
	e.publish(ctx, events...)
	return redacted, nil
}

// RecomputePositions rewrites the persisted walk-in positions.
func (e *Engine) RecomputePositions(ctx context.Context) (count int, err error) {
	ctx, span := e.start(ctx, "RecomputePositions")
	defer func() { err = e.finish(span, "RecomputePositions", err) }()

	return e.store.RecomputePositions(ctx)
}

// queueSnapshot reads committed queue state for an event payload. A failed
// read degrades to an empty snapshot; the event is still a valid hint.
func (e *Engine) queueSnapshot(ctx context.Context) QueueSnapshot {
	page, err := e.store.ListQueue(ctx, store.ListQueueInput{Page: 1, Limit: e.pageLimit})
	if err != nil {
		e.logger.Warn().Err(err).Msg("queue snapshot failed")
		return QueueSnapshot{Queue: []models.Ticket{}}
	}
	snapshot := QueueSnapshot{Queue: redactTickets(page.Tickets), TotalWaiting: page.Total}
	if page.CurrentServing != nil {
		serving := page.CurrentServing.Redacted()
		snapshot.CurrentServing = &serving
	}
	return snapshot
}

// ticketNearTurn alerts every waiting ticket inside the near-turn window.
func (e *Engine) ticketNearTurn(ctx context.Context) []notify.Event {
	page, err := e.store.ListQueue(ctx, store.ListQueueInput{Page: 1, Limit: e.nearTurnWindow})
	if err != nil {
		e.logger.Warn().Err(err).Msg("near-turn lookup failed")
		return nil
	}
	var events []notify.Event
	for _, waiting := range page.Tickets {
		if !store.NearTurn(waiting.Position, e.nearTurnWindow) {
			continue
		}
		events = append(events, notify.Event{
			Kind:   notify.KindNearTurn,
			Scopes: []notify.Scope{notify.Ticket(waiting.TicketID)},
			Data: notify.Alert{
				Position: waiting.Position,
				Message:  nearTurnMessage(waiting.Position),
				TicketID: waiting.TicketID,
				Name:     waiting.Name,
				Phone:    waiting.Phone,
				Email:    waiting.Email,
			},
		})
	}
	return events
}

func nearTurnMessage(position int) string {
	switch position {
	case 1:
		return "You are next! Please be ready."
	case 2:
		return "1 patient ahead of you. Please stay nearby."
	}
	return fmt.Sprintf("%d patients ahead of you. Please stay nearby.", position-1)
}

func parseSort(value string) (bool, error) {
	switch strings.TrimSpace(value) {
	case "", "createdAt", "created_at", "position":
		return false, nil
	case "-createdAt", "-created_at", "-position":
		return true, nil
	default:
		return false, invalidInput("sort must be createdAt or -createdAt")
	}
}

func redactTickets(tickets []models.Ticket) []models.Ticket {
	out := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		out = append(out, ticket.Redacted())
	}
	return out
}
