package store

import (
	"sort"

	"qms/hospital-queue/internal/models"
)

// TicketBefore reports whether a precedes b in the walk-in queue: earlier
// creation time first, insertion sequence on ties.
func TicketBefore(a, b models.Ticket) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}

// TicketPosition is the 1-based rank of target among waiting tickets, or 0
// when target is not waiting.
func TicketPosition(tickets []models.Ticket, target models.Ticket) int {
	if target.Status != models.StatusWaiting {
		return 0
	}
	rank := 1
	for _, ticket := range tickets {
		if ticket.TicketID == target.TicketID || ticket.Status != models.StatusWaiting {
			continue
		}
		if TicketBefore(ticket, target) {
			rank++
		}
	}
	return rank
}

// RecomputePositions returns the waiting subset of tickets in queue order
// with positions 1..N assigned. The input slice is not modified.
func RecomputePositions(tickets []models.Ticket) []models.Ticket {
	waiting := make([]models.Ticket, 0, len(tickets))
	for _, ticket := range tickets {
		if ticket.Status == models.StatusWaiting {
			waiting = append(waiting, ticket)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool {
		return TicketBefore(waiting[i], waiting[j])
	})
	for i := range waiting {
		waiting[i].Position = i + 1
	}
	return waiting
}

// NextTicket returns the oldest waiting ticket.
func NextTicket(tickets []models.Ticket) (models.Ticket, bool) {
	var next models.Ticket
	found := false
	for _, ticket := range tickets {
		if ticket.Status != models.StatusWaiting {
			continue
		}
		if !found || TicketBefore(ticket, next) {
			next = ticket
			found = true
		}
	}
	return next, found
}

// AppointmentPosition is the live rank of target within its slot: active
// appointments holding a lower queue position, plus one. Terminal
// appointments report 0.
func AppointmentPosition(appointments []models.Appointment, target models.Appointment) int {
	if !target.Active() {
		return 0
	}
	key := target.SlotKey()
	rank := 1
	for _, appt := range appointments {
		if appt.AppointmentID == target.AppointmentID || !appt.Active() {
			continue
		}
		if appt.SlotKey() == key && appt.QueuePosition < target.QueuePosition {
			rank++
		}
	}
	return rank
}

// ServeBefore orders appointments for department serve-next: scheduled time,
// then booking ordinal, then creation time and id so the order is total.
func ServeBefore(a, b models.Appointment) bool {
	if a.AppointmentTime != b.AppointmentTime {
		return a.AppointmentTime < b.AppointmentTime
	}
	if a.QueuePosition != b.QueuePosition {
		return a.QueuePosition < b.QueuePosition
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.AppointmentID < b.AppointmentID
}

// NextAppointment picks the verified ready appointment of departmentID on
// date that should be served next.
func NextAppointment(appointments []models.Appointment, departmentID, date string) (models.Appointment, bool) {
	var next models.Appointment
	found := false
	for _, appt := range appointments {
		if appt.DepartmentID != departmentID || appt.AppointmentDate != date {
			continue
		}
		if appt.Status != models.StatusReady || !appt.IsVerified {
			continue
		}
		if !found || ServeBefore(appt, next) {
			next = appt
			found = true
		}
	}
	return next, found
}

// SortAppointments sorts in serve order.
func SortAppointments(appointments []models.Appointment) {
	sort.SliceStable(appointments, func(i, j int) bool {
		return ServeBefore(appointments[i], appointments[j])
	})
}

// NearTurn reports whether a queue position should receive a near-turn alert.
func NearTurn(position, window int) bool {
	return position >= 1 && position <= window
}
