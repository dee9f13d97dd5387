package store

import "qms/hospital-queue/internal/models"

var ticketTransitions = map[string][]string{
	"serve":  {models.StatusWaiting},
	"finish": {models.StatusServing},
	"cancel": {models.StatusWaiting},
	"verify": {models.StatusWaiting, models.StatusServing},
}

var appointmentTransitions = map[string][]string{
	"verify":   {models.StatusWaiting},
	"serve":    {models.StatusReady},
	"complete": {models.StatusServing},
	"cancel":   {models.StatusWaiting, models.StatusReady},
}

func ValidTicketTransition(action, fromStatus string) bool {
	return validTransition(ticketTransitions, action, fromStatus)
}

func ValidAppointmentTransition(action, fromStatus string) bool {
	return validTransition(appointmentTransitions, action, fromStatus)
}

func validTransition(table map[string][]string, action, fromStatus string) bool {
	allowed, ok := table[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TransitionError picks the error for an action that is not allowed from
// the given status.
func TransitionError(fromStatus string) error {
	if models.Terminal(fromStatus) {
		return ErrAlreadyFinalized
	}
	return ErrInvalidState
}
