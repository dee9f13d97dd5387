package models

import "time"

type Ticket struct {
	TicketID    string     `json:"ticket_id"`
	Seq         int64      `json:"-"`
	Name        string     `json:"name"`
	Phone       string     `json:"phone"`
	Email       string     `json:"email,omitempty"`
	OTP         string     `json:"otp,omitempty"`
	Status      string     `json:"status"`
	Position    int        `json:"position"`
	Verified    bool       `json:"verified"`
	CreatedAt   time.Time  `json:"created_at"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	ServingAt   *time.Time `json:"serving_at,omitempty"`
	ServedAt    *time.Time `json:"served_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Redacted returns a copy safe to show to anyone holding only the ticket id.
func (t Ticket) Redacted() Ticket {
	t.OTP = ""
	t.Phone = maskPhone(t.Phone)
	t.Email = ""
	return t
}

// Active reports whether the ticket still occupies the walk-in queue.
func (t Ticket) Active() bool {
	return t.Status == StatusWaiting || t.Status == StatusServing
}

const (
	StatusWaiting   = "waiting"
	StatusReady     = "ready"
	StatusServing   = "serving"
	StatusServed    = "served"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Terminal reports whether no transition leaves status.
func Terminal(status string) bool {
	switch status {
	case StatusServed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	masked := make([]byte, len(phone))
	for i := range phone {
		if i < len(phone)-4 {
			masked[i] = '*'
			continue
		}
		masked[i] = phone[i]
	}
	return string(masked)
}
