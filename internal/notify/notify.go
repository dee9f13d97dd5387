// Package notify defines the event contract between the queue engine and
// whatever delivers events to people: realtime clients, SMS gateways, tests.
package notify

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindQueueUpdated         Kind = "queue-updated"
	KindTicketServed         Kind = "ticket-served"
	KindAppointmentServed    Kind = "appointment-served"
	KindAppointmentBooked    Kind = "appointment-booked"
	KindAppointmentCancelled Kind = "appointment-cancelled"
	KindYourTurn             Kind = "your-turn"
	KindNearTurn             Kind = "near-turn"
	KindVerified             Kind = "verified"
	KindCompleted            Kind = "completed"
)

type ScopeKind string

const (
	ScopeGlobal     ScopeKind = "global"
	ScopeDepartment ScopeKind = "department"
	ScopeTicket     ScopeKind = "ticket"
	ScopePatient    ScopeKind = "patient"
)

type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

func Global() Scope              { return Scope{Kind: ScopeGlobal} }
func Department(id string) Scope { return Scope{Kind: ScopeDepartment, ID: id} }
func Ticket(id string) Scope     { return Scope{Kind: ScopeTicket, ID: id} }
func Patient(id string) Scope    { return Scope{Kind: ScopePatient, ID: id} }

func (s Scope) String() string {
	if s.ID == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + ":" + s.ID
}

// Event is one notification. Data must be JSON-encodable.
type Event struct {
	Kind      Kind      `json:"type"`
	Scopes    []Scope   `json:"scopes"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert is the payload of individual your-turn and near-turn events.
// Contact fields are for out-of-band delivery and never serialized.
type Alert struct {
	Position    int    `json:"position"`
	Message     string `json:"message"`
	TicketID    string `json:"ticket_id,omitempty"`
	TokenNumber string `json:"token_number,omitempty"`
	Name        string `json:"name,omitempty"`
	Phone       string `json:"-"`
	Email       string `json:"-"`
}

// Broadcaster delivers events best-effort. Publish must not block on slow
// receivers and has no failure result: a missed event is recovered by the
// receiver re-reading state.
type Broadcaster interface {
	Publish(ctx context.Context, events ...Event)
}

// Fanout publishes to every broadcaster in order.
type Fanout []Broadcaster

func (f Fanout) Publish(ctx context.Context, events ...Event) {
	for _, b := range f {
		if b != nil {
			b.Publish(ctx, events...)
		}
	}
}

type discard struct{}

func (discard) Publish(context.Context, ...Event) {}

// Discard drops every event.
var Discard Broadcaster = discard{}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, events ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns recorded events of kind k.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, event := range r.Events() {
		if event.Kind == k {
			out = append(out, event)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Targets reports whether e is addressed to scope.
func (e Event) Targets(scope Scope) bool {
	for _, s := range e.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
