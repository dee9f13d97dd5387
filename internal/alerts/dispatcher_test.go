package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"qms/hospital-queue/internal/notify"

	"github.com/rs/zerolog"
)

type recordingProvider struct {
	mu    sync.Mutex
	sent  []Job
	fails int
}

func (p *recordingProvider) Send(ctx context.Context, channel, recipient, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return context.DeadlineExceeded
	}
	p.sent = append(p.sent, Job{Channel: channel, Recipient: recipient, Message: message})
	return nil
}

func (p *recordingProvider) jobs() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Job, len(p.sent))
	copy(out, p.sent)
	return out
}

func TestRenderTemplate(t *testing.T) {
	alert := notify.Alert{Position: 2, Message: "1 patient ahead of you.", TokenNumber: "CARD-0004", Name: "Ana"}
	got := renderTemplate("{name} {reference} #{position}: {message}", alert)
	if got != "Ana CARD-0004 #2: 1 patient ahead of you." {
		t.Fatalf("unexpected template render: %s", got)
	}

	got = renderTemplate("{reference}", notify.Alert{TicketID: "TKT0001"})
	if got != "TKT0001" {
		t.Fatalf("expected ticket id fallback, got %s", got)
	}
}

func TestJobsFor(t *testing.T) {
	tests := []struct {
		name     string
		event    notify.Event
		channels []string
	}{
		{"your-turn both channels", notify.Event{Kind: notify.KindYourTurn, Data: notify.Alert{Phone: "0812", Email: "a@b.c"}}, []string{ChannelSMS, ChannelEmail}},
		{"near-turn phone only", notify.Event{Kind: notify.KindNearTurn, Data: &notify.Alert{Phone: "0812"}}, []string{ChannelSMS}},
		{"no contact", notify.Event{Kind: notify.KindYourTurn, Data: notify.Alert{}}, nil},
		{"other kind", notify.Event{Kind: notify.KindQueueUpdated, Data: notify.Alert{Phone: "0812"}}, nil},
		{"other payload", notify.Event{Kind: notify.KindYourTurn, Data: map[string]string{"phone": "0812"}}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			jobs := jobsFor(tc.event)
			if len(jobs) != len(tc.channels) {
				t.Fatalf("expected %d jobs, got %d", len(tc.channels), len(jobs))
			}
			for i, job := range jobs {
				if job.Channel != tc.channels[i] {
					t.Fatalf("expected channel %s, got %s", tc.channels[i], job.Channel)
				}
			}
		})
	}
}

func TestDispatcherDeliversWithRetry(t *testing.T) {
	provider := &recordingProvider{fails: 1}
	d := New(provider, Options{Buffer: 4, MaxAttempts: 2, RetryDelay: time.Millisecond, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	d.Publish(context.Background(), notify.Event{
		Kind: notify.KindYourTurn,
		Data: notify.Alert{Message: "It's your turn!", TicketID: "TKT1", Phone: "0812"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for len(provider.jobs()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected delivery")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	sent := provider.jobs()
	if sent[0].Recipient != "0812" || sent[0].Message != "TKT1: It's your turn!" {
		t.Fatalf("unexpected job %#v", sent[0])
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := New(noopProvider{}, Options{Buffer: 1, Logger: zerolog.Nop()})
	event := notify.Event{Kind: notify.KindNearTurn, Data: notify.Alert{Phone: "0812"}}
	d.Publish(context.Background(), event, event, event)
	if got := len(d.jobs); got != 1 {
		t.Fatalf("expected 1 queued job, got %d", got)
	}
}

func TestWebhookProvider(t *testing.T) {
	var got map[string]string
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	provider := NewProvider(ProviderConfig{Kind: "webhook", WebhookURL: server.URL, WebhookToken: "secret"}, zerolog.Nop())
	if err := provider.Send(context.Background(), ChannelSMS, "0812", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
	if got["recipient"] != "0812" || got["message"] != "hello" || got["channel"] != ChannelSMS {
		t.Fatalf("unexpected payload %#v", got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	if err := NewProvider(ProviderConfig{Kind: failing.URL}, zerolog.Nop()).Send(context.Background(), ChannelSMS, "0812", "hello"); err == nil {
		t.Fatalf("expected rejection error")
	}
}
