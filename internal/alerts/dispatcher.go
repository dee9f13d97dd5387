// Package alerts turns your-turn and near-turn events into SMS and e-mail
// messages and hands them to a delivery provider off the request path.
package alerts

import (
	"context"
	"expvar"
	"strconv"
	"strings"
	"time"

	"qms/hospital-queue/internal/notify"

	"github.com/rs/zerolog"
)

const (
	ChannelSMS   = "sms"
	ChannelEmail = "email"
)

var (
	alertsSent    = expvar.NewInt("alerts_sent_total")
	alertsFailed  = expvar.NewInt("alerts_failed_total")
	alertsDropped = expvar.NewInt("alerts_dropped_total")
)

type Job struct {
	Kind      notify.Kind
	Channel   string
	Recipient string
	Message   string
}

type Options struct {
	Buffer      int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      zerolog.Logger
}

// Dispatcher is a notify.Broadcaster. Publish only enqueues; Run delivers.
type Dispatcher struct {
	provider    Provider
	jobs        chan Job
	maxAttempts int
	retryDelay  time.Duration
	logger      zerolog.Logger
}

var _ notify.Broadcaster = (*Dispatcher)(nil)

func New(provider Provider, options Options) *Dispatcher {
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	maxAttempts := options.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := options.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	return &Dispatcher{
		provider:    provider,
		jobs:        make(chan Job, buffer),
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      options.Logger,
	}
}

func (d *Dispatcher) Publish(ctx context.Context, events ...notify.Event) {
	for _, event := range events {
		for _, job := range jobsFor(event) {
			select {
			case d.jobs <- job:
			default:
				alertsDropped.Add(1)
				d.logger.Warn().Str("type", string(job.Kind)).Str("channel", job.Channel).Msg("alert queue full, dropping")
			}
		}
	}
}

// Run delivers queued alerts until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-d.jobs:
			d.deliver(ctx, job)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, job Job) {
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = d.provider.Send(sendCtx, job.Channel, job.Recipient, job.Message)
		cancel()
		if err == nil {
			alertsSent.Add(1)
			return
		}
		if attempt < d.maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.retryDelay):
			}
		}
	}
	alertsFailed.Add(1)
	d.logger.Error().Err(err).Str("type", string(job.Kind)).Str("channel", job.Channel).Msg("alert delivery failed")
}

func jobsFor(event notify.Event) []Job {
	if event.Kind != notify.KindYourTurn && event.Kind != notify.KindNearTurn {
		return nil
	}
	var alert notify.Alert
	switch data := event.Data.(type) {
	case notify.Alert:
		alert = data
	case *notify.Alert:
		if data == nil {
			return nil
		}
		alert = *data
	default:
		return nil
	}

	var jobs []Job
	if alert.Phone != "" {
		jobs = append(jobs, Job{
			Kind:      event.Kind,
			Channel:   ChannelSMS,
			Recipient: alert.Phone,
			Message:   renderTemplate(defaultTemplate(event.Kind, ChannelSMS), alert),
		})
	}
	if alert.Email != "" {
		jobs = append(jobs, Job{
			Kind:      event.Kind,
			Channel:   ChannelEmail,
			Recipient: alert.Email,
			Message:   renderTemplate(defaultTemplate(event.Kind, ChannelEmail), alert),
		})
	}
	return jobs
}

func defaultTemplate(kind notify.Kind, channel string) string {
	if channel == ChannelEmail {
		return "Hello {name},\n\n{message}\n\nReference: {reference}"
	}
	if kind == notify.KindYourTurn {
		return "{reference}: {message}"
	}
	return "{reference}: {message} (position {position})"
}

func renderTemplate(template string, alert notify.Alert) string {
	reference := alert.TokenNumber
	if reference == "" {
		reference = alert.TicketID
	}
	name := alert.Name
	if name == "" {
		name = "patient"
	}
	replacer := strings.NewReplacer(
		"{name}", name,
		"{message}", alert.Message,
		"{reference}", reference,
		"{position}", strconv.Itoa(alert.Position),
	)
	return replacer.Replace(template)
}
