package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Provider delivers one rendered message on a channel ("sms" or "email").
type Provider interface {
	Send(ctx context.Context, channel, recipient, message string) error
}

type ProviderConfig struct {
	Kind         string
	WebhookURL   string
	WebhookToken string
}

// NewProvider picks a provider by kind. A kind that is itself an http(s) URL
// selects the webhook provider for that URL; unknown kinds log.
func NewProvider(cfg ProviderConfig, logger zerolog.Logger) Provider {
	kind := strings.TrimSpace(cfg.Kind)
	switch kind {
	case "", "stub", "log":
		return logProvider{logger: logger}
	case "noop":
		return noopProvider{}
	case "fail":
		return failProvider{}
	case "webhook":
		if cfg.WebhookURL == "" {
			logger.Warn().Msg("ALERT_WEBHOOK_URL empty, falling back to log provider")
			return logProvider{logger: logger}
		}
		return newWebhookProvider(cfg.WebhookURL, cfg.WebhookToken)
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return newWebhookProvider(kind, cfg.WebhookToken)
		}
		return logProvider{logger: logger}
	}
}

type logProvider struct {
	logger zerolog.Logger
}

func (p logProvider) Send(ctx context.Context, channel, recipient, message string) error {
	p.logger.Info().Str("channel", channel).Str("recipient", recipient).Str("message", message).Msg("alert sent")
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, channel, recipient, message string) error {
	return nil
}

type failProvider struct{}

func (failProvider) Send(ctx context.Context, channel, recipient, message string) error {
	return errors.New("provider failure")
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func newWebhookProvider(url, token string) webhookProvider {
	return webhookProvider{url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

func (p webhookProvider) Send(ctx context.Context, channel, recipient, message string) error {
	body, err := json.Marshal(map[string]string{
		"channel":   channel,
		"recipient": recipient,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected request: %s", resp.Status)
	}
	return nil
}
