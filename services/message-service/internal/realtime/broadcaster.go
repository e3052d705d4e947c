// Package realtime pushes delivered messages to the live delivery tier
// (websocket gateway or push relay). Delivery here is best-effort: the
// durable copy already exists, clients reconcile on reconnect.
package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/emis-edu/emis/libs/contracts"
)

type Broadcaster interface {
	Broadcast(ctx context.Context, msg contracts.MessagePayload, recipientIDs []string) error
	ProviderID() string
}

type WebhookBroadcaster struct {
	url   string
	token string
	http  *http.Client
}

func NewWebhookBroadcaster(url string, token string) *WebhookBroadcaster {
	return &WebhookBroadcaster{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (b *WebhookBroadcaster) ProviderID() string {
	return "realtime-webhook"
}

func (b *WebhookBroadcaster) Broadcast(ctx context.Context, msg contracts.MessagePayload, recipientIDs []string) error {
	if b.url == "" {
		return errors.New("realtime webhook url not configured")
	}
	payload := map[string]any{
		"recipients": recipientIDs,
		"message":    msg,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New("realtime webhook returned non-2xx")
	}
	return nil
}

type NoopBroadcaster struct{}

func NewNoopBroadcaster() *NoopBroadcaster {
	return &NoopBroadcaster{}
}

func (b *NoopBroadcaster) ProviderID() string {
	return "realtime-noop"
}

func (b *NoopBroadcaster) Broadcast(_ context.Context, _ contracts.MessagePayload, _ []string) error {
	return nil
}
