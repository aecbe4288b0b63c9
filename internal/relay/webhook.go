package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"freelanco/internal/config"
	"freelanco/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second

	HeaderEvent     = "X-Freelanco-Event"
	HeaderDelivery  = "X-Freelanco-Delivery"
	HeaderSignature = "X-Freelanco-Signature"
)

// Webhook posts events as JSON to one configured URL.
type Webhook struct {
	Hook   config.WebhookConfig
	Client *http.Client
	filter eventFilter
}

func NewWebhook(hook config.WebhookConfig) *Webhook {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &Webhook{
		Hook:   hook,
		Client: &http.Client{Timeout: timeout},
		filter: newEventFilter(hook.Events),
	}
}

func (w *Webhook) Name() string { return "webhook:" + w.Hook.URL }

func (w *Webhook) Accept(eventType string) bool { return w.filter.match(eventType) }

// EventBody is the JSON document delivered to webhooks and NATS.
type EventBody struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Block      int64           `json:"block"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func encodeEvent(evt domain.Event) ([]byte, error) {
	payload := json.RawMessage("{}")
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	return json.Marshal(EventBody{
		ID:         evt.ID,
		Type:       evt.Type,
		Block:      evt.Block,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
}

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

func (w *Webhook) Deliver(ctx context.Context, evt domain.Event) error {
	data, err := encodeEvent(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evt.Type)
	req.Header.Set(HeaderDelivery, strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(w.Hook.Secret) != "" {
		req.Header.Set(HeaderSignature, Sign(w.Hook.Secret, data))
	}
	res, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
