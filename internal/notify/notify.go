// Package notify delivers best-effort operator notifications.
package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Notifier reports task and watchdog events to an operator channel.
// Delivery is best effort; failures never block supervision.
type Notifier interface {
	Notify(taskID, status, text string)
}

// WebhookNotifier posts events as JSON to a configured webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookPayload struct {
	TaskID string    `json:"task_id,omitempty"`
	Status string    `json:"status"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// Notify posts the event in a background goroutine and logs failures.
func (n *WebhookNotifier) Notify(taskID, status, text string) {
	payload := webhookPayload{
		TaskID: taskID,
		Status: status,
		Text:   text,
		Time:   time.Now(),
	}

	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			log.Printf("notify_event=marshal_failed error=%q", err)
			return
		}

		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
		if err != nil {
			log.Printf("notify_event=delivery_failed url=%q error=%q", n.url, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			log.Printf("notify_event=delivery_rejected url=%q status=%d", n.url, resp.StatusCode)
		}
	}()
}

// NopNotifier discards all events. Used when no webhook is configured.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(taskID, status, text string) {}

// FromURL returns a webhook notifier when url is set, otherwise a no-op.
func FromURL(url string) Notifier {
	if url == "" {
		return NopNotifier{}
	}
	return NewWebhookNotifier(url)
}
