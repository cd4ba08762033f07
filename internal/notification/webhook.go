package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// WebhookNotifier posts admin events to an incoming-webhook chat endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: timeout},
	}
}

type webhookMessage struct {
	Text string `json:"text"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.url == "" || !event.Type.Admin() {
		return nil
	}

	body, err := json.Marshal(webhookMessage{Text: FormatText(event)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// FormatText renders an event as a short chat message.
func FormatText(event Event) string {
	var b strings.Builder
	switch event.Type {
	case EventAdminSummary:
		b.WriteString("Daily sweep summary")
	case EventAdminPayment:
		b.WriteString("New payment")
	default:
		b.WriteString(string(event.Type))
	}
	if event.AccountID != 0 {
		fmt.Fprintf(&b, " (account %s)", event.AccountID)
	}

	keys := make([]string, 0, len(event.Data))
	for k := range event.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, event.Data[k])
	}
	return b.String()
}
