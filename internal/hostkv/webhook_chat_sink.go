package hostkv

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// WebhookChatSink is the reference ChatSink implementation for running the
// extension outside the real host platform: it POSTs each instruction as
// JSON to a single configured URL, the way a local test harness or a simple
// chat-bridge webhook would receive it. The real host platform satisfies
// ChatSink some other way; this exists so cmd/server has something concrete
// to wire by default.
type WebhookChatSink struct {
	url    string
	client *http.Client
}

func NewWebhookChatSink(url string) *WebhookChatSink {
	return &WebhookChatSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type chatInstructionPayload struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

func (w *WebhookChatSink) AppendInstruction(ctx context.Context, userID, text string) error {
	if w.url == "" {
		return nil
	}
	body, err := json.Marshal(chatInstructionPayload{UserID: userID, Text: text})
	if err != nil {
		return errors.Wrap(err, "hostkv: encode chat instruction")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "hostkv: build chat request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "hostkv: post chat instruction")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("hostkv: chat sink returned status %d", resp.StatusCode)
	}
	return nil
}
