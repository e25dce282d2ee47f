package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vgpu-advisor/deployd/pkg/events"
)

// SlackAdapter sends notifications to Slack via webhooks
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack notification adapter
func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send sends a notification to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	blocks := s.formatEvent(event)

	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "deployd",
		Blocks:   blocks,
		Text:     fmt.Sprintf("Event: %s", event.Type), // Fallback text
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// formatEvent converts an event into Slack blocks
func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventDeploymentSucceeded:
		return s.formatDeploymentSucceeded(event)
	case events.EventDeploymentDegraded:
		return s.formatDeploymentDegraded(event)
	case events.EventDeploymentFailed:
		return s.formatDeploymentFailed(event)
	case events.EventHostRejected:
		return s.formatHostRejected(event)
	default:
		return s.formatGeneric(event)
	}
}

func (s *SlackAdapter) formatDeploymentSucceeded(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "🚀 Inference Server Deployed",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Deployment:*\n`%s`", event.DeploymentID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Attempts:*\n%v", event.Payload["attempts"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*GPU Utilization:*\n%v", event.Payload["gpu_util"])},
			},
		},
		{
			Type: "context",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
			},
		},
	}
}

func (s *SlackAdapter) formatDeploymentDegraded(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "⚠️ Server Running but Smoke Test Failed",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Deployment:*\n`%s`", event.DeploymentID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Attempts:*\n%v", event.Payload["attempts"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*GPU Utilization:*\n%v", event.Payload["gpu_util"])},
			},
		},
	}
}

func (s *SlackAdapter) formatDeploymentFailed(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "🔥 Deployment Failed",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Deployment:*\n`%s`", event.DeploymentID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%s", getStringField(event.Payload, "error"))},
			},
		},
		{
			Type: "context",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
			},
		},
	}
}

func (s *SlackAdapter) formatHostRejected(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "🚫 Host Rejected",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Text: &SlackTextObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Host for deployment `%s` does not match the requested capacity profile.", event.DeploymentID),
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Field:*\n%s", getStringField(event.Payload, "field"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Expected:*\n%s", getStringField(event.Payload, "expected"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Detected:*\n%s", getStringField(event.Payload, "detected"))},
			},
		},
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  fmt.Sprintf("📬 Event: %s", event.Type),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Event ID:*\n`%s`", event.ID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Deployment ID:*\n`%s`", event.DeploymentID)},
			},
		},
	}
}

// getStringField safely extracts a string from an event payload
func getStringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
