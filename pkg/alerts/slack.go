package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

// ChatWebhook posts Slack-compatible messages to a team's incoming webhook.
type ChatWebhook struct {
	secret       string
	dashboardURL string
	client       *http.Client
}

// NewChatWebhook creates a chat webhook notifier. dashboardURL, when set, is linked
// from every message. A non-empty secret signs each request.
func NewChatWebhook(dashboardURL, secret string) *ChatWebhook {
	return &ChatWebhook{
		secret:       secret,
		dashboardURL: dashboardURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *ChatWebhook) Name() string { return "webhook" }

func (s *ChatWebhook) Notify(ctx context.Context, url string, event model.BreachEvent) (string, error) {
	color := "#ff9900" // orange
	switch SeverityOf(event) {
	case SeverityCritical:
		color = "#ff0000" // red
	case SeverityExceeded:
		color = "#cc0000" // dark red
	}

	attachment := slackAttachment{
		Color: color,
		Title: fmt.Sprintf("Spend alert: %s", event.ProjectName),
		Fields: []slackField{
			{Title: "Project", Value: event.ProjectName, Short: true},
			{Title: "Window", Value: string(event.Window), Short: true},
			{Title: "Current Spend", Value: fmt.Sprintf("$%.2f", event.CurrentAmount), Short: true},
			{Title: "Limit", Value: fmt.Sprintf("$%.2f", event.LimitValue), Short: true},
			{Title: "Over Limit", Value: fmt.Sprintf("%.1f%%", event.ExceedancePercent), Short: true},
			{Title: "Window Start", Value: event.WindowStart.Format(time.RFC3339), Short: true},
		},
		Footer: "LLM Spend Monitor",
		Ts:     event.DetectedAt.Unix(),
	}
	if s.dashboardURL != "" {
		attachment.Actions = []slackAction{{
			Type: "button",
			Text: "View project",
			URL:  fmt.Sprintf("%s/projects/%s", s.dashboardURL, event.ProjectID),
		}}
	}

	body, err := json.Marshal(slackPayload{
		Text:        Summary(event),
		Attachments: []slackAttachment{attachment},
	})
	if err != nil {
		return "", fmt.Errorf("marshal slack payload: %w", err)
	}

	if _, err := postJSON(ctx, s.client, url, body, s.secret, nil); err != nil {
		return "", fmt.Errorf("send chat alert: %w", err)
	}
	return "", nil
}

type slackPayload struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color   string        `json:"color"`
	Title   string        `json:"title"`
	Fields  []slackField  `json:"fields"`
	Actions []slackAction `json:"actions,omitempty"`
	Footer  string        `json:"footer"`
	Ts      int64         `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAction struct {
	Type string `json:"type"`
	Text string `json:"text"`
	URL  string `json:"url"`
}
