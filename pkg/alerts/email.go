package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/model"
)

// Message is a rendered email.
type Message struct {
	From    string
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Mailer sends email and returns the provider's message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

var breachTemplate = template.Must(template.New("breach").Parse(`<p>{{.Summary}}</p>
<table>
<tr><td>Project</td><td>{{.Event.ProjectName}}</td></tr>
<tr><td>Window</td><td>{{.Event.Window}} since {{.WindowStart}}</td></tr>
<tr><td>Current spend</td><td>${{printf "%.2f" .Event.CurrentAmount}}</td></tr>
<tr><td>Limit</td><td>${{printf "%.2f" .Event.LimitValue}}</td></tr>
</table>
{{if .Link}}<p><a href="{{.Link}}">View project</a></p>{{end}}`))

// EmailNotifier delivers breaches to individual addresses through a Mailer.
type EmailNotifier struct {
	mailer       Mailer
	from         string
	dashboardURL string
}

// NewEmailNotifier creates an email channel.
func NewEmailNotifier(mailer Mailer, from, dashboardURL string) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, from: from, dashboardURL: dashboardURL}
}

func (e *EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) Notify(ctx context.Context, to string, event model.BreachEvent) (string, error) {
	var link string
	if e.dashboardURL != "" {
		link = fmt.Sprintf("%s/projects/%s", e.dashboardURL, event.ProjectID)
	}

	var html bytes.Buffer
	err := breachTemplate.Execute(&html, map[string]any{
		"Summary":     Summary(event),
		"Event":       event,
		"WindowStart": event.WindowStart.Format("2006-01-02 15:04 MST"),
		"Link":        link,
	})
	if err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}

	text := Summary(event)
	if link != "" {
		text += "\n\n" + link
	}
	return e.mailer.Send(ctx, Message{
		From:    e.from,
		To:      []string{to},
		Subject: fmt.Sprintf("[%s] %s spend limit exceeded for %s", SeverityOf(event), windowLabel(event.Window), event.ProjectName),
		Text:    text,
		HTML:    html.String(),
	})
}

// ResendMailer sends through the Resend HTTP API.
type ResendMailer struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewResendMailer creates a Resend client. An empty baseURL uses the public API.
func NewResendMailer(apiKey, baseURL string) *ResendMailer {
	if baseURL == "" {
		baseURL = "https://api.resend.com"
	}
	return &ResendMailer{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (r *ResendMailer) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(map[string]any{
		"from":    msg.From,
		"to":      msg.To,
		"subject": msg.Subject,
		"html":    msg.HTML,
		"text":    msg.Text,
	})
	if err != nil {
		return "", fmt.Errorf("marshal email: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.apiKey)
	resp, err := postJSON(ctx, r.client, r.baseURL+"/emails", body, "", header)
	if err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("decode email response: %w", err)
	}
	return out.ID, nil
}

// AdminNotifier emails operators about failures that are not tied to a project.
type AdminNotifier struct {
	mailer     Mailer
	from       string
	recipients []string
}

// NewAdminNotifier creates an admin notifier. With no recipients it does nothing.
func NewAdminNotifier(mailer Mailer, from string, recipients []string) *AdminNotifier {
	return &AdminNotifier{mailer: mailer, from: from, recipients: recipients}
}

// Notify sends subject and text to every admin.
func (a *AdminNotifier) Notify(ctx context.Context, subject, text string) error {
	if a == nil || a.mailer == nil || len(a.recipients) == 0 {
		return nil
	}
	_, err := a.mailer.Send(ctx, Message{
		From:    a.from,
		To:      a.recipients,
		Subject: subject,
		Text:    text,
		HTML:    "<pre>" + template.HTMLEscapeString(text) + "</pre>",
	})
	if err != nil {
		return fmt.Errorf("notify admins: %w", err)
	}
	return nil
}
