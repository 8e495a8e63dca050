package alerts_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/llm-spend-monitor/pkg/alerts"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []alerts.Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg alerts.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, msg)
	return "msg-1", nil
}

func TestEmailNotifier_Notify(t *testing.T) {
	mailer := &recordingMailer{}
	n := alerts.NewEmailNotifier(mailer, "alerts@example.com", "https://spend.example.com")

	id, err := n.Notify(context.Background(), "ada@example.com", testEvent())
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	require.Len(t, mailer.sent, 1)
	msg := mailer.sent[0]
	assert.Equal(t, []string{"ada@example.com"}, msg.To)
	assert.Equal(t, "alerts@example.com", msg.From)
	assert.Equal(t, "[critical] Daily spend limit exceeded for chatbot", msg.Subject)
	assert.Contains(t, msg.HTML, "$125.00")
	assert.Contains(t, msg.HTML, "https://spend.example.com/projects/p1")
	assert.Contains(t, msg.Text, "25.0% over the $100.00 limit")
}

func TestEmailNotifier_EscapesProjectName(t *testing.T) {
	mailer := &recordingMailer{}
	e := testEvent()
	e.ProjectName = "<script>x</script>"

	_, err := alerts.NewEmailNotifier(mailer, "a@example.com", "").Notify(context.Background(), "b@example.com", e)
	require.NoError(t, err)
	assert.NotContains(t, mailer.sent[0].HTML, "<script>")
}

func TestResendMailer_Send(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emails", r.URL.Path)
		assert.Equal(t, "Bearer re_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"id": "49a3999c-0ce1-4ea6-ab68-afcd6dc2e794"}`))
	}))
	defer server.Close()

	m := alerts.NewResendMailer("re_test", server.URL)
	id, err := m.Send(context.Background(), alerts.Message{
		From: "alerts@example.com", To: []string{"ada@example.com"}, Subject: "hi", Text: "body",
	})
	require.NoError(t, err)
	assert.Equal(t, "49a3999c-0ce1-4ea6-ab68-afcd6dc2e794", id)
	assert.Equal(t, "hi", received["subject"])
}

func TestResendMailer_RejectsBadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message": "invalid from"}`))
	}))
	defer server.Close()

	_, err := alerts.NewResendMailer("k", server.URL).Send(context.Background(), alerts.Message{To: []string{"x@example.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid from")
}

func TestAdminNotifier(t *testing.T) {
	mailer := &recordingMailer{}
	n := alerts.NewAdminNotifier(mailer, "lsm@example.com", []string{"ops@example.com", "oncall@example.com"})

	require.NoError(t, n.Notify(context.Background(), "collection failed", "all organizations failed <3>"))
	require.Len(t, mailer.sent, 1)
	assert.Len(t, mailer.sent[0].To, 2)
	assert.Contains(t, mailer.sent[0].HTML, "&lt;3&gt;")

	// No recipients is a no-op.
	empty := alerts.NewAdminNotifier(mailer, "lsm@example.com", nil)
	require.NoError(t, empty.Notify(context.Background(), "s", "t"))
	assert.Len(t, mailer.sent, 1)
}
