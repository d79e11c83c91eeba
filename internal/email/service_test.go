package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admissions/api/internal/notify"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestService(t *testing.T) (*Service, *[]capturedMail) {
	t.Helper()
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com", FromName: "Admissions", PortalURL: "https://portal.example.com/"})
	var sent []capturedMail
	svc.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		sent = append(sent, capturedMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return svc, &sent
}

func payload() map[string]any {
	return map[string]any{
		"studentFirstname": "Ada",
		"studentLastname":  "Lovelace",
		"threadId":         "thr-1",
		"fileType":         "ML",
		"updatedAt":        "2025-04-02T10:00:00Z",
		"school":           "TUM",
		"programName":      "Informatics",
	}
}

func TestSendRendersAndMails(t *testing.T) {
	svc, sent := newTestService(t)

	err := svc.Send(context.Background(), notify.Recipient{Firstname: "Eve", Lastname: "Editor", Address: "eve@example.com"}, "messagePosted.program.editor", payload())
	require.NoError(t, err)
	require.Len(t, *sent, 1)

	mail := (*sent)[0]
	assert.Equal(t, "smtp.example.com:587", mail.addr)
	assert.Equal(t, []string{"eve@example.com"}, mail.to)
	assert.Contains(t, mail.msg, "Subject: New message in ML for Ada Lovelace\r\n")
	assert.Contains(t, mail.msg, "From: Admissions <noreply@example.com>")
	assert.Contains(t, mail.msg, "TUM Informatics")
}

func TestRenderLinksToThread(t *testing.T) {
	svc, _ := newTestService(t)

	_, body, err := svc.Render(notify.Recipient{Firstname: "Ada"}, "finalized.program.student", payload())
	require.NoError(t, err)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	require.NoError(t, err)
	href, ok := doc.Find("a.button").Attr("href")
	require.True(t, ok)
	assert.Equal(t, "https://portal.example.com/document-modification/thr-1", href)
	assert.Contains(t, doc.Find("body").Text(), "was marked as final")
}

func TestRenderReminderAndDigest(t *testing.T) {
	svc, _ := newTestService(t)

	subject, body, err := svc.Render(notify.Recipient{Firstname: "Alice"}, "reminder.assign.agent", payload())
	require.NoError(t, err)
	assert.Equal(t, "Please assign a reviewer for Ada Lovelace", subject)
	assert.Contains(t, body, "nobody is assigned")

	subject, body, err = svc.Render(notify.Recipient{Firstname: "Eve"}, "digest.editor", map[string]any{"digest": "<h3>Ada Lovelace</h3>"})
	require.NoError(t, err)
	assert.Equal(t, "Your pending tasks", subject)
	assert.Contains(t, body, "<h3>Ada Lovelace</h3>")
}

func TestRenderEscapesPayload(t *testing.T) {
	svc, _ := newTestService(t)
	data := payload()
	data["studentFirstname"] = "<script>x</script>"

	_, body, err := svc.Render(notify.Recipient{}, "reopened.general.student", data)
	require.NoError(t, err)
	assert.NotContains(t, body, "<script>x</script>")
}

func TestRenderUnknownKey(t *testing.T) {
	svc, _ := newTestService(t)
	for _, key := range []string{"", "messagePosted", "nope.general.student", "a.b.c.d"} {
		_, _, err := svc.Render(notify.Recipient{}, key, payload())
		assert.Error(t, err, key)
	}
}

func TestSendRequiresConfigAndAddress(t *testing.T) {
	svc := NewService(Config{})
	err := svc.Send(context.Background(), notify.Recipient{Address: "a@example.com"}, "finalized.general.student", payload())
	assert.EqualError(t, err, "email not configured")

	configured, _ := newTestService(t)
	err = configured.Send(context.Background(), notify.Recipient{}, "finalized.general.student", payload())
	assert.Error(t, err)
}

func TestSendSurfacesTransportError(t *testing.T) {
	svc, _ := newTestService(t)
	svc.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("421 busy") }

	err := svc.Send(context.Background(), notify.Recipient{Address: "a@example.com"}, "finalized.general.student", payload())
	assert.EqualError(t, err, "421 busy")
}
