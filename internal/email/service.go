// Package email delivers notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	texttemplate "text/template"

	"admissions/api/internal/notify"
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	PortalURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service renders templates and sends them; it implements notify.Notifier.
type Service struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail sendFunc
}

var _ notify.Notifier = (*Service)(nil)

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Send renders the template for key and mails it to the recipient.
func (s *Service) Send(ctx context.Context, to notify.Recipient, key string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(to.Address) == "" {
		return fmt.Errorf("recipient has no address")
	}
	subject, body, err := s.Render(to, key, payload)
	if err != nil {
		return err
	}
	return s.SendHTMLEmail([]string{to.Address}, subject, body)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-admissions"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.sendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// templateData is what every notification template sees.
type templateData struct {
	Recipient notify.Recipient
	Event     string
	Category  string
	Role      string
	ThreadURL string
	Payload   map[string]any
	// Digest is pre-rendered, escaped markup for digest mails.
	Digest template.HTML
}

// Render returns the subject and HTML body for a template key such as
// "messagePosted.program.editor", "reminder.assign.agent" or "digest.editor".
func (s *Service) Render(to notify.Recipient, key string, payload map[string]any) (string, string, error) {
	parts := strings.Split(key, ".")
	data := templateData{Recipient: to, Payload: payload}
	switch {
	case len(parts) == 3:
		data.Event, data.Category, data.Role = parts[0], parts[1], parts[2]
	case len(parts) == 2 && parts[0] == "digest":
		data.Event, data.Role = parts[0], parts[1]
	default:
		return "", "", fmt.Errorf("unknown template key %q", key)
	}
	if data.Event == "reminder" {
		data.Event = "reminder." + data.Category
		data.Category = ""
	}
	subjectTmpl, ok := subjects[data.Event]
	if !ok {
		return "", "", fmt.Errorf("unknown template key %q", key)
	}
	if threadID, _ := payload["threadId"].(string); threadID != "" {
		data.ThreadURL = strings.TrimRight(s.config.PortalURL, "/") + "/document-modification/" + threadID
	}
	if digest, ok := payload["digest"].(string); ok {
		// digest markup is built by the escalation renderer, which escapes every value
		data.Digest = template.HTML(digest)
	}

	subject, err := renderSubject(subjectTmpl, data)
	if err != nil {
		return "", "", fmt.Errorf("render subject %s: %w", key, err)
	}
	body, err := renderTemplate(layoutTemplate, data)
	if err != nil {
		return "", "", fmt.Errorf("render body %s: %w", key, err)
	}
	return strings.TrimSpace(subject), body, nil
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderSubject(tmpl string, data interface{}) (string, error) {
	t, err := texttemplate.New("subject").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
