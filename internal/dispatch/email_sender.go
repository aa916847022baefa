package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmailSenderConfig configures EmailSender.
type EmailSenderConfig struct {
	Host     string
	Port     string
	Secure   bool
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// EmailSender opens a new SMTP connection per message. Messages are
// MIME multipart with an HTML part and a plain-text fallback; cc/bcc,
// reply-to and attachments come from Notification.Metadata, and the
// X-Priority header from Notification.Priority.
type EmailSender struct {
	cfg EmailSenderConfig
}

func NewEmailSender(cfg EmailSenderConfig) *EmailSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &EmailSender{cfg: cfg}
}

func (s *EmailSender) Channel() Channel { return ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, n *Notification) (*SendResult, *SendError) {
	if s.cfg.Host == "" || s.cfg.From == "" {
		return nil, &SendError{Class: ErrorClassMisconfigured, Message: "smtp host/from not configured"}
	}

	messageID := uuid.New().String()
	msg := s.buildMIME(n, messageID)

	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	recipients := []string{n.Recipient}
	recipients = append(recipients, metadataStrings(n.Metadata, "cc")...)
	recipients = append(recipients, metadataStrings(n.Metadata, "bcc")...)

	done := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.Secure {
			err = sendTLS(addr, s.cfg.Host, auth, s.cfg.From, recipients, msg)
		} else {
			err = smtp.SendMail(addr, auth, s.cfg.From, recipients, msg)
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return nil, &SendError{Class: ErrorClassTransient, Message: "smtp send canceled: " + ctx.Err().Error()}
	case err := <-done:
		if err != nil {
			return nil, classifySMTPError(err)
		}
		return &SendResult{MessageID: messageID}, nil
	}
}

func sendTLS(addr, host string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return err
	}
	defer conn.Close()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, r := range to {
		if err := c.Rcpt(r); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// emailAttachment is one entry of the metadata "attachments" list:
// filename, base64 content, and an optional content type.
type emailAttachment struct {
	Filename    string
	Content     string
	ContentType string
}

func emailAttachments(m Metadata) []emailAttachment {
	raw, ok := m["attachments"].([]interface{})
	if !ok {
		return nil
	}
	var out []emailAttachment
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		a := emailAttachment{
			Filename:    stringAt(entry, "filename"),
			Content:     stringAt(entry, "content"),
			ContentType: stringAt(entry, "contentType"),
		}
		if a.Filename == "" || a.Content == "" {
			continue
		}
		if a.ContentType == "" {
			a.ContentType = "application/octet-stream"
		}
		out = append(out, a)
	}
	return out
}

func stringAt(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func (s *EmailSender) buildMIME(n *Notification, messageID string) []byte {
	altBoundary := "alt-" + messageID
	mixedBoundary := "mixed-" + messageID
	attachments := emailAttachments(n.Metadata)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", n.Recipient)
	if cc := metadataStrings(n.Metadata, "cc"); len(cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(cc, ", "))
	}
	if replyTo := metadataString(n.Metadata, "replyTo"); replyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", n.Subject))
	fmt.Fprintf(&buf, "Message-ID: <%s@dispatch>\r\n", messageID)
	if priority := priorityHeader(n.Priority); priority != "" {
		fmt.Fprintf(&buf, "X-Priority: %s\r\n", priority)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	if len(attachments) > 0 {
		fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mixedBoundary)
		fmt.Fprintf(&buf, "--%s\r\n", mixedBoundary)
	}
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", altBoundary)

	fmt.Fprintf(&buf, "--%s\r\n", altBoundary)
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	buf.WriteString(n.Content)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", altBoundary)
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	buf.WriteString("<p>" + n.Content + "</p>")
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s--\r\n", altBoundary)

	for _, a := range attachments {
		fmt.Fprintf(&buf, "--%s\r\n", mixedBoundary)
		fmt.Fprintf(&buf, "Content-Type: %s; name=%q\r\n", a.ContentType, a.Filename)
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n", a.Filename)
		buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		buf.WriteString(a.Content)
		buf.WriteString("\r\n")
	}
	if len(attachments) > 0 {
		fmt.Fprintf(&buf, "--%s--\r\n", mixedBoundary)
	}
	return buf.Bytes()
}

func priorityHeader(p Priority) string {
	switch p {
	case PriorityUrgent:
		return "1 (Highest)"
	case PriorityHigh:
		return "2 (High)"
	case PriorityLow:
		return "5 (Low)"
	default:
		return ""
	}
}

func classifySMTPError(err error) *SendError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth"):
		return &SendError{Class: ErrorClassMisconfigured, Message: err.Error()}
	case strings.Contains(msg, "mailbox") || strings.Contains(msg, "user unknown") || strings.Contains(msg, "no such user"):
		return &SendError{Class: ErrorClassPermanent, Message: err.Error()}
	default:
		return &SendError{Class: ErrorClassTransient, Message: err.Error()}
	}
}

func (s *EmailSender) Verify(ctx context.Context) bool {
	if s.cfg.Host == "" {
		return false
	}
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()
	return true
}

func (s *EmailSender) Status() AdapterStatus {
	return AdapterStatus{
		Configured: s.cfg.Host != "" && s.cfg.From != "",
		Extra:      map[string]interface{}{"host": s.cfg.Host, "from": s.cfg.From},
	}
}

func metadataStrings(m Metadata, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

func metadataString(m Metadata, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
