// Package mail sends outbound notification mail via SMTP. It is only ever
// invoked through the task dispatcher; request handlers never wait on it.
package mail

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"brs/api/internal/tasks"
)

// TaskKind identifies the send-mail task on the dispatcher.
const TaskKind = "send_mail"

// Message is the serializable payload handed to the dispatcher.
type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Config holds the SMTP transport settings. Encryption is one of "ssl"
// (implicit TLS), "tls" (STARTTLS) or anything else for plaintext.
type Config struct {
	Server     string
	Encryption string
	Username   string
	Password   string
}

type Service struct {
	config Config
}

func NewService(config Config) *Service {
	return &Service{config: config}
}

// IsConfigured reports whether outbound mail can be attempted at all.
func (s *Service) IsConfigured() bool {
	return s.config.Server != ""
}

// Register wires the service's handler onto a dispatcher backend.
func (s *Service) Register(register func(kind string, handler tasks.Handler)) {
	register(TaskKind, s.handleTask)
}

func (s *Service) handleTask(_ context.Context, payload json.RawMessage) error {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode mail task: %w", err)
	}
	return s.Send(msg)
}

// Send delivers one message synchronously. Callers on the request path go
// through the dispatcher instead.
func (s *Service) Send(msg Message) error {
	if !s.IsConfigured() {
		return fmt.Errorf("mail not configured")
	}

	host, port := splitServer(s.config.Server, s.config.Encryption)
	addr := net.JoinHostPort(host, port)
	body := buildMessage(msg)

	encryption := strings.ToLower(s.config.Encryption)
	if encryption == "ssl" {
		return s.sendImplicitTLS(addr, host, msg, body)
	}

	// smtp.SendMail upgrades to STARTTLS whenever the server offers it.
	auth := smtp.PlainAuth("", s.config.Username, s.config.Password, host)
	if err := smtp.SendMail(addr, auth, msg.From, []string{msg.To}, body); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *Service) sendImplicitTLS(addr, host string, msg Message, body []byte) error {
	dialer := &net.Dialer{Timeout: 20 * time.Second}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: host})
	if err != nil {
		return fmt.Errorf("dial smtp over tls: %w", err)
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	auth := smtp.PlainAuth("", s.config.Username, s.config.Password, host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.Mail(msg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := writer.Write(body); err != nil {
		_ = writer.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp finish: %w", err)
	}
	return client.Quit()
}

func splitServer(server, encryption string) (host, port string) {
	if h, p, err := net.SplitHostPort(server); err == nil {
		return h, p
	}
	if strings.EqualFold(encryption, "ssl") {
		return server, "465"
	}
	return server, "587"
}

func buildMessage(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}

// ResetBody renders the welcome/reset notification carrying the one-time
// plaintext password.
func ResetBody(siteTitle, nickname, password string) string {
	return fmt.Sprintf(`Hi, %s!

Welcome to %s.

Your new password is: %s
`, nickname, siteTitle, password)
}
