package mail

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestIsConfigured(t *testing.T) {
	if (&Service{}).IsConfigured() {
		t.Fatal("empty config reported as configured")
	}
	svc := NewService(Config{Server: "smtp.example.com"})
	if !svc.IsConfigured() {
		t.Fatal("configured service reported as unconfigured")
	}
}

func TestSendUnconfigured(t *testing.T) {
	if err := (&Service{}).Send(Message{To: "a@example.com"}); err == nil {
		t.Fatal("expected error when server is unset")
	}
}

func TestHandleTaskRejectsBadPayload(t *testing.T) {
	svc := NewService(Config{Server: "smtp.example.com"})
	if err := svc.handleTask(context.Background(), json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSplitServer(t *testing.T) {
	tests := []struct {
		server     string
		encryption string
		host, port string
	}{
		{"smtp.example.com:2525", "tls", "smtp.example.com", "2525"},
		{"smtp.example.com", "ssl", "smtp.example.com", "465"},
		{"smtp.example.com", "tls", "smtp.example.com", "587"},
		{"smtp.example.com", "", "smtp.example.com", "587"},
	}
	for _, tt := range tests {
		host, port := splitServer(tt.server, tt.encryption)
		if host != tt.host || port != tt.port {
			t.Errorf("splitServer(%q, %q) = %s:%s, want %s:%s",
				tt.server, tt.encryption, host, port, tt.host, tt.port)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	raw := string(buildMessage(Message{
		From:    "noreply@example.com",
		To:      "reader@example.com",
		Subject: "Welcome",
		Body:    "hello",
	}))
	headers, body, ok := strings.Cut(raw, "\r\n\r\n")
	if !ok {
		t.Fatalf("no header/body separator in %q", raw)
	}
	for _, want := range []string{
		"From: noreply@example.com",
		"To: reader@example.com",
		"Subject: Welcome",
		"Content-Type: text/plain; charset=UTF-8",
	} {
		if !strings.Contains(headers, want) {
			t.Errorf("missing header %q", want)
		}
	}
	if body != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
}

func TestResetBody(t *testing.T) {
	body := ResetBody("My Library", "alice", "s3cretpass")
	for _, want := range []string{"alice", "My Library", "s3cretpass"} {
		if !strings.Contains(body, want) {
			t.Errorf("reset body missing %q", want)
		}
	}
}
