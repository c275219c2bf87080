package email

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wneessen/go-mail"
)

func TestNewSMTPProvider_RequiresHost(t *testing.T) {
	if _, err := NewSMTPProvider(SMTPConfig{}, nil); err == nil {
		t.Fatal("expected error without host")
	}
}

func TestSMTPProvider_Send(t *testing.T) {
	p, err := NewSMTPProvider(SMTPConfig{
		Host:      "smtp.example.com",
		Port:      587,
		From:      "no-reply@example.com",
		EnableTLS: true,
	}, nil)
	if err != nil {
		t.Fatalf("NewSMTPProvider() error = %v", err)
	}

	var sent *mail.Msg
	p.send = func(ctx context.Context, msg *mail.Msg) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected operation deadline on send context")
		}
		sent = msg
		return nil
	}

	err = p.Send(context.Background(), Message{
		To:       []string{"user@example.com"},
		Subject:  "Reset your password",
		TextBody: "Follow the link to choose a new password",
		HTMLBody: "<p>Follow the link to choose a new password</p>",
		Headers:  map[string]string{"X-Mailqueue-Job": "job-1"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent == nil {
		t.Fatal("expected message to be handed to the client")
	}

	recipients, err := sent.GetRecipients()
	if err != nil {
		t.Fatalf("GetRecipients() error = %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "user@example.com" {
		t.Fatalf("unexpected recipients %v", recipients)
	}

	var buf bytes.Buffer
	if _, err := sent.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	raw := buf.String()
	for _, want := range []string{"Subject: Reset your password", "no-reply@example.com", "X-Mailqueue-Job: job-1", "multipart/alternative"} {
		if !strings.Contains(raw, want) {
			t.Errorf("expected %q in rendered message:\n%s", want, raw)
		}
	}
}

func TestSMTPProvider_SendFailure(t *testing.T) {
	p, err := NewSMTPProvider(SMTPConfig{Host: "smtp.example.com", From: "no-reply@example.com"}, nil)
	if err != nil {
		t.Fatalf("NewSMTPProvider() error = %v", err)
	}
	dialErr := errors.New("dial tcp: connection refused")
	p.send = func(context.Context, *mail.Msg) error { return dialErr }

	err = p.Send(context.Background(), Message{To: []string{"user@example.com"}, Subject: "s", TextBody: "b"})
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected wrapped dial error, got %v", err)
	}
}

func TestSMTPProvider_InvalidAddress(t *testing.T) {
	p, err := NewSMTPProvider(SMTPConfig{Host: "smtp.example.com", From: "no-reply@example.com"}, nil)
	if err != nil {
		t.Fatalf("NewSMTPProvider() error = %v", err)
	}
	p.send = func(context.Context, *mail.Msg) error {
		t.Fatal("send must not be called for an invalid address")
		return nil
	}
	err = p.Send(context.Background(), Message{To: []string{"not an address"}, Subject: "s", TextBody: "b"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}
