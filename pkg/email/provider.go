// Package email sends transactional mail through a configurable provider.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMessage classifies messages rejected before any network call.
var ErrInvalidMessage = errors.New("email invalid message")

// Provider is a pluggable email sender implementation.
type Provider interface {
	Send(ctx context.Context, message Message) error
	Close() error
}

// Message is the normalized email payload accepted by all providers.
type Message struct {
	From     string
	To       []string
	Cc       []string
	Bcc      []string
	ReplyTo  string
	Subject  string
	TextBody string
	HTMLBody string
	Headers  map[string]string
}

// Recipients returns To, Cc and Bcc in that order.
func (m Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	return append(out, m.Bcc...)
}

func (m Message) normalized() Message {
	cp := m
	cp.From = strings.TrimSpace(cp.From)
	cp.ReplyTo = strings.TrimSpace(cp.ReplyTo)
	cp.Subject = stripLineBreaks(strings.TrimSpace(cp.Subject))
	cp.To = normalizeEmailList(cp.To)
	cp.Cc = normalizeEmailList(cp.Cc)
	cp.Bcc = normalizeEmailList(cp.Bcc)
	return cp
}

func (m Message) validate() error {
	if len(m.To)+len(m.Cc)+len(m.Bcc) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	}
	if m.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidMessage)
	}
	if strings.TrimSpace(m.TextBody) == "" && strings.TrimSpace(m.HTMLBody) == "" {
		return fmt.Errorf("%w: body is required (text or html)", ErrInvalidMessage)
	}
	return nil
}

// prepare normalizes message, fills the sender and validates it.
func prepare(message Message, defaultFrom string) (Message, error) {
	msg := message.normalized()
	if msg.From == "" {
		msg.From = strings.TrimSpace(defaultFrom)
	}
	if msg.From == "" {
		return Message{}, fmt.Errorf("%w: from is required when the provider has no default sender", ErrInvalidMessage)
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func normalizeEmailList(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, value := range list {
		address := strings.TrimSpace(value)
		if address == "" {
			continue
		}
		key := strings.ToLower(address)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, address)
	}
	return out
}

var lineBreaks = strings.NewReplacer("\r", "", "\n", "")

// stripLineBreaks prevents header injection through subject values.
func stripLineBreaks(value string) string {
	return lineBreaks.Replace(value)
}
