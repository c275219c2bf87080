package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

// SMTPConfig configures the SMTP provider.
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	EnableTLS          bool
	InsecureSkipVerify bool
	OperationTimeout   time.Duration
}

// SMTPProvider dials the server for every message. Password reset traffic is
// sporadic, so there is no connection to keep healthy between sends.
type SMTPProvider struct {
	cfg    SMTPConfig
	log    logger.Logger
	client *mail.Client
	send   func(ctx context.Context, msg *mail.Msg) error
}

// NewSMTPProvider creates an SMTP adapter. Port 465 uses implicit TLS; other
// ports use STARTTLS, mandatory when EnableTLS is set.
func NewSMTPProvider(cfg SMTPConfig, log logger.Logger) (*SMTPProvider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.OperationTimeout),
		mail.WithTLSConfig(&tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for test relays
			MinVersion:         tls.VersionTLS12,
		}),
	}
	switch {
	case cfg.Port == 465:
		opts = append(opts, mail.WithSSLPort(false))
	case cfg.EnableTLS:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	if strings.TrimSpace(cfg.Username) != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	p := &SMTPProvider{cfg: cfg, log: log, client: client}
	p.send = func(ctx context.Context, msg *mail.Msg) error {
		return p.client.DialAndSendWithContext(ctx, msg)
	}
	return p, nil
}

// Send delivers message via SMTP.
func (p *SMTPProvider) Send(ctx context.Context, message Message) error {
	msg, err := prepare(message, p.cfg.From)
	if err != nil {
		return err
	}
	m, err := buildMailMsg(msg)
	if err != nil {
		return err
	}

	cctx, cancel := withTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()
	if err := p.send(cctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Close releases provider resources.
func (p *SMTPProvider) Close() error {
	return nil
}

func buildMailMsg(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, fmt.Errorf("%w: from: %w", ErrInvalidMessage, err)
	}
	if len(msg.To) > 0 {
		if err := m.To(msg.To...); err != nil {
			return nil, fmt.Errorf("%w: to: %w", ErrInvalidMessage, err)
		}
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("%w: cc: %w", ErrInvalidMessage, err)
		}
	}
	if len(msg.Bcc) > 0 {
		if err := m.Bcc(msg.Bcc...); err != nil {
			return nil, fmt.Errorf("%w: bcc: %w", ErrInvalidMessage, err)
		}
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, fmt.Errorf("%w: reply-to: %w", ErrInvalidMessage, err)
		}
	}
	m.Subject(msg.Subject)
	for key, value := range msg.Headers {
		key, value = strings.TrimSpace(key), stripLineBreaks(strings.TrimSpace(value))
		if key == "" || value == "" {
			continue
		}
		m.SetGenHeader(mail.Header(key), value)
	}

	text, html := strings.TrimSpace(msg.TextBody), strings.TrimSpace(msg.HTMLBody)
	switch {
	case text != "" && html != "":
		m.SetBodyString(mail.TypeTextPlain, text)
		m.AddAlternativeString(mail.TypeTextHTML, html)
	case html != "":
		m.SetBodyString(mail.TypeTextHTML, html)
	default:
		m.SetBodyString(mail.TypeTextPlain, text)
	}
	return m, nil
}
