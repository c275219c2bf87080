package email

import (
	"context"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

// LogProvider writes messages to the logger instead of delivering them. It is
// the default for local runs.
type LogProvider struct {
	from string
	log  logger.Logger
}

// NewLogProvider creates a provider that only logs.
func NewLogProvider(from string, log logger.Logger) *LogProvider {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogProvider{from: from, log: log}
}

func (p *LogProvider) Send(ctx context.Context, message Message) error {
	msg, err := prepare(message, p.from)
	if err != nil {
		return err
	}
	p.log.WithContext(ctx).Info("email not delivered (log provider)",
		"from", msg.From,
		"recipients", len(msg.Recipients()),
		"subject", msg.Subject,
	)
	p.log.WithContext(ctx).Debug("email body", "text", msg.TextBody)
	return nil
}

func (p *LogProvider) Close() error {
	return nil
}
