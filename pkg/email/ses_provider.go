package email

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsv2config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/nimburion/mailqueue/pkg/observability/logger"
)

// SESConfig configures the AWS SES v2 provider. Static keys are optional; the
// default AWS credential chain is used when they are empty.
type SESConfig struct {
	Region           string
	From             string
	Endpoint         string
	AccessKeyID      string
	SecretAccessKey  string
	SessionToken     string
	OperationTimeout time.Duration
	HTTPClient       *http.Client
}

// SESProvider calls the SES v2 SendEmail API with SigV4 signed requests.
type SESProvider struct {
	cfg        SESConfig
	endpoint   string
	awsCfg     awsv2.Config
	signer     *v4.Signer
	httpClient *http.Client
	log        logger.Logger
	now        func() time.Time
}

// NewSESProvider creates a SES adapter.
func NewSESProvider(ctx context.Context, cfg SESConfig, log logger.Logger) (*SESProvider, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, fmt.Errorf("ses region is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}

	loadOpts := []func(*awsv2config.LoadOptions) error{
		awsv2config.WithRegion(cfg.Region),
	}
	if strings.TrimSpace(cfg.AccessKeyID) != "" || strings.TrimSpace(cfg.SecretAccessKey) != "" {
		loadOpts = append(loadOpts, awsv2config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsv2config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://email.%s.amazonaws.com", cfg.Region)
	}
	return &SESProvider{
		cfg:        cfg,
		endpoint:   endpoint,
		awsCfg:     awsCfg,
		signer:     v4.NewSigner(),
		httpClient: defaultHTTPClient(cfg.HTTPClient, cfg.OperationTimeout),
		log:        log,
		now:        time.Now,
	}, nil
}

type sesContent struct {
	Data    string `json:"Data"`
	Charset string `json:"Charset,omitempty"`
}

type sesSendEmailRequest struct {
	FromEmailAddress string   `json:"FromEmailAddress"`
	ReplyToAddresses []string `json:"ReplyToAddresses,omitempty"`
	Destination      struct {
		ToAddresses  []string `json:"ToAddresses,omitempty"`
		CcAddresses  []string `json:"CcAddresses,omitempty"`
		BccAddresses []string `json:"BccAddresses,omitempty"`
	} `json:"Destination"`
	Content struct {
		Simple struct {
			Subject sesContent `json:"Subject"`
			Body    struct {
				Text *sesContent `json:"Text,omitempty"`
				Html *sesContent `json:"Html,omitempty"`
			} `json:"Body"`
		} `json:"Simple"`
	} `json:"Content"`
}

// Send sends email via the SES v2 HTTPS API.
func (p *SESProvider) Send(ctx context.Context, message Message) error {
	msg, err := prepare(message, p.cfg.From)
	if err != nil {
		return err
	}

	var body sesSendEmailRequest
	body.FromEmailAddress = msg.From
	if msg.ReplyTo != "" {
		body.ReplyToAddresses = []string{msg.ReplyTo}
	}
	body.Destination.ToAddresses = msg.To
	body.Destination.CcAddresses = msg.Cc
	body.Destination.BccAddresses = msg.Bcc
	body.Content.Simple.Subject = sesContent{Data: msg.Subject, Charset: "UTF-8"}
	if strings.TrimSpace(msg.TextBody) != "" {
		body.Content.Simple.Body.Text = &sesContent{Data: msg.TextBody, Charset: "UTF-8"}
	}
	if strings.TrimSpace(msg.HTMLBody) != "" {
		body.Content.Simple.Body.Html = &sesContent{Data: msg.HTMLBody, Charset: "UTF-8"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	cctx, cancel := withTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, p.endpoint+"/v2/email/outbound-emails", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	hash := sha256.Sum256(raw)
	payloadHash := hex.EncodeToString(hash[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	creds, err := p.awsCfg.Credentials.Retrieve(cctx)
	if err != nil {
		return fmt.Errorf("ses credentials: %w", err)
	}
	if err := p.signer.SignHTTP(cctx, creds, req, payloadHash, "ses", p.cfg.Region, p.now().UTC()); err != nil {
		return fmt.Errorf("ses sign: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusError("ses", resp)
}

// Close releases resources.
func (p *SESProvider) Close() error {
	return nil
}
