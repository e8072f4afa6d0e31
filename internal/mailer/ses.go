package mailer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/vetcrm/notifier/internal/util"
)

// SESAPI is the subset of the SES v2 client used by SESTransport.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESTransport sends email through AWS SES v2.
type SESTransport struct {
	client SESAPI
	from   string
}

// NewSESTransport loads AWS configuration and creates an SES client.
func NewSESTransport(ctx context.Context, cfg Opts) (*SESTransport, error) {
	if cfg.From == "" {
		return nil, fmt.Errorf("ses: sender address: %w", ErrNotConfigured)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	slog.Debug("SESTransport created", "region", region)
	return NewSESTransportWithClient(sesv2.NewFromConfig(awsCfg), formatFrom(cfg.From, cfg.FromName)), nil
}

// NewSESTransportWithClient wraps an existing client.
func NewSESTransportWithClient(client SESAPI, from string) *SESTransport {
	return &SESTransport{client: client, from: from}
}

// Send delivers one HTML email.
func (t *SESTransport) Send(ctx context.Context, to, subject, html string) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(t.from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	out, err := t.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send to %s: %w", util.RedactEmail(to), err)
	}
	slog.Debug("SESTransport.Send: sent", "to", util.RedactEmail(to), "messageID", aws.ToString(out.MessageId))
	return nil
}
