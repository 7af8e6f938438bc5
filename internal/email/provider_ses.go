package email

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/cargoline/logistics-backend/internal/pkg/logger"
)

// sesAPI is the slice of the SES v2 client the adapter uses; tests
// substitute a fake.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESAdapter sends through AWS SES using the SDK v2. SES has no true bulk
// call for arbitrary content, so batches dispatch sequentially.
type SESAdapter struct {
	client        sesAPI
	webhookSecret string
	log           *logger.Logger
}

// NewSESAdapter creates an SES adapter with static credentials.
func NewSESAdapter(accessKey, secretKey, region, webhookSecret string) (*SESAdapter, error) {
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("init aws config: %w", err)
	}

	return &SESAdapter{
		client:        sesv2.NewFromConfig(cfg),
		webhookSecret: webhookSecret,
		log:           logger.With("ses"),
	}, nil
}

// Name implements ProviderAdapter.
func (s *SESAdapter) Name() string { return "ses" }

// MaxBatchSize implements ProviderAdapter. SES accepts 50 destinations
// per call; the sequential batch keeps the same chunking.
func (s *SESAdapter) MaxBatchSize() int { return 50 }

// SendSingle implements ProviderAdapter.
func (s *SESAdapter) SendSingle(ctx context.Context, msg *Message) (string, error) {
	if s.client == nil {
		return "", &ProviderError{Provider: s.Name(), Err: fmt.Errorf("client not initialized")}
	}

	body := &types.Body{}
	if msg.HTMLContent != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")}
	}
	if msg.TextContent != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("message_id"), Value: aws.String(msg.ID.String())},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var badReq *types.BadRequestException
		var notFound *types.NotFoundException
		if asAny(err, &badReq) || asAny(err, &notFound) {
			return "", &PermanentError{Provider: s.Name(), Reason: err.Error()}
		}
		return "", &ProviderError{Provider: s.Name(), Err: err}
	}

	messageID := aws.ToString(out.MessageId)
	s.log.Info("sent", "message_id", msg.ID.String(), "provider_message_id", messageID)
	return messageID, nil
}

// SendBulk implements ProviderAdapter, dispatching sequentially with
// per-item outcomes.
func (s *SESAdapter) SendBulk(ctx context.Context, msgs []*Message) (*BatchResult, error) {
	if len(msgs) > s.MaxBatchSize() {
		return nil, &PermanentError{Provider: s.Name(), Reason: fmt.Sprintf("batch size %d exceeds max %d", len(msgs), s.MaxBatchSize())}
	}

	result := &BatchResult{Results: make([]SendResult, len(msgs))}
	for i, msg := range msgs {
		id, err := s.SendSingle(ctx, msg)
		if err != nil {
			result.Results[i] = SendResult{Err: err}
			continue
		}
		result.Results[i] = SendResult{ProviderMessageID: id}
	}
	return result, nil
}

// ValidateWebhookSignature implements ProviderAdapter for the SNS relay
// endpoint, which is configured to sign the body with a shared secret.
func (s *SESAdapter) ValidateWebhookSignature(payload []byte, signature string) bool {
	return hmacSignatureValid(s.webhookSecret, payload, signature)
}
