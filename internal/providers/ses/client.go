package ses

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"referlane/internal/config"
)

// Client sends campaign email through AWS SES v2.
type Client struct {
	client       *sesv2.Client
	fromAddress  string
	replyAddress string
}

func NewClient(ctx context.Context, cfg config.EmailConfig) (*Client, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &Client{
		client:       sesv2.NewFromConfig(awsCfg),
		fromAddress:  cfg.FromAddress,
		replyAddress: cfg.ReplyAddress,
	}, nil
}

func (c *Client) SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(htmlBody)},
					Text: &types.Content{Data: aws.String(textBody)},
				},
			},
		},
	}
	if c.replyAddress != "" {
		input.ReplyToAddresses = []string{c.replyAddress}
	}

	out, err := c.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}
