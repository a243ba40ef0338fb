package aws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// GroupAttribute names the message attribute used as the FIFO message group, so retries
// for one purchase are delivered in order.
const GroupAttribute = "purchase_id"

// Publisher sends messages to one SQS queue. Queues whose URL ends in ".fifo" get a
// message group and a content-based deduplication id.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
	fifo     bool
}

func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

// Send publishes messageBody with every attribute as a String message attribute.
func (p *Publisher) Send(ctx context.Context, messageBody string, attributes map[string]string) error {
	if p.QueueURL == "" {
		return fmt.Errorf("send message: queue url not configured")
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &messageBody,
	}
	if len(attributes) > 0 {
		input.MessageAttributes = make(map[string]sqstypes.MessageAttributeValue, len(attributes))
		for k, v := range attributes {
			input.MessageAttributes[k] = sqstypes.MessageAttributeValue{
				DataType:    awsString("String"),
				StringValue: awsString(v),
			}
		}
	}
	if p.fifo {
		group := attributes[GroupAttribute]
		if group == "" {
			group = "default"
		}
		sum := sha256.Sum256([]byte(messageBody))
		input.MessageGroupId = awsString(group)
		input.MessageDeduplicationId = awsString(hex.EncodeToString(sum[:]))
	}

	if _, err := p.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message to %s: %w", p.QueueURL, err)
	}
	return nil
}

func awsString(s string) *string { return &s }
