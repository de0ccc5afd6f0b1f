// internal/quality/alerter.go
package quality

import (
	"context"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/fieldlog/voice-pipeline/internal/common/aws"
)

// SNSAlerter publishes quality threshold violations to an SNS topic.
type SNSAlerter struct {
	client   *aws.SNSClient
	topicARN string
}

func NewSNSAlerter(client *aws.SNSClient, topicARN string) *SNSAlerter {
	return &SNSAlerter{client: client, topicARN: topicARN}
}

func (a *SNSAlerter) Alert(ctx context.Context, subject, body string) error {
	_, err := a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: awssdk.String(a.topicARN),
		Subject:  awssdk.String(subject),
		Message:  awssdk.String(body),
	})
	return err
}
