package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
)

// AWSConfig selects the region of the AWS clients. LocalStack endpoints are
// set per client.
type AWSConfig struct {
	Region string
}

// LoadAWSConfig loads the default credential chain for cfg
func LoadAWSConfig(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS config")
	}
	return awsCfg, nil
}

// NewSNSClient creates an SNS client, pointed at endpoint when one is set
func NewSNSClient(awsCfg aws.Config, endpoint string) *sns.Client {
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// NewSQSClient creates an SQS client, pointed at endpoint when one is set
func NewSQSClient(awsCfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}
