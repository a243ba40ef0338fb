package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

const defaultRegion = "us-east-1"

// ClientOptions are shared by every service client.
type ClientOptions struct {
	Region string
	// Endpoint points all clients at LocalStack or DynamoDB local when set.
	Endpoint string
	// MaxAttempts caps the SDK retryer; 0 keeps the SDK default.
	MaxAttempts int
}

// LoadAWSConfig resolves credentials from the default chain and applies opts.
func LoadAWSConfig(ctx context.Context, opts ClientOptions) (sdkaws.Config, error) {
	if opts.Region == "" {
		opts.Region = defaultRegion
	}

	loaders := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.MaxAttempts > 0 {
		loaders = append(loaders, config.WithRetryMaxAttempts(opts.MaxAttempts))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return cfg, fmt.Errorf("load aws config: %w", err)
	}
	if opts.Endpoint != "" {
		cfg.BaseEndpoint = sdkaws.String(opts.Endpoint)
	}
	return cfg, nil
}
