// Package aws provides AWS relay sinks: "aws" publishes to SNS topics and
// "aws-sqs" sends straight to SQS queues.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/drblury/zmqflow/transport"
)

// SinkName is the name used to register the SNS sink.
const SinkName = "aws"

// LocalStack accepts any 12 digit account; this is the one it documents.
const localstackAccountID = "000000000000"

// DefaultConfigLoader loads the shared AWS config. Tests replace it.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory builds the SNS topic ARN resolver.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory builds the SNS publisher.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

func init() {
	Register()
}

// Register registers both AWS sinks with the default registry.
func Register() {
	transport.RegisterWithCapabilities(SinkName, Build, transport.AWSCapabilities)
	transport.RegisterWithCapabilities(SQSSinkName, BuildSQS, transport.AWSSQSCapabilities)
}

// Capabilities returns the capabilities of the SNS sink.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// settings are the relay's AWS values, resolved once per sink.
type settings struct {
	region    string
	accountID string
	accessKey string
	secretKey string
	endpoint  *url.URL
}

func resolveSettings(cfg transport.Config) (settings, error) {
	if cfg == nil {
		return settings{}, nil
	}
	s := settings{
		region:    cfg.GetAWSRegion(),
		accountID: strings.Trim(cfg.GetAWSAccountID(), "\"' "),
		accessKey: cfg.GetAWSAccessKeyID(),
		secretKey: cfg.GetAWSSecretAccessKey(),
	}
	if raw := cfg.GetAWSEndpoint(); raw != "" {
		endpoint, err := url.Parse(raw)
		if err != nil {
			return settings{}, fmt.Errorf("aws: parse endpoint %q: %w", raw, err)
		}
		s.endpoint = endpoint
	}
	return s, nil
}

func (s settings) local() bool {
	return s.endpoint != nil
}

// account returns the account for topic ARNs. A custom endpoint is assumed
// to be LocalStack, which needs a well-formed account id.
func (s settings) account() string {
	if s.local() && len(s.accountID) != 12 {
		return localstackAccountID
	}
	return s.accountID
}

func (s settings) load(ctx context.Context) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		opts = append(opts, awsconfig.WithRegion(s.region))
	}
	if s.accessKey != "" && s.secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentials(s.accessKey, s.secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("aws: load config: %w", err)
	}
	if s.region != "" {
		awsCfg.Region = s.region
	}
	return awsCfg, nil
}

// Build creates the SNS sink. Relay topics become topic ARNs in the
// configured account and region.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	s, err := resolveSettings(cfg)
	if err != nil {
		return nil, err
	}
	awsCfg, err := s.load(ctx)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": s.region})
		return nil, err
	}

	account := s.account()
	resolver, err := TopicResolverFactory(account, awsCfg.Region)
	if err != nil {
		return nil, fmt.Errorf("aws: topic resolver: %w", err)
	}

	pubCfg := sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if s.local() {
		endpoint := s.endpoint.String()
		pubCfg.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) { o.BaseEndpoint = aws.String(endpoint) },
		}
	}

	logger.Info("Relaying to SNS", watermill.LogFields{
		"account":  account,
		"region":   awsCfg.Region,
		"endpoint": s.local(),
	})
	return PublisherFactory(pubCfg, logger)
}

func staticCredentials(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Source:          "zmqflow relay config",
		}, nil
	})
}
