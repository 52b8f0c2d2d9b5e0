package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/zmqflow/transport"
)

func stubConfigLoader(t *testing.T, region string, err error) {
	t.Helper()
	original := DefaultConfigLoader
	t.Cleanup(func() { DefaultConfigLoader = original })
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		if err != nil {
			return aws.Config{}, err
		}
		return aws.Config{Region: region}, nil
	}
}

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.True(t, transport.Has(SinkName))
	assert.True(t, transport.Has(SQSSinkName))

	caps := transport.GetCapabilities(SinkName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.Durable)
	assert.Equal(t, int64(262144), caps.MaxMessageSize)
	assert.Equal(t, "aws-sqs", transport.GetCapabilities(SQSSinkName).Name)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
	assert.Equal(t, transport.AWSSQSCapabilities, SQSCapabilities())
}

func TestBuild(t *testing.T) {
	t.Run("creates SNS publisher with mocked factories", func(t *testing.T) {
		stubConfigLoader(t, "us-east-1", nil)
		originalTopicResolver := TopicResolverFactory
		originalPubFactory := PublisherFactory
		defer func() {
			TopicResolverFactory = originalTopicResolver
			PublisherFactory = originalPubFactory
		}()

		mockPub := &mockPublisher{}
		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			assert.Equal(t, "123456789012", accountID)
			assert.Equal(t, "us-east-1", region)
			return &sns.GenerateArnTopicResolver{}, nil
		}
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Empty(t, cfg.OptFns)
			return mockPub, nil
		}

		pub, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, mockPub, pub)
	})

	t.Run("sets base endpoint for localstack", func(t *testing.T) {
		stubConfigLoader(t, "us-east-1", nil)
		originalTopicResolver := TopicResolverFactory
		originalPubFactory := PublisherFactory
		defer func() {
			TopicResolverFactory = originalTopicResolver
			PublisherFactory = originalPubFactory
		}()

		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			assert.Equal(t, localstackAccountID, accountID)
			return &sns.GenerateArnTopicResolver{}, nil
		}
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Len(t, cfg.OptFns, 1)
			return &mockPublisher{}, nil
		}

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1", awsEndpoint: "http://localhost:4566"}, watermill.NopLogger{})
		require.NoError(t, err)
	})

	t.Run("returns error when config loader fails", func(t *testing.T) {
		stubConfigLoader(t, "", errors.New("config error"))

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config error")
	})

	t.Run("returns error when topic resolver fails", func(t *testing.T) {
		stubConfigLoader(t, "us-east-1", nil)
		originalTopicResolver := TopicResolverFactory
		defer func() { TopicResolverFactory = originalTopicResolver }()

		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			return nil, errors.New("resolver error")
		}

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "resolver error")
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubConfigLoader(t, "us-east-1", nil)
		originalTopicResolver := TopicResolverFactory
		originalPubFactory := PublisherFactory
		defer func() {
			TopicResolverFactory = originalTopicResolver
			PublisherFactory = originalPubFactory
		}()

		TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
			return &sns.GenerateArnTopicResolver{}, nil
		}
		PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})
}

func TestBuildSQS(t *testing.T) {
	t.Run("creates SQS publisher", func(t *testing.T) {
		stubConfigLoader(t, "eu-west-1", nil)
		originalFactory := SQSPublisherFactory
		defer func() { SQSPublisherFactory = originalFactory }()

		mockPub := &mockPublisher{}
		SQSPublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "eu-west-1", cfg.AWSConfig.Region)
			assert.Empty(t, cfg.OptFns)
			return mockPub, nil
		}

		pub, err := BuildSQS(context.Background(), &mockConfig{awsRegion: "eu-west-1"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, mockPub, pub)
	})

	t.Run("overrides endpoint", func(t *testing.T) {
		stubConfigLoader(t, "us-east-1", nil)
		originalFactory := SQSPublisherFactory
		defer func() { SQSPublisherFactory = originalFactory }()

		SQSPublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Len(t, cfg.OptFns, 1)
			return &mockPublisher{}, nil
		}

		_, err := BuildSQS(context.Background(), &mockConfig{awsRegion: "us-east-1", awsEndpoint: "http://localhost:4566"}, watermill.NopLogger{})
		require.NoError(t, err)
	})

	t.Run("rejects malformed endpoint", func(t *testing.T) {
		stubConfigLoader(t, "us-east-1", nil)

		_, err := BuildSQS(context.Background(), &mockConfig{awsRegion: "us-east-1", awsEndpoint: "http://[::1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse endpoint")
	})

	t.Run("returns error when factory fails", func(t *testing.T) {
		stubConfigLoader(t, "us-east-1", nil)
		originalFactory := SQSPublisherFactory
		defer func() { SQSPublisherFactory = originalFactory }()

		SQSPublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("sqs error")
		}

		_, err := BuildSQS(context.Background(), &mockConfig{awsRegion: "us-east-1"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sqs error")
	})
}

func TestResolveSettings(t *testing.T) {
	tests := []struct {
		name        string
		cfg         transport.Config
		wantAccount string
		wantRegion  string
		wantLocal   bool
	}{
		{
			name:        "uses config values",
			cfg:         &mockConfig{awsAccountID: "123456789012", awsRegion: "us-west-2"},
			wantAccount: "123456789012",
			wantRegion:  "us-west-2",
		},
		{
			name:        "strips quotes from account id",
			cfg:         &mockConfig{awsAccountID: `"123456789012"`},
			wantAccount: "123456789012",
		},
		{
			name:        "localstack default when endpoint set and account empty",
			cfg:         &mockConfig{awsEndpoint: "http://localhost:4566"},
			wantAccount: localstackAccountID,
			wantLocal:   true,
		},
		{
			name:        "replaces malformed account id for localstack",
			cfg:         &mockConfig{awsEndpoint: "http://localhost:4566", awsAccountID: "123"},
			wantAccount: localstackAccountID,
			wantLocal:   true,
		},
		{
			name: "nil config",
			cfg:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := resolveSettings(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAccount, s.account())
			assert.Equal(t, tt.wantRegion, s.region)
			assert.Equal(t, tt.wantLocal, s.local())
		})
	}
}

func TestResolveSettingsEndpoint(t *testing.T) {
	s, err := resolveSettings(&mockConfig{awsEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	require.NotNil(t, s.endpoint)
	assert.Equal(t, "localhost:4566", s.endpoint.Host)

	_, err = resolveSettings(&mockConfig{awsEndpoint: "http://[::1"})
	require.Error(t, err)
}

func TestLoadAppliesRegionAndCredentials(t *testing.T) {
	original := DefaultConfigLoader
	t.Cleanup(func() { DefaultConfigLoader = original })

	var optCount int
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		optCount = len(opts)
		return aws.Config{Region: "ignored"}, nil
	}

	s := settings{region: "eu-central-1", accessKey: "AKIA", secretKey: "secret"}
	awsCfg, err := s.load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eu-central-1", awsCfg.Region)
	assert.Equal(t, 2, optCount)
}

func TestStaticCredentials(t *testing.T) {
	creds, err := staticCredentials("AKIA", "secret").Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AKIA", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)
}

type mockConfig struct {
	awsRegion          string
	awsAccountID       string
	awsAccessKeyID     string
	awsSecretAccessKey string
	awsEndpoint        string
}

func (m *mockConfig) GetSink() string               { return SinkName }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return m.awsRegion }
func (m *mockConfig) GetAWSAccountID() string       { return m.awsAccountID }
func (m *mockConfig) GetAWSAccessKeyID() string     { return m.awsAccessKeyID }
func (m *mockConfig) GetAWSSecretAccessKey() string { return m.awsSecretAccessKey }
func (m *mockConfig) GetAWSEndpoint() string        { return m.awsEndpoint }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }
