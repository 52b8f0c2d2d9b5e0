package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/zmqflow/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(SinkName)
	assert.Equal(t, "http", caps.Name)
	assert.True(t, caps.SupportsTracing)
	assert.False(t, caps.Durable)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestMarshalMessageFunc(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{"trailing slash", "http://localhost:8080/hooks/", "http://localhost:8080/hooks/updates"},
		{"no trailing slash", "http://localhost:8080/hooks", "http://localhost:8080/hooks/updates"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := message.NewMessage("1", []byte(`{"n":1}`))
			msg.Metadata.Set("channel", "updates")

			req, err := MarshalMessageFunc(tt.baseURL)("updates", msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.URL.String())
			assert.Equal(t, "POST", req.Method)
		})
	}
}

func TestBuild(t *testing.T) {
	t.Run("creates publisher with mocked factory", func(t *testing.T) {
		originalFactory := PublisherFactory
		defer func() { PublisherFactory = originalFactory }()

		mockPub := &mockPublisher{}
		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.NotNil(t, config.MarshalMessageFunc)
			return mockPub, nil
		}

		pub, err := Build(context.Background(), &mockConfig{httpPublisherURL: "http://localhost:8080/"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, mockPub, pub)
	})

	t.Run("requires url", func(t *testing.T) {
		_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrURLRequired)
	})

	t.Run("returns error when factory fails", func(t *testing.T) {
		originalFactory := PublisherFactory
		defer func() { PublisherFactory = originalFactory }()

		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &mockConfig{httpPublisherURL: "http://localhost:8080/"}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})
}

type mockConfig struct {
	httpPublisherURL string
}

func (m *mockConfig) GetSink() string               { return SinkName }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return m.httpPublisherURL }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }
