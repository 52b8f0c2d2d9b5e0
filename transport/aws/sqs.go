package aws

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/zmqflow/transport"
)

// SQSSinkName is the name used to register the SQS sink.
const SQSSinkName = "aws-sqs"

// SQSPublisherFactory builds the SQS publisher.
var SQSPublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

// SQSCapabilities returns the capabilities of the SQS sink.
func SQSCapabilities() transport.Capabilities {
	return transport.AWSSQSCapabilities
}

// BuildSQS creates the SQS sink. Each relay topic maps to a queue of the
// same name, created on first publish.
func BuildSQS(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	s, err := resolveSettings(cfg)
	if err != nil {
		return nil, err
	}
	awsCfg, err := s.load(ctx)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": s.region})
		return nil, err
	}

	pubCfg := sqs.PublisherConfig{AWSConfig: awsCfg}
	if s.local() {
		pubCfg.OptFns = []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
				Endpoint: smithyendpoints.Endpoint{URI: *s.endpoint},
			}),
		}
	}

	logger.Info("Relaying to SQS", watermill.LogFields{
		"region":   awsCfg.Region,
		"endpoint": s.local(),
	})
	return SQSPublisherFactory(pubCfg, logger)
}
