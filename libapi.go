package zmqflow

import (
	"context"
	"os"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/zmqflow/internal/cli"
	runtimepkg "github.com/drblury/zmqflow/internal/runtime"
	"github.com/drblury/zmqflow/internal/runtime/auth"
	ce "github.com/drblury/zmqflow/internal/runtime/cloudevents"
	"github.com/drblury/zmqflow/internal/runtime/codec"
	configpkg "github.com/drblury/zmqflow/internal/runtime/config"
	errspkg "github.com/drblury/zmqflow/internal/runtime/errors"
	"github.com/drblury/zmqflow/internal/runtime/executor"
	handlerpkg "github.com/drblury/zmqflow/internal/runtime/handlers"
	"github.com/drblury/zmqflow/internal/runtime/hooks"
	idspkg "github.com/drblury/zmqflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/zmqflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/zmqflow/internal/runtime/logging"
	"github.com/drblury/zmqflow/internal/runtime/node"
	"github.com/drblury/zmqflow/internal/runtime/scheduler"
	"github.com/drblury/zmqflow/internal/runtime/topology"
	"github.com/drblury/zmqflow/internal/runtime/worker"
	newtransport "github.com/drblury/zmqflow/transport"
)

type (
	Config             = configpkg.Config
	Application        = runtimepkg.Application
	Server             = runtimepkg.Server
	ServerDependencies = runtimepkg.ServerDependencies
	Metrics            = runtimepkg.Metrics

	Mode     = topology.Mode
	Command  = codec.Command
	Envelope = codec.Envelope

	Executor     = executor.Executor
	ExecutorFunc = executor.Func
	Request      = executor.Request
	Result       = executor.Result
	ResultError  = executor.Error

	TaskHandler = scheduler.Handler
	TaskResult  = scheduler.Result
	TaskConfig  = scheduler.TaskConfig
	Shared      = scheduler.Shared
	WorkerHook  = worker.Hook

	Frontend       = node.Frontend
	ConnectOptions = node.ConnectOptions
	Conn           = node.Conn

	JSONRequestContext[V any]            = handlerpkg.JSONRequestContext[V]
	JSONHandler[V any, O any]            = handlerpkg.JSONHandler[V, O]
	JSONTaskFunc[O any]                  = handlerpkg.JSONTaskFunc[O]
	ProtoRequestContext[T proto.Message] = handlerpkg.ProtoRequestContext[T]
	ProtoHandler[T proto.Message]        = handlerpkg.ProtoHandler[T]
	RequestContextBase                   = handlerpkg.RequestContextBase

	ExecutorMiddleware     = runtimepkg.ExecutorMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	LogOptions    = loggingpkg.Options

	ConfigValidationError = errspkg.ConfigValidationError
	ChecksumError         = errspkg.ChecksumError
	BindError             = errspkg.BindError
	ExecutorError         = errspkg.ExecutorError

	// Job lifecycle hooks
	JobContext = hooks.JobContext
	JobHooks   = hooks.JobHooks

	Credentials = auth.Credentials
	Keypair     = auth.Keypair

	// CloudEvents relay payloads
	Event = ce.Event

	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

// Topology modes.
const (
	Queue     = topology.Queue
	Forwarder = topology.Forwarder
	Streamer  = topology.Streamer
)

// Wire commands.
const (
	CommandHeartbeat = codec.Heartbeat
	CommandPing      = codec.Ping
	CommandPong      = codec.Pong
	CommandRequest   = codec.Request
	CommandResponse  = codec.Response
	CommandPub       = codec.Pub
	CommandPush      = codec.Push
)

// Task kinds.
const (
	PublisherTask = scheduler.Publisher
	PusherTask    = scheduler.Pusher
)

var (
	NewApplication = runtimepkg.NewApplication
	NewServer      = runtimepkg.NewServer
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig
	NewMetrics     = runtimepkg.NewMetrics
	Banner         = runtimepkg.Banner

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	RequestIDMiddleware   = runtimepkg.RequestIDMiddleware
	LogRequestsMiddleware = runtimepkg.LogRequestsMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	MetricsMiddleware     = runtimepkg.MetricsMiddleware
	RecovererMiddleware   = runtimepkg.RecovererMiddleware
	RequestIDFromContext  = runtimepkg.RequestIDFromContext

	// Job lifecycle hooks
	LoggingHooks  = hooks.LoggingHooks
	MetricsHooks  = hooks.MetricsHooks
	AlertingHooks = hooks.AlertingHooks

	Failure = executor.Failure

	NewKeypair = auth.NewKeypair

	EventFromEnvelope = ce.FromEnvelope

	// Relay sink registry. Import the sinks via
	// _ "github.com/drblury/zmqflow/transport/transports".
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrExecutorRequired = errspkg.ErrExecutorRequired
	ErrHandlerRequired  = errspkg.ErrHandlerRequired
	ErrTimeout          = errspkg.ErrTimeout
	ErrWrongMode        = errspkg.ErrWrongMode
	ErrNodeClosed       = errspkg.ErrNodeClosed
	IsTimeout           = errspkg.IsTimeout

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	CreateULID = idspkg.CreateULID
	NewNodeID  = idspkg.NewNodeID
)

// Caller context keys understood by the typed handlers.
const (
	ContextKeyRequestID = handlerpkg.ContextKeyRequestID
	ContextKeyUser      = handlerpkg.ContextKeyUser
	ContextKeyTraceID   = handlerpkg.ContextKeyTraceID
)

// JSONExecutor adapts a typed handler whose variables decode into V.
func JSONExecutor[V any, O any](handler JSONHandler[V, O], logger ServiceLogger) (Executor, error) {
	return handlerpkg.JSONExecutor(handler, logger)
}

// ProtoExecutor adapts a typed handler whose variables decode into T.
func ProtoExecutor[T proto.Message](prototype T, handler ProtoHandler[T], validate func(proto.Message) error, logger ServiceLogger) (Executor, error) {
	return handlerpkg.ProtoExecutor(prototype, handler, validate, logger)
}

// JSONTask adapts a typed producer to a task handler.
func JSONTask[O any](fn JSONTaskFunc[O]) (TaskHandler, error) {
	return handlerpkg.JSONTask(fn)
}

// Lookup reads a shared value of type T.
func Lookup[T any](s *Shared, key string) (T, bool) {
	return scheduler.Lookup[T](s, key)
}

// Dial returns a frontend for the pool described by conf. The config is
// normalized first; the frontend opens its socket per call, through
// conf.SSH when a tunnel host is set.
func Dial(conf Config, name string, logger ServiceLogger) (*Frontend, error) {
	conf.Normalize()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	mode, err := topology.ParseMode(conf.Mode)
	if err != nil {
		return nil, err
	}
	c, err := codec.ByName(conf.Serializer, conf.Compression)
	if err != nil {
		return nil, err
	}
	return node.NewFrontend(node.Options{
		Name:         name,
		Mode:         mode,
		FrontendAddr: conf.Frontend,
		Credentials:  conf.Credentials(),
		SSH:          conf.SSH,
		Timeout:      conf.Timeout,
		Codec:        c,
		Logger:       logger,
	})
}

// Main runs the zmqflow command line for app and exits. Call it from the
// application's main function.
func Main(app *Application) {
	name := "zmqflow"
	if len(os.Args) > 0 {
		name = os.Args[0]
	}
	os.Exit(cli.New(name, app).Main(context.Background(), os.Args[1:]))
}
