package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/drblury/zmqflow/internal/runtime/jsoncodec"
)

// EnvPrefix is prepended to every environment override, for example
// ZMQFLOW_WORKERS=4.
const EnvPrefix = "ZMQFLOW_"

// Load reads defaults, then the file at path (when not empty), then the
// environment. Callers apply flags, then Normalize and Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile decodes a TOML, YAML or JSON file into cfg, chosen by extension.
// Keys missing from the file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", "":
		_, err = toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = jsoncodec.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("config load failed (%s): unsupported format", path)
	}
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg from ZMQFLOW_* variables. lookup is usually
// os.LookupEnv. Every malformed value is reported.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("NODE", &cfg.Node)
	e.str("MODE", &cfg.Mode)
	e.str("BACKEND", &cfg.Backend)
	e.str("FRONTEND", &cfg.Frontend)
	e.boolean("PROXY", &cfg.Proxy)
	e.boolean("ATTACH", &cfg.Attach)
	e.integer("WORKERS", &cfg.Workers)
	e.str("ROLE", &cfg.Role)
	e.duration("TIMEOUT", &cfg.Timeout)
	e.str("SERIALIZER", &cfg.Serializer)
	e.str("COMPRESSION", &cfg.Compression)

	e.boolean("AUTH", &cfg.Auth.Enabled)
	e.str("PUBLIC_KEY", &cfg.Auth.Keys.PublicKey)
	e.str("SECRET_KEY", &cfg.Auth.Keys.SecretKey)
	e.str("SERVER_KEY", &cfg.Auth.Keys.ServerKey)

	e.str("SSH_HOST", &cfg.SSH.Host)
	e.str("SSH_KEYFILE", &cfg.SSH.KeyFile)
	e.str("SSH_PASSWORD", &cfg.SSH.Password)
	e.str("SSH_KNOWN_HOSTS", &cfg.SSH.KnownHosts)
	e.boolean("SSH_INSECURE", &cfg.SSH.InsecureIgnoreHostKey)
	e.duration("SSH_TIMEOUT", &cfg.SSH.Timeout)

	e.boolean("DEBUG", &cfg.Debug)
	e.str("DEBUG_HOST", &cfg.DebugHost)
	e.integer("DEBUG_PORT", &cfg.DebugPort)
	e.str("WATCH_DIR", &cfg.WatchDir)

	e.boolean("METRICS", &cfg.Metrics.Enabled)
	e.integer("METRICS_PORT", &cfg.Metrics.Port)

	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("LOG_FORMAT", &cfg.Log.Format)

	e.boolean("RELAY", &cfg.Relay.Enabled)
	e.str("RELAY_SINK", &cfg.Relay.Sink)
	e.list("RELAY_CHANNELS", &cfg.Relay.Channels)
	e.str("RELAY_TOPIC", &cfg.Relay.Topic)
	e.str("RELAY_FORMAT", &cfg.Relay.Format)
	e.list("RELAY_KAFKA_BROKERS", &cfg.Relay.KafkaBrokers)
	e.str("RELAY_RABBITMQ_URL", &cfg.Relay.RabbitMQURL)
	e.str("RELAY_NATS_URL", &cfg.Relay.NATSURL)
	e.str("RELAY_HTTP_URL", &cfg.Relay.HTTPPublisherURL)
	e.str("RELAY_AWS_REGION", &cfg.Relay.AWSRegion)
	e.str("RELAY_AWS_ACCOUNT_ID", &cfg.Relay.AWSAccountID)
	e.str("RELAY_AWS_ACCESS_KEY_ID", &cfg.Relay.AWSAccessKeyID)
	e.str("RELAY_AWS_SECRET_ACCESS_KEY", &cfg.Relay.AWSSecretAccessKey)
	e.str("RELAY_AWS_ENDPOINT", &cfg.Relay.AWSEndpoint)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}

// BindFlags registers the command line overrides on fs. Each flag defaults
// to the current value in cfg, so parsing only changes what was passed.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Node, "node", cfg.Node, "node name written into every message")
	fs.StringVarP(&cfg.Mode, "mode", "m", cfg.Mode, "topology mode: queue, forwarder or streamer")
	fs.StringVarP(&cfg.Backend, "backend", "b", cfg.Backend, "backend address")
	fs.StringVarP(&cfg.Frontend, "frontend", "f", cfg.Frontend, "frontend address")
	fs.BoolVar(&cfg.Proxy, "proxy", cfg.Proxy, "run a proxy device between frontend and backend")
	fs.BoolVar(&cfg.Attach, "attach", cfg.Attach, "connect workers to an existing device")
	fs.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "number of workers")
	fs.StringVar(&cfg.Role, "role", cfg.Role, "worker role: thread or process")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "frontend send and receive timeout")
	fs.StringVar(&cfg.Serializer, "serializer", cfg.Serializer, "body serializer: json, cbor or proto")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "body compression: zlib, zstd, lz4 or none")
	fs.BoolVarP(&cfg.Auth.Enabled, "auth", "a", cfg.Auth.Enabled, "enable CURVE authentication")
	fs.StringVar(&cfg.SSH.Host, "ssh", cfg.SSH.Host, "tunnel client connections through user@host[:port]")
	fs.StringVar(&cfg.SSH.KeyFile, "ssh-keyfile", cfg.SSH.KeyFile, "private key for the SSH tunnel")
	fs.BoolVarP(&cfg.Debug, "debug", "d", cfg.Debug, "watch for changes and start the debug server")
	fs.StringVar(&cfg.DebugHost, "debug-host", cfg.DebugHost, "debug server host")
	fs.IntVar(&cfg.DebugPort, "debug-port", cfg.DebugPort, "debug server port")
	fs.StringVar(&cfg.WatchDir, "watch", cfg.WatchDir, "directory watched in debug mode")
	fs.BoolVar(&cfg.Metrics.Enabled, "metrics", cfg.Metrics.Enabled, "expose Prometheus metrics")
	fs.IntVar(&cfg.Metrics.Port, "metrics-port", cfg.Metrics.Port, "metrics port outside debug mode")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level: trace, debug, info, warn or error")
	fs.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "log format: text or json")
	fs.BoolVar(&cfg.Relay.Enabled, "relay", cfg.Relay.Enabled, "relay forwarder or streamer output into a broker")
	fs.StringVar(&cfg.Relay.Sink, "relay-sink", cfg.Relay.Sink, "relay sink transport")
	fs.StringVar(&cfg.Relay.Format, "relay-format", cfg.Relay.Format, "relay payload format: json or cloudevents")
}

// ApplyFlags copies every flag that was set on the command line from parsed
// onto cfg. parsed must have been bound with BindFlags.
func ApplyFlags(parsed *pflag.FlagSet, cfg *Config) error {
	target := pflag.NewFlagSet("config", pflag.ContinueOnError)
	BindFlags(target, cfg)

	var errs []error
	parsed.Visit(func(f *pflag.Flag) {
		if target.Lookup(f.Name) == nil {
			return
		}
		if err := target.Set(f.Name, f.Value.String()); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}
