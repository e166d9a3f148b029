package config

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"leaderd/pkg/election"
	"leaderd/pkg/resilience"
)

const EnvPrefix = "LEADERD"

const (
	BackendEtcd      = "etcd"
	BackendZooKeeper = "zookeeper"
	BackendMemory    = "memory"
)

type Config struct {
	Backend         string        `mapstructure:"backend"`
	Endpoints       []string      `mapstructure:"endpoints"`
	Namespace       string        `mapstructure:"namespace"`
	CandidatePrefix string        `mapstructure:"candidate-prefix"`
	PeerID          string        `mapstructure:"peer-id"`
	SessionTimeout  time.Duration `mapstructure:"session-timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect-timeout"`

	RetryInitialInterval time.Duration `mapstructure:"retry-initial-interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry-max-interval"`
	RetryMaxElapsed      time.Duration `mapstructure:"retry-max-elapsed"`

	RestartFailureThreshold int           `mapstructure:"restart-failure-threshold"`
	RestartCooldown         time.Duration `mapstructure:"restart-cooldown"`
	StableAfter             time.Duration `mapstructure:"stable-after"`

	StatusAddr      string `mapstructure:"status-addr"`
	LogLevel        string `mapstructure:"log-level"`
	LogEncoding     string `mapstructure:"log-encoding"`
	TracingEnabled  bool   `mapstructure:"tracing-enabled"`
	TracingEndpoint string `mapstructure:"tracing-endpoint"`
}

// BindFlags registers every setting on fs with its default.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file (yaml, json or toml)")
	fs.String("backend", BackendEtcd, "Coordination backend: etcd, zookeeper or memory")
	fs.StringSlice("endpoints", []string{"localhost:2379"}, "Coordination service endpoints")
	fs.String("namespace", "/election", "Path under which candidacies are registered")
	fs.String("candidate-prefix", "c_", "Prefix of candidacy node names")
	fs.String("peer-id", "", "Identifier of this peer (defaults to the hostname)")
	fs.Duration("session-timeout", 3*time.Second, "Session timeout negotiated with the service")
	fs.Duration("connect-timeout", 5*time.Second, "Maximum time to establish a session")
	fs.Duration("retry-initial-interval", 100*time.Millisecond, "First retry delay")
	fs.Duration("retry-max-interval", 5*time.Second, "Maximum retry delay")
	fs.Duration("retry-max-elapsed", 30*time.Second, "Give up retrying an operation after this long")
	fs.Int("restart-failure-threshold", 5, "Short-lived sessions before restarts are paused")
	fs.Duration("restart-cooldown", 30*time.Second, "Pause after too many short-lived sessions")
	fs.Duration("stable-after", time.Minute, "Session age after which its end is not a failure")
	fs.String("status-addr", ":8080", "Listen address of the status API (empty disables it)")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.String("log-encoding", "json", "Log encoding: json or console")
	fs.Bool("tracing-enabled", false, "Export traces over OTLP/HTTP")
	fs.String("tracing-endpoint", "localhost:4318", "OTLP/HTTP collector endpoint")
}

// NewViper returns a viper instance reading LEADERD_* variables and, when
// fs is given, the flags registered by BindFlags.
func NewViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs == nil {
		fs = pflag.NewFlagSet("leaderd", pflag.ContinueOnError)
		BindFlags(fs)
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return v, nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if cfg.PeerID == "" {
		cfg.PeerID = defaultPeerID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	switch c.Backend {
	case BackendEtcd, BackendZooKeeper:
		if len(c.Endpoints) == 0 {
			err = multierr.Append(err, errors.Errorf("endpoints are required for the %s backend", c.Backend))
		}
	case BackendMemory:
	default:
		err = multierr.Append(err, errors.Errorf("unknown backend %q", c.Backend))
	}
	if !strings.HasPrefix(c.Namespace, "/") || (len(c.Namespace) > 1 && strings.HasSuffix(c.Namespace, "/")) {
		err = multierr.Append(err, errors.Errorf("namespace %q must be an absolute path without trailing slash", c.Namespace))
	}
	if !validPrefix(c.CandidatePrefix) {
		err = multierr.Append(err, errors.Errorf("candidate prefix %q must be non-empty, without slashes, not ending in a digit", c.CandidatePrefix))
	}
	if c.SessionTimeout <= 0 {
		err = multierr.Append(err, errors.New("session-timeout must be positive"))
	}
	if c.ConnectTimeout <= 0 {
		err = multierr.Append(err, errors.New("connect-timeout must be positive"))
	}
	if c.RestartFailureThreshold <= 0 {
		err = multierr.Append(err, errors.New("restart-failure-threshold must be positive"))
	}
	return err
}

// Supervisor maps the configuration onto the election supervisor's.
func (c *Config) Supervisor() election.SupervisorConfig {
	return election.SupervisorConfig{
		Election: election.Config{
			Namespace:       c.Namespace,
			CandidatePrefix: c.CandidatePrefix,
			PeerID:          c.PeerID,
			ConnectTimeout:  c.ConnectTimeout,
			CreateNamespace: true,
			Retry: resilience.RetryConfig{
				InitialInterval: c.RetryInitialInterval,
				MaxInterval:     c.RetryMaxInterval,
				MaxElapsedTime:  c.RetryMaxElapsed,
			},
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: c.RestartFailureThreshold,
			Cooldown:         c.RestartCooldown,
		},
		StableAfter: c.StableAfter,
	}
}

// validPrefix rejects prefixes whose trailing digits would merge with the
// sequence number.
func validPrefix(prefix string) bool {
	if prefix == "" || strings.Contains(prefix, "/") {
		return false
	}
	last := prefix[len(prefix)-1]
	return last < '0' || last > '9'
}

func defaultPeerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "peer-" + uuid.NewString()
}
