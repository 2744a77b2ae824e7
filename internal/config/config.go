package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/outbox-relay/internal/model"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

var ErrInvalid = errors.New("invalid config")

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Log        LogConfig       `mapstructure:"log"`
	Relay      RelayConfig     `mapstructure:"relay"`
	Bus        BusConfig       `mapstructure:"bus"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	BatchTimeoutMs int      `mapstructure:"batch_timeout_ms"`
	WriteTimeoutMs int      `mapstructure:"write_timeout_ms"`
	RequiredAcks   int      `mapstructure:"required_acks"`
	MaxAttempts    int      `mapstructure:"max_attempts"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"` // per client IP, 0 disables
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// RelayConfig drives the poll-master relay.
type RelayConfig struct {
	InstanceID    string `mapstructure:"instance_id"` // empty => hostname-uuid
	EnableSending bool   `mapstructure:"enable_sending"`

	PollMaxSize      int `mapstructure:"poll_max_size"`
	PollIdleTimeMs   int `mapstructure:"poll_idle_time_ms"`
	PollErrorDelayMs int `mapstructure:"poll_error_delay_ms"`

	LeaseName                   string `mapstructure:"lease_name"`
	LeaseBackend                string `mapstructure:"lease_backend"` // mysql | redis
	LeaseSecs                   int    `mapstructure:"lease_secs"`
	PollMasterRetryIntervalSecs int    `mapstructure:"poll_master_retry_interval_secs"`

	UrgentPriorityDelaySecs float64 `mapstructure:"urgent_priority_delay_secs"`
	HighPriorityDelaySecs   float64 `mapstructure:"high_priority_delay_secs"`
	LowPriorityDelaySecs    float64 `mapstructure:"low_priority_delay_secs"`
	MaxBatchSize            int     `mapstructure:"max_batch_size"`

	ClaimDurationSecs   int `mapstructure:"claim_duration_secs"`
	ReapIntervalSecs    int `mapstructure:"reap_interval_secs"`
	MaxDeliveryAttempts int `mapstructure:"max_delivery_attempts"`
	SendTimeoutMs       int `mapstructure:"send_timeout_ms"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type BusHTTPConfig struct {
	Name      string `mapstructure:"name"`
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// BusConfig selects the sender and routes message types to destinations.
type BusConfig struct {
	Kind         string            `mapstructure:"kind"` // kafka | http | memory
	Topics       map[string]string `mapstructure:"topics"`
	DefaultTopic string            `mapstructure:"default_topic"`
	HTTP         BusHTTPConfig     `mapstructure:"http"`
	Breaker      BreakerConfig     `mapstructure:"breaker"`
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func secs(n float64) time.Duration { return time.Duration(n * float64(time.Second)) }

func (r RelayConfig) PollIdleTime() time.Duration   { return ms(r.PollIdleTimeMs) }
func (r RelayConfig) PollErrorDelay() time.Duration { return ms(r.PollErrorDelayMs) }
func (r RelayConfig) SendTimeout() time.Duration    { return ms(r.SendTimeoutMs) }
func (r RelayConfig) Lease() time.Duration          { return secs(float64(r.LeaseSecs)) }
func (r RelayConfig) ClaimDuration() time.Duration  { return secs(float64(r.ClaimDurationSecs)) }
func (r RelayConfig) ReapInterval() time.Duration   { return secs(float64(r.ReapIntervalSecs)) }

func (r RelayConfig) RetryInterval() time.Duration {
	return secs(float64(r.PollMasterRetryIntervalSecs))
}

// RenewInterval is how often a leader extends its lease.
func (r RelayConfig) RenewInterval() time.Duration {
	return min(r.RetryInterval(), r.Lease()/3)
}

// Delays maps each priority tier to its flush delay.
func (r RelayConfig) Delays() map[model.Priority]time.Duration {
	return map[model.Priority]time.Duration{
		model.PriorityUrgent: secs(r.UrgentPriorityDelaySecs),
		model.PriorityHigh:   secs(r.HighPriorityDelaySecs),
		model.PriorityLow:    secs(r.LowPriorityDelaySecs),
	}
}

// Validate checks the relay timing relations. A claim must outlive the
// longest flush delay plus a send, otherwise rows get reaped while they are
// still on their way to the bus.
func (c Config) Validate() error {
	r := c.Relay
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(r.PollMaxSize > 0, "relay.poll_max_size must be positive")
	check(r.MaxBatchSize > 0, "relay.max_batch_size must be positive")
	check(r.PollIdleTimeMs > 0, "relay.poll_idle_time_ms must be positive")
	check(r.PollErrorDelayMs > r.PollIdleTimeMs, "relay.poll_error_delay_ms must exceed poll_idle_time_ms")
	check(r.LeaseSecs > 0, "relay.lease_secs must be positive")
	check(r.PollMasterRetryIntervalSecs > 0, "relay.poll_master_retry_interval_secs must be positive")
	check(r.RenewInterval() > 0 && r.RenewInterval() < r.Lease(), "relay: renew interval %s must be shorter than the lease %s", r.RenewInterval(), r.Lease())
	check(r.MaxDeliveryAttempts > 0, "relay.max_delivery_attempts must be positive")
	check(r.SendTimeoutMs > 0, "relay.send_timeout_ms must be positive")
	check(r.ReapIntervalSecs > 0, "relay.reap_interval_secs must be positive")
	check(r.LeaseName != "", "relay.lease_name is required")
	check(r.LeaseBackend == "mysql" || r.LeaseBackend == "redis", "relay.lease_backend %q is not mysql or redis", r.LeaseBackend)

	var longest time.Duration
	for p, d := range r.Delays() {
		check(d >= 0, "relay: %s delay is negative", p)
		longest = max(longest, d)
	}
	check(r.ClaimDuration() > longest+r.SendTimeout(),
		"relay.claim_duration_secs (%s) must exceed the longest priority delay plus send timeout (%s)",
		r.ClaimDuration(), longest+r.SendTimeout())

	switch c.Bus.Kind {
	case "kafka":
		check(len(c.Kafka.Brokers) > 0, "kafka.brokers is required for bus.kind=kafka")
	case "http":
		check(c.Bus.HTTP.BaseURL != "", "bus.http.base_url is required for bus.kind=http")
	case "memory":
	default:
		check(false, "bus.kind %q is not kafka, http or memory", c.Bus.Kind)
	}

	return errors.Join(errs...)
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (OUTBOX_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// env override (OUTBOX_RELAY_POLL_MAX_SIZE -> relay.poll_max_size)
	v.SetEnvPrefix("OUTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
