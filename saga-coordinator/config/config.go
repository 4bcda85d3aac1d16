package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BrokerSNS  = "sns"
	BrokerNATS = "nats"
)

type Config struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	Port        string     `mapstructure:"port"`
	Database    Database   `mapstructure:"database"`
	Broker      string     `mapstructure:"broker"`
	AWS         AWS        `mapstructure:"aws"`
	NATS        NATS       `mapstructure:"nats"`
	Saga        Saga       `mapstructure:"saga"`
	Supervisor  Supervisor `mapstructure:"supervisor"`
	Outbox      Outbox     `mapstructure:"outbox"`
	Telemetry   Telemetry  `mapstructure:"telemetry"`
	Log         Log        `mapstructure:"log"`
}

type Database struct {
	// Driver is "postgres" or "sqlite"
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type AWS struct {
	Region      string `mapstructure:"region"`
	EndpointSNS string `mapstructure:"endpoint_sns"`
	EndpointSQS string `mapstructure:"endpoint_sqs"`
	// SNSTopicArn receives every topic without an entry in TopicArns
	SNSTopicArn string `mapstructure:"sns_topic_arn"`

	// TopicArns is a list because viper splits map keys on dots
	TopicArns   []TopicArn `mapstructure:"topic_arns"`
	SQSQueueURL string     `mapstructure:"sqs_queue_url"`
	SQSWorkers  int32      `mapstructure:"sqs_workers"`
	SQSReaders  int32      `mapstructure:"sqs_readers"`

	// WaitTimeSeconds is the long poll of every receive
	WaitTimeSeconds int32 `mapstructure:"wait_time_seconds"`
	// VisibilityTimeout is in seconds
	VisibilityTimeout int32 `mapstructure:"visibility_timeout"`
}

type TopicArn struct {
	Topic string `mapstructure:"topic"`
	Arn   string `mapstructure:"arn"`
}

type NATS struct {
	URL             string        `mapstructure:"url"`
	Stream          string        `mapstructure:"stream"`
	Subjects        []string      `mapstructure:"subjects"`
	Durable         string        `mapstructure:"durable"`
	AckWait         time.Duration `mapstructure:"ack_wait"`
	MaxAckPending   int           `mapstructure:"max_ack_pending"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
}

type Saga struct {
	AwaitCompensationAcks bool `mapstructure:"await_compensation_acks"`
	ConflictRetries       int  `mapstructure:"conflict_retries"`
	MaxDeliveryAttempts   int  `mapstructure:"max_delivery_attempts"`
}

type Supervisor struct {
	Interval            time.Duration `mapstructure:"interval"`
	MaxRetries          int           `mapstructure:"max_retries"`
	ScanLimit           int           `mapstructure:"scan_limit"`
	InventoryTimeout    time.Duration `mapstructure:"inventory_timeout"`
	PaymentTimeout      time.Duration `mapstructure:"payment_timeout"`
	ShippingTimeout     time.Duration `mapstructure:"shipping_timeout"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`
}

type Outbox struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	RatePerSecond int           `mapstructure:"rate_per_second"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Version      string `mapstructure:"version"`
}

type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("unable to get current file")
	}

	return ReadConfigFrom(filepath.Dir(filename), getConfigName())
}

// ReadConfigFrom reads <name>.json from dir, with SAGA_ prefixed environment
// variables taking precedence over the file
func ReadConfigFrom(dir, name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("json")
	v.AddConfigPath(dir)

	// SAGA_OUTBOX_BATCH_SIZE overrides outbox.batch_size
	v.SetEnvPrefix("SAGA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service_name", "saga-coordinator")
	v.SetDefault("env", getEnv("ENV", "local"))
	v.SetDefault("port", getEnv("PORT", "8080"))

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.database", "order_saga")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		v.SetDefault("database.url", dbURL)
	}

	v.SetDefault("broker", BrokerSNS)

	// AWS defaults
	v.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	v.SetDefault("aws.endpoint_sns", getEnv("AWS_ENDPOINT_URL_SNS", ""))
	v.SetDefault("aws.endpoint_sqs", getEnv("AWS_ENDPOINT_URL_SQS", ""))
	v.SetDefault("aws.sqs_workers", 8)
	v.SetDefault("aws.sqs_readers", 1)
	v.SetDefault("aws.wait_time_seconds", 20)
	v.SetDefault("aws.visibility_timeout", 30)

	// NATS defaults
	v.SetDefault("nats.url", getEnv("NATS_URL", "nats://127.0.0.1:4222"))
	v.SetDefault("nats.stream", "ORDER_SAGA")
	v.SetDefault("nats.subjects", []string{"saga.start", "saga.replies"})
	v.SetDefault("nats.durable", "saga-coordinator")
	v.SetDefault("nats.ack_wait", "30s")
	v.SetDefault("nats.max_ack_pending", 1024)
	v.SetDefault("nats.duplicate_window", "2m")

	// Saga defaults
	v.SetDefault("saga.await_compensation_acks", true)
	v.SetDefault("saga.conflict_retries", 5)
	v.SetDefault("saga.max_delivery_attempts", 10)

	v.SetDefault("supervisor.interval", "5s")
	v.SetDefault("supervisor.max_retries", 3)
	v.SetDefault("supervisor.scan_limit", 100)
	v.SetDefault("supervisor.inventory_timeout", "30s")
	v.SetDefault("supervisor.payment_timeout", "30s")
	v.SetDefault("supervisor.shipping_timeout", "2m")
	v.SetDefault("supervisor.compensation_timeout", "1m")

	v.SetDefault("outbox.interval", "1s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.rate_per_second", 0)
	v.SetDefault("outbox.retry_interval", "1s")
	v.SetDefault("outbox.max_backoff", "1m")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.otlp_endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate rejects settings the coordinator cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Broker {
	case BrokerSNS:
		if c.AWS.SQSQueueURL == "" {
			return fmt.Errorf("aws.sqs_queue_url is required for the sns broker")
		}
		if c.AWS.SNSTopicArn == "" && len(c.AWS.TopicArns) == 0 {
			return fmt.Errorf("aws.sns_topic_arn or aws.topic_arns is required for the sns broker")
		}
	case BrokerNATS:
	default:
		return fmt.Errorf("unsupported broker %q", c.Broker)
	}
	if c.Saga.ConflictRetries < 0 || c.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	return nil
}

// GetDatabaseURL returns the DSN for the configured driver
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	if c.Database.Driver == "sqlite" {
		return "file:order_saga.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}
