package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Backend  BackendConfig  `yaml:"backend"`
	Mover    MoverConfig    `yaml:"mover"`
	Observer ObserverConfig `yaml:"observer"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	PushTopicName   string `yaml:"push_topic_name"`
	AlertsTopicName string `yaml:"alerts_topic_name"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

func (k KafkaConfig) PushTopic() string {
	if k.PushTopicName == "" {
		return "trip.push"
	}
	return k.PushTopicName
}

func (k KafkaConfig) AlertsTopic() string {
	if k.AlertsTopicName == "" {
		return "trip.alerts"
	}
	return k.AlertsTopicName
}

type RabbitMQConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	VHost     string `yaml:"vhost"`
	PushQueue string `yaml:"push_queue"`
}

func (r RabbitMQConfig) URL() string {
	vhost := r.VHost
	if vhost == "" {
		vhost = "/"
	}
	if vhost[0] != '/' {
		vhost = "/" + vhost
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", r.User, r.Password, r.Host, r.Port, vhost)
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// "http" (default when base_url is set) | "fake"
	Mode string `yaml:"mode"`
}

func (b BackendConfig) Timeout() time.Duration {
	return seconds(b.TimeoutSeconds, 10*time.Second)
}

type MoverConfig struct {
	EntityID     int64  `yaml:"entity_id"`
	LocalLogPath string `yaml:"local_log_path"`

	DisplacementMeters       float64 `yaml:"displacement_meters"`
	IntervalSeconds          int     `yaml:"interval_seconds"`
	ReconcileIntervalSeconds int     `yaml:"reconcile_interval_seconds"`
	SyncTimeoutSeconds       int     `yaml:"sync_timeout_seconds"`
	ReconcileBatchSize       int     `yaml:"reconcile_batch_size"`
	RetentionDays            int     `yaml:"retention_days"`
}

func (m MoverConfig) LogPath() string {
	if m.LocalLogPath == "" {
		return "mover.db"
	}
	return m.LocalLogPath
}

func (m MoverConfig) Displacement() float64 {
	if m.DisplacementMeters <= 0 {
		return 5
	}
	return m.DisplacementMeters
}

func (m MoverConfig) Interval() time.Duration {
	return seconds(m.IntervalSeconds, 8*time.Second)
}

func (m MoverConfig) ReconcileInterval() time.Duration {
	return seconds(m.ReconcileIntervalSeconds, 30*time.Second)
}

func (m MoverConfig) SyncTimeout() time.Duration {
	return seconds(m.SyncTimeoutSeconds, 10*time.Second)
}

func (m MoverConfig) BatchSize() int {
	if m.ReconcileBatchSize <= 0 {
		return 500
	}
	return m.ReconcileBatchSize
}

func (m MoverConfig) Retention() time.Duration {
	return days(m.RetentionDays)
}

type TargetConfig struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type ObserverConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	SwaggerPath string `yaml:"swagger_path"`

	// "kafka" (default) | "amqp" | "http"
	PushTransport      string `yaml:"push_transport"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	// "postgres" (default) | "sqlite"
	LocalLog     string `yaml:"local_log"`
	LocalLogPath string `yaml:"local_log_path"`

	StalenessSeconds         int `yaml:"staleness_seconds"`
	RemoteTimeoutSeconds     int `yaml:"remote_timeout_seconds"`
	RemoteRateLimitPerMinute int `yaml:"remote_rate_limit_per_minute"`
	AlertStateTTLSeconds     int `yaml:"alert_state_ttl_seconds"`
	RetentionDays            int `yaml:"retention_days"`
	RetentionIntervalSeconds int `yaml:"retention_interval_seconds"`
	SubscriberBufferSize     int `yaml:"subscriber_buffer_size"`

	ThresholdsMeters []float64      `yaml:"thresholds_meters"`
	ReachedMeters    float64        `yaml:"reached_meters"`
	Targets          []TargetConfig `yaml:"targets"`
}

func (o ObserverConfig) Staleness() time.Duration {
	return seconds(o.StalenessSeconds, 2*time.Minute)
}

func (o ObserverConfig) RemoteTimeout() time.Duration {
	return seconds(o.RemoteTimeoutSeconds, 10*time.Second)
}

func (o ObserverConfig) AlertStateTTL() time.Duration {
	return seconds(o.AlertStateTTLSeconds, 24*time.Hour)
}

func (o ObserverConfig) Retention() time.Duration {
	return days(o.RetentionDays)
}

func (o ObserverConfig) RetentionInterval() time.Duration {
	return seconds(o.RetentionIntervalSeconds, time.Hour)
}

func (o ObserverConfig) Thresholds() []float64 {
	if len(o.ThresholdsMeters) == 0 {
		return []float64{1000, 500, 200, 100}
	}
	return o.ThresholdsMeters
}

func (o ObserverConfig) Reached() float64 {
	if o.ReachedMeters < 0 {
		return 0
	}
	if o.ReachedMeters == 0 {
		return 50
	}
	return o.ReachedMeters
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

func days(v int) time.Duration {
	if v <= 0 {
		v = 7
	}
	return time.Duration(v) * 24 * time.Hour
}

func (o ObserverConfig) SubscriberBuffer() int {
	if o.SubscriberBufferSize <= 0 {
		return 16
	}
	return o.SubscriberBufferSize
}
