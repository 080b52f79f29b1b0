package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  push_topic_name: "trip.push"
redis:
  host: "localhost"
  port: 6379
backend:
  base_url: "http://backend:8000"
  api_token: "t"
mover:
  entity_id: 5
  local_log_path: "/data/mover.db"
  displacement_meters: 10
observer:
  http_addr: ":8080"
  push_transport: "amqp"
  staleness_seconds: 60
  thresholds_meters: [2000, 1000]
  targets:
    - name: "home"
      latitude: 12.97
      longitude: 77.59
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "u", cfg.Database.Username)
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.Database.ConnString())
	require.Equal(t, "trip.push", cfg.Kafka.PushTopic())
	require.Equal(t, "trip.alerts", cfg.Kafka.AlertsTopic())
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers())
	require.Equal(t, "localhost:6379", cfg.Redis.Addr())
	require.Equal(t, int64(5), cfg.Mover.EntityID)
	require.Equal(t, 10.0, cfg.Mover.Displacement())
	require.Equal(t, ":8080", cfg.Observer.HTTPAddr)
	require.Equal(t, "amqp", cfg.Observer.PushTransport)
	require.Equal(t, time.Minute, cfg.Observer.Staleness())
	require.Equal(t, []float64{2000, 1000}, cfg.Observer.Thresholds())
	require.Len(t, cfg.Observer.Targets, 1)
	require.Equal(t, "home", cfg.Observer.Targets[0].Name)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestDefaults(t *testing.T) {
	var cfg Config

	require.Equal(t, 5.0, cfg.Mover.Displacement())
	require.Equal(t, 8*time.Second, cfg.Mover.Interval())
	require.Equal(t, 30*time.Second, cfg.Mover.ReconcileInterval())
	require.Equal(t, 10*time.Second, cfg.Mover.SyncTimeout())
	require.Equal(t, 7*24*time.Hour, cfg.Mover.Retention())
	require.Equal(t, "mover.db", cfg.Mover.LogPath())

	require.Equal(t, 2*time.Minute, cfg.Observer.Staleness())
	require.Equal(t, 10*time.Second, cfg.Observer.RemoteTimeout())
	require.Equal(t, []float64{1000, 500, 200, 100}, cfg.Observer.Thresholds())
	require.Equal(t, 50.0, cfg.Observer.Reached())
	require.Equal(t, 10*time.Second, cfg.Backend.Timeout())

	require.Equal(t, "amqp://guest:guest@mq:5672/", RabbitMQConfig{User: "guest", Password: "guest", Host: "mq", Port: 5672}.URL())
	require.Equal(t, "amqp://u:p@mq:5672/trips", RabbitMQConfig{User: "u", Password: "p", Host: "mq", Port: 5672, VHost: "trips"}.URL())
}
