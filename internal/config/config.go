// Package config loads the relay's settings from environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/snapgram/presence-relay/internal/enrich"
	"github.com/snapgram/presence-relay/internal/messaging"
	"github.com/snapgram/presence-relay/internal/store"
	"github.com/snapgram/presence-relay/internal/ws"
)

// Config is the full process configuration.
type Config struct {
	Port           int           `env:"PORT" envDefault:"3001"`
	ListenHost     string        `env:"LISTEN_HOST" envDefault:"0.0.0.0"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"20s"`

	RecordStore         string        `env:"RECORD_STORE" envDefault:"mongo"`
	MongoURI            string        `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017"`
	MongoDatabase       string        `env:"MONGODB_DATABASE" envDefault:"snapgram"`
	DatabaseURL         string        `env:"DATABASE_URL"`
	RecordLookupTimeout time.Duration `env:"RECORD_LOOKUP_TIMEOUT" envDefault:"5s"`

	RedisAddr  string `env:"REDIS_ADDR"`
	NATSURL    string `env:"NATS_URL"`
	ServerName string `env:"SERVER_NAME"`

	EntityNotificationTypes []string `env:"ENTITY_NOTIFICATION_TYPES" envDefault:"LIKE,COMMENT" envSeparator:","`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "relay-1"
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	switch c.RecordStore {
	case store.DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("config: MONGODB_URI is required for RECORD_STORE=%s", c.RecordStore)
		}
	case store.DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for RECORD_STORE=%s", c.RecordStore)
		}
	default:
		return fmt.Errorf("config: unknown RECORD_STORE %q", c.RecordStore)
	}
	return nil
}

// ListenAddr is the host:port the transport binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.Port))
}

// Server returns the transport settings.
func (c Config) Server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     c.ListenAddr(),
		WorkerPoolSize: c.WorkerPoolSize,
		MaxConnections: c.MaxConnections,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}

// Store returns the record store settings.
func (c Config) Store() store.Config {
	return store.Config{
		Driver:        c.RecordStore,
		MongoURI:      c.MongoURI,
		MongoDatabase: c.MongoDatabase,
		PostgresDSN:   c.DatabaseURL,
		LookupTimeout: c.RecordLookupTimeout,
		PingTimeout:   10 * time.Second,
	}
}

// Enrich returns the notification pipeline settings.
func (c Config) Enrich() enrich.Config {
	return enrich.Config{EntityTypes: c.EntityNotificationTypes}
}

// NATS returns the messaging settings.
func (c Config) NATS() messaging.NATSConfig {
	nc := messaging.DefaultNATSConfig()
	nc.URL = c.NATSURL
	nc.Name = c.ServerName
	return nc
}
