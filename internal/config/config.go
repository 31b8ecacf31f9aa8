package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
	BackendMemory = "memory"

	BusKafka  = "kafka"
	BusMemory = "memory"
)

type Config struct {
	Env      string         `yaml:"env" env:"ENV" env-default:"local"`
	Log      Log            `yaml:"log"`
	HTTP     HTTP           `yaml:"http"`
	GRPC     GRPC           `yaml:"grpc"`
	Store    Store          `yaml:"store"`
	Kafka    Kafka          `yaml:"kafka"`
	Intake   Intake         `yaml:"intake"`
	Consumer Consumer       `yaml:"consumer"`
	Seed     map[string]int `yaml:"seed" env:"SEED_ITEMS"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type HTTP struct {
	Addr         string        `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"5s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"5s"`
}

type GRPC struct {
	Addr string `yaml:"addr" env:"GRPC_ADDR" env-default:":50051"`
}

type Store struct {
	Backend         string        `yaml:"backend" env:"STORE_BACKEND" env-default:"mysql"`
	MySQLDSN        string        `yaml:"mysql_dsn" env:"MYSQL_DSN" env-default:"root:root@tcp(localhost:3306)/inventory?parseTime=true"`
	RedisAddr       string        `yaml:"redis_addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Timeout         time.Duration `yaml:"timeout" env:"STORE_TIMEOUT" env-default:"2s"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MYSQL_MAX_OPEN_CONNS" env-default:"50"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MYSQL_MAX_IDLE_CONNS" env-default:"25"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"MYSQL_CONN_MAX_LIFETIME" env-default:"5m"`
}

type Kafka struct {
	Backend         string   `yaml:"backend" env:"BUS_BACKEND" env-default:"kafka"`
	Partitions      int      `yaml:"partitions" env:"BUS_MEMORY_PARTITIONS" env-default:"8"`
	Brokers         []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092" env-separator:","`
	OrdersTopic     string   `yaml:"orders_topic" env:"KAFKA_ORDERS_TOPIC" env-default:"orders"`
	OutcomesTopic   string   `yaml:"outcomes_topic" env:"KAFKA_OUTCOMES_TOPIC" env-default:"order-outcomes"`
	DeadLetterTopic string   `yaml:"dead_letter_topic" env:"KAFKA_DEAD_LETTER_TOPIC" env-default:"orders-dlt"`
	GroupID         string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"inventory-group"`
}

type Intake struct {
	AdvisoryTimeout time.Duration `yaml:"advisory_timeout" env:"ADVISORY_TIMEOUT" env-default:"300ms"`
}

type Consumer struct {
	Workers        int           `yaml:"workers" env:"CONSUMER_WORKERS" env-default:"8"`
	MaxAttempts    int           `yaml:"max_attempts" env:"CONSUMER_MAX_ATTEMPTS" env-default:"5"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"CONSUMER_INITIAL_BACKOFF" env-default:"100ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"CONSUMER_MAX_BACKOFF" env-default:"5s"`
}

// Load reads the YAML file at CONFIG_PATH when it exists and falls back to
// environment variables otherwise. Environment variables override the file.
func Load() (*Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMySQL, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Consumer.Workers <= 0 {
		return errors.New("consumer workers must be positive")
	}
	if c.Consumer.MaxAttempts <= 0 {
		return errors.New("consumer max attempts must be positive")
	}
	if c.Store.Timeout <= 0 || c.Intake.AdvisoryTimeout <= 0 {
		return errors.New("store and advisory timeouts must be positive")
	}
	switch c.Kafka.Backend {
	case BusKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("at least one kafka broker is required")
		}
	case BusMemory:
		if c.Kafka.Partitions <= 0 {
			return errors.New("memory bus partitions must be positive")
		}
	default:
		return fmt.Errorf("unknown bus backend %q", c.Kafka.Backend)
	}
	for item, qty := range c.Seed {
		if item == "" || qty < 0 {
			return fmt.Errorf("invalid seed entry %q=%d", item, qty)
		}
	}
	return nil
}
