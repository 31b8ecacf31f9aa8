package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reservation/internal/adapter/bus"
	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Container owns every long-lived client. Nothing in it is a package global;
// Shutdown releases what New opened.
type Container struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store       port.ReservationStore
	reader      bus.MessageReader
	orders      bus.MessageWriter
	outcomes    bus.MessageWriter
	deadLetters bus.MessageWriter

	intake      *service.IntakeService
	reservation *service.ReservationService
	status      *service.StatusService
	consumer    *bus.Consumer

	http   *handler.HTTPHandler
	health *handler.HealthServer
	grpc   *grpc.Server

	closers []func() error
}

func NewContainer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Container, error) {
	c := &Container{
		cfg:      cfg,
		logger:   log,
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.New(c.registry)

	if err := c.setupStore(ctx); err != nil {
		c.Shutdown()
		return nil, err
	}
	if err := c.seed(ctx); err != nil {
		c.Shutdown()
		return nil, err
	}
	c.setupBus()
	c.setupServices()
	return c, nil
}

func (c *Container) setupStore(ctx context.Context) error {
	switch c.cfg.Store.Backend {
	case config.BackendMySQL:
		db, err := storage.OpenMySQL(c.cfg.Store.MySQLDSN)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(c.cfg.Store.MaxOpenConns)
		db.SetMaxIdleConns(c.cfg.Store.MaxIdleConns)
		db.SetConnMaxLifetime(c.cfg.Store.ConnMaxLifetime)
		c.closers = append(c.closers, db.Close)

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("ping mysql: %w", err)
		}
		if err := storage.MigrateMySQL(ctx, db); err != nil {
			return err
		}
		c.store = storage.NewMySQLAdapter(db)

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:         c.cfg.Store.RedisAddr,
			PoolSize:     100,
			ReadTimeout:  c.cfg.Store.Timeout,
			WriteTimeout: c.cfg.Store.Timeout,
		})
		c.closers = append(c.closers, rdb.Close)

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		c.store = storage.NewRedisAdapter(rdb)

	case config.BackendMemory:
		c.store = storage.NewMemoryAdapter()

	default:
		return fmt.Errorf("unknown store backend %q", c.cfg.Store.Backend)
	}

	c.logger.Info("Store connected", zap.String("backend", c.cfg.Store.Backend))
	return nil
}

func (c *Container) seed(ctx context.Context) error {
	for item, qty := range c.cfg.Seed {
		if err := c.store.Provision(ctx, item, qty); err != nil {
			return fmt.Errorf("seed %s: %w", item, err)
		}
		c.logger.Info("Seeded inventory", zap.String("item", item), zap.Int("quantity", qty))
	}
	return nil
}

func (c *Container) setupBus() {
	k := c.cfg.Kafka
	switch k.Backend {
	case config.BusMemory:
		orders := bus.NewMemoryTopic(k.OrdersTopic, k.Partitions)
		c.orders = orders
		c.reader = orders.Reader()
		c.outcomes = bus.NewMemoryTopic(k.OutcomesTopic, k.Partitions)
		c.deadLetters = bus.NewMemoryTopic(k.DeadLetterTopic, 1)
	default:
		c.orders = bus.NewKeyedWriter(k.Brokers, k.OrdersTopic)
		c.outcomes = bus.NewKeyedWriter(k.Brokers, k.OutcomesTopic)
		c.deadLetters = bus.NewKeyedWriter(k.Brokers, k.DeadLetterTopic)
		c.reader = bus.NewGroupReader(k.Brokers, k.OrdersTopic, k.GroupID)
	}
	c.closers = append(c.closers, c.reader.Close, c.orders.Close, c.outcomes.Close, c.deadLetters.Close)
	c.logger.Info("Event bus ready",
		zap.String("backend", k.Backend),
		zap.String("orders_topic", k.OrdersTopic),
		zap.String("group_id", k.GroupID),
	)
}

func (c *Container) setupServices() {
	publisher := bus.NewKafkaPublisher(c.orders, c.outcomes)

	c.intake = service.NewIntakeService(c.store, publisher, c.cfg.Intake.AdvisoryTimeout, c.logger, c.metrics)
	c.reservation = service.NewReservationService(c.store, c.cfg.Store.Timeout, c.logger, c.metrics)
	c.status = service.NewStatusService(c.store, c.cfg.Store.Timeout)

	c.consumer = bus.NewConsumer(c.reader, c.reservation, publisher, c.deadLetters, bus.ConsumerConfig{
		Workers:        c.cfg.Consumer.Workers,
		MaxAttempts:    c.cfg.Consumer.MaxAttempts,
		InitialBackoff: c.cfg.Consumer.InitialBackoff,
		MaxBackoff:     c.cfg.Consumer.MaxBackoff,
	}, c.logger, c.metrics)

	c.http = handler.NewHTTPHandler(c.intake, c.status, c.store, c.registry, c.logger)
	c.health = handler.NewHealthServer(c.store, c.logger)
	c.grpc = grpc.NewServer()
	c.health.Register(c.grpc)
}

func (c *Container) Handler() http.Handler {
	return c.http.Routes()
}

// Shutdown closes clients in reverse order of creation.
func (c *Container) Shutdown() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
