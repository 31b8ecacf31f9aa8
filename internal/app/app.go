package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reservation/internal/config"
)

const (
	shutdownTimeout = 10 * time.Second
	healthInterval  = 5 * time.Second
)

// Application runs the intake servers and the reservation consumer in one
// process and stops them together.
type Application struct {
	container *Container
	logger    *zap.Logger

	httpServer *http.Server
	httpLis    net.Listener
	grpcLis    net.Listener
}

func NewApplication(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Application, error) {
	container, err := NewContainer(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	httpLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		container.Shutdown()
		return nil, fmt.Errorf("listen http: %w", err)
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		httpLis.Close()
		container.Shutdown()
		return nil, fmt.Errorf("listen grpc: %w", err)
	}

	return &Application{
		container: container,
		logger:    log,
		httpServer: &http.Server{
			Handler:      container.Handler(),
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
		httpLis: httpLis,
		grpcLis: grpcLis,
	}, nil
}

func (a *Application) HTTPAddr() string { return a.httpLis.Addr().String() }
func (a *Application) GRPCAddr() string { return a.grpcLis.Addr().String() }

// Run blocks until ctx is cancelled or a component fails, then shuts every
// component down and releases the clients.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", zap.String("addr", a.HTTPAddr()))
		if err := a.httpServer.Serve(a.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.logger.Info("gRPC server listening", zap.String("addr", a.GRPCAddr()))
		if err := a.container.grpc.Serve(a.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.container.health.Watch(gctx, healthInterval)
		return nil
	})

	g.Go(func() error {
		return a.container.consumer.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP shutdown failed", zap.Error(err))
		}
		a.container.grpc.GracefulStop()
		return nil
	})

	err := g.Wait()
	if cerr := a.container.Shutdown(); cerr != nil {
		a.logger.Error("Failed to release clients", zap.Error(cerr))
	}
	a.logger.Info("Application stopped")
	return err
}
