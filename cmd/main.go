package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cwrk-planet/coderoom/config"
	"github.com/cwrk-planet/coderoom/internal/execution"
	"github.com/cwrk-planet/coderoom/internal/gateway"
	"github.com/cwrk-planet/coderoom/internal/postgres"
	"github.com/cwrk-planet/coderoom/internal/service"
	grpcx "github.com/cwrk-planet/coderoom/internal/transport/grpc"
	httpx "github.com/cwrk-planet/coderoom/internal/transport/http"
	"github.com/cwrk-planet/coderoom/internal/transport/ws"
	"github.com/cwrk-planet/coderoom/pkg/logger"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Level:     logger.ParseLevel(cfg.Logging.Level),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting coderoom", "env", cfg.Logging.Env, "version", cfg.Logging.Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("coderoom stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- conversation history (optional) ---
	var convs httpx.Conversations
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: config.Duration(cfg.Postgres.MaxConnLifetime, time.Hour),
			MaxConnIdleTime: config.Duration(cfg.Postgres.MaxConnIdleTime, 30*time.Minute),
			ApplicationName: cfg.Logging.Service,
		})
		if err != nil {
			return err
		}
		defer pool.Close()
		if cfg.Postgres.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
		}
		convs = service.NewConversationService(postgres.NewConversationRepository(pool))
	} else {
		slog.Warn("postgres.dsn is empty, conversation history disabled")
	}

	// --- code execution (optional) ---
	var (
		exec       gateway.Executor
		dispatcher *execution.Dispatcher
	)
	if cfg.Sandbox.BaseURL != "" {
		engine, err := execution.NewPistonEngine(execution.PistonOptions{
			BaseURL:  cfg.Sandbox.BaseURL,
			Timeout:  config.Duration(cfg.Sandbox.Timeout, 10*time.Second) + 5*time.Second,
			Versions: cfg.Sandbox.Versions,
		})
		if err != nil {
			return err
		}
		dispatcher = execution.NewDispatcher(engine, execution.Config{
			Timeout:       config.Duration(cfg.Sandbox.Timeout, 10*time.Second),
			QueueTimeout:  config.Duration(cfg.Sandbox.QueueTimeout, 5*time.Second),
			MaxConcurrent: cfg.Sandbox.MaxConcurrent,
			MaxCodeBytes:  cfg.Sandbox.MaxCodeBytes,
			Languages:     cfg.Sandbox.Languages,
		})
		exec = dispatcher
		slog.Info("code execution enabled", "sandbox", cfg.Sandbox.BaseURL, "languages", dispatcher.Languages())
	} else {
		slog.Warn("sandbox.baseURL is empty, code execution disabled")
	}

	// --- rooms ---
	gw := gateway.New(gateway.Config{
		TypingWindow: config.Duration(cfg.Room.TypingWindow, time.Second),
		MailboxSize:  cfg.Room.MailboxSize,
		MaxHistory:   cfg.Room.MaxHistory,
	}, exec)
	if err := gw.Start(ctx); err != nil {
		return err
	}

	wsServer := ws.NewServer(gw, ws.Config{
		SendBuffer:      cfg.WS.SendBuffer,
		ReadLimit:       cfg.WS.ReadLimit,
		PingInterval:    config.Duration(cfg.WS.PingInterval, 0),
		WriteWait:       config.Duration(cfg.WS.WriteWait, 0),
		HandlerTimeout:  config.Duration(cfg.WS.HandlerTimeout, 0),
		EventsPerSecond: cfg.WS.EventsPerSecond,
		Burst:           cfg.WS.Burst,
		MaxViolations:   cfg.WS.MaxViolations,
		AllowedOrigins:  cfg.HTTP.CORSOrigins,
	})

	// --- HTTP ---
	router := httpx.NewRouter(httpx.Deps{
		Handler:     httpx.NewHandler(gw, convs),
		WS:          wsServer.HandleWS,
		CORSOrigins: cfg.HTTP.CORSOrigins,
	})
	httpSrv := httpx.NewServer(httpx.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     config.Duration(cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:    config.Duration(cfg.HTTP.WriteTimeout, 30*time.Second),
		IdleTimeout:     config.Duration(cfg.HTTP.IdleTimeout, 60*time.Second),
		ShutdownTimeout: shutdownTimeout,
	}, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		return httpSrv.Run(gctx)
	})

	// --- gRPC admin (optional) ---
	if cfg.GRPC.Addr != "" {
		grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcx.UnaryServerInterceptor(10 * time.Second)))
		grpcx.Register(grpcServer, grpcx.NewServer(gw))
		g.Go(func() error {
			slog.Info("grpc listen", "addr", cfg.GRPC.Addr)
			return grpcx.Run(gctx, cfg.GRPC.Addr, grpcServer)
		})
	}

	runErr := g.Wait()

	// --- graceful shutdown ---
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := gw.Stop(shCtx); err != nil {
		errs = append(errs, err)
	}
	if dispatcher != nil {
		if err := dispatcher.Wait(shCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
