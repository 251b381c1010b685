package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/execbus/agent"
	"github.com/guseggert/execbus/agent/bus"
	"github.com/guseggert/execbus/agent/inspect"
	"github.com/guseggert/execbus/agent/process"
	"github.com/guseggert/execbus/internal/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "execd",
		Usage: "the executor daemon, which runs commands for local clients",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML config file. Defaults to the nearest " + config.FileName + ", if any.",
			},
			&cli.StringFlag{
				Name:  "socket",
				Usage: "The socket path to listen on.",
			},
			&cli.StringFlag{
				Name:  "bus",
				Usage: "Which bus to serve, determining the default socket. One of [user,system].",
			},
			&cli.StringFlag{
				Name:  "http-addr",
				Usage: "The address for the inspection HTTP server to listen on. Disabled when empty. Must be a loopback address unless http_tls_dir is set.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The log level. One of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "gen-certs",
				Usage: "generate a CA and server and client certs for mutual TLS on the inspection server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dir",
						Usage:    "The directory to write the certs to. Point http_tls_dir at it.",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "host",
						Usage: "A host name or IP address the server cert is valid for.",
						Value: cli.NewStringSlice("localhost", "127.0.0.1"),
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "How long the certs are valid.",
						Value: 365 * 24 * time.Hour,
					},
				},
				Action: func(ctx *cli.Context) error {
					certs, err := inspect.GenerateCerts(ctx.StringSlice("host"), ctx.Duration("valid-for"))
					if err != nil {
						return err
					}
					return certs.WriteFiles(ctx.String("dir"))
				},
			},
		},
		Action: func(ctx *cli.Context) error {
			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if ctx.IsSet("socket") {
				cfg.Socket = ctx.String("socket")
			}
			if ctx.IsSet("bus") {
				cfg.Bus = ctx.String("bus")
			}
			if ctx.IsSet("http-addr") {
				cfg.HTTPAddr = ctx.String("http-addr")
			}
			if ctx.IsSet("log-level") {
				cfg.RawLogLevel = ctx.String("log-level")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(ctx.Context, cfg)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg.LogLevel())
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := append(cfg.EngineOptions(), process.WithLogger(logger.Named("engine").Sugar()))
	engine := process.NewEngine(opts...)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("engine shutdown", "Error", err)
		}
	}()

	l, err := bus.Listen(cfg.SocketPath(), cfg.SocketPerm())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.SocketPath(), err)
	}
	sugar.Infow("listening", "Socket", l.Path(), "Bus", cfg.Bus)

	executor := agent.NewExecutor(engine, agent.WithLogger(logger))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return executor.Serve(gctx, l)
	})
	if cfg.HTTPAddr != "" {
		inspectOpts := []inspect.ServerOption{inspect.WithLogger(logger)}
		if cfg.HTTPTLSDir != "" {
			tlsConfig, err := inspect.LoadServerTLS(cfg.HTTPTLSDir)
			if err != nil {
				l.Close()
				return err
			}
			inspectOpts = append(inspectOpts, inspect.WithTLS(tlsConfig))
		}
		srv := inspect.NewServer(engine, inspectOpts...)
		g.Go(func() error {
			sugar.Infow("inspection server listening", "Addr", cfg.HTTPAddr)
			return srv.ListenAndServe(cfg.HTTPAddr)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	os.Remove(l.Path())
	sugar.Info("stopped")
	return err
}
