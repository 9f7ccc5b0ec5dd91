package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relaychat/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	cfg, err := server.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	server.SetConfig(cfg)
	active := server.CurrentConfig()
	slog.SetDefault(server.NewLogger(os.Stderr, active))

	slog.Info("relaychat starting",
		"addr", active.Addr,
		"http_addr", active.HTTPAddr,
		"ssh_addr", active.SSHAddr,
		"history_capacity", active.HistoryCapacity,
		"subscriber_buffer", active.SubscriberBuffer,
		"overflow_policy", active.OverflowPolicy,
	)

	if err := run(*configPath, active); err != nil {
		slog.Error("relaychat stopped", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, cfg server.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(cfg)

	// Bind everything up front so a bad address fails startup.
	ln, err := server.Listen(cfg.Addr, srv)
	if err != nil {
		return err
	}

	var gateway *server.SSHGateway
	if cfg.SSHAddr != "" {
		hostKey, err := server.LoadOrGenerateHostKey(cfg.SSHHostKeyFile)
		if err != nil {
			return err
		}
		gateway, err = server.ListenSSH(cfg.SSHAddr, hostKey, srv)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreClosed(ln.Serve(gctx))
	})

	if gateway != nil {
		g.Go(func() error {
			return ignoreClosed(gateway.Serve(gctx))
		})
	}

	if cfg.HTTPAddr != "" {
		httpSrv := server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(srv))
		g.Go(func() error {
			return server.StartServer(httpSrv)
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.ShutdownServer(httpSrv, cfg.ShutdownTimeout)
		})
	}

	if configPath != "" {
		g.Go(func() error {
			err := server.Watch(gctx, configPath, func(next *server.Config) {
				server.ApplyEnv(next)
				server.SetConfig(ptr(server.Reloadable(server.CurrentConfig(), *next)))
			})
			if err != nil {
				slog.Warn("config hot reload disabled", "path", configPath, "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("relaychat shutting down")
		if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
			slog.Warn("sessions did not finish before the shutdown timeout", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func ignoreClosed(err error) error {
	if errors.Is(err, server.ErrServerClosed) {
		return nil
	}
	return err
}

func ptr[T any](v T) *T {
	return &v
}
