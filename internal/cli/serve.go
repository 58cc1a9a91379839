package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tillberg/autorestart"
	"golang.org/x/sync/errgroup"

	"github.com/soyeahso/tutorchat/internal/broadcast"
	"github.com/soyeahso/tutorchat/internal/config"
	"github.com/soyeahso/tutorchat/internal/gateway"
	"github.com/soyeahso/tutorchat/internal/push"
	"github.com/soyeahso/tutorchat/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		port        int
		bind        string
		noWorker    bool
		autoRestart bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server and the queue worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if err := validate(cfg); err != nil {
				return err
			}
			if autoRestart {
				go autorestart.RestartOnChange()
			}

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := openServices(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()

			hub := gateway.NewHub(log)
			ch, err := svc.pushChannel(hub)
			if err != nil {
				return err
			}

			var opts []gateway.ServerOption
			opts = append(opts, gateway.WithLimiter(svc.limiter), gateway.WithHooks(svc.hooks))
			if cfg.Push.Mode == "redis" {
				relay := push.NewRelay(ctx, svc.redis, hub, log)
				defer relay.Close()
				opts = append(opts, gateway.WithRelay(relay))
			}

			router := session.New(svc.registry, broadcast.New(svc.registry, ch, log), svc.queue, log,
				session.WithMemory(svc.memory),
				session.WithLimiter(svc.limiter),
				session.WithMaxMessageBytes(cfg.Chat.MaxMessageBytes),
			)
			srv := gateway.New(cfg, router, hub, log, opts...)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(ctx) })
			if !noWorker {
				worker := svc.newWorker(ch)
				g.Go(func() error { return worker.Run(ctx) })
			} else {
				log.Info().Msg("queue worker disabled")
			}
			return g.Wait()
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "run the gateway without consuming the queue")
	cmd.Flags().BoolVar(&autoRestart, "autorestart", false, "restart when the binary changes")

	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the processing queue without serving clients",
		Long: "Runs only the queue consumer. Responses reach clients through the Redis push " +
			"relay of the gateway instances, so store.backend and push.mode must both be redis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := validate(cfg); err != nil {
				return err
			}
			if cfg.Store.Backend != "redis" {
				return fmt.Errorf("worker requires store.backend redis, got %q", cfg.Store.Backend)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := openServices(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer svc.Close()

			ch, err := svc.pushChannel(nil)
			if err != nil {
				return err
			}
			return svc.newWorker(ch).Run(ctx)
		},
	}
}

// loadConfig reads the config file, applies the logging flags and rebuilds
// the root logger from the result.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	applyLogFlags(&cfg.Logging)
	log = newLogger(cfg.Logging)
	return cfg, nil
}

func validate(cfg config.Config) error {
	issues := config.Validate(&cfg)
	if len(issues) == 0 {
		return nil
	}
	for _, issue := range issues {
		log.Error().Str("path", issue.Path).Msg(issue.Message)
	}
	return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
}
