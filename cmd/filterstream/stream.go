package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/filterstream/data/cache"
	"github.com/sawpanic/filterstream/internal/config"
	"github.com/sawpanic/filterstream/internal/infrastructure/db"
	apihttp "github.com/sawpanic/filterstream/internal/interfaces/http"
	"github.com/sawpanic/filterstream/internal/metrics"
	"github.com/sawpanic/filterstream/internal/relay"
	"github.com/sawpanic/filterstream/internal/sink"
	"github.com/sawpanic/filterstream/stream"
)

func (a *app) newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Consume the filtered stream",
		Long: `Connects to the filtered stream and delivers every matched post to the
configured sinks. Keep-alives hold the connection open; timeouts and server
disconnects reconnect with growing backoff unless --no-retry is set.

SIGINT/SIGTERM stop the stream. SIGHUP reloads the token from the config
file and environment for the next reconnect.`,
		Args: cobra.NoArgs,
		RunE: a.runStream,
	}
	addStreamFlags(cmd.Flags())
	return cmd
}

// pipeline is everything a running stream writes to
type pipeline struct {
	out     sink.Sink
	closers []io.Closer
	checks  map[string]apihttp.CheckFunc
	hub     *relay.Hub
}

func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) runStream(cmd *cobra.Command, args []string) error {
	cfg := a.config
	if err := applyStreamFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	opts, err := cfg.StreamOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.NewRegistry()
	p, err := buildPipeline(ctx, cfg, cmd.OutOrStdout(), registry)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sinks")
		}
	}()

	if cfg.Metrics.Enabled {
		monitor := apihttp.NewServer(apihttp.ServerConfig{
			Addr:         cfg.Metrics.Addr,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}, registry, version)
		for name, check := range p.checks {
			monitor.AddCheck(name, check)
		}
		if p.hub != nil {
			monitor.HandleRelay(p.hub)
		}
		if err := monitor.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Shutdown(shutdownCtx)
		}()
	}

	opts.Observer = registry
	sup, err := stream.New(opts, p.out.Write)
	if err != nil {
		return err
	}

	go a.reloadTokenOnHangup(ctx, sup)

	log.Info().
		Str("url", opts.URL).
		Bool("retry", opts.Retry != nil).
		Str("handler_policy", opts.HandlerPolicy.String()).
		Msg("Starting filtered stream")

	err = sup.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		log.Info().Msg("Stream stopped")
		return nil
	}
	return fmt.Errorf("stream ended: %w", err)
}

func (a *app) reloadTokenOnHangup(ctx context.Context, sup *stream.Supervisor) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.LoadConfig(a.configPath)
			if err != nil {
				log.Error().Err(err).Msg("Token reload failed")
				continue
			}
			if err := sup.SetToken(cfg.Stream.Token); err != nil {
				log.Error().Err(err).Msg("Token reload rejected")
				continue
			}
			log.Info().Msg("Token reloaded, used from the next connection")
		}
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config, stdout io.Writer, registry *metrics.Registry) (*pipeline, error) {
	p := &pipeline{checks: make(map[string]apihttp.CheckFunc)}
	var sinks []sink.Sink

	if cfg.Sinks.Stdout {
		sinks = append(sinks, sink.NewWriter("stdout", stdout))
	}

	if cfg.Sinks.Redis.Enabled {
		rc := newRedisClient(cfg.Sinks.Redis)
		p.checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		sinks = append(sinks, sink.NewRedis(rc, sink.RedisConfig{
			Channel: cfg.Sinks.Redis.Channel,
			List:    cfg.Sinks.Redis.List,
			ListMax: cfg.Sinks.Redis.ListMax,
		}))
	}

	if cfg.Sinks.Postgres.Enabled {
		dbConfig := db.DefaultConfig()
		dbConfig.Enabled = true
		dbConfig.DSN = cfg.Sinks.Postgres.DSN
		dbConfig.MaxOpenConns = cfg.Sinks.Postgres.MaxOpenConns
		dbConfig.MaxIdleConns = cfg.Sinks.Postgres.MaxIdleConns

		manager, err := db.NewManager(ctx, dbConfig)
		if err != nil {
			_ = sink.NewMulti(nil, sinks...).Close()
			return nil, err
		}
		if err := manager.Migrate(ctx); err != nil {
			_ = manager.Close()
			_ = sink.NewMulti(nil, sinks...).Close()
			return nil, err
		}
		p.closers = append(p.closers, manager)
		p.checks["postgres"] = func(ctx context.Context) error {
			if h := manager.Health(ctx); !h.Healthy {
				return errors.New(h.Error)
			}
			return nil
		}
		sinks = append(sinks, sink.NewPostgres(manager.DB(), manager.QueryTimeout()))
	}

	if cfg.Relay.Enabled {
		p.hub = relay.NewHub(relay.Config{
			MaxClients:   cfg.Relay.MaxClients,
			BufferSize:   cfg.Relay.BufferSize,
			WriteTimeout: cfg.Relay.GetWriteTimeout(),
		})
		p.hub.OnClientsChanged(func(n int) { registry.RelayClients.Set(float64(n)) })
		sinks = append(sinks, p.hub)
	}

	if len(sinks) == 0 {
		log.Warn().Msg("No sinks configured, posts will only be counted")
	}

	var out sink.Sink = sink.NewMulti(registry.ObserveSinkWrite, sinks...)
	if cfg.Dedup.Enabled {
		var seen cache.Cache
		if cfg.Sinks.Redis.Enabled {
			seen = cache.NewRedis(newRedisClient(cfg.Sinks.Redis))
		} else {
			seen = cache.NewAuto()
		}
		out = sink.NewDedup(out, seen, cfg.Dedup.GetTTL())
	}
	p.out = out
	// Dedup closes its cache and the fan-out, which closes every sink.
	p.closers = append(p.closers, out.(io.Closer))
	return p, nil
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
