package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agenthands/descedge/pkg/background"
	"github.com/agenthands/descedge/pkg/casstore"
	"github.com/agenthands/descedge/pkg/cidutil"
	"github.com/agenthands/descedge/pkg/core"
	"github.com/agenthands/descedge/pkg/descriptor"
	"github.com/agenthands/descedge/pkg/exitring"
	"github.com/agenthands/descedge/pkg/localcache"
	"github.com/agenthands/descedge/pkg/metrics"
	"github.com/agenthands/descedge/pkg/origin"
	"github.com/agenthands/descedge/pkg/s3store"
	"github.com/agenthands/descedge/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the edge HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			logger := setupLogger(cfg.Log, verbose)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := buildNode(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				drainCtx := context.Background()
				if cfg.Server.ShutdownTimeout > 0 {
					var cancel context.CancelFunc
					drainCtx, cancel = context.WithTimeout(drainCtx, cfg.Server.ShutdownTimeout)
					defer cancel()
				}
				if err := n.Close(drainCtx); err != nil {
					logger.Warn("shutdown incomplete", zap.Error(err))
				}
			}()

			logger.Info("starting",
				zap.String("location", cfg.Location),
				zap.String("local_backend", cfg.Local.Backend),
				zap.String("durable_backend", cfg.Durable.Backend),
				zap.String("origin", cfg.Origin.BaseURL),
				zap.Strings("exits", n.ring.Exits()))

			return server.New(cfg.Server, n.handler, logger).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// node is a fully wired edge: ring, tiers, store and handler.
type node struct {
	ring    *exitring.Ring
	store   *descriptor.Store
	handler http.Handler

	pool    *background.Pool
	local   localcache.Cache
	durable io.Closer
}

func buildNode(ctx context.Context, cfg *core.Config, logger *zap.Logger) (_ *node, err error) {
	n := &node{}
	defer func() {
		if err != nil {
			n.Close(context.Background())
		}
	}()

	n.ring, err = buildRing(cfg.Exits)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Server.Metrics {
		m = metrics.New()
	}

	opts := []descriptor.Option{
		descriptor.WithLogger(logger.Named("descriptor")),
		descriptor.WithSingleFlight(cfg.Fill.SingleFlight),
	}
	if m != nil {
		opts = append(opts, descriptor.WithMetrics(m))
	}

	local, err := localcache.New(cfg.Local)
	if err != nil {
		return nil, fmt.Errorf("local tier: %w", err)
	}
	if local != nil {
		n.local = local
		var lc descriptor.LocalCache = local
		if m != nil {
			lc = descriptor.InstrumentLocalCache(lc, m)
		}
		opts = append(opts, descriptor.WithLocalCache(lc))
	}

	durable, closer, err := openDurable(ctx, cfg.Durable, logger)
	if err != nil {
		return nil, fmt.Errorf("durable tier: %w", err)
	}
	n.durable = closer
	if durable != nil {
		if m != nil {
			durable = descriptor.InstrumentDurableStore(durable, m)
		}
		opts = append(opts, descriptor.WithDurable(durable))
	}

	if cfg.Origin.BaseURL != "" {
		client, err := origin.New(cfg.Origin)
		if err != nil {
			return nil, fmt.Errorf("origin: %w", err)
		}
		var o descriptor.Origin = client
		if m != nil {
			o = descriptor.InstrumentOrigin(o, m)
		}
		opts = append(opts, descriptor.WithOrigin(o))
		if cfg.Origin.VerifyDigest {
			opts = append(opts, descriptor.WithVerifier(cidutil.NewDigestVerifier()))
		}
	}

	if cfg.Fill.Mode == "async" {
		n.pool = background.NewPool(cfg.Fill.Workers, logger.Named("fill"))
		opts = append(opts, descriptor.WithScheduler(n.pool))
	}

	n.store = descriptor.New(opts...)
	n.handler = server.NewHandler(server.Options{
		Location:       cfg.Location,
		LocalBackend:   backendName(cfg.Local.Backend, "memory"),
		DurableBackend: backendName(cfg.Durable.Backend, "cas"),
		OriginURL:      cfg.Origin.BaseURL,
		Store:          n.store,
		Ring:           n.ring,
		Metrics:        m,
		Logger:         logger.Named("http"),
	})
	return n, nil
}

// Close drains pending fills, then releases the tiers.
func (n *node) Close(ctx context.Context) error {
	var errs []error
	if n.pool != nil {
		if err := n.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain fills: %w", err))
		}
	}
	if n.local != nil {
		errs = append(errs, n.local.Close())
	}
	if n.durable != nil {
		errs = append(errs, n.durable.Close())
	}
	return errors.Join(errs...)
}

func buildRing(cfg core.ExitConfig) (*exitring.Ring, error) {
	hash, err := exitring.HashByName(cfg.Hash)
	if err != nil {
		return nil, err
	}
	opts := []exitring.Option{exitring.WithHash(hash)}
	if cfg.VirtualNodes > 0 {
		opts = append(opts, exitring.WithVirtualNodes(cfg.VirtualNodes))
	}
	return exitring.Build(exitring.ParseExits(strings.Join(cfg.IDs, ",")), opts...)
}

// openDurable returns a nil store for the "none" backend.
func openDurable(ctx context.Context, cfg core.DurableConfig, logger *zap.Logger) (descriptor.DurableStore, io.Closer, error) {
	switch cfg.Backend {
	case "none":
		return nil, nil, nil
	case "", "cas":
		s, err := casstore.Open(ctx, cfg, casstore.WithLogger(logger.Named("cas")))
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "s3":
		s, err := s3store.Dial(cfg.S3, cfg.Limits)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown durable backend %q", core.ErrInvalidInput, cfg.Backend)
	}
}

// openCAS opens the cas durable store directly, for maintenance commands.
func openCAS(ctx context.Context, cfg core.DurableConfig, logger *zap.Logger) (casstore.Store, error) {
	if cfg.Backend != "" && cfg.Backend != "cas" {
		return nil, fmt.Errorf("%w: command requires the cas durable backend, got %q", core.ErrInvalidInput, cfg.Backend)
	}
	return casstore.Open(ctx, cfg, casstore.WithLogger(logger.Named("cas")))
}

func backendName(name, def string) string {
	if name == "" {
		return def
	}
	return name
}
