package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tolelom/braid/channel"
	"github.com/tolelom/braid/clock"
	"github.com/tolelom/braid/commitment"
	"github.com/tolelom/braid/config"
	"github.com/tolelom/braid/dispute"
	"github.com/tolelom/braid/events"
	"github.com/tolelom/braid/indexer"
	"github.com/tolelom/braid/ledger"
	"github.com/tolelom/braid/maze"
	"github.com/tolelom/braid/proof"
	"github.com/tolelom/braid/rpc"
	"github.com/tolelom/braid/storage"
	"github.com/tolelom/braid/wallet"
	"github.com/tolelom/braid/wire"
)

func newRunCmd() *cobra.Command {
	var tick time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dungeon node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return errors.Wrap(err, "config")
			}
			keyPath, _ := cmd.Flags().GetString("key")
			w, err := wallet.LoadKey(keyPath, password())
			if err != nil {
				return errors.Wrap(err, "load key")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, w, tick)
		},
	}
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "interval of time-based treasure decay")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, w *wallet.Wallet, tick time.Duration) error {
	logger := log.With().Str("component", "node").Str("node", cfg.NodeID).Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrap(err, "data dir")
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "braid"))
	if err != nil {
		return errors.Wrap(err, "open db")
	}
	defer db.Close()

	em := events.NewEmitter()
	idx := indexer.New(db, em)

	chain, err := ledger.OpenChain(cfg, db, storage.NewBlockStore(db), w, em)
	if err != nil {
		return err
	}
	adapter := ledger.NewRetrying(chain.Local, cfg.Ledger)

	grid := commitment.Grid{Width: cfg.Game.Width, Height: cfg.Game.Height}
	logger.Info().Uint32("width", grid.Width).Uint32("height", grid.Height).Msg("loading circuits")
	gw, err := proof.NewGroth16Gateway(proof.Options{
		Grid:        grid,
		MaxPath:     cfg.Prover.MaxPath,
		KeyDir:      cfg.Prover.KeyDir,
		Parallelism: cfg.Prover.Parallelism,
	})
	if err != nil {
		return err
	}

	auth := maze.NewAuthority(maze.Options{
		Grid:        grid,
		MaxPath:     gw.MaxPath(),
		RetryBudget: cfg.Maze.RetryBudget,
		Bond:        cfg.Maze.Bond,
	}, w, gw, adapter, storage.NewJSONStore(db), em, clock.System)
	if err := auth.Restore(); err != nil {
		return err
	}

	sessions := storage.NewSessionStore(db)
	mgr := channel.NewManager(channel.ConfigFrom(cfg.Game), channel.Deps{
		Wallet:  w,
		Gateway: gw,
		Ledger:  adapter,
		Store:   sessions,
		Emitter: em,
		Clock:   clock.System,
	}, auth)
	if err := mgr.Restore(); err != nil {
		return errors.Wrap(err, "restore sessions")
	}

	resolver := dispute.NewResolver(dispute.ConfigFrom(cfg.Dispute), dispute.Deps{
		Channels:  mgr,
		Gateway:   gw,
		Ledger:    adapter,
		Store:     sessions,
		Emitter:   em,
		Clock:     clock.System,
		Responder: mgr.Answer,
	})
	defer resolver.Close()
	if err := resolver.Restore(); err != nil {
		return errors.Wrap(err, "restore challenges")
	}

	d := newDungeon(ctx, auth, mgr, em, cfg.Game.MaxPlayers, 4*cfg.Dispute.ResponseWindow.D())

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return err
	}
	p2p := wire.NewServer(cfg.NodeID, w.PubKey(), fmt.Sprintf(":%d", cfg.P2PPort), mgr, tlsCfg)
	if err := p2p.Start(); err != nil {
		return errors.Wrap(err, "wire start")
	}
	defer p2p.Stop()

	rpcServer := rpc.NewServer(fmt.Sprintf(":%d", cfg.RPCPort), rpc.NewHandler(auth, mgr, resolver, chain, idx), cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		return errors.Wrap(err, "rpc start")
	}
	defer rpcServer.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		chain.Run(gctx)
		return nil
	})
	g.Go(func() error {
		mgr.Run(gctx, tick)
		return nil
	})
	g.Go(func() error {
		// Timers drive deadlines; the sweep catches any that fired while
		// the ledger was unreachable.
		every := cfg.Dispute.ResponseWindow.D()
		if every <= 0 {
			every = time.Minute
		}
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-t.C:
				if err := resolver.Sweep(gctx, now); err != nil {
					logger.Warn().Err(err).Msg("dispute sweep")
				}
			}
		}
	})
	g.Go(func() error {
		if err := auth.Open(gctx); err != nil {
			return err
		}
		return d.resume()
	})

	logger.Info().Str("address", w.PubKey()).Str("wire", p2p.Addr()).Str("rpc", rpcServer.Addr()).Msg("dungeon running")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("node stopped")
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
