// The facilitator serves the x402 verify/settle surface backed by escrow
// sessions, runs the background capture scheduler and exposes payer
// self-service endpoints.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/x402-foundation/escrow-facilitator/internal/api"
	"github.com/x402-foundation/escrow-facilitator/internal/capture"
	"github.com/x402-foundation/escrow-facilitator/internal/chain"
	"github.com/x402-foundation/escrow-facilitator/internal/config"
	"github.com/x402-foundation/escrow-facilitator/internal/reclaim"
	"github.com/x402-foundation/escrow-facilitator/internal/scheme"
	"github.com/x402-foundation/escrow-facilitator/internal/session"
	"github.com/x402-foundation/escrow-facilitator/internal/store"
)

// captureInterval is the built-in scheduler cadence. External crons hitting
// POST /capture can run in addition to it.
const captureInterval = 5 * time.Minute

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("facilitator exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients := chain.NewClientSet(cfg.Networks)
	defer clients.Close()

	var wallet chain.OperatorWallet
	if cfg.OperatorPrivateKey != "" {
		wallet, err = chain.NewLocalKeyWallet(cfg.OperatorPrivateKey, clients)
	} else {
		wallet, err = chain.NewCustodialWallet(cfg, clients)
	}
	if err != nil {
		return err
	}
	adapter := chain.NewAdapter(clients, wallet)
	operator := adapter.OperatorAddress().Hex()
	log.Info("operator wallet ready", zap.String("address", operator))

	st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, n := range cfg.Networks {
		if err := st.UpsertNetwork(ctx, store.Network{ID: n.ID, ChainID: n.ChainID, IsActive: n.IsActive}); err != nil {
			return err
		}
	}

	engine := session.NewEngine(st, adapter, cfg, log)
	router := scheme.NewRouter(engine, adapter, cfg, log)
	scheduler := capture.NewScheduler(st, adapter, cfg, log)
	reclaimer := reclaim.NewReclaimer(engine, st, adapter, cfg, log)
	server := api.NewServer(st, router, scheduler, reclaimer, cfg, operator, log)

	go scheduler.RunEvery(ctx, captureInterval)

	return server.Run(ctx)
}
