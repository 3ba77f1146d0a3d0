// Command modelsctl is a minimal example program that wires a models.Model
// against a live websocket broker endpoint: it syncs a simple counter
// model, submits one optimistic mutation, prints every state update it
// observes, waits up to 30s for the submission to confirm, then keeps
// running until SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	models "github.com/ably-labs/models-sdk-go"
	"github.com/ably-labs/models-sdk-go/internal/channel/wschannel"
	configpkg "github.com/ably-labs/models-sdk-go/internal/config"
	"github.com/ably-labs/models-sdk-go/internal/logging"
)

func main() {
	startedAt := time.Now()

	cfg, err := configpkg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ch, err := wschannel.New(cfg.BrokerURL, wschannel.WithLogger(logger.With(logging.String("component", "wschannel"))))
	if err != nil {
		logger.Fatal("failed to construct websocket channel", logging.Error(err))
	}

	model, err := models.New(cfg.ChannelName, ch, counterMerge, fetchSnapshot, models.Config{
		Logger:  logger.With(logging.String("model", cfg.ChannelName)),
		Metrics: models.NoopMetrics{},
	})
	if err != nil {
		logger.Fatal("failed to construct model", logging.Error(err))
	}

	unsubscribeState := model.On(func(s models.State) {
		logger.Info("model state changed", logging.String("state", string(s)))
	})
	defer unsubscribeState()

	unsubscribe := model.Subscribe(func(err error, state any) {
		if err != nil {
			logger.Error("model terminated", logging.Error(err))
			return
		}
		logger.Info("model state update", logging.Int64("elapsed_ms", time.Since(startedAt).Milliseconds()))
		fmt.Printf("state: %#v\n", state)
	}, models.SubscribeOptions{})
	defer unsubscribe()

	syncCtx, syncCancel := context.WithTimeout(ctx, cfg.SyncTimeout)
	defer syncCancel()
	if err := model.Sync(syncCtx); err != nil {
		logger.Fatal("initial sync failed", logging.Error(err))
	}

	pending, err := model.Optimistic(ctx, []models.Event{models.NewOptimisticEvent("cli-increment", "increment", 1)}, models.OptimisticParams{})
	if err != nil {
		logger.Fatal("optimistic submission failed", logging.Error(err))
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	if err := pending.Wait(waitCtx); err != nil {
		logger.Warn("optimistic submission did not confirm", logging.Error(err))
	} else {
		logger.Info("optimistic submission confirmed")
	}

	<-ctx.Done()
	model.Dispose("modelsctl shutting down")
}

// counterMerge folds an increment event (an int delta) into a running
// total, the example model's full merge semantics.
func counterMerge(state any, ev models.Event) (any, error) {
	total, _ := state.(int)
	delta, _ := ev.Data.(int)
	return total + delta, nil
}

// fetchSnapshot returns the model's starting point. A real integration
// would call the backend's REST snapshot endpoint here; this example
// starts every run from zero.
func fetchSnapshot(ctx context.Context) (any, string, error) {
	return 0, "0", nil
}
