package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/coachpo/dexroute/internal/app/ingress"
	"github.com/coachpo/dexroute/internal/app/pipeline"
	"github.com/coachpo/dexroute/internal/domain/order"
	"github.com/coachpo/dexroute/internal/infra/config"
	"github.com/coachpo/dexroute/internal/infra/notify"
	"github.com/coachpo/dexroute/internal/infra/queue"
	"github.com/coachpo/dexroute/internal/infra/venue"
)

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}

func TestOpenStoresMemory(t *testing.T) {
	cfg := config.Default()
	stores, err := openStores(context.Background(), zap.NewNop(), noop.NewMeterProvider().Meter("test"), cfg)
	require.NoError(t, err)
	require.NotNil(t, stores.orders)
	require.NotNil(t, stores.jobs)
	require.NoError(t, stores.close(context.Background()))
}

func TestSubmittedOrderIsConfirmedEndToEnd(t *testing.T) {
	cfg := config.Default()
	stores, err := openStores(context.Background(), zap.NewNop(), noop.NewMeterProvider().Meter("test"), cfg)
	require.NoError(t, err)

	venues, err := venue.NewSet(
		venue.NewStatic("Raydium", decimal.RequireFromString("1.00"), decimal.RequireFromString("0.0025")),
		venue.NewStatic("Meteora", decimal.RequireFromString("0.99"), decimal.RequireFromString("0.003")),
	)
	require.NoError(t, err)
	hub := notify.NewHub(notify.Options{})
	pipe, err := pipeline.New(stores.orders, venues, hub, cfg.Pipeline)
	require.NoError(t, err)

	producer, err := queue.NewProducer(stores.jobs, cfg.Queue.Queue, cfg.Queue.Job)
	require.NoError(t, err)
	workerCfg := cfg.Queue.WorkerConfig
	workerCfg.PollInterval = 5 * time.Millisecond
	worker, err := queue.NewWorker(stores.jobs, pipe.Handle, workerCfg, queue.WithDeadLetter(pipe.DeadLetter))
	require.NoError(t, err)
	service, err := ingress.NewService(stores.orders, producer)
	require.NoError(t, err)

	created, err := service.Submit(context.Background(), ingress.Request{
		TokenIn:  "SOL",
		TokenOut: "USDC",
		Amount:   decimal.RequireFromString("1.5"),
	})
	require.NoError(t, err)

	var lifecycle conc.WaitGroup
	workerCtx, stopWorker := context.WithCancel(context.Background())
	lifecycle.Go(func() { _ = worker.Run(workerCtx) })

	require.Eventually(t, func() bool {
		o, err := service.Get(context.Background(), created.ID)
		return err == nil && o.Status == order.StatusConfirmed
	}, 3*time.Second, 10*time.Millisecond)

	performGracefulShutdown(context.Background(), zap.NewNop(), gracefulShutdownConfig{
		stopWorker:  stopWorker,
		lifecycle:   &lifecycle,
		hub:         hub,
		closeStores: stores.close,
	})

	confirmed, err := service.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, "Raydium", confirmed.Provider)
	require.Equal(t, "0xRaydium", confirmed.TxHash)
}
