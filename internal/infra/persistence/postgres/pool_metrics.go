package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/dexroute/internal/infra/telemetry"
)

type poolGauge struct {
	name        string
	description string
	read        func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{"dexroute_db_pool_connections_total", "Total connections (idle + acquired + constructing)",
		func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) }},
	{"dexroute_db_pool_connections_idle", "Idle connections ready for checkout",
		func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) }},
	{"dexroute_db_pool_connections_acquired", "Connections currently acquired by callers",
		func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) }},
	{"dexroute_db_pool_connections_constructing", "Connections currently being constructed",
		func(s *pgxpool.Stat) int64 { return int64(s.ConstructingConns()) }},
	{"dexroute_db_pool_acquire_empty_total", "Acquires that waited because the pool was empty",
		func(s *pgxpool.Stat) int64 { return s.EmptyAcquireCount() }},
}

// ObservePoolMetrics registers gauges reporting pgx pool health on meter. All gauges share one
// callback so a collection reads pool.Stat once.
func ObservePoolMetrics(meter metric.Meter, pool *pgxpool.Pool, poolName string) (metric.Registration, error) {
	if pool == nil || meter == nil {
		return nil, nil
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		telemetry.AttrDBPool.String(normalized),
	)

	gauges := make([]metric.Int64ObservableGauge, len(poolGauges))
	observables := make([]metric.Observable, len(poolGauges))
	for i, g := range poolGauges {
		gauge, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"))
		if err != nil {
			return nil, fmt.Errorf("pool metrics: %s: %w", g.name, err)
		}
		gauges[i] = gauge
		observables[i] = gauge
	}
	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		stat := pool.Stat()
		for i, g := range poolGauges {
			observer.ObserveInt64(gauges[i], g.read(stat), attrs)
		}
		return nil
	}, observables...)
}
