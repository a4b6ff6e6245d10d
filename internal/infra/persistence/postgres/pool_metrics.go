package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/execguard/internal/infra/telemetry"
)

// PoolStater is the subset of *pgxpool.Pool read by the pool gauges.
type PoolStater interface {
	Stat() *pgxpool.Stat
}

// ObservePoolMetrics reports connection counts by state, the configured ceiling and the number of
// acquires that had to wait for a connection. A nil meter uses the global provider.
func ObservePoolMetrics(meter metric.Meter, pool PoolStater, poolName string) (metric.Registration, error) {
	if pool == nil {
		return nil, nil
	}
	if meter == nil {
		meter = otel.Meter("execguard.postgres")
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}

	conns, err := meter.Int64ObservableGauge(telemetry.MetricPoolConnections,
		metric.WithDescription("Pool connections by state"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	maxConns, err := meter.Int64ObservableGauge(telemetry.MetricPoolMaxConnections,
		metric.WithDescription("Configured pool ceiling"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	emptyAcquires, err := meter.Int64ObservableCounter(telemetry.MetricPoolEmptyAcquires,
		metric.WithDescription("Acquires that waited because the pool was empty"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	base := telemetry.WithEnvironment(telemetry.AttrPool.String(name))
	withState := func(state string) metric.ObserveOption {
		attrs := append(append(base[:0:0], base...), telemetry.AttrConnState.String(state))
		return metric.WithAttributes(attrs...)
	}
	idle, acquired, constructing := withState("idle"), withState("acquired"), withState("constructing")
	plain := metric.WithAttributes(base...)

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		if stat == nil {
			return nil
		}
		o.ObserveInt64(conns, int64(stat.IdleConns()), idle)
		o.ObserveInt64(conns, int64(stat.AcquiredConns()), acquired)
		o.ObserveInt64(conns, int64(stat.ConstructingConns()), constructing)
		o.ObserveInt64(maxConns, int64(stat.MaxConns()), plain)
		o.ObserveInt64(emptyAcquires, stat.EmptyAcquireCount(), plain)
		return nil
	}, conns, maxConns, emptyAcquires)
}
