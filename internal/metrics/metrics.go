// Package metrics records reconciliation cycle measurements.
package metrics

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/rs/zerolog"
)

// CycleStats summarises one reconciliation cycle.
type CycleStats struct {
	Pending      int
	Confirmed    int
	Failed       int
	OracleErrors int
	StoreErrors  int
	Duration     time.Duration
}

// Recorder sinks cycle measurements. Recording is best-effort and must never
// influence reconciliation outcomes.
type Recorder interface {
	RecordCycle(ctx context.Context, stats CycleStats)
	Close()
}

// InfluxConfig holds InfluxDB connectivity settings.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxRecorder writes cycle points to InfluxDB.
type InfluxRecorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger zerolog.Logger
}

func NewInfluxRecorder(cfg InfluxConfig, logger zerolog.Logger) *InfluxRecorder {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxRecorder{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

func (r *InfluxRecorder) RecordCycle(ctx context.Context, stats CycleStats) {
	point := influxdb2.NewPoint(
		"reconcile_cycle",
		nil,
		map[string]interface{}{
			"pending":       stats.Pending,
			"confirmed":     stats.Confirmed,
			"failed":        stats.Failed,
			"oracle_errors": stats.OracleErrors,
			"store_errors":  stats.StoreErrors,
			"duration_ms":   stats.Duration.Milliseconds(),
		},
		time.Now(),
	)

	if err := r.write.WritePoint(ctx, point); err != nil {
		r.logger.Warn().Err(err).Msg("failed to write cycle point")
	}
}

func (r *InfluxRecorder) Close() {
	r.client.Close()
}

// Noop discards all measurements; used when InfluxDB is not configured.
type Noop struct{}

func (Noop) RecordCycle(ctx context.Context, stats CycleStats) {}
func (Noop) Close()                                            {}
