// Package recorder exports terminal probe results to InfluxDB.
package recorder

import (
	"context"
	"log/slog"
	"time"

	influxdb2api "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/cache"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/delay"
	"github.com/malbeclabs/delayprobe/delayprobe/internal/metrics"
)

const MeasurementNodeProbe = "delayprobe_node_probe"

// InfluxRecorder writes one point per probe result. A nil recorder, or one
// without a write API, drops everything.
type InfluxRecorder struct {
	log *slog.Logger
	api influxdb2api.WriteAPI
}

func NewInfluxRecorder(log *slog.Logger, api influxdb2api.WriteAPI) *InfluxRecorder {
	return &InfluxRecorder{log: log, api: api}
}

func (r *InfluxRecorder) Record(key cache.Key, d delay.Delay, at time.Time) {
	if r == nil || r.api == nil || !d.IsTerminal() {
		return
	}
	tags := map[string]string{
		"node":  key.Name,
		"group": key.Group,
	}
	fields := map[string]any{}
	point := write.NewPoint(MeasurementNodeProbe, tags, fields, at)

	result := metrics.ResultErrored
	if d.IsMeasured() {
		result = metrics.ResultMeasured
		point.AddField("probe_ok", true)
		point.AddField("delay_ms", d.MS())
	} else {
		point.AddField("probe_ok", false)
	}
	r.api.WritePoint(point)
	metrics.RecorderWritesTotal.WithLabelValues(result).Inc()
}

// Run logs asynchronous write errors until ctx is done, then flushes.
func (r *InfluxRecorder) Run(ctx context.Context) error {
	if r == nil || r.api == nil {
		<-ctx.Done()
		return nil
	}
	errCh := r.api.Errors()
	for {
		select {
		case <-ctx.Done():
			r.api.Flush()
			return nil
		case err := <-errCh:
			r.log.Warn("recorder: influx write failed", "error", err)
		}
	}
}
