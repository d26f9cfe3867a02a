// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// EventKey annotates the EmuFs/FdTable event a counter observation belongs to.
	EventKey = "event"
)

var (
	emuFsMeter   = otel.Meter("emufs")
	fdTableMeter = otel.Meter("fdtable")

	eventAttributeSet sync.Map
)

func getEventAttributeSet(event string) metric.MeasurementOption {
	v, ok := eventAttributeSet.Load(event)
	if ok {
		return v.(metric.MeasurementOption)
	}
	opt := metric.WithAttributeSet(attribute.NewSet(attribute.String(EventKey, event)))
	v, _ = eventAttributeSet.LoadOrStore(event, opt)
	return v.(metric.MeasurementOption)
}

func attrsToOption(attrs []MetricAttr) metric.MeasurementOption {
	if len(attrs) == 0 {
		return metric.WithAttributeSet(attribute.NewSet())
	}
	// All call sites in this package pass a single EventKey attribute, so the
	// cache above is keyed on its value alone.
	return getEventAttributeSet(attrs[0].Value)
}

// otelMetrics is the MetricHandle backing real deployments. Values are
// reported through otel/metric instruments and pulled by an external
// scraper; the core itself never reads them back.
type otelMetrics struct {
	emuFsLiveFilesAtomic *atomic.Int64
	emuFsCreatedCount    metric.Int64Counter
	emuFsClonedCount     metric.Int64Counter
	emuFsReclaimedCount  metric.Int64Counter

	fdTableMonitoredFdsAtomic   *atomic.Int64
	fdTableBeyondLimitAtomic    *atomic.Int64
	fdTableMutationCount        metric.Int64Counter
	fdTableBitmapRefreshCount   metric.Int64Counter
	fdTableBitmapRefreshLatency metric.Float64Histogram
}

func (o *otelMetrics) EmuFsLiveFiles(_ context.Context, delta int64) {
	o.emuFsLiveFilesAtomic.Add(delta)
}

func (o *otelMetrics) EmuFsCreated(ctx context.Context, attrs []MetricAttr) {
	o.emuFsCreatedCount.Add(ctx, 1, attrsToOption(attrs))
}

func (o *otelMetrics) EmuFsCloned(ctx context.Context, attrs []MetricAttr) {
	o.emuFsClonedCount.Add(ctx, 1, attrsToOption(attrs))
}

func (o *otelMetrics) EmuFsReclaimed(ctx context.Context, attrs []MetricAttr) {
	o.emuFsReclaimedCount.Add(ctx, 1, attrsToOption(attrs))
}

func (o *otelMetrics) FdTableMonitoredFds(_ context.Context, delta int64) {
	o.fdTableMonitoredFdsAtomic.Add(delta)
}

func (o *otelMetrics) FdTableBeyondLimit(_ context.Context, value int64) {
	o.fdTableBeyondLimitAtomic.Store(value)
}

func (o *otelMetrics) FdTableMutation(ctx context.Context, attrs []MetricAttr) {
	o.fdTableMutationCount.Add(ctx, 1, attrsToOption(attrs))
}

func (o *otelMetrics) FdTableBitmapRefresh(ctx context.Context, inc int64) {
	o.fdTableBitmapRefreshCount.Add(ctx, inc)
}

func (o *otelMetrics) FdTableBitmapRefreshLatency(ctx context.Context, micros float64) {
	o.fdTableBitmapRefreshLatency.Record(ctx, micros)
}

// NewOTelMetrics builds the real MetricHandle and registers its observable
// gauges with the global otel MeterProvider.
func NewOTelMetrics() (MetricHandle, error) {
	var emuFsLiveFiles, fdTableMonitoredFds, fdTableBeyondLimit atomic.Int64

	_, err1 := emuFsMeter.Int64ObservableCounter("emufs/live_files",
		metric.WithDescription("Number of EmuFiles currently live, including ones whose registration a clone has replaced."),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			obsrv.Observe(emuFsLiveFiles.Load())
			return nil
		}))
	emuFsCreatedCount, err2 := emuFsMeter.Int64Counter("emufs/created_total",
		metric.WithDescription("Number of EmuFiles created by get_or_create."))
	emuFsClonedCount, err3 := emuFsMeter.Int64Counter("emufs/cloned_total",
		metric.WithDescription("Number of EmuFiles produced by clone_file."))
	emuFsReclaimedCount, err4 := emuFsMeter.Int64Counter("emufs/reclaimed_total",
		metric.WithDescription("Number of EmuFiles garbage collected after their last strong handle dropped."))

	_, err5 := fdTableMeter.Int64ObservableCounter("fdtable/monitored_fds",
		metric.WithDescription("Total monitored fds across all live FdTables."),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			obsrv.Observe(fdTableMonitoredFds.Load())
			return nil
		}))
	_, err6 := fdTableMeter.Int64ObservableCounter("fdtable/beyond_limit",
		metric.WithDescription("FdTable.beyond_limit of the FdTable whose bitmap was most recently refreshed."),
		metric.WithInt64Callback(func(_ context.Context, obsrv metric.Int64Observer) error {
			obsrv.Observe(fdTableBeyondLimit.Load())
			return nil
		}))
	fdTableMutationCount, err7 := fdTableMeter.Int64Counter("fdtable/mutations_total",
		metric.WithDescription("Number of add_monitor/did_dup/did_close calls, by kind."))
	fdTableBitmapRefreshCount, err8 := fdTableMeter.Int64Counter("fdtable/bitmap_refresh_total",
		metric.WithDescription("Number of disabled-fds bitmap bytes written into tracee address spaces."))
	fdTableBitmapRefreshLatency, err9 := fdTableMeter.Float64Histogram("fdtable/bitmap_refresh_latency",
		metric.WithDescription("Wall time spent recomputing and writing the disabled-fds bitmap."),
		metric.WithUnit("us"), defaultLatencyDistribution)

	if err := errors.Join(err1, err2, err3, err4, err5, err6, err7, err8, err9); err != nil {
		return nil, err
	}

	return &otelMetrics{
		emuFsLiveFilesAtomic:        &emuFsLiveFiles,
		emuFsCreatedCount:           emuFsCreatedCount,
		emuFsClonedCount:            emuFsClonedCount,
		emuFsReclaimedCount:         emuFsReclaimedCount,
		fdTableMonitoredFdsAtomic:   &fdTableMonitoredFds,
		fdTableBeyondLimitAtomic:    &fdTableBeyondLimit,
		fdTableMutationCount:        fdTableMutationCount,
		fdTableBitmapRefreshCount:   fdTableBitmapRefreshCount,
		fdTableBitmapRefreshLatency: fdTableBitmapRefreshLatency,
	}, nil
}
