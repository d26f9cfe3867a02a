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
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

type ShutdownFn func(ctx context.Context) error

// The default time buckets for latency metrics, in microseconds. Every
// operation this module measures runs on the single replay driver thread and
// never blocks on I/O, so every latency recorded here is a bookkeeping cost
// and buckets stay small.
var defaultLatencyDistribution = metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000)

// JoinShutdownFunc combines the provided shutdown functions into a single function.
func JoinShutdownFunc(shutdownFns ...ShutdownFn) ShutdownFn {
	return func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFns {
			if fn == nil {
				continue
			}
			err = errors.Join(err, fn(ctx))
		}
		return err
	}
}

// MetricAttr represents an attribute attached to a metric observation.
type MetricAttr struct {
	Key, Value string
}

func (a *MetricAttr) String() string {
	return fmt.Sprintf("Key: %s, Value: %s", a.Key, a.Value)
}

// EmuFsMetricHandle reports on the EmuFs registry: how many emulated files
// are live, and how often they're created, cloned, and reclaimed.
type EmuFsMetricHandle interface {
	EmuFsLiveFiles(ctx context.Context, delta int64)
	EmuFsCreated(ctx context.Context, attrs []MetricAttr)
	EmuFsCloned(ctx context.Context, attrs []MetricAttr)
	EmuFsReclaimed(ctx context.Context, attrs []MetricAttr)
}

// FdTableMetricHandle reports on FdTable mutations and the disabled-fds
// bitmap maintenance they trigger.
type FdTableMetricHandle interface {
	FdTableMonitoredFds(ctx context.Context, delta int64)
	FdTableBeyondLimit(ctx context.Context, value int64)
	FdTableMutation(ctx context.Context, attrs []MetricAttr)
	FdTableBitmapRefresh(ctx context.Context, inc int64)
	FdTableBitmapRefreshLatency(ctx context.Context, micros float64)
}

type MetricHandle interface {
	EmuFsMetricHandle
	FdTableMetricHandle
}
