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

import "context"

type noopMetrics struct{}

// NewNoopMetrics returns a MetricHandle that discards every observation. Used
// when nothing is scraping metrics - unit tests and the sample harness.
func NewNoopMetrics() MetricHandle {
	return noopMetrics{}
}

func (noopMetrics) EmuFsLiveFiles(context.Context, int64)         {}
func (noopMetrics) EmuFsCreated(context.Context, []MetricAttr)    {}
func (noopMetrics) EmuFsCloned(context.Context, []MetricAttr)     {}
func (noopMetrics) EmuFsReclaimed(context.Context, []MetricAttr)  {}
func (noopMetrics) FdTableMonitoredFds(context.Context, int64)    {}
func (noopMetrics) FdTableBeyondLimit(context.Context, int64)     {}
func (noopMetrics) FdTableMutation(context.Context, []MetricAttr) {}
func (noopMetrics) FdTableBitmapRefresh(context.Context, int64)   {}
func (noopMetrics) FdTableBitmapRefreshLatency(context.Context, float64) {}
