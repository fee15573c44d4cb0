// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trace

import (
	"context"
	"sync"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyInstance = tag.MustNewKey("alloydb_instance")
	keyDialerID = tag.MustNewKey("alloydb_dialer_id")

	mLatencyMS = stats.Int64(
		"alloydbconnect/dial_latency",
		"The latency in milliseconds per Dial",
		stats.UnitMilliseconds,
	)
	mConnections = stats.Int64(
		"alloydbconnect/open_connections",
		"A running count of open connections",
		stats.UnitDimensionless,
	)
	mDialError = stats.Int64(
		"alloydbconnect/dial_failure",
		"A count of dial failures",
		stats.UnitDimensionless,
	)

	latencyView = &view.View{
		Name:        "alloydbconnect/dial_latency",
		Measure:     mLatencyMS,
		Description: "The distribution of dialer latencies (ms)",
		// Latency in buckets, e.g. >=0ms, >=100ms, etc.
		Aggregation: view.Distribution(0, 5, 25, 100, 250, 500, 1000, 2000, 5000, 30000),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}
	connectionsView = &view.View{
		Name:        "alloydbconnect/open_connections",
		Measure:     mConnections,
		Description: "The current number of open connections",
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}
	dialFailureView = &view.View{
		Name:        "alloydbconnect/dial_failure_count",
		Measure:     mDialError,
		Description: "The number of failed dial attempts",
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{keyInstance, keyDialerID},
	}

	registerOnce sync.Once
	registerErr  error
)

// InitMetrics registers all views once. Without registration, metrics will
// not be reported. If this function returns an error, the metrics it
// registers will be unavailable.
func InitMetrics() error {
	registerOnce.Do(func() {
		registerErr = view.Register(
			latencyView, connectionsView, dialFailureView,
		)
	})
	return registerErr
}

// RecordDialLatency records a latency value for a single dial.
func RecordDialLatency(ctx context.Context, instance, dialerID string, latency int64) {
	// tag.New creates a new context and errors only if the new tag already
	// exists in the provided context. Since the provided context comes from
	// the caller, we don't want to annotate it with the tags below.
	ctx, err := tag.New(ctx,
		tag.Insert(keyInstance, instance),
		tag.Insert(keyDialerID, dialerID),
	)
	if err != nil {
		// this should never happen
		return
	}
	stats.Record(ctx, mLatencyMS.M(latency))
}

// RecordOpenConnections records the number of open connections.
func RecordOpenConnections(ctx context.Context, num int64, dialerID, instance string) {
	ctx, err := tag.New(ctx,
		tag.Insert(keyInstance, instance),
		tag.Insert(keyDialerID, dialerID),
	)
	if err != nil {
		// this should never happen
		return
	}
	stats.Record(ctx, mConnections.M(num))
}

// RecordDialError reports a failed dial attempt. If err is nil, it's a
// no-op.
func RecordDialError(ctx context.Context, instance, dialerID string, err error) {
	if err == nil {
		return
	}
	ctx, tErr := tag.New(ctx,
		tag.Insert(keyInstance, instance),
		tag.Insert(keyDialerID, dialerID),
	)
	if tErr != nil {
		// this should never happen
		return
	}
	stats.Record(ctx, mDialError.M(1))
}
