// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tel provides telemetry into the connector's internal operations.
package tel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"google.golang.org/api/option"

	cmexporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	meterName         = "alloydb.googleapis.com/client/connector"
	monitoredResource = "alloydb.googleapis.com/InstanceClient"
	dialCount         = "dial_count"
	dialLatency       = "dial_latencies"
	openConnections   = "open_connections"
	// ProjectID specifies the instance's parent project.
	ProjectID = "project_id"
	// Location specifies the instance's region (aka location).
	Location = "location"
	// Cluster specifies the cluster name.
	Cluster = "cluster_id"
	// Instance specifies the instance name.
	Instance = "instance_id"
	// ClientID is a unique ID specifying the instance of the Connector.
	ClientID = "client_uid"
	// connectorType is one of go or auth-proxy
	connectorType = "connector_type"
	// authType is one of iam or built-in
	authType = "auth_type"
	// status indicates whether the dial attempt succeeded or not.
	status = "status"
	// DialSuccess indicates the dial attempt succeeded.
	DialSuccess = "success"
	// DialUserError indicates the dial attempt failed due to a user mistake.
	DialUserError = "user-error"
	// DialRefreshError indicates the dialer failed to retrieve the
	// connection info or an ephemeral certificate.
	DialRefreshError = "refresh-error"
	// DialTCPError indicates a TCP-level error.
	DialTCPError = "tcp-error"
	// DialTLSError indicates an error with the TLS connection.
	DialTLSError = "tls-error"
	// DialMDXError indicates an error with the metadata exchange.
	DialMDXError = "mdx-error"
)

// MetricRecorder defines the recording interface. It makes testing
// convenient.
type MetricRecorder interface {
	Shutdown(context.Context) error
	RecordDialCount(context.Context, Attributes)
	RecordDialLatency(context.Context, int64, Attributes)
	RecordOpenConnection(context.Context, Attributes)
	RecordClosedConnection(context.Context, Attributes)
}

// Attributes holds all the various pieces of metadata to attach to a metric.
type Attributes struct {
	IAMAuthN   bool
	UserAgent  string
	DialStatus string
}

// NullMetricRecorder drops all metrics. It is used when a MetricRecorder
// fails to initialize. Opting out of built-in telemetry instead yields a
// recorder backed by NullExporter.
type NullMetricRecorder struct{}

// Shutdown is a no-op.
func (NullMetricRecorder) Shutdown(context.Context) error { return nil }

// RecordDialCount is a no-op.
func (NullMetricRecorder) RecordDialCount(context.Context, Attributes) {}

// RecordDialLatency is a no-op.
func (NullMetricRecorder) RecordDialLatency(context.Context, int64, Attributes) {}

// RecordOpenConnection is a no-op.
func (NullMetricRecorder) RecordOpenConnection(context.Context, Attributes) {}

// RecordClosedConnection is a no-op.
func (NullMetricRecorder) RecordClosedConnection(context.Context, Attributes) {}

// recorder holds the various counters that track internal operations.
type recorder struct {
	exporter     sdkmetric.Exporter
	provider     *sdkmetric.MeterProvider
	clientID     string
	mDialCount   metric.Int64Counter
	mDialLatency metric.Float64Histogram
	mOpenConns   metric.Int64UpDownCounter
}

// Config holds all the necessary information to configure a MetricRecorder.
type Config struct {
	Enabled   bool
	Version   string
	ClientID  string
	ProjectID string
	Location  string
	Cluster   string
	Instance  string
}

// NullExporter is an OpenTelemetry sdkmetric.Exporter that does nothing.
type NullExporter struct{}

// Temporality implements sdkmetric.Exporter.
func (NullExporter) Temporality(ik sdkmetric.InstrumentKind) metricdata.Temporality {
	return sdkmetric.DefaultTemporalitySelector(ik)
}

// Aggregation implements sdkmetric.Exporter.
func (NullExporter) Aggregation(ik sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(ik)
}

// Export implements sdkmetric.Exporter.
func (NullExporter) Export(context.Context, *metricdata.ResourceMetrics) error {
	return nil
}

// ForceFlush implements sdkmetric.Exporter.
func (NullExporter) ForceFlush(context.Context) error { return nil }

// Shutdown implements sdkmetric.Exporter.
func (NullExporter) Shutdown(context.Context) error { return nil }

// NewMetricRecorder creates a MetricRecorder. A Connector creates one per
// instance it connects to.
func NewMetricRecorder(ctx context.Context, cfg Config, opts ...option.ClientOption) (MetricRecorder, error) {
	var (
		exp sdkmetric.Exporter = NullExporter{}
		err error
	)
	if cfg.Enabled {
		copts := []cmexporter.Option{
			cmexporter.WithCreateServiceTimeSeries(),
			cmexporter.WithProjectID(cfg.ProjectID),
			cmexporter.WithMonitoringClientOptions(opts...),
			cmexporter.WithMetricDescriptorTypeFormatter(func(m metricdata.Metrics) string {
				return "alloydb.googleapis.com/client/connector/" + m.Name
			}),
			cmexporter.WithMonitoredResourceDescription(monitoredResource, []string{
				ProjectID, Location, Cluster, Instance, ClientID,
			}),
		}
		exp, err = cmexporter.New(copts...)
		if err != nil {
			return nil, err
		}
	}

	res := resource.NewWithAttributes(monitoredResource,
		attribute.String("gcp.resource_type", monitoredResource),
		attribute.String(ProjectID, cfg.ProjectID),
		attribute.String(Location, cfg.Location),
		attribute.String(Cluster, cfg.Cluster),
		attribute.String(Instance, cfg.Instance),
		attribute.String(ClientID, cfg.ClientID),
	)
	p := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exp,
			// The periodic reader runs every 60 seconds by default, but set
			// the value anyway to be defensive.
			sdkmetric.WithInterval(60*time.Second),
		)),
		sdkmetric.WithResource(res),
	)
	m := p.Meter(meterName, metric.WithInstrumentationVersion(cfg.Version))

	mDialCount, err := m.Int64Counter(dialCount)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	mDialLatency, err := m.Float64Histogram(dialLatency)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	mOpenConns, err := m.Int64UpDownCounter(openConnections)
	if err != nil {
		return nil, errors.Join(err, exp.Shutdown(context.Background()))
	}
	return &recorder{
		exporter:     exp,
		provider:     p,
		clientID:     cfg.ClientID,
		mDialCount:   mDialCount,
		mDialLatency: mDialLatency,
		mOpenConns:   mOpenConns,
	}, nil
}

// Shutdown should be called when the MetricRecorder is no longer needed.
func (m *recorder) Shutdown(ctx context.Context) error {
	return errors.Join(m.exporter.Shutdown(ctx), m.provider.Shutdown(ctx))
}

func authTypeValue(iamAuthn bool) string {
	if iamAuthn {
		return "iam"
	}
	return "built-in"
}

// RecordDialCount increments the number of dial attempts.
func (m *recorder) RecordDialCount(ctx context.Context, a Attributes) {
	m.mDialCount.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, "go"),
			attribute.String(authType, authTypeValue(a.IAMAuthN)),
			attribute.String(status, a.DialStatus)),
		))
}

// RecordDialLatency records a latency measurement for a particular dial
// attempt.
func (m *recorder) RecordDialLatency(ctx context.Context, latencyMS int64, a Attributes) {
	m.mDialLatency.Record(ctx, float64(latencyMS),
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, "go"),
		)),
	)
}

// RecordOpenConnection increments the number of open connections.
func (m *recorder) RecordOpenConnection(ctx context.Context, a Attributes) {
	m.mOpenConns.Add(ctx, 1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, "go"),
			attribute.String(authType, authTypeValue(a.IAMAuthN)),
		)),
	)
}

// RecordClosedConnection decrements the number of open connections.
func (m *recorder) RecordClosedConnection(ctx context.Context, a Attributes) {
	m.mOpenConns.Add(ctx, -1,
		metric.WithAttributeSet(attribute.NewSet(
			attribute.String(connectorType, "go"),
			attribute.String(authType, authTypeValue(a.IAMAuthN)),
		)),
	)
}
