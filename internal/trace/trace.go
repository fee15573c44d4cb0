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

// Package trace provides OpenCensus spans and metrics for the connector's
// internal operations. Both are inert unless the caller has registered an
// OpenCensus exporter.
package trace

import (
	"context"

	"go.opencensus.io/trace"
)

// EndSpanFunc is a function that ends a span, reporting an error if
// necessary.
type EndSpanFunc func(error)

// StartSpan begins a span with the provided name and returns a function to
// end the span.
func StartSpan(ctx context.Context, name string, attrs ...trace.Attribute) (context.Context, EndSpanFunc) {
	var span *trace.Span
	ctx, span = trace.StartSpan(ctx, name)
	span.AddAttributes(attrs...)
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(trace.Status{
				Code:    trace.StatusCodeUnknown,
				Message: err.Error(),
			})
		}
		span.End()
	}
}

// AddInstanceName adds the instance name as an attribute to a span.
func AddInstanceName(name string) trace.Attribute {
	return trace.StringAttribute("alloydb.instance", name)
}

// AddDialerID adds the dialer ID as an attribute to a span.
func AddDialerID(dialerID string) trace.Attribute {
	return trace.StringAttribute("alloydb.dialer_id", dialerID)
}
