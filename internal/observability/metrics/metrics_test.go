package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecorderCountsClaimsByOutcome(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder, err := New(provider)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	ctx := context.Background()
	recorder.RecordClaim(ctx, "CLAIMED", time.Millisecond)
	recorder.RecordClaim(ctx, "JOB_ALREADY_CLAIMED", time.Millisecond)
	recorder.RecordClaim(ctx, "JOB_ALREADY_CLAIMED", time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	counts := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "spectre.claims.total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				outcome, _ := dp.Attributes.Value(attribute.Key("outcome"))
				counts[outcome.AsString()] = dp.Value
			}
		}
	}
	if counts["CLAIMED"] != 1 || counts["JOB_ALREADY_CLAIMED"] != 2 {
		t.Fatalf("unexpected claim counts: %v", counts)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var recorder *Recorder
	recorder.RecordClaim(context.Background(), "CLAIMED", time.Second)
	recorder.RecordReputation(context.Background(), "reward")
	recorder.RecordSettlement(context.Background(), "confirmed")
	recorder.ObserveHTTPRequest(context.Background(), "jobs", "GET", 200, time.Second)
}
