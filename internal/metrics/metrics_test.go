package metrics_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"request-guardian/internal/metrics"
)

func TestMetricCollectorsLint(t *testing.T) {
	tests := []struct {
		name string
		c    prometheus.Collector
	}{
		{"GuardOutcomes", metrics.GuardOutcomes},
		{"RuleBlocks", metrics.RuleBlocks},
		{"ErrorRuleTrips", metrics.ErrorRuleTrips},
		{"WorkDuration", metrics.WorkDuration},
		{"CacheOperations", metrics.CacheOperations},
		{"CacheLatency", metrics.CacheLatency},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.c == nil {
				t.Fatal("collector is nil")
			}
			lintErrs, err := testutil.CollectAndLint(tc.c)
			if err != nil {
				t.Errorf("CollectAndLint gather error: %v", err)
			}
			if len(lintErrs) > 0 {
				t.Errorf("prometheus lint errors: %v", lintErrs)
			}
		})
	}
}

func TestMetricNamesUseNamespace(t *testing.T) {
	ch := make(chan *prometheus.Desc, 16)
	metrics.GuardOutcomes.Describe(ch)
	metrics.CacheOperations.Describe(ch)
	close(ch)

	for desc := range ch {
		if !strings.Contains(desc.String(), `fqName: "guardian_`) {
			t.Errorf("metric not under guardian_ namespace: %s", desc.String())
		}
	}
}

func TestObserveCacheOperation(t *testing.T) {
	okBefore := testutil.ToFloat64(metrics.CacheOperations.WithLabelValues("test", "get", "ok"))
	errBefore := testutil.ToFloat64(metrics.CacheOperations.WithLabelValues("test", "get", "error"))

	metrics.ObserveCacheOperation("test", "get", 0.001, nil)
	metrics.ObserveCacheOperation("test", "get", 0.002, errors.New("boom"))

	if got := testutil.ToFloat64(metrics.CacheOperations.WithLabelValues("test", "get", "ok")); got != okBefore+1 {
		t.Errorf("ok counter = %v, want %v", got, okBefore+1)
	}
	if got := testutil.ToFloat64(metrics.CacheOperations.WithLabelValues("test", "get", "error")); got != errBefore+1 {
		t.Errorf("error counter = %v, want %v", got, errBefore+1)
	}
}
