package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPromCountersRegisterAndServe(t *testing.T) {
	p := NewProm("modelgate_test")
	p.IncDispatched("sophia-vllm-llama-3-8b", "completed")
	p.IncColdStartRejected("sophia")
	p.ObserveBackendLatency("sophia", 0.42)
	p.IncBatchTransition("sophia", "completed")
	p.IncBatchLost("sophia")

	g := NewGatewayProm("modelgate_test")
	g.ObserveRequest("POST", "/v1/chat/completions", "200", 0.1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"modelgate_test_dispatches_total",
		"modelgate_test_cold_start_rejections_total",
		"modelgate_test_batch_transitions_total",
		"modelgate_test_http_requests_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestNoopImplementsInterfaces(t *testing.T) {
	var _ DispatchMetrics = Noop{}
	var _ BatchMetrics = Noop{}
	var _ GatewayMetrics = Noop{}
}
