package otelsync

import (
	"testing"

	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
)

func TestInitNoopWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(t.Context(), "meshsync-test", "0.0.0")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	shutdown(t.Context()) // must not panic on the no-op path
}

func TestNewMetricsRegistersInstrumentsAndRecordsWithoutPanicking(t *testing.T) {
	m, err := NewMetrics("meshsync-test")
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.EditApplied("peer-a")
	m.ConflictResolved(conduit.DirectionUp)
	m.ConflictResolved(conduit.DirectionDown)
	m.AnchorReset("peer-b")
}

func TestDirectionLabel(t *testing.T) {
	if got := directionLabel(conduit.DirectionUp); got != "up" {
		t.Fatalf("directionLabel(up) = %q, want up", got)
	}
	if got := directionLabel(conduit.DirectionDown); got != "down" {
		t.Fatalf("directionLabel(down) = %q, want down", got)
	}
}
