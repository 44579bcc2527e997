package surface

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/config"
	"github.com/fintalk-labs/fintalk-client/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newTestRegistry() *Registry {
	return &Registry{
		cfg:      config.SurfacesConfig{Enabled: true, HeartbeatInterval: 2000, HeartbeatTimeout: 6000},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		surfaces: make(map[string]*Info),
	}
}

func announceData(t *testing.T, msg announceMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal announce: %v", err)
	}
	return data
}

func TestAnnounceRegistersSurface(t *testing.T) {
	r := newTestRegistry()

	r.handleAnnounce(&nats.Msg{
		Subject: protocol.SubjectSurfaceAnnounce,
		Data: announceData(t, announceMessage{
			SurfaceID:    "desktop-1",
			Kind:         "desktop",
			Capabilities: []Capability{{Name: "voice"}, {Name: "notifications"}},
			Timestamp:    time.Now().UTC(),
		}),
	})

	surfaces := r.Snapshot()
	if len(surfaces) != 1 {
		t.Fatalf("expected 1 surface, got %d", len(surfaces))
	}
	if surfaces[0].Kind != "desktop" || !surfaces[0].Healthy {
		t.Fatalf("unexpected surface state %+v", surfaces[0])
	}
}

func TestHeartbeatRefreshesWithoutClobberingCapabilities(t *testing.T) {
	r := newTestRegistry()
	r.updateSurface("s1", "terminal", []Capability{{Name: "display"}}, time.Now().Add(-time.Minute))

	hb, err := json.Marshal(heartbeatMessage{SurfaceID: "s1", Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("marshal heartbeat: %v", err)
	}
	r.handleHeartbeat(&nats.Msg{Subject: protocol.SubjectSurfaceHeartbeatPrefix + ".s1", Data: hb})

	surfaces := r.Snapshot()
	if len(surfaces) != 1 {
		t.Fatalf("expected 1 surface, got %d", len(surfaces))
	}
	if surfaces[0].Kind != "terminal" || len(surfaces[0].Capabilities) != 1 {
		t.Fatalf("heartbeat should not reset identity: %+v", surfaces[0])
	}
}

func TestStaleSurfaceMarkedUnhealthy(t *testing.T) {
	r := newTestRegistry()
	r.cfg.HeartbeatTimeout = 10
	r.updateSurface("s1", "terminal", nil, time.Now().Add(-time.Second))

	r.evaluateHealth()

	surfaces := r.Snapshot()
	if surfaces[0].Healthy {
		t.Fatalf("expected stale surface to be unhealthy")
	}
}

func TestQueryByCapability(t *testing.T) {
	r := newTestRegistry()
	r.updateSurface("a", "desktop", []Capability{{Name: "voice"}}, time.Now())
	r.updateSurface("b", "terminal", []Capability{{Name: "display"}}, time.Now())

	matches := r.Query(WithCapabilityFilter("voice"))
	if len(matches) != 1 || matches[0].ID != "a" {
		t.Fatalf("unexpected query result %+v", matches)
	}
}
