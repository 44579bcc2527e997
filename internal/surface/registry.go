package surface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/bus"
	"github.com/fintalk-labs/fintalk-client/internal/config"
	"github.com/fintalk-labs/fintalk-client/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Capability names a feature a surface offers, e.g. "voice", "display",
// "notifications".
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Info describes a connected UI surface.
type Info struct {
	ID           string       `json:"id"`
	Kind         string       `json:"kind"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	SurfaceID    string       `json:"surface_id"`
	Kind         string       `json:"kind"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	SurfaceID string    `json:"surface_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry tracks the surfaces attached to this client over the bus.
// Surfaces announce once on connect and heartbeat on their own interval;
// a surface that misses heartbeats past the timeout is marked unhealthy.
type Registry struct {
	cfg      config.SurfacesConfig
	log      *slog.Logger
	bus      *bus.Client
	mu       sync.RWMutex
	surfaces map[string]*Info
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	meter    metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.SurfacesConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		log:      log.With(slog.String("component", "surface-registry")),
		bus:      busClient,
		surfaces: make(map[string]*Info),
		meter:    otel.Meter("github.com/fintalk-labs/fintalk-client/runtime"),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectSurfaceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectSurfaceHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.SurfaceID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.log.Info("surface announced",
		slog.String("surface", announcement.SurfaceID),
		slog.String("kind", announcement.Kind))
	r.updateSurface(announcement.SurfaceID, announcement.Kind, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.SurfaceID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateSurface(hb.SurfaceID, "", nil, hb.Timestamp)
}

func (r *Registry) updateSurface(id, kind string, capabilities []Capability, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.surfaces[id]
	if !ok {
		info = &Info{ID: id}
		r.surfaces[id] = info
	}
	if kind != "" {
		info.Kind = kind
	}
	if len(capabilities) > 0 {
		info.Capabilities = capabilities
	}
	info.LastSeen = timestamp
	info.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, info := range r.surfaces {
		if now.Sub(info.LastSeen) > timeout {
			info.Healthy = false
		}
	}
}

// Snapshot returns a copy of every known surface.
func (r *Registry) Snapshot() []Info {
	return r.Query(nil)
}

func (r *Registry) Query(filter func(Info) bool) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Info
	for _, info := range r.surfaces {
		copy := *info
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	return results
}

func WithCapabilityFilter(name string) func(Info) bool {
	return func(info Info) bool {
		for _, cap := range info.Capabilities {
			if cap.Name == name {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("fintalk.surfaces.connected", metric.WithDescription("Number of known surfaces"))
	if err != nil {
		return err
	}
	capGauge, err := r.meter.Int64ObservableGauge("fintalk.surfaces.capabilities", metric.WithDescription("Total advertised surface capabilities"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		surfaces, caps := r.snapshotCounts()
		obs.ObserveInt64(gauge, surfaces)
		obs.ObserveInt64(capGauge, caps)
		return nil
	}, gauge, capGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var surfaces int64
	var caps int64
	for _, info := range r.surfaces {
		surfaces++
		caps += int64(len(info.Capabilities))
	}
	return surfaces, caps
}
