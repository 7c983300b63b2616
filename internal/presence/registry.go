// Package presence advertises this node's liveness and narration readiness
// on the bus and tracks peers (cameras, speakers, other narrators).
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stepsage/stepsage-core/internal/bus"
	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/gate"
	"github.com/stepsage/stepsage-core/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type NodeInfo struct {
	ID              string
	Role            string
	IntroFinished   bool
	GenerationReady bool
	LastSeen        time.Time
	Healthy         bool
}

type Registry struct {
	cfg       config.NodeConfig
	log       *slog.Logger
	bus       *bus.Client
	readiness func() gate.Readiness
	clock     func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription
	meter  metric.Meter
}

// NewRegistry subscribes to peer heartbeats and starts publishing this
// node's heartbeat every heartbeat_interval_ms.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, readiness func() gate.Readiness, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:       cfg,
		log:       log.With(slog.String("component", "presence")),
		bus:       busClient,
		readiness: readiness,
		clock:     time.Now,
		nodes:     make(map[string]*NodeInfo),
		cancel:    cancel,
		meter:     otel.Meter("github.com/stepsage/stepsage-core/presence"),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	sub, err := busClient.Subscribe(protocol.SubjectHeartbeatBase+".*", r.handleHeartbeat)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.sub = sub

	if err := r.publishHeartbeat(); err != nil {
		r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(r.clock())
		}
	}
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.Heartbeat{
		NodeID:    r.cfg.ID,
		Role:      r.cfg.Role,
		Timestamp: r.clock().UTC(),
	}
	if r.readiness != nil {
		ready := r.readiness()
		msg.IntroFinished = ready.IntroFinished
		msg.GenerationReady = ready.GenerationReady
	}
	r.update(msg)
	return r.bus.PublishJSON(protocol.SubjectHeartbeatBase+"."+r.cfg.ID, msg)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.update(hb)
}

func (r *Registry) update(hb protocol.Heartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[hb.NodeID]
	if !ok {
		node = &NodeInfo{ID: hb.NodeID}
		r.nodes[hb.NodeID] = node
		if hb.NodeID != r.cfg.ID {
			r.log.Info("peer discovered", slog.String("node_id", hb.NodeID), slog.String("role", hb.Role))
		}
	}
	if hb.Role != "" {
		node.Role = hb.Role
	}
	node.IntroFinished = hb.IntroFinished
	node.GenerationReady = hb.GenerationReady
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node heartbeat expired", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this node's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	return results
}

func WithRole(role string) func(NodeInfo) bool {
	return func(n NodeInfo) bool { return n.Role == role }
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("stepsage.presence.nodes", metric.WithDescription("Known nodes"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("stepsage.presence.healthy", metric.WithDescription("Nodes with a current heartbeat"))
	if err != nil {
		return err
	}
	ready, err := r.meter.Int64ObservableGauge("stepsage.narration.ready", metric.WithDescription("1 when intro finished and generation is ready"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, live := r.snapshotCounts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, live)
		var v int64
		if r.readiness != nil {
			if rd := r.readiness(); rd.IntroFinished && rd.GenerationReady {
				v = 1
			}
		}
		obs.ObserveInt64(ready, v)
		return nil
	}, nodes, healthy, ready)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, live int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			live++
		}
	}
	return total, live
}
