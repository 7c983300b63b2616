package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stepsage/stepsage-core/internal/bus"
	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/gate"
	"github.com/stepsage/stepsage-core/internal/natsserver"
	"github.com/stepsage/stepsage-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "presence-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRegistryTracksPeersAndReadiness(t *testing.T) {
	client := startBus(t)
	cfg := config.NodeConfig{ID: "narrator-1", Role: "narrator", HeartbeatInterval: 50, HeartbeatTimeout: 200}

	g := gate.New(gate.Config{}, nil)
	r, err := NewRegistry(context.Background(), cfg, client, g.Readiness, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	if !r.Healthy() {
		t.Fatal("expected local node healthy after first heartbeat")
	}

	if err := client.PublishJSON(protocol.SubjectHeartbeatBase+".glasses", protocol.Heartbeat{NodeID: "glasses", Role: "camera"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	g.SetIntroFinished()
	g.SetGenerationReady()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cams := r.Query(WithRole("camera"))
		self := r.Query(func(n NodeInfo) bool { return n.ID == "narrator-1" })
		if len(cams) == 1 && len(self) == 1 && self[0].GenerationReady && self[0].IntroFinished {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected camera peer and ready local node, got %+v", r.Query(nil))
}

func TestEvaluateHealthExpiresStaleNodes(t *testing.T) {
	client := startBus(t)
	cfg := config.NodeConfig{ID: "narrator-2", Role: "narrator", HeartbeatInterval: 60000, HeartbeatTimeout: 120000}
	r, err := NewRegistry(context.Background(), cfg, client, nil, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer r.Close()

	now := time.Now()
	r.update(protocol.Heartbeat{NodeID: "speaker-1", Role: "speaker", Timestamp: now})
	r.evaluateHealth(now.Add(5 * time.Minute))

	for _, n := range r.Query(nil) {
		if n.Healthy {
			t.Fatalf("expected %s to be marked unhealthy", n.ID)
		}
	}
	total, live := r.snapshotCounts()
	if total != 2 || live != 0 {
		t.Fatalf("unexpected counts total=%d live=%d", total, live)
	}
}
