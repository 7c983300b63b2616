package runtime

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/gate"
	"github.com/stepsage/stepsage-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	img.Set(1, 1, color.RGBA{G: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "0001.png"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(t.TempDir(), "nats")
	cfg.Node.HeartbeatInterval = 100
	cfg.Node.HeartbeatTimeout = 500
	cfg.Camera.Source = "directory"
	cfg.Camera.Directory = dir
	cfg.Camera.FPS = 20
	cfg.Camera.Loop = true
	cfg.Narration.PostTTSDelayMS = 50
	cfg.Intro.HoldMS = 50
	cfg.TTS.Rate = 6
	return cfg
}

func TestRuntimeNarratesAfterIntro(t *testing.T) {
	rt := New(testConfig(t), newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	select {
	case <-rt.Started():
	case err := <-errCh:
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not start")
	}

	base := "http://" + rt.Addr()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}

	wsCtx, wsCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer wsCancel()
	conn, _, err := websocket.Dial(wsCtx, "ws://"+rt.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	var dismissed, narrated bool
	for !dismissed || !narrated {
		var evt protocol.UIEvent
		if err := wsjson.Read(wsCtx, conn, &evt); err != nil {
			t.Fatalf("read ui event (dismissed=%v narrated=%v): %v", dismissed, narrated, err)
		}
		switch {
		case evt.Type == protocol.UIEventSplashDismiss:
			dismissed = true
		case evt.Type == protocol.UIEventCaption && strings.Contains(evt.Text, "chair"):
			if evt.Text != "There is a chair near to your left." {
				t.Fatalf("unexpected narration %q", evt.Text)
			}
			narrated = true
		}
	}

	ready := rt.Readiness()
	if !ready.IntroFinished || !ready.GenerationReady {
		t.Fatalf("expected runtime ready, got %+v", ready)
	}
	resp, err = http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestReadyRequiresIntroAndGeneration(t *testing.T) {
	rt := New(config.Default(), newLogger())
	rt.gate = gate.New(gate.Config{}, time.Now)

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready, got %d", rec.Code)
	}

	rt.gate.SetIntroFinished()
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready without generator, got %d", rec.Code)
	}

	rt.gate.SetGenerationReady()
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rec.Code)
	}
}

func TestStartFailsOnBadBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Mode = "cloud"
	err := New(cfg, newLogger()).Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "generator") {
		t.Fatalf("expected generator error, got %v", err)
	}
}
