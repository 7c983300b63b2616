package narrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stepsage/stepsage-core/internal/camera"
	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/detect"
	"github.com/stepsage/stepsage-core/internal/dispatch"
	"github.com/stepsage/stepsage-core/internal/faults"
	"github.com/stepsage/stepsage-core/internal/gate"
	"github.com/stepsage/stepsage-core/internal/llm"
	"github.com/stepsage/stepsage-core/internal/scene"
	"github.com/stepsage/stepsage-core/internal/tts"
	"github.com/stepsage/stepsage-core/internal/utterance"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type utteranceCall struct {
	id   string
	text string
	mode tts.QueueMode
}

type fakeSpeaker struct {
	mu       sync.Mutex
	speaking bool
	calls    []utteranceCall
}

func (f *fakeSpeaker) Speak(id, text string, mode tts.QueueMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, utteranceCall{id, text, mode})
	return nil
}

func (f *fakeSpeaker) IsSpeaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speaking
}

func (f *fakeSpeaker) list() []utteranceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]utteranceCall(nil), f.calls...)
}

type fragmentGenerator struct {
	fragments []string
}

func (g fragmentGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	for _, f := range g.fragments {
		if err := consumer(llm.Chunk{RequestID: req.RequestID, Content: f, Partial: true}); err != nil {
			return err
		}
	}
	return consumer(llm.Chunk{RequestID: req.RequestID})
}

type recordingDispatcher struct {
	scenes []scene.Scene
	accept bool
}

func (d *recordingDispatcher) Dispatch(permit *gate.Permit, sc scene.Scene) bool {
	d.scenes = append(d.scenes, sc)
	return d.accept
}

func chairDetector() detect.Detector {
	return detect.Func(func(ctx context.Context, f camera.Frame) ([]scene.Detection, error) {
		return []scene.Detection{{Label: "chair", Confidence: 0.9, Box: scene.Box{Left: 60, Top: 300, Right: 140, Bottom: 380}}}, nil
	})
}

func frame(seq int64) camera.Frame {
	return camera.Frame{Width: 640, Height: 480, Seq: seq}
}

func newGate(clock *fakeClock) *gate.Gate {
	return gate.New(gate.Config{MinSpeakGap: 1500 * time.Millisecond, PromptInterval: 1500 * time.Millisecond}, clock.Now)
}

func TestEndToEndChairScenario(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	g := newGate(clock)
	g.SetGenerationReady()
	g.SetIntroFinished()

	speaker := &fakeSpeaker{}
	asm := utterance.New(speaker, g, time.Second, newLogger(), nil)
	gen := fragmentGenerator{fragments: []string{"There", " is", " a", " chair", " near", " to", " your", " left", "."}}
	disp := dispatch.New(context.Background(), gen, asm, nil, config.Default().LLM, time.Minute, newLogger(), nil)
	defer disp.Close()

	a := New(g, chairDetector(), speaker, disp, newLogger(), nil)
	if got := a.Analyze(context.Background(), frame(1)); got != OutcomeDispatched {
		t.Fatalf("expected dispatch, got %s", got)
	}
	if g.Snapshot().LastFingerprint != "chair_Left_Near" {
		t.Fatalf("unexpected fingerprint %q", g.Snapshot().LastFingerprint)
	}
	disp.Wait()

	calls := speaker.list()
	if len(calls) != 1 {
		t.Fatalf("expected one utterance, got %d", len(calls))
	}
	if calls[0].text != "There is a chair near to your left." || calls[0].mode != tts.FlushAndSpeak {
		t.Fatalf("unexpected utterance %+v", calls[0])
	}

	st := g.Snapshot()
	if st.OutstandingRequest {
		t.Fatal("expected request released")
	}
	if !st.NextSpeechAllowedAt.Equal(clock.Now().Add(time.Second)) {
		t.Fatalf("expected post-speech hold, got %s", st.NextSpeechAllowedAt)
	}

	// Same scene inside the repetition window is suppressed.
	clock.Advance(500 * time.Millisecond)
	if got := a.Analyze(context.Background(), frame(2)); got != Outcome(gate.ReasonRepeat) {
		t.Fatalf("expected repeat suppression, got %s", got)
	}
}

func TestFramesDroppedUntilIntroFinished(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	g := newGate(clock)
	g.SetGenerationReady()

	detected := 0
	det := detect.Func(func(ctx context.Context, f camera.Frame) ([]scene.Detection, error) {
		detected++
		return chairDetector().Detect(ctx, f)
	})
	disp := &recordingDispatcher{accept: true}
	a := New(g, det, &fakeSpeaker{}, disp, newLogger(), nil)

	if got := a.Analyze(context.Background(), frame(1)); got != OutcomeIntroPending {
		t.Fatalf("expected intro pending, got %s", got)
	}
	if detected != 0 {
		t.Fatal("expected no detection before intro finished")
	}
	if g.Snapshot() != (gate.State{}) {
		t.Fatal("expected gate state untouched before intro finished")
	}

	g.SetIntroFinished()
	if got := a.Analyze(context.Background(), frame(2)); got != OutcomeDispatched {
		t.Fatalf("expected dispatch after intro, got %s", got)
	}
	if len(disp.scenes) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(disp.scenes))
	}
}

func TestDetectionFailuresAreAbsorbed(t *testing.T) {
	g := newGate(&fakeClock{now: time.Unix(0, 0)})
	g.SetIntroFinished()
	g.SetGenerationReady()

	var reported []error
	report := func(err error) { reported = append(reported, err) }

	failing := detect.Func(func(context.Context, camera.Frame) ([]scene.Detection, error) {
		return nil, errors.New("delegate lost")
	})
	a := New(g, failing, &fakeSpeaker{}, &recordingDispatcher{}, newLogger(), report)
	if got := a.Analyze(context.Background(), frame(1)); got != OutcomeDetectFailed {
		t.Fatalf("expected detect failure, got %s", got)
	}

	panicking := detect.Func(func(context.Context, camera.Frame) ([]scene.Detection, error) {
		panic("native crash")
	})
	a = New(g, panicking, &fakeSpeaker{}, &recordingDispatcher{}, newLogger(), report)
	if got := a.Analyze(context.Background(), frame(2)); got != OutcomeDetectFailed {
		t.Fatalf("expected detect failure, got %s", got)
	}

	if len(reported) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reported))
	}
	for _, err := range reported {
		if !faults.Is(err, faults.KindTransientDetection) {
			t.Fatalf("expected transient detection, got %v", err)
		}
	}
	if g.Snapshot() != (gate.State{}) {
		t.Fatal("expected gate untouched by failed detection")
	}
}

func TestEmptySceneShortCircuits(t *testing.T) {
	g := newGate(&fakeClock{now: time.Unix(0, 0)})
	g.SetIntroFinished()
	g.SetGenerationReady()
	onlyPeople := detect.Func(func(context.Context, camera.Frame) ([]scene.Detection, error) {
		return []scene.Detection{{Label: "person", Confidence: 0.99, Box: scene.Box{Right: 10, Bottom: 10}}}, nil
	})
	disp := &recordingDispatcher{accept: true}
	a := New(g, onlyPeople, &fakeSpeaker{}, disp, newLogger(), nil)
	if got := a.Analyze(context.Background(), frame(1)); got != OutcomeEmpty {
		t.Fatalf("expected empty scene, got %s", got)
	}
	if len(disp.scenes) != 0 || g.Snapshot() != (gate.State{}) {
		t.Fatal("expected no gate or dispatch activity for empty scene")
	}
}

func TestSpeakingBlocksGeneration(t *testing.T) {
	g := newGate(&fakeClock{now: time.Unix(0, 0)})
	g.SetIntroFinished()
	g.SetGenerationReady()
	disp := &recordingDispatcher{accept: true}
	a := New(g, chairDetector(), &fakeSpeaker{speaking: true}, disp, newLogger(), nil)
	if got := a.Analyze(context.Background(), frame(1)); got != Outcome(gate.ReasonSpeaking) {
		t.Fatalf("expected speaking, got %s", got)
	}
	if len(disp.scenes) != 0 {
		t.Fatal("expected no dispatch while speaking")
	}
}

type sliceSource struct {
	frames []camera.Frame
}

func (s sliceSource) Run(ctx context.Context, deliver func(camera.Frame)) error {
	for _, f := range s.frames {
		deliver(f)
	}
	<-ctx.Done()
	return nil
}

func TestRunAnalyzesLatestFrames(t *testing.T) {
	g := newGate(&fakeClock{now: time.Unix(0, 0)})
	disp := &recordingDispatcher{accept: true}
	a := New(g, chairDetector(), &fakeSpeaker{}, disp, newLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, sliceSource{frames: []camera.Frame{frame(1), frame(2), frame(3)}})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		analyzed, replaced := a.Stats()
		if analyzed+replaced == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	analyzed, replaced := a.Stats()
	if analyzed < 1 || analyzed+replaced != 3 {
		t.Fatalf("expected every frame analyzed or replaced, got analyzed=%d replaced=%d", analyzed, replaced)
	}
}

type failingSource struct{}

func (failingSource) Run(context.Context, func(camera.Frame)) error {
	return errors.New("camera unplugged")
}

func TestRunReturnsSourceError(t *testing.T) {
	g := newGate(&fakeClock{now: time.Unix(0, 0)})
	a := New(g, chairDetector(), &fakeSpeaker{}, &recordingDispatcher{}, newLogger(), nil)
	if err := a.Run(context.Background(), failingSource{}); err == nil {
		t.Fatal("expected source error")
	}
}
