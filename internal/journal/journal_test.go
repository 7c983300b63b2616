package journal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stepsage/stepsage-core/internal/config"
	"github.com/stepsage/stepsage-core/internal/faults"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	j, err := Open(ctx, config.JournalConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	if err := j.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if err := j.Record(ctx, "detector", "", faults.Wrap(errors.New("timeout"), faults.KindTransientDetection, "detect")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if j.Count(faults.KindTransientDetection) != 1 {
		t.Fatalf("expected counter to advance in ephemeral mode")
	}
	entries, err := j.Recent(ctx, 10)
	if err != nil || entries != nil {
		t.Fatalf("expected no stored entries, got %v %v", entries, err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "persistent"}
	j, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	ctx := context.Background()
	if err := j.Record(ctx, "dispatcher", "trace-1", faults.Wrap(errors.New("oom"), faults.KindGenerationFailure, "generate")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(ctx, "speaker", "", faults.New(faults.KindSpeechUnavailable, "speak")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(ctx, "speaker", "", nil); err != nil {
		t.Fatalf("record nil: %v", err)
	}

	entries, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != faults.KindSpeechUnavailable {
		t.Fatalf("expected newest entry first, got %q", entries[0].Kind)
	}
	if entries[1].TraceID != "trace-1" || entries[1].Component != "dispatcher" {
		t.Fatalf("unexpected entry %+v", entries[1])
	}
}

func TestPruneByDaysAndEntries(t *testing.T) {
	cfg := config.JournalConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "persistent", RetentionDays: 1, MaxEntries: 1}
	j, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	ctx := context.Background()
	j.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := j.Record(ctx, "detector", "", faults.New(faults.KindTransientDetection, "old")); err != nil {
		t.Fatalf("record: %v", err)
	}

	j.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for i := 0; i < 2; i++ {
		if err := j.Record(ctx, "detector", "", faults.New(faults.KindTransientDetection, "new")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := j.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after prune, got %d", len(entries))
	}
	if entries[0].Message != "transient_detection: new" {
		t.Fatalf("expected newest entry kept, got %q", entries[0].Message)
	}
}
