package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DirSource replays still images from a directory at a fixed rate.
type DirSource struct {
	dir    string
	fps    float64
	loop   bool
	logger *slog.Logger
}

func NewDirSource(dir string, fps float64, loop bool, log *slog.Logger) *DirSource {
	return &DirSource{dir: dir, fps: fps, loop: loop, logger: log.With(slog.String("component", "camera-dir"))}
}

func (s *DirSource) files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Run returns nil after the last file unless looping.
func (s *DirSource) Run(ctx context.Context, deliver func(Frame)) error {
	files, err := s.files()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no frames found in %s", s.dir)
	}
	fps := s.fps
	if fps <= 0 {
		fps = 1
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	var seq int64
	for {
		for _, path := range files {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			data, err := os.ReadFile(path)
			if err != nil {
				s.logger.Warn("failed to read frame", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			seq++
			frame, err := Decode(data, seq, time.Now())
			if err != nil {
				s.logger.Warn("failed to decode frame", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			deliver(frame)
		}
		if !s.loop {
			s.logger.Info("frame replay finished", slog.Int("frames", len(files)))
			return nil
		}
	}
}
