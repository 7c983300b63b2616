package camera

import (
	"fmt"
	"log/slog"

	"github.com/stepsage/stepsage-core/internal/bus"
	"github.com/stepsage/stepsage-core/internal/config"
)

// New builds the frame source selected by cfg.Source.
func New(cfg config.CameraConfig, busClient *bus.Client, log *slog.Logger) (Source, error) {
	switch cfg.Source {
	case "bus":
		return NewBusSource(busClient, cfg.Subject, log), nil
	case "directory":
		return NewDirSource(cfg.Directory, cfg.FPS, cfg.Loop, log), nil
	default:
		return nil, fmt.Errorf("unknown camera source %q", cfg.Source)
	}
}
