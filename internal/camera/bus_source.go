package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stepsage/stepsage-core/internal/bus"
	"github.com/stepsage/stepsage-core/internal/protocol"
)

// BusSource receives encoded frames published by a camera device.
type BusSource struct {
	bus     *bus.Client
	subject string
	logger  *slog.Logger
}

func NewBusSource(busClient *bus.Client, subject string, log *slog.Logger) *BusSource {
	if subject == "" {
		subject = protocol.SubjectCameraFrame
	}
	return &BusSource{bus: busClient, subject: subject, logger: log.With(slog.String("component", "camera-bus"))}
}

func (s *BusSource) Run(ctx context.Context, deliver func(Frame)) error {
	sub, err := s.bus.Subscribe(s.subject, func(msg *nats.Msg) {
		var packet protocol.CameraFrame
		if err := json.Unmarshal(msg.Data, &packet); err != nil {
			s.logger.Warn("failed to decode camera packet", slog.String("error", err.Error()))
			return
		}
		captured := packet.CapturedAt
		if captured.IsZero() {
			captured = time.Now()
		}
		frame, err := Decode(packet.Image, packet.Sequence, captured)
		if err != nil {
			s.logger.Warn("failed to decode camera image", slog.String("device_id", packet.DeviceID), slog.String("error", err.Error()))
			return
		}
		deliver(frame)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.logger.Info("camera subscribed", slog.String("subject", s.subject))

	<-ctx.Done()
	_ = sub.Unsubscribe()
	return nil
}
