package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/mattn/go-shellwords"
	"github.com/stepsage/stepsage-core/internal/camera"
	"github.com/stepsage/stepsage-core/internal/scene"
)

type execDetector struct {
	cmd        []string
	maxResults int
	mu         sync.Mutex
}

type execResponse struct {
	Detections []scene.Detection `json:"detections"`
}

// NewExecDetector runs command per frame with the JPEG-encoded frame on
// stdin. The command prints {"detections":[...]} with boxes in pixels.
func NewExecDetector(command string, maxResults int) (Detector, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse detector command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("detector command empty")
	}
	return &execDetector{cmd: args, maxResults: maxResults}, nil
}

func (d *execDetector) Detect(ctx context.Context, frame camera.Frame) ([]scene.Detection, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", frame.Seq)
	}
	var input bytes.Buffer
	if err := jpeg.Encode(&input, frame.Image, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cmd := exec.CommandContext(ctx, d.cmd[0], d.cmd[1:]...)
	cmd.Stdin = &input
	cmd.Env = append(os.Environ(),
		"STEPSAGE_FRAME_WIDTH="+strconv.Itoa(frame.Width),
		"STEPSAGE_FRAME_HEIGHT="+strconv.Itoa(frame.Height),
		"STEPSAGE_MAX_RESULTS="+strconv.Itoa(d.maxResults),
	)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("detector exec command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	return topN(resp.Detections, d.maxResults), nil
}
