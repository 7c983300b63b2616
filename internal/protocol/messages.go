package protocol

import "time"

// CameraFrame is an encoded still published by an edge camera.
type CameraFrame struct {
	DeviceID   string    `json:"device_id"`
	Sequence   int64     `json:"sequence"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	Format     string    `json:"format"` // jpeg, png
	Image      []byte    `json:"image"`
	CapturedAt time.Time `json:"captured_at"`
}

// SceneObject mirrors one ranked object of an admitted scene.
type SceneObject struct {
	Label      string  `json:"label"`
	Direction  string  `json:"direction"`
	Proximity  string  `json:"proximity"`
	Confidence float64 `json:"confidence"`
}

// SceneEvent is published whenever the gate authorizes a generation.
type SceneEvent struct {
	RequestID   string        `json:"request_id"`
	Fingerprint string        `json:"fingerprint"`
	Objects     []SceneObject `json:"objects"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Utterance is a complete sentence handed to speech.
type Utterance struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSAudioChunk carries synthesized PCM for a playback device.
type TTSAudioChunk struct {
	UtteranceID string `json:"utterance_id"`
	Sequence    int    `json:"sequence"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
	Flush       bool   `json:"flush,omitempty"`
}

// TTSDone reports that an utterance finished playing.
type TTSDone struct {
	UtteranceID string    `json:"utterance_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// UIEvent is forwarded to UI clients over the websocket hub.
type UIEvent struct {
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat advertises node liveness and pipeline readiness.
type Heartbeat struct {
	NodeID          string    `json:"node_id"`
	Role            string    `json:"role"`
	IntroFinished   bool      `json:"intro_finished"`
	GenerationReady bool      `json:"generation_ready"`
	Timestamp       time.Time `json:"timestamp"`
}

const (
	SubjectCameraFrame   = "camera.frame"
	SubjectScene         = "narration.scene"
	SubjectUtterance     = "narration.utterance"
	SubjectTTSAudio      = "tts.audio"
	SubjectTTSDone       = "tts.done"
	SubjectUIEvent       = "ui.event"
	SubjectHeartbeatBase = "ctrl.node.heartbeat"

	UIEventSplashDismiss = "splash.dismiss"
	UIEventCaption       = "caption"
)
