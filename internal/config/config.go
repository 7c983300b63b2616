package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Journal     JournalConfig   `yaml:"journal"`
	Camera      CameraConfig    `yaml:"camera"`
	Detector    DetectorConfig  `yaml:"detector"`
	Narration   NarrationConfig `yaml:"narration"`
	Intro       IntroConfig     `yaml:"intro"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
	UI          UIConfig        `yaml:"ui"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// JournalConfig controls the fault journal. Only failures are recorded;
// narration text never is.
type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEntries    int    `yaml:"max_entries"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type CameraConfig struct {
	Source    string  `yaml:"source"` // bus, directory
	Subject   string  `yaml:"subject"`
	Directory string  `yaml:"directory"`
	FPS       float64 `yaml:"fps"`
	Loop      bool    `yaml:"loop"`
}

type DetectorConfig struct {
	Mode               string `yaml:"mode"` // mock, exec
	Command            string `yaml:"command"`
	Warmup             bool   `yaml:"warmup"`
	InputSide          int    `yaml:"input_side"`
	MaxResults         int    `yaml:"max_results"`
	ReuseSimilarFrames bool   `yaml:"reuse_similar_frames"`
	MaxHashDistance    int    `yaml:"max_hash_distance"`
}

type NarrationConfig struct {
	MinSpeakGapMS       int `yaml:"min_speak_gap_ms"`
	PromptIntervalMS    int `yaml:"prompt_interval_ms"`
	PostTTSDelayMS      int `yaml:"post_tts_delay_ms"`
	GenerationTimeoutMS int `yaml:"generation_timeout_ms"`
}

func (n NarrationConfig) MinSpeakGap() time.Duration {
	return time.Duration(n.MinSpeakGapMS) * time.Millisecond
}

func (n NarrationConfig) PromptInterval() time.Duration {
	return time.Duration(n.PromptIntervalMS) * time.Millisecond
}

func (n NarrationConfig) PostTTSDelay() time.Duration {
	return time.Duration(n.PostTTSDelayMS) * time.Millisecond
}

func (n NarrationConfig) GenerationTimeout() time.Duration {
	return time.Duration(n.GenerationTimeoutMS) * time.Millisecond
}

type IntroConfig struct {
	Lines  []string `yaml:"lines"`
	HoldMS int      `yaml:"hold_ms"`
}

type LLMConfig struct {
	Mode           string  `yaml:"mode"` // mock, ollama, exec
	Endpoint       string  `yaml:"endpoint"`
	Command        string  `yaml:"command"`
	Model          string  `yaml:"model"`
	System         string  `yaml:"system"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	WarmupPrompt   string  `yaml:"warmup_prompt"`
	WarmupAttempts int     `yaml:"warmup_attempts"`
}

type TTSConfig struct {
	Mode       string  `yaml:"mode"` // mock, exec
	Command    string  `yaml:"command"`
	Voice      string  `yaml:"voice"`
	Rate       float64 `yaml:"rate"`
	SampleRate int     `yaml:"sample_rate"`
	Channels   int     `yaml:"channels"`
	Subject    string  `yaml:"subject"`
	DumpDir    string  `yaml:"dump_dir"`
}

type UIConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "stepsage",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "stepsage-node-1",
			Role:              "narrator",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Journal: JournalConfig{
			Path:          "./data/stepsage-journal.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxEntries:    5000,
		},
		Camera: CameraConfig{
			Source:  "bus",
			Subject: "camera.frame",
			FPS:     5,
		},
		Detector: DetectorConfig{
			Mode:            "mock",
			Warmup:          true,
			InputSide:       640,
			MaxResults:      5,
			MaxHashDistance: 4,
		},
		Narration: NarrationConfig{
			MinSpeakGapMS:       1500,
			PromptIntervalMS:    1500,
			PostTTSDelayMS:      1000,
			GenerationTimeoutMS: 60000,
		},
		Intro: IntroConfig{
			Lines: []string{
				"Hi, I'm StepSage.",
				"Powered by Gemma.",
				"I'll be your guide today.",
			},
			HoldMS: 2000,
		},
		LLM: LLMConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:11434",
			Model:          "gemma3:1b",
			MaxTokens:      192,
			Temperature:    0.2,
			WarmupPrompt:   "warm-up",
			WarmupAttempts: 5,
		},
		TTS: TTSConfig{
			Mode:       "mock",
			Voice:      "en-US",
			Rate:       0.82,
			SampleRate: 22050,
			Channels:   1,
			Subject:    "tts.audio",
		},
		UI: UIConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "STEPSAGE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "STEPSAGE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "STEPSAGE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "STEPSAGE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "STEPSAGE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "STEPSAGE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "STEPSAGE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "STEPSAGE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "STEPSAGE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "STEPSAGE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "STEPSAGE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "STEPSAGE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "STEPSAGE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "STEPSAGE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "STEPSAGE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "STEPSAGE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "STEPSAGE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "STEPSAGE_NODE_ID")
	overrideString(&cfg.Node.Role, "STEPSAGE_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "STEPSAGE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "STEPSAGE_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Journal.Path, "STEPSAGE_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "STEPSAGE_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "STEPSAGE_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxEntries, "STEPSAGE_JOURNAL_MAX_ENTRIES")
	overrideBool(&cfg.Journal.VacuumOnStart, "STEPSAGE_JOURNAL_VACUUM_ON_START")
	overrideString(&cfg.Camera.Source, "STEPSAGE_CAMERA_SOURCE")
	overrideString(&cfg.Camera.Subject, "STEPSAGE_CAMERA_SUBJECT")
	overrideString(&cfg.Camera.Directory, "STEPSAGE_CAMERA_DIRECTORY")
	overrideFloat(&cfg.Camera.FPS, "STEPSAGE_CAMERA_FPS")
	overrideBool(&cfg.Camera.Loop, "STEPSAGE_CAMERA_LOOP")
	overrideString(&cfg.Detector.Mode, "STEPSAGE_DETECTOR_MODE")
	overrideString(&cfg.Detector.Command, "STEPSAGE_DETECTOR_COMMAND")
	overrideBool(&cfg.Detector.Warmup, "STEPSAGE_DETECTOR_WARMUP")
	overrideInt(&cfg.Detector.InputSide, "STEPSAGE_DETECTOR_INPUT_SIDE")
	overrideInt(&cfg.Detector.MaxResults, "STEPSAGE_DETECTOR_MAX_RESULTS")
	overrideBool(&cfg.Detector.ReuseSimilarFrames, "STEPSAGE_DETECTOR_REUSE_SIMILAR_FRAMES")
	overrideInt(&cfg.Detector.MaxHashDistance, "STEPSAGE_DETECTOR_MAX_HASH_DISTANCE")
	overrideInt(&cfg.Narration.MinSpeakGapMS, "STEPSAGE_NARRATION_MIN_SPEAK_GAP_MS")
	overrideInt(&cfg.Narration.PromptIntervalMS, "STEPSAGE_NARRATION_PROMPT_INTERVAL_MS")
	overrideInt(&cfg.Narration.PostTTSDelayMS, "STEPSAGE_NARRATION_POST_TTS_DELAY_MS")
	overrideInt(&cfg.Narration.GenerationTimeoutMS, "STEPSAGE_NARRATION_GENERATION_TIMEOUT_MS")
	overrideInt(&cfg.Intro.HoldMS, "STEPSAGE_INTRO_HOLD_MS")
	overrideString(&cfg.LLM.Mode, "STEPSAGE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "STEPSAGE_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "STEPSAGE_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "STEPSAGE_LLM_MODEL")
	overrideString(&cfg.LLM.System, "STEPSAGE_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "STEPSAGE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "STEPSAGE_LLM_TEMPERATURE")
	overrideString(&cfg.LLM.WarmupPrompt, "STEPSAGE_LLM_WARMUP_PROMPT")
	overrideInt(&cfg.LLM.WarmupAttempts, "STEPSAGE_LLM_WARMUP_ATTEMPTS")
	overrideString(&cfg.TTS.Mode, "STEPSAGE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "STEPSAGE_TTS_COMMAND")
	overrideString(&cfg.TTS.Voice, "STEPSAGE_TTS_VOICE")
	overrideFloat(&cfg.TTS.Rate, "STEPSAGE_TTS_RATE")
	overrideInt(&cfg.TTS.SampleRate, "STEPSAGE_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "STEPSAGE_TTS_CHANNELS")
	overrideString(&cfg.TTS.Subject, "STEPSAGE_TTS_SUBJECT")
	overrideString(&cfg.TTS.DumpDir, "STEPSAGE_TTS_DUMP_DIR")
	overrideBool(&cfg.UI.Enabled, "STEPSAGE_UI_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "persistent":
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Journal.RetentionMode == "persistent" && cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty when retention_mode=persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	switch cfg.Camera.Source {
	case "bus":
		if cfg.Camera.Subject == "" {
			return errors.New("camera.subject must be set when source=bus")
		}
	case "directory":
		if cfg.Camera.Directory == "" {
			return errors.New("camera.directory must be set when source=directory")
		}
		if cfg.Camera.FPS <= 0 {
			return errors.New("camera.fps must be positive when source=directory")
		}
	default:
		return errors.New("camera.source must be one of bus|directory")
	}
	switch cfg.Detector.Mode {
	case "mock":
	case "exec":
		if cfg.Detector.Command == "" {
			return errors.New("detector.command must be set when mode=exec")
		}
	default:
		return errors.New("detector.mode must be one of mock|exec")
	}
	if cfg.Detector.Warmup && cfg.Detector.InputSide <= 0 {
		return errors.New("detector.input_side must be positive when warmup is enabled")
	}
	if cfg.Detector.ReuseSimilarFrames && cfg.Detector.MaxHashDistance < 0 {
		return errors.New("detector.max_hash_distance must be >= 0")
	}
	if cfg.Narration.MinSpeakGapMS < 0 || cfg.Narration.PromptIntervalMS < 0 || cfg.Narration.PostTTSDelayMS < 0 {
		return errors.New("narration intervals must be >= 0")
	}
	if cfg.Narration.GenerationTimeoutMS < 0 {
		return errors.New("narration.generation_timeout_ms must be >= 0")
	}
	if len(cfg.Intro.Lines) != 3 {
		return errors.New("intro.lines must contain exactly 3 lines")
	}
	for _, line := range cfg.Intro.Lines {
		if strings.TrimSpace(line) == "" {
			return errors.New("intro.lines must not contain empty lines")
		}
	}
	if cfg.Intro.HoldMS < 0 {
		return errors.New("intro.hold_ms must be >= 0")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.Rate <= 0 {
		return errors.New("tts.rate must be positive")
	}
	return nil
}
