package config

import (
	_ "embed"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var profilesYAML []byte

type Config struct {
	Store     StoreConfig
	Matcher   MatcherConfig
	Inference InferenceConfig
	Camera    CameraConfig
	Enroll    EnrollConfig
	Tracking  TrackingConfig
	Profiles  ProfilesConfig
}

type StoreConfig struct {
	Path        string // defaults to faces.db
	AutoPersist bool   // write through on every mutation (default true)
}

type MatcherConfig struct {
	Metric    string  // cosine, euclidean or manhattan (default cosine)
	Threshold float64 // accept threshold in [0,1] (default 0.6)
}

type InferenceConfig struct {
	URL string // detector/encoder service, defaults to http://localhost:8000
}

type CameraConfig struct {
	Device string // defaults to /dev/video0
	Width  int    // defaults to 1280
	Height int    // defaults to 720
	FPS    int    // defaults to 30
}

type EnrollConfig struct {
	MinConfidence   float64 // per-sample detection gate (default 0.9)
	RequiredSamples int     // samples per enrollment (default 5)
}

type TrackingConfig struct {
	Profile     string // profile name from profiles.yaml (default "default")
	SnapshotDir string // defaults to snapshots
}

type ProfilesConfig struct {
	Profiles map[string]TrackingProfile `yaml:"profiles"`
}

// TrackingProfile bundles the loop tuning knobs that shift together when the
// deployment target changes.
type TrackingProfile struct {
	FrameSkip             int     `yaml:"frame_skip"`
	AdaptiveSkip          bool    `yaml:"adaptive_skip"`
	TargetFPS             float64 `yaml:"target_fps"`
	RecognitionIntervalMs int     `yaml:"recognition_interval_ms"`
	HistoryLimit          int     `yaml:"history_limit"`
	Workers               int     `yaml:"workers"`
	FrameQueue            int     `yaml:"frame_queue"`
	ResultQueue           int     `yaml:"result_queue"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a float in (0,1].
// Returns the default value if the env var is unset, empty, or out of range.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && f <= 1 {
		return f
	}
	return defaultVal
}

// envBool reads an environment variable as a boolean. Returns the default
// value if unset or unparseable.
func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var profiles ProfilesConfig
	if err := yaml.Unmarshal(profilesYAML, &profiles); err != nil {
		// Embedded file, should never happen in practice
		panic("failed to unmarshal embedded profiles.yaml: " + err.Error())
	}

	return &Config{
		Store: StoreConfig{
			Path:        envString("FACE_STORE_PATH", "faces.db"),
			AutoPersist: envBool("FACE_STORE_AUTO_PERSIST", true),
		},
		Matcher: MatcherConfig{
			Metric:    envString("MATCHER_METRIC", "cosine"),
			Threshold: envFloat("MATCHER_THRESHOLD", 0.6),
		},
		Inference: InferenceConfig{
			URL: envString("INFERENCE_URL", "http://localhost:8000"),
		},
		Camera: CameraConfig{
			Device: envString("CAMERA_DEVICE", "/dev/video0"),
			Width:  envInt("CAMERA_WIDTH", 1280),
			Height: envInt("CAMERA_HEIGHT", 720),
			FPS:    envInt("CAMERA_FPS", 30),
		},
		Enroll: EnrollConfig{
			MinConfidence:   envFloat("ENROLL_MIN_CONFIDENCE", 0.9),
			RequiredSamples: envInt("ENROLL_REQUIRED_SAMPLES", 5),
		},
		Tracking: TrackingConfig{
			Profile:     envString("TRACKING_PROFILE", "default"),
			SnapshotDir: envString("TRACKING_SNAPSHOT_DIR", "snapshots"),
		},
		Profiles: profiles,
	}
}

// TrackingProfile resolves the configured profile name, falling back to the
// built-in default profile for unknown names.
func (c *Config) TrackingProfile() TrackingProfile {
	if p, ok := c.Profiles.Profiles[c.Tracking.Profile]; ok {
		return p
	}
	return c.Profiles.Profiles["default"]
}
