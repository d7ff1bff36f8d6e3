package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/Brownie44l1/manhole-api/internal/geocode"
	"github.com/Brownie44l1/manhole-api/internal/model"
)

// Config is loaded from defaults, then an optional JSON file, then environment variables.
// Command line flags are applied last, by the caller.
type Config struct {
	Port           string  `json:"port"`
	ModelPath      string  `json:"modelPath"`
	MetadataPath   string  `json:"metadataPath"`
	OnnxLibrary    string  `json:"onnxLibrary"` // Path to onnxruntime shared library (empty = platform default)
	UploadDir      string  `json:"uploadDir"`
	MaxUploadBytes int64   `json:"maxUploadBytes"` // 0 = use the handler's default
	Threshold      float32 `json:"threshold"`      // Minimum detection probability
	NmsThreshold   float32 `json:"nmsThreshold"`   // IoU above which same-class boxes are merged
	NominatimURL   string  `json:"nominatimURL"`
	UserAgent      string  `json:"userAgent"`
}

func Default() *Config {
	return &Config{
		Port:         "8000",
		ModelPath:    "./models/best.onnx",
		MetadataPath: "./models/best.json",
		UploadDir:    "./uploads",
		Threshold:    model.DefaultProbabilityThreshold,
		NmsThreshold: model.DefaultNmsIouThreshold,
		NominatimURL: geocode.DefaultBaseURL,
		UserAgent:    geocode.DefaultUserAgent,
	}
}

// Load builds a Config. configFile may be empty.
func Load(configFile string) (*Config, error) {
	cfg := Default()
	if configFile != "" {
		b, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("Error parsing config file %v: %w", configFile, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.ModelPath, "MODEL_PATH")
	setString(&c.MetadataPath, "METADATA_PATH")
	setString(&c.OnnxLibrary, "ONNXRUNTIME_LIB")
	setString(&c.UploadDir, "UPLOAD_DIR")
	setString(&c.NominatimURL, "NOMINATIM_URL")
	setString(&c.UserAgent, "GEOCODER_USER_AGENT")
	if v := os.Getenv("DETECTION_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("Invalid DETECTION_THRESHOLD %q: %w", v, err)
		}
		c.Threshold = float32(f)
	}
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// Validate fills in missing values, and rejects values that can't work
func (c *Config) Validate() error {
	def := Default()
	if c.Port == "" {
		c.Port = def.Port
	}
	if c.UploadDir == "" {
		c.UploadDir = def.UploadDir
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("Maximum upload size may not be negative, but is %v", c.MaxUploadBytes)
	}
	if c.ModelPath == "" || c.MetadataPath == "" {
		return fmt.Errorf("Both the model and its metadata file must be specified")
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("Detection threshold must be in (0, 1], but is %v", c.Threshold)
	}
	if c.NmsThreshold <= 0 || c.NmsThreshold > 1 {
		return fmt.Errorf("NMS threshold must be in (0, 1], but is %v", c.NmsThreshold)
	}
	return nil
}

func (c *Config) DetectionParams() model.DetectionParams {
	return model.DetectionParams{
		ProbabilityThreshold: c.Threshold,
		NmsIouThreshold:      c.NmsThreshold,
	}
}
