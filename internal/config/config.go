package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/iqa-scorer/internal/generator"
	"github.com/Brownie44l1/iqa-scorer/internal/model"
	"github.com/Brownie44l1/iqa-scorer/internal/samples"
	"github.com/Brownie44l1/iqa-scorer/internal/scoring"
)

// ServerMode selects how the HTTP server runs.
type ServerMode string

const (
	// Development runs gin in debug mode with a console logger on localhost.
	Development ServerMode = "development"
	// Production runs gin in release mode with a JSON logger on all interfaces.
	Production ServerMode = "production"
)

// ParseServerMode accepts "development"/"dev" and "production"/"prod".
func ParseServerMode(value string) (ServerMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "development", "dev":
		return Development, nil
	case "production", "prod":
		return Production, nil
	}
	return "", fmt.Errorf("unknown server mode %q (use development or production)", value)
}

// Duration is a time.Duration that reads and writes JSON strings like "30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Model     ModelConfig     `json:"model"`
	Generator GeneratorConfig `json:"generator"`
	Cache     CacheConfig     `json:"cache"`
}

// ServerConfig holds configuration for the HTTP surface
type ServerConfig struct {
	Mode ServerMode `json:"mode"`
	// Addr overrides the mode's default listen address.
	Addr            string   `json:"addr"`
	MaxConcurrent   int      `json:"max_concurrent"`
	MaxUploadBytes  int64    `json:"max_upload_bytes"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// ModelConfig holds configuration for the weight artifacts and inference
type ModelConfig struct {
	WeightsDir     string   `json:"weights_dir"`
	WeightsExt     string   `json:"weights_ext"`
	LibraryPath    string   `json:"library_path"`
	IntraOpThreads int      `json:"intra_op_threads"`
	Workers        int      `json:"workers"`
	InferTimeout   Duration `json:"infer_timeout"`
}

// GeneratorConfig holds configuration for batch generation
type GeneratorConfig struct {
	BatchSize     int      `json:"batch_size"`
	CropsPerImage int      `json:"crops_per_image"`
	ResizeTo      int      `json:"resize_to"`
	ImageFormat   string   `json:"image_format"`
	LoadTimeout   Duration `json:"load_timeout"`
}

// CacheConfig holds configuration for the upload score cache
type CacheConfig struct {
	// RedisAddr enables the cache when set.
	RedisAddr string   `json:"redis_addr"`
	TTL       Duration `json:"ttl"`
}

// Default returns a configuration with default values
func Default() *Config {
	gen := generator.DefaultConfig()
	opts := scoring.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Mode:            Production,
			MaxConcurrent:   4,
			MaxUploadBytes:  10 << 20,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Model: ModelConfig{
			WeightsDir:   "/tmp",
			WeightsExt:   scoring.DefaultWeightsExt,
			Workers:      opts.Workers,
			InferTimeout: Duration(opts.InferTimeout),
		},
		Generator: GeneratorConfig{
			BatchSize:     gen.BatchSize,
			CropsPerImage: gen.CropsPerImage,
			ResizeTo:      gen.ResizeTo,
			ImageFormat:   samples.DefaultFormat,
			LoadTimeout:   Duration(gen.LoadTimeout),
		},
		Cache: CacheConfig{
			TTL: Duration(10 * time.Minute),
		},
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load returns defaults, overlaid by filename when non-empty, then by the
// environment.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename != "" {
		var err error
		if cfg, err = LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PORT, ADDR, SERVER_MODE, WEIGHTS_DIR,
// ORT_LIB, REDIS_ADDR and MAX_CONCURRENT.
func (c *Config) ApplyEnv() error {
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		c.Server.Addr = ":" + p
	}
	if v := getEnv("ADDR", ""); v != "" {
		c.Server.Addr = v
	}
	if v := getEnv("SERVER_MODE", ""); v != "" {
		mode, err := ParseServerMode(v)
		if err != nil {
			return err
		}
		c.Server.Mode = mode
	}
	c.Model.WeightsDir = getEnv("WEIGHTS_DIR", c.Model.WeightsDir)
	c.Model.LibraryPath = getEnv("ORT_LIB", c.Model.LibraryPath)
	c.Cache.RedisAddr = getEnv("REDIS_ADDR", c.Cache.RedisAddr)
	if v := getEnv("MAX_CONCURRENT", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CONCURRENT must be an integer: %w", err)
		}
		c.Server.MaxConcurrent = n
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if _, err := ParseServerMode(string(c.Server.Mode)); err != nil {
		return fmt.Errorf("server.mode: %w", err)
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server.max_concurrent must be positive")
	}
	if c.Server.MaxUploadBytes < 1 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	if c.Model.WeightsDir == "" {
		return fmt.Errorf("model.weights_dir cannot be empty")
	}
	if c.Model.Workers < 1 {
		return fmt.Errorf("model.workers must be positive")
	}
	if err := c.GeneratorConfig().Validate(); err != nil {
		return fmt.Errorf("generator: %w", err)
	}
	return nil
}

// ListenAddr returns Server.Addr or the mode's default address.
func (c *Config) ListenAddr() string {
	if c.Server.Addr != "" {
		return c.Server.Addr
	}
	if c.Server.Mode == Development {
		return "127.0.0.1:5000"
	}
	return "0.0.0.0:8080"
}

// GeneratorConfig converts the generator section. Preprocess is left unset
// so the scoring service picks the head's own normalization. The first listed
// image format becomes the generator's fallback extension.
func (c *Config) GeneratorConfig() generator.Config {
	format := ""
	if formats := samples.ParseFormats(c.Generator.ImageFormat); len(formats) > 0 {
		format = formats[0]
	}
	return generator.Config{
		BatchSize:     c.Generator.BatchSize,
		CropsPerImage: c.Generator.CropsPerImage,
		ImageSize:     model.ImageSize,
		ResizeTo:      c.Generator.ResizeTo,
		ImageFormat:   format,
		LoadTimeout:   time.Duration(c.Generator.LoadTimeout),
	}
}

// ScoringOptions converts the model and generator sections.
func (c *Config) ScoringOptions() scoring.Options {
	return scoring.Options{
		Generator:    c.GeneratorConfig(),
		Workers:      c.Model.Workers,
		InferTimeout: time.Duration(c.Model.InferTimeout),
	}
}

// RuntimeOptions converts the model section for the ONNX runtime.
func (c *Config) RuntimeOptions() model.RuntimeOptions {
	return model.RuntimeOptions{
		LibraryPath:    c.Model.LibraryPath,
		IntraOpThreads: c.Model.IntraOpThreads,
	}
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
