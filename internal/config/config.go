package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// ServerConfig defines HTTP server configurations
type ServerConfig struct {
	Port           int   `koanf:"port"`
	Debug          bool  `koanf:"debug"`
	MaxUploadBytes int64 `koanf:"maxuploadbytes"`
	CORS           bool  `koanf:"cors"`
}

// ModelConfig describes the ONNX artifact and how it is fed
type ModelConfig struct {
	Path          string  `koanf:"path"`
	SharedLibrary string  `koanf:"sharedlibrary"`
	InputName     string  `koanf:"inputname"`
	OutputName    string  `koanf:"outputname"`
	OutputShape   []int64 `koanf:"outputshape"`
	ImageSize     int     `koanf:"imagesize"`
	Layout        string  `koanf:"layout"`
	TopK          int     `koanf:"topk"`
	MaxPixels     int     `koanf:"maxpixels"`
}

// LabelsConfig points at the class index file
type LabelsConfig struct {
	Path string `koanf:"path"`
}

// AppConfig defines
type AppConfig struct {
	Server ServerConfig `koanf:"server"`
	Model  ModelConfig  `koanf:"model"`
	Labels LabelsConfig `koanf:"labels"`
}

// Defaults mirror the layout the classifier was trained and shipped with.
var defaults = map[string]any{
	"server.port":           8080,
	"server.debug":          false,
	"server.maxuploadbytes": 10 << 20,
	"server.cors":           true,
	"model.path":            "trained_model/plant_disease_prediction_model.onnx",
	"model.inputname":       "input",
	"model.outputname":      "output",
	"model.outputshape":     []int64{1, 38},
	"model.imagesize":       224,
	"model.layout":          "nhwc",
	"model.topk":            5,
	"model.maxpixels":       40_000_000,
	"labels.path":           "class_indices.json",
}

// Load builds the configuration from defaults, an optional YAML file and
// CFG_ prefixed environment variables, in that order of precedence.
func Load(filePath string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, err
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return nil, err
	}

	// PORT is what most container platforms inject
	if port := os.Getenv("PORT"); port != "" && os.Getenv("CFG_SERVER_PORT") == "" {
		if err := k.Load(confmap.Provider(map[string]any{"server.port": port}, "."), nil); err != nil {
			return nil, err
		}
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig rejects configurations the server cannot start with
func ValidateConfig(cfg *AppConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}
	if cfg.Model.Path == "" {
		return fmt.Errorf("model path is required")
	}
	if cfg.Labels.Path == "" {
		return fmt.Errorf("labels path is required")
	}
	if cfg.Model.ImageSize <= 0 {
		return fmt.Errorf("invalid image size %d", cfg.Model.ImageSize)
	}
	switch strings.ToLower(cfg.Model.Layout) {
	case "nhwc", "nchw":
	default:
		return fmt.Errorf("unknown tensor layout %q", cfg.Model.Layout)
	}
	if len(cfg.Model.OutputShape) == 0 {
		return fmt.Errorf("model output shape is required")
	}
	if cfg.Model.MaxPixels <= 0 {
		return fmt.Errorf("invalid max pixels %d", cfg.Model.MaxPixels)
	}
	if cfg.Model.TopK < 1 {
		cfg.Model.TopK = 1
	}
	return nil
}

// ParseConfigFlag returns the value of the -file flag. An empty value means
// defaults and environment only.
func ParseConfigFlag(args []string) string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", "", "configuration file")
	_ = fs.Parse(args)

	return *configPath
}
