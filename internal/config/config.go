package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	EarthEngine EarthEngineConfig `yaml:"earthengine" mapstructure:"earthengine"`
	Anthropic   AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	Survey      SurveyConfig      `yaml:"survey" mapstructure:"survey"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// EarthEngineConfig holds raster service credentials and request tuning.
type EarthEngineConfig struct {
	Project   string        `yaml:"project" mapstructure:"project"`
	Token     string        `yaml:"token" mapstructure:"token"`
	BaseURL   string        `yaml:"base_url" mapstructure:"base_url"`
	RateLimit float64       `yaml:"rate_limit" mapstructure:"rate_limit"`
	Retry     RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Dataset   DatasetConfig `yaml:"dataset" mapstructure:"dataset"`
}

// DatasetConfig names the imagery composed by the raster backend.
type DatasetConfig struct {
	ImageryCollection string  `yaml:"imagery_collection" mapstructure:"imagery_collection"`
	StartDate         string  `yaml:"start_date" mapstructure:"start_date"`
	EndDate           string  `yaml:"end_date" mapstructure:"end_date"`
	MaxCloudPct       float64 `yaml:"max_cloud_pct" mapstructure:"max_cloud_pct"`
	Composite         string  `yaml:"composite" mapstructure:"composite"`
	NIRBand           string  `yaml:"nir_band" mapstructure:"nir_band"`
	RedBand           string  `yaml:"red_band" mapstructure:"red_band"`
	DEMAsset          string  `yaml:"dem_asset" mapstructure:"dem_asset"`
	DEMBand           string  `yaml:"dem_band" mapstructure:"dem_band"`
}

// AnthropicConfig holds advisory model settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	Region    string `yaml:"region" mapstructure:"region"`
	Batch     bool   `yaml:"batch" mapstructure:"batch"`
	// BatchThreshold routes reviews larger than this through the batch
	// API even without the batch flag. Zero disables the automatic switch.
	BatchThreshold int         `yaml:"batch_threshold" mapstructure:"batch_threshold"`
	Retry          RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig holds retry tuning in plain config units. Non-positive values
// fall back to the resilience package defaults.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// SurveyConfig holds the pipeline tunables.
type SurveyConfig struct {
	TileSizeDeg   float64        `yaml:"tile_size_deg" mapstructure:"tile_size_deg"`
	CellSizeM     float64        `yaml:"cell_size_m" mapstructure:"cell_size_m"`
	BulkTileScale float64        `yaml:"bulk_tile_scale" mapstructure:"bulk_tile_scale"`
	Detector      DetectorConfig `yaml:"detector" mapstructure:"detector"`
	Scorer        ScorerConfig   `yaml:"scorer" mapstructure:"scorer"`
}

// DetectorConfig configures the per-tile detection stage.
type DetectorConfig struct {
	NDVIThreshold          float64 `yaml:"ndvi_threshold" mapstructure:"ndvi_threshold"`
	ElevThreshold          float64 `yaml:"elev_threshold" mapstructure:"elev_threshold"`
	MinAreaM2              float64 `yaml:"min_area_m2" mapstructure:"min_area_m2"`
	VectorScale            float64 `yaml:"vector_scale" mapstructure:"vector_scale"`
	TileScale              float64 `yaml:"tile_scale" mapstructure:"tile_scale"`
	Workers                int     `yaml:"workers" mapstructure:"workers"`
	TileTimeoutSecs        int     `yaml:"tile_timeout_secs" mapstructure:"tile_timeout_secs"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
}

// ScorerConfig configures the two ranking stages. WeightsFile optionally
// points at a YAML weight table overriding the built-in metric weights.
type ScorerConfig struct {
	TopCells    int    `yaml:"top_cells" mapstructure:"top_cells"`
	TopSites    int    `yaml:"top_sites" mapstructure:"top_sites"`
	WeightsFile string `yaml:"weights_file" mapstructure:"weights_file"`
}

// ServerConfig configures the status API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TERRASCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "terrascout.db")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("earthengine.project", "")
	v.SetDefault("earthengine.token", "")
	v.SetDefault("earthengine.base_url", "")
	v.SetDefault("earthengine.rate_limit", 10.0)
	v.SetDefault("earthengine.retry.max_attempts", 3)
	v.SetDefault("earthengine.retry.initial_backoff_ms", 500)
	v.SetDefault("earthengine.retry.max_backoff_ms", 30000)
	v.SetDefault("earthengine.retry.multiplier", 2.0)
	v.SetDefault("earthengine.retry.jitter_fraction", 0.25)
	v.SetDefault("earthengine.dataset.imagery_collection", "COPERNICUS/S2_SR_HARMONIZED")
	v.SetDefault("earthengine.dataset.start_date", "2024-01-01")
	v.SetDefault("earthengine.dataset.end_date", "2024-12-31")
	v.SetDefault("earthengine.dataset.max_cloud_pct", 10)
	v.SetDefault("earthengine.dataset.composite", "median")
	v.SetDefault("earthengine.dataset.nir_band", "B8")
	v.SetDefault("earthengine.dataset.red_band", "B4")
	v.SetDefault("earthengine.dataset.dem_asset", "USGS/SRTMGL1_003")
	v.SetDefault("earthengine.dataset.dem_band", "elevation")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.region", "Amazon")
	v.SetDefault("anthropic.batch", false)
	v.SetDefault("anthropic.batch_threshold", 50)
	v.SetDefault("anthropic.retry.max_attempts", 3)
	v.SetDefault("anthropic.retry.initial_backoff_ms", 500)
	v.SetDefault("anthropic.retry.max_backoff_ms", 30000)
	v.SetDefault("anthropic.retry.multiplier", 2.0)
	v.SetDefault("anthropic.retry.jitter_fraction", 0.25)
	v.SetDefault("survey.tile_size_deg", 0.5)
	v.SetDefault("survey.cell_size_m", 100.0)
	v.SetDefault("survey.bulk_tile_scale", 16.0)
	v.SetDefault("survey.detector.ndvi_threshold", 0.3)
	v.SetDefault("survey.detector.elev_threshold", 200.0)
	v.SetDefault("survey.detector.min_area_m2", 10000.0)
	v.SetDefault("survey.detector.vector_scale", 1000.0)
	v.SetDefault("survey.detector.tile_scale", 4.0)
	v.SetDefault("survey.detector.workers", 4)
	v.SetDefault("survey.detector.tile_timeout_secs", 300)
	v.SetDefault("survey.detector.max_consecutive_failures", 10)
	v.SetDefault("survey.scorer.top_cells", 300)
	v.SetDefault("survey.scorer.top_sites", 25)
	v.SetDefault("survey.scorer.weights_file", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for the given command mode. Modes:
// "grid" needs nothing beyond sane pipeline values, "survey" needs raster
// credentials and a store, "advise" needs an advisory key and a store,
// "run" needs both, "serve" and "query" need just the store.
func (c *Config) Validate(mode string) error {
	var problems []string

	needStore := true
	needRaster := false
	needAdvisor := false
	switch mode {
	case "grid":
		needStore = false
	case "survey":
		needRaster = true
	case "advise":
		needAdvisor = true
	case "run":
		needRaster = true
		needAdvisor = true
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	case "query":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needStore {
		switch c.Store.Driver {
		case "sqlite":
			if c.Store.Path == "" {
				problems = append(problems, "store.path is required")
			}
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required")
			}
		default:
			problems = append(problems, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
		}
	}
	if needRaster {
		if c.EarthEngine.Project == "" {
			problems = append(problems, "earthengine.project is required")
		}
		if c.EarthEngine.Token == "" {
			problems = append(problems, "earthengine.token is required")
		}
	}
	if needAdvisor && c.Anthropic.Key == "" {
		problems = append(problems, "anthropic.key is required")
	}

	if c.Survey.TileSizeDeg < 0 {
		problems = append(problems, "survey.tile_size_deg must be >= 0")
	}
	if c.Survey.CellSizeM < 0 {
		problems = append(problems, "survey.cell_size_m must be >= 0")
	}
	if w := c.Survey.Detector.Workers; w < 0 || w > 64 {
		problems = append(problems, "survey.detector.workers must be between 0 and 64")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
