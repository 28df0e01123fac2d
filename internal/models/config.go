package models

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr    string        `yaml:"server_addr"`
	DatabaseURL   string        `yaml:"database_url"`
	KafkaBroker   string        `yaml:"kafka_broker"`
	KafkaTopic    string        `yaml:"kafka_topic"`
	KafkaGroupID  string        `yaml:"kafka_group_id"`
	UploadDir     string        `yaml:"upload_dir"`
	ImportDir     string        `yaml:"import_dir"`
	IngestWorkers int           `yaml:"ingest_workers"`
	MaxUploadSize int64         `yaml:"max_upload_size"`
	LogLevel      string        `yaml:"log_level"`
	Derivatives   DerivativeCfg `yaml:"derivatives"`
	Export        ExportCfg     `yaml:"export"`
}

type DerivativeCfg struct {
	MediumSize    int `yaml:"medium_size"`
	ThumbnailSize int `yaml:"thumbnail_size"`
	JPEGQuality   int `yaml:"jpeg_quality"`
}

type ExportCfg struct {
	CompressionLevel int `yaml:"compression_level"`
	// IdleTimeout cancels an export whose client stopped reading. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ServerAddr:    ":8080",
		KafkaTopic:    "photo-regenerate",
		KafkaGroupID:  "derivative-regenerate-group",
		UploadDir:     "./uploads",
		ImportDir:     "./import",
		IngestWorkers: 4,
		MaxUploadSize: 50 << 20,
		LogLevel:      "info",
		Derivatives: DerivativeCfg{
			MediumSize:    1600,
			ThumbnailSize: 600,
			JPEGQuality:   85,
		},
		Export: ExportCfg{
			CompressionLevel: 5,
		},
	}
}

// LoadConfig reads the YAML file at path on top of DefaultConfig and then applies
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	applyEnv(&cfg)
	if cfg.IngestWorkers <= 0 {
		cfg.IngestWorkers = 1
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("SERVER_ADDR", &cfg.ServerAddr)
	setString("DATABASE_URL", &cfg.DatabaseURL)
	setString("KAFKA_BROKER", &cfg.KafkaBroker)
	setString("UPLOAD_DIR", &cfg.UploadDir)
	setString("IMPORT_DIR", &cfg.ImportDir)
	setString("LOG_LEVEL", &cfg.LogLevel)

	if v, ok := os.LookupEnv("INGEST_WORKERS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IngestWorkers = n
		}
	}
}
