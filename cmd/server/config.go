package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

const (
	defaultModelPath = "./model_save/"
	defaultPort      = "7860"
)

// settings holds everything main needs. A TOML file named by CONFIG_FILE is
// decoded first and environment variables override it.
type settings struct {
	ModelPath        string   `toml:"model_path"`
	ModelBackend     string   `toml:"model_backend"`
	Port             string   `toml:"port"`
	PredictionDBPath string   `toml:"prediction_db_path"`
	AllowedOrigins   []string `toml:"allowed_origins"`
	LogLevel         string   `toml:"log_level"`
	LogFormat        string   `toml:"log_format"`
	InferenceWorkers int      `toml:"inference_workers"`
}

func loadSettings(getenv func(string) string) (settings, error) {
	cfg := settings{
		ModelPath:    defaultModelPath,
		ModelBackend: "auto",
		Port:         defaultPort,
		LogLevel:     "info",
	}
	if path := strings.TrimSpace(getenv("CONFIG_FILE")); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return settings{}, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(getenv("MODEL_PATH")); v != "" {
		cfg.ModelPath = v
	}
	if v := strings.TrimSpace(getenv("MODEL_BACKEND")); v != "" {
		cfg.ModelBackend = v
	}
	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		cfg.Port = v
	}
	if v := strings.TrimSpace(getenv("PREDICTION_DB_PATH")); v != "" {
		cfg.PredictionDBPath = v
	}
	if v := strings.TrimSpace(getenv("ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := strings.TrimSpace(getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(getenv("LOG_FORMAT")); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(getenv("INFERENCE_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.InferenceWorkers = n
		}
	}
	return cfg, nil
}

func configureLogging(cfg settings) {
	if strings.EqualFold(strings.TrimSpace(cfg.LogFormat), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Warnf("unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
