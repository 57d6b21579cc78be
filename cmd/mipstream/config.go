package main

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"github.com/gogpu/mipstream"
	"github.com/gogpu/mipstream/gpu"
)

// Environment variables.
const (
	envBudgetMB = "MIPSTREAM_BUDGET_MB"
	envLogLevel = "MIPSTREAM_LOG_LEVEL"
)

// config holds the defaults read from the environment.
type config struct {
	BudgetMB int
	LogLevel slog.Level
}

func defaultConfig() config {
	return config{BudgetMB: gpu.DefaultMaxMemoryMB, LogLevel: slog.LevelWarn}
}

// loadEnv loads the optional .env files into the process environment.
// Variables already set take precedence.
func loadEnv(files ...string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "load %s", f)
		}
	}
	return nil
}

// configFromEnv reads the config from getenv, falling back to the
// defaults for unset variables.
func configFromEnv(getenv func(string) string) (config, error) {
	cfg := defaultConfig()
	if v := getenv(envBudgetMB); v != "" {
		mb, err := strconv.Atoi(v)
		if err != nil || mb <= 0 {
			return cfg, errors.Newf("%s: invalid budget %q", envBudgetMB, v)
		}
		cfg.BudgetMB = mb
	}
	if v := getenv(envLogLevel); v != "" {
		level, err := parseLevel(v)
		if err != nil {
			return cfg, errors.Wrap(err, envLogLevel)
		}
		cfg.LogLevel = level
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, errors.Newf("invalid log level %q", s)
	}
	return level, nil
}

// setupLogger installs a text logger at level for mipstream and its
// pools.
func setupLogger(w io.Writer, level slog.Level) *slog.Logger {
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	mipstream.SetLogger(l)
	return l
}
