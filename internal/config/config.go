package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

const (
	BackendLangchain = "langchain"
	BackendOpenAI    = "openai"
)

type Config struct {
	Addr     string `env:"BRANCHPAD_ADDR"    envDefault:":8100"`
	DBPath   string `env:"BRANCHPAD_DB_PATH" envDefault:"branchpad.db"`
	WebDir   string `env:"BRANCHPAD_WEB_DIR" envDefault:"web"`
	LogLevel string `env:"LOG_LEVEL"        envDefault:"info"`

	LLMBackend   string `env:"BRANCHPAD_LLM_BACKEND"   envDefault:"langchain"`
	LLMBaseURL   string `env:"BRANCHPAD_LLM_BASE_URL"  envDefault:"http://localhost:11434/v1/"`
	LLMToken     string `env:"OPENAI_API_KEY"`
	LLMModel     string `env:"BRANCHPAD_LLM_MODEL"     envDefault:"llama3.1:8b"`
	SystemPrompt string `env:"BRANCHPAD_SYSTEM_PROMPT"`

	HistoryLimit       int           `env:"BRANCHPAD_HISTORY_LIMIT"        envDefault:"10"`
	HistoryTokenBudget int           `env:"BRANCHPAD_HISTORY_TOKEN_BUDGET" envDefault:"0"`
	GenerationTimeout  time.Duration `env:"BRANCHPAD_GENERATION_TIMEOUT"   envDefault:"2m"`
	StreamBuffer       int           `env:"BRANCHPAD_STREAM_BUFFER"        envDefault:"64"`
}

// Load reads an optional .env file from the working directory, then the
// environment. Variables already set in the environment win over .env.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv()
}

func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("BRANCHPAD_DB_PATH must not be empty"))
	}
	if c.LLMBackend != BackendLangchain && c.LLMBackend != BackendOpenAI {
		errs = append(errs, fmt.Errorf("unknown BRANCHPAD_LLM_BACKEND %q", c.LLMBackend))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, errors.New("BRANCHPAD_HISTORY_LIMIT must not be negative"))
	}
	if c.HistoryTokenBudget < 0 {
		errs = append(errs, errors.New("BRANCHPAD_HISTORY_TOKEN_BUDGET must not be negative"))
	}
	if c.StreamBuffer <= 0 {
		errs = append(errs, errors.New("BRANCHPAD_STREAM_BUFFER must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

func (c Config) Level() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}
