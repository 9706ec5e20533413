package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8100", cfg.Addr)
	assert.Equal(t, "branchpad.db", cfg.DBPath)
	assert.Equal(t, BackendLangchain, cfg.LLMBackend)
	assert.Equal(t, "llama3.1:8b", cfg.LLMModel)
	assert.Equal(t, 10, cfg.HistoryLimit)
	assert.Equal(t, 2*time.Minute, cfg.GenerationTimeout)
	assert.Equal(t, 64, cfg.StreamBuffer)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("BRANCHPAD_ADDR", ":9000")
	t.Setenv("BRANCHPAD_LLM_BACKEND", "openai")
	t.Setenv("BRANCHPAD_HISTORY_LIMIT", "4")
	t.Setenv("BRANCHPAD_GENERATION_TIMEOUT", "30s")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, BackendOpenAI, cfg.LLMBackend)
	assert.Equal(t, 4, cfg.HistoryLimit)
	assert.Equal(t, 30*time.Second, cfg.GenerationTimeout)
	assert.Equal(t, "sk-test", cfg.LLMToken)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	t.Setenv("BRANCHPAD_LLM_BACKEND", "carrier-pigeon")
	t.Setenv("BRANCHPAD_STREAM_BUFFER", "0")
	t.Setenv("LOG_LEVEL", "loud")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
	assert.Contains(t, err.Error(), "BRANCHPAD_STREAM_BUFFER")
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestFromEnvRejectsMalformedDuration(t *testing.T) {
	t.Setenv("BRANCHPAD_GENERATION_TIMEOUT", "soon")

	_, err := FromEnv()
	require.Error(t, err)
}
