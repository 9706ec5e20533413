package main

import (
	"testing"

	"github.com/RichardoC/branchpad/internal/config"
	"github.com/RichardoC/branchpad/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.FromEnv()
	require.NoError(t, err)
	cfg.LLMToken = "test-token"
	return cfg
}

func TestNewProviderSelectsBackend(t *testing.T) {
	cfg := testConfig(t)

	p, err := newProvider(cfg)
	require.NoError(t, err)
	assert.IsType(t, &llm.Service{}, p)

	cfg.LLMBackend = config.BackendOpenAI
	p, err = newProvider(cfg)
	require.NoError(t, err)
	assert.IsType(t, &llm.OpenAIService{}, p)

	cfg.LLMBackend = "nope"
	_, err = newProvider(cfg)
	assert.Error(t, err)
}

func TestServeCmdFlags(t *testing.T) {
	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--addr", ":9999", "--db", "/tmp/x.db"}))
	assert.True(t, cmd.Flags().Changed("addr"))
	addr, err := cmd.Flags().GetString("addr")
	require.NoError(t, err)
	assert.Equal(t, ":9999", addr)
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogLevel = "warn"
	logger, err := newLogger(cfg)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))
}

func TestRelayOptionsWithoutBudget(t *testing.T) {
	cfg := testConfig(t)
	opts, err := relayOptions(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}
