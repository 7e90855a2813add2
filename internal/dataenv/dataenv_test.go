package dataenv

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/web3guy0/tradecore/internal/types"
)

func TestEnvForMode(t *testing.T) {
	assert.Equal(t, types.EnvLive, EnvForMode(types.ModeLive))
	assert.Equal(t, types.EnvDemo, EnvForMode(types.ModeDemo))
	assert.Equal(t, types.EnvDemo, EnvForMode(types.ModeBacktest))
	assert.Equal(t, types.EnvDemo, EnvForMode(types.ModeShadow), "shadow never touches live order state")
}

func TestKeyNamespacesByEnv(t *testing.T) {
	assert.NotEqual(t, Key(types.EnvLive, "klines"), Key(types.EnvDemo, "klines"))
	assert.Equal(t, "live:klines", Key(types.EnvLive, "klines"))
}
