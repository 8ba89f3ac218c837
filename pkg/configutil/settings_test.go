package configutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	CallerName string        `mapstructure:"caller_name"`
	MaxTurns   int           `mapstructure:"max_turns"`
	Grace      time.Duration `mapstructure:"grace"`
}

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	var out sample
	err := DecodeSettings(map[string]any{
		"Caller-Name": "Ada",
		"MAXTURNS":    "3",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "Ada", out.CallerName)
	assert.Equal(t, 3, out.MaxTurns)
}

func TestDecodeSettingsEmptyInputLeavesTarget(t *testing.T) {
	out := sample{CallerName: "keep"}
	require.NoError(t, DecodeSettings(nil, &out))
	assert.Equal(t, "keep", out.CallerName)
}

func TestRequireString(t *testing.T) {
	assert.NoError(t, RequireString("x", "a.b"))
	err := RequireString("  ", "a.b")
	require.Error(t, err)
	assert.Equal(t, "a.b is required", err.Error())
}
