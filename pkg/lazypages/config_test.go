package lazypages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/globals"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero gear page", func(c *Config) { c.GearPageSize = 0 }},
		{"non power of two gear page", func(c *Config) { c.GearPageSize = 3000 }},
		{"gear page above wasm page", func(c *Config) { c.GearPageSize = 1 << 17 }},
		{"native page below host page", func(c *Config) { c.NativePageSize = hostPageSize() / 2 }},
		{"missing gas global", func(c *Config) { c.GasGlobal = "" }},
		{"same globals", func(c *Config) { c.AllowanceGlobal = c.GasGlobal }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestDefaultWeights(t *testing.T) {
	w := DefaultWeights()
	assert.Equal(t, uint64(28_000_000), w.SignalRead)
	assert.Equal(t, uint64(137_000_000), w.SignalWrite)
	assert.Equal(t, uint64(113_500_000), w.SignalWriteAfterRead)
	assert.Equal(t, uint64(29_000_000), w.HostFuncRead)
	assert.Equal(t, uint64(137_000_000), w.HostFuncWrite)
	assert.Equal(t, uint64(112_700_000), w.HostFuncWriteAfterRead)
	assert.Equal(t, uint64(8_700_000), w.LoadPageStorageData)
}

type counters map[string]int64

func (c counters) GetI64(name string) (int64, error) {
	v, ok := c[name]
	if !ok {
		return 0, globals.ErrUnknownGlobal
	}
	return v, nil
}

func (c counters) SetI64(name string, v int64) error {
	c[name] = v
	return nil
}

func TestChargerOverSandboxHandle(t *testing.T) {
	c := counters{"gas": 100, "allowance": 50}
	h := globals.Register(c)
	defer globals.Unregister(h)
	ctx := globals.Sandbox(h)
	ch := GasCharger{GasGlobal: "gas", AllowanceGlobal: "allowance"}

	status, err := ch.Charge(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, status)

	status, err = ch.Charge(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, StatusNormal, status)
	assert.Equal(t, counters{"gas": 60, "allowance": 10}, c)

	status, err = ch.Charge(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, StatusGasAllowanceExceeded, status)
	assert.Equal(t, counters{"gas": 40, "allowance": 0}, c)

	status, err = ch.Charge(ctx, 41)
	require.NoError(t, err)
	assert.Equal(t, StatusGasLimitExceeded, status)
	assert.Equal(t, int64(0), c["gas"])

	_, err = GasCharger{GasGlobal: "missing", AllowanceGlobal: "allowance"}.Charge(ctx, 1)
	assert.ErrorIs(t, err, ErrGlobalsAccess)
	assert.ErrorIs(t, err, globals.ErrUnknownGlobal)

	globals.Unregister(h)
	_, err = ch.Charge(ctx, 1)
	assert.ErrorIs(t, err, ErrGlobalsAccess)
}

func TestChargerNegativeCounters(t *testing.T) {
	c := counters{"gas": -5, "allowance": 100}
	h := globals.Register(c)
	defer globals.Unregister(h)
	ctx := globals.Sandbox(h)
	ch := GasCharger{GasGlobal: "gas", AllowanceGlobal: "allowance"}

	gas, allowance, err := ch.GasLeft(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gas)
	assert.Equal(t, uint64(100), allowance)

	status, err := ch.Charge(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusGasLimitExceeded, status)
	assert.Equal(t, counters{"gas": 0, "allowance": 99}, c)

	c["gas"], c["allowance"] = 10, -1
	status, err = ch.Charge(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusGasAllowanceExceeded, status)
	assert.Equal(t, counters{"gas": 9, "allowance": 0}, c)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "normal", StatusNormal.String())
	assert.Equal(t, "gas limit exceeded", StatusGasLimitExceeded.String())
	assert.Equal(t, "gas allowance exceeded", StatusGasAllowanceExceeded.String())
}
