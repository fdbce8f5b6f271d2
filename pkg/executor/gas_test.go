package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/globals"
)

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

func TestGasMeter(t *testing.T) {
	c := counters{"gas": 100, "allowance": 1000}
	h := globals.Register(c)
	defer globals.Unregister(h)
	m := NewGasMeter(globals.Sandbox(h), "gas", "allowance")

	require.NoError(t, m.Consume(0))
	require.NoError(t, m.Consume(60))
	gas, allowance, err := m.Remaining()
	require.NoError(t, err)
	assert.Equal(t, uint64(40), gas)
	assert.Equal(t, uint64(940), allowance)
	assert.Equal(t, lazypages.StatusNormal, m.Status())

	assert.ErrorIs(t, m.Consume(41), ErrGasExhausted)
	assert.Equal(t, lazypages.StatusGasLimitExceeded, m.Status())
	assert.Equal(t, counters{"gas": 0, "allowance": 899}, c)

	// Exhausted meters refuse further charges without touching the counters.
	assert.ErrorIs(t, m.Consume(1), ErrGasExhausted)
	assert.Equal(t, int64(899), c["allowance"])
}

func TestGasMeterUnknownGlobal(t *testing.T) {
	h := globals.Register(counters{"gas": 1})
	defer globals.Unregister(h)
	m := NewGasMeter(globals.Sandbox(h), "gas", "allowance")
	assert.ErrorIs(t, m.Consume(1), globals.ErrUnknownGlobal)
	_, _, err := m.Remaining()
	assert.ErrorIs(t, err, globals.ErrUnknownGlobal)

	// The failure sticks.
	assert.ErrorIs(t, m.Err(), lazypages.ErrGlobalsAccess)
	assert.ErrorIs(t, m.Consume(0), lazypages.ErrGlobalsAccess)
}

func TestGasMeterNegativeCounter(t *testing.T) {
	c := counters{"gas": -1, "allowance": 10}
	h := globals.Register(c)
	defer globals.Unregister(h)
	m := NewGasMeter(globals.Sandbox(h), "gas", "allowance")

	assert.ErrorIs(t, m.Consume(1), ErrGasExhausted)
	assert.Equal(t, lazypages.StatusGasLimitExceeded, m.Status())
	gas, _, err := m.Remaining()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gas)
}
