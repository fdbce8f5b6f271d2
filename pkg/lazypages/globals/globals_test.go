package globals

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"github.com/fortiblox/X1-Lazypages/internal/wasmbin"
)

func instantiate(t *testing.T, globals ...wasmbin.Global) *EmbeddedInstance {
	t.Helper()
	ctx := context.Background()
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	t.Cleanup(func() { _ = r.Close(ctx) })
	mod, err := r.Instantiate(ctx, wasmbin.Encode(wasmbin.Module{Globals: globals}))
	require.NoError(t, err)
	return NewEmbeddedInstance(mod)
}

func TestEmbeddedGetSet(t *testing.T) {
	inst := instantiate(t, wasmbin.Global{Name: "gear_gas", Init: 1000}, wasmbin.Global{Name: "gear_allowance", Init: -5})

	v, err := inst.GetI64("gear_gas")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), v)

	v, err = inst.GetI64("gear_allowance")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), v)

	require.NoError(t, inst.SetI64("gear_gas", 42))
	v, err = inst.GetI64("gear_gas")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = inst.GetI64("missing")
	assert.ErrorIs(t, err, ErrUnknownGlobal)
}

func TestApplyForGlobal(t *testing.T) {
	inst := instantiate(t, wasmbin.Global{Name: "gear_gas", Init: 100})
	sub := func(amount int64) func(int64) (int64, bool) {
		return func(cur int64) (int64, bool) {
			if cur < amount {
				return 0, false
			}
			return cur - amount, true
		}
	}

	ok, err := ApplyForGlobal(inst, "gear_gas", sub(30))
	require.NoError(t, err)
	assert.True(t, ok)
	v, _ := inst.GetI64("gear_gas")
	assert.Equal(t, int64(70), v)

	ok, err = ApplyForGlobal(inst, "gear_gas", sub(71))
	require.NoError(t, err)
	assert.False(t, ok)
	v, _ = inst.GetI64("gear_gas")
	assert.Equal(t, int64(0), v)

	_, err = ApplyForGlobal(inst, "nope", sub(1))
	assert.ErrorIs(t, err, ErrUnknownGlobal)
}

func TestContextResolve(t *testing.T) {
	inst := instantiate(t, wasmbin.Global{Name: "gear_gas", Init: 7})

	acc, err := Embedded(inst).Accessor()
	require.NoError(t, err)
	assert.Same(t, inst, acc)

	h := Register(inst)
	acc, err = Sandbox(h).Accessor()
	require.NoError(t, err)
	v, err := acc.GetI64("gear_gas")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	Unregister(h)
	_, err = Sandbox(h).Accessor()
	assert.True(t, errors.Is(err, ErrUnknownHandle))

	_, err = Context{Kind: KindEmbedded}.Accessor()
	assert.ErrorIs(t, err, ErrNoInstance)
	_, err = Context{Kind: 9}.Accessor()
	assert.ErrorIs(t, err, ErrUnknownKind)
}

type mapAccessor map[string]int64

func (m mapAccessor) GetI64(name string) (int64, error) {
	v, ok := m[name]
	if !ok {
		return 0, ErrUnknownGlobal
	}
	return v, nil
}

func (m mapAccessor) SetI64(name string, v int64) error {
	m[name] = v
	return nil
}

func TestSandboxHandlesAreDistinct(t *testing.T) {
	a := mapAccessor{"g": 1}
	b := mapAccessor{"g": 2}
	ha, hb := Register(a), Register(b)
	defer Unregister(ha)
	defer Unregister(hb)
	require.NotEqual(t, ha, hb)

	acc, err := Sandbox(hb).Accessor()
	require.NoError(t, err)
	v, _ := acc.GetI64("g")
	assert.Equal(t, int64(2), v)
}
