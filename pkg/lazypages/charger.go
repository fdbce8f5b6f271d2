package lazypages

import (
	"fmt"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/globals"
)

// Status is the gas state of an execution.
type Status uint8

const (
	// StatusNormal means gas is left and faults are charged.
	StatusNormal Status = iota

	// StatusGasLimitExceeded means the gas counter ran out.
	StatusGasLimitExceeded

	// StatusGasAllowanceExceeded means the block gas allowance ran out.
	StatusGasAllowanceExceeded
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusGasLimitExceeded:
		return "gas limit exceeded"
	case StatusGasAllowanceExceeded:
		return "gas allowance exceeded"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// GasCharger subtracts costs from the gas and allowance globals of a guest
// instance. A counter that cannot cover a cost is zeroed, as an exhausted compute
// meter is. Negative counters count as exhausted.
type GasCharger struct {
	GasGlobal       string
	AllowanceGlobal string
}

// Charge subtracts amount from both counters and reports the resulting status.
func (c GasCharger) Charge(ctx globals.Context, amount uint64) (Status, error) {
	if amount == 0 {
		return StatusNormal, nil
	}
	acc, err := ctx.Accessor()
	if err != nil {
		return StatusNormal, fmt.Errorf("%w: %w", ErrGlobalsAccess, err)
	}

	consume := func(cur int64) (int64, bool) {
		if cur < 0 || uint64(cur) < amount {
			return 0, false
		}
		return int64(uint64(cur) - amount), true
	}

	gasOK, err := globals.ApplyForGlobal(acc, c.GasGlobal, consume)
	if err != nil {
		return StatusNormal, fmt.Errorf("%w: %w", ErrGlobalsAccess, err)
	}
	allowanceOK, err := globals.ApplyForGlobal(acc, c.AllowanceGlobal, consume)
	if err != nil {
		return StatusNormal, fmt.Errorf("%w: %w", ErrGlobalsAccess, err)
	}

	switch {
	case !gasOK:
		return StatusGasLimitExceeded, nil
	case !allowanceOK:
		return StatusGasAllowanceExceeded, nil
	default:
		return StatusNormal, nil
	}
}

// GasLeft reads both counters. Negative counters read as zero.
func (c GasCharger) GasLeft(ctx globals.Context) (gas, allowance uint64, err error) {
	acc, err := ctx.Accessor()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrGlobalsAccess, err)
	}
	g, err := acc.GetI64(c.GasGlobal)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrGlobalsAccess, err)
	}
	a, err := acc.GetI64(c.AllowanceGlobal)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrGlobalsAccess, err)
	}
	return nonNegative(g), nonNegative(a), nil
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
