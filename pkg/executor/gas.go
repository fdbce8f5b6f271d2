package executor

import (
	"fmt"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages/globals"
)

// GasMeter charges costs against the gas and allowance globals of a guest
// instance. The counters live in the instance so that lazy page faults and
// explicit charges draw from the same budget.
type GasMeter struct {
	ctx     globals.Context
	charger lazypages.GasCharger
	status  lazypages.Status
	err     error
}

// NewGasMeter returns a meter over the globals referenced by ctx.
func NewGasMeter(ctx globals.Context, gasGlobal, allowanceGlobal string) *GasMeter {
	return &GasMeter{
		ctx:     ctx,
		charger: lazypages.GasCharger{GasGlobal: gasGlobal, AllowanceGlobal: allowanceGlobal},
	}
}

// Consume subtracts cost from both counters. A counter that cannot cover the cost
// is zeroed and ErrGasExhausted is returned; the meter then refuses further
// charges. A failure to reach the counters is kept and returned by every later
// call.
func (m *GasMeter) Consume(cost uint64) error {
	if m.err != nil {
		return m.err
	}
	if m.status != lazypages.StatusNormal {
		return fmt.Errorf("%w: %v", ErrGasExhausted, m.status)
	}
	status, err := m.charger.Charge(m.ctx, cost)
	if err != nil {
		m.err = err
		return err
	}
	if status == lazypages.StatusNormal {
		return nil
	}
	m.status = status
	return fmt.Errorf("%w: %v", ErrGasExhausted, m.status)
}

// Remaining returns both counters.
func (m *GasMeter) Remaining() (gas, allowance uint64, err error) {
	return m.charger.GasLeft(m.ctx)
}

// Status returns the status of charges made through the meter.
func (m *GasMeter) Status() lazypages.Status {
	return m.status
}

// Err returns the first failure to reach the counters.
func (m *GasMeter) Err() error {
	return m.err
}
