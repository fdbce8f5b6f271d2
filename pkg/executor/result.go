package executor

import (
	"github.com/fortiblox/X1-Lazypages/internal/types"
	"github.com/fortiblox/X1-Lazypages/pkg/lazypages"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

// TerminationReason is why an execution ended.
type TerminationReason uint8

const (
	// ReasonSuccess means the program returned without error.
	ReasonSuccess TerminationReason = iota

	// ReasonTrap means the program failed. Nothing is persisted.
	ReasonTrap

	// ReasonGasLimitExceeded means the gas counter ran out. Nothing is persisted.
	ReasonGasLimitExceeded

	// ReasonGasAllowanceExceeded means the gas allowance ran out. Nothing is persisted.
	ReasonGasAllowanceExceeded
)

// String implements fmt.Stringer.
func (r TerminationReason) String() string {
	switch r {
	case ReasonSuccess:
		return "success"
	case ReasonTrap:
		return "trap"
	case ReasonGasLimitExceeded:
		return "gas limit exceeded"
	case ReasonGasAllowanceExceeded:
		return "gas allowance exceeded"
	default:
		return "unknown"
	}
}

// terminationReason maps the final gas status, a fatal memory error and the
// program error to a termination reason. A fatal error always traps, even when
// the program ignored it. Otherwise exhausted gas wins over the error it usually
// causes.
func terminationReason(status lazypages.Status, fatal, err error) TerminationReason {
	if fatal != nil {
		return ReasonTrap
	}
	switch status {
	case lazypages.StatusGasLimitExceeded:
		return ReasonGasLimitExceeded
	case lazypages.StatusGasAllowanceExceeded:
		return ReasonGasAllowanceExceeded
	}
	if err != nil {
		return ReasonTrap
	}
	return ReasonSuccess
}

// Result holds the outcome of an execution.
type Result struct {
	// Reason is why the execution ended.
	Reason TerminationReason

	// Error describes the trap, if any.
	Error string

	// GasBurned is the gas consumed from the limit.
	GasBurned uint64

	// GasLeft and AllowanceLeft are the final counter values.
	GasLeft       uint64
	AllowanceLeft uint64

	// Lazy reports whether pages were loaded on demand.
	Lazy bool

	// MemoryPages is the final memory size in WASM pages.
	MemoryPages uint32

	// Released lists the pages loaded during the execution.
	Released []pages.GearPage

	// Clean lists released pages left unchanged.
	Clean []pages.GearPage

	// Dirty holds the modified pages.
	Dirty []lazypages.DirtyPage

	// Accessed lists pages host functions declared accesses to.
	Accessed []lazypages.AccessedPage

	// Persisted is set when dirty pages were written to the store.
	Persisted bool

	// StateRoot is the store root after the execution.
	StateRoot types.Hash
}

// Success reports whether the program completed.
func (r *Result) Success() bool {
	return r.Reason == ReasonSuccess
}

// DirtyPages returns the numbers of the modified pages.
func (r *Result) DirtyPages() []pages.GearPage {
	out := make([]pages.GearPage, len(r.Dirty))
	for i, d := range r.Dirty {
		out[i] = d.Page
	}
	return out
}
