package lazypages

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

// Default gas global names.
const (
	DefaultGasGlobal       = "gear_gas"
	DefaultAllowanceGlobal = "gear_allowance"
)

// Weights are the per gear page costs charged for lazy page accesses.
type Weights struct {
	// SignalRead is charged for the first read of a page by guest code.
	SignalRead uint64 `mapstructure:"signal_read"`

	// SignalWrite is charged for the first write of a page by guest code.
	SignalWrite uint64 `mapstructure:"signal_write"`

	// SignalWriteAfterRead is charged when guest code writes a page it has read.
	SignalWriteAfterRead uint64 `mapstructure:"signal_write_after_read"`

	// HostFuncRead is charged for the first read of a page by a host function.
	HostFuncRead uint64 `mapstructure:"host_func_read"`

	// HostFuncWrite is charged for the first write of a page by a host function.
	HostFuncWrite uint64 `mapstructure:"host_func_write"`

	// HostFuncWriteAfterRead is charged when a host function writes a read page.
	HostFuncWriteAfterRead uint64 `mapstructure:"host_func_write_after_read"`

	// LoadPageStorageData is charged once per page loaded from storage.
	LoadPageStorageData uint64 `mapstructure:"load_page_storage_data"`
}

// DefaultWeights returns the benchmarked weights.
func DefaultWeights() Weights {
	return Weights{
		SignalRead:             28_000_000,
		SignalWrite:            137_000_000,
		SignalWriteAfterRead:   113_500_000,
		HostFuncRead:           29_000_000,
		HostFuncWrite:          137_000_000,
		HostFuncWriteAfterRead: 112_700_000,
		LoadPageStorageData:    8_700_000,
	}
}

// accessCosts is one row of the weight table.
type accessCosts struct {
	read, write, writeAfterRead, load uint64
}

func (w Weights) signal() accessCosts {
	return accessCosts{w.SignalRead, w.SignalWrite, w.SignalWriteAfterRead, w.LoadPageStorageData}
}

func (w Weights) hostFunc() accessCosts {
	return accessCosts{w.HostFuncRead, w.HostFuncWrite, w.HostFuncWriteAfterRead, w.LoadPageStorageData}
}

// Config configures a Runtime.
type Config struct {
	// GearPageSize is the logical page size: the unit of storage and charging.
	GearPageSize uint32 `mapstructure:"gear_page_size"`

	// NativePageSize is the protection granularity. Zero means the host page
	// size; otherwise it must be a multiple of it.
	NativePageSize uint32 `mapstructure:"native_page_size"`

	// Weights are the default costs, used when ProgramInfo carries none.
	Weights Weights `mapstructure:"weights"`

	// GasGlobal is the export name of the gas counter global.
	GasGlobal string `mapstructure:"gas_global"`

	// AllowanceGlobal is the export name of the gas allowance global.
	AllowanceGlobal string `mapstructure:"allowance_global"`

	// Logger receives lazy pages logs. Nil means the logrus standard logger.
	Logger logrus.FieldLogger `mapstructure:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		GearPageSize:    pages.GearPageSize,
		Weights:         DefaultWeights(),
		GasGlobal:       DefaultGasGlobal,
		AllowanceGlobal: DefaultAllowanceGlobal,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := pages.NewGeometry(c.GearPageSize, c.nativePageSize()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	host := uint32(os.Getpagesize())
	if c.nativePageSize()%host != 0 {
		return fmt.Errorf("%w: native page size %d is not a multiple of host page size %d",
			ErrInvalidConfig, c.nativePageSize(), host)
	}
	if c.GearPageSize > pages.WasmPageSize || c.nativePageSize() > pages.WasmPageSize {
		return fmt.Errorf("%w: page sizes must not exceed the wasm page size", ErrInvalidConfig)
	}
	if c.GasGlobal == "" || c.AllowanceGlobal == "" {
		return fmt.Errorf("%w: gas global names are required", ErrInvalidConfig)
	}
	if c.GasGlobal == c.AllowanceGlobal {
		return fmt.Errorf("%w: gas and allowance globals must differ", ErrInvalidConfig)
	}
	return nil
}

func (c Config) nativePageSize() uint32 {
	if c.NativePageSize == 0 {
		return uint32(os.Getpagesize())
	}
	return c.NativePageSize
}
