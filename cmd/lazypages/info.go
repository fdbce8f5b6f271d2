package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fortiblox/X1-Lazypages/pkg/lazypages"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print host support, page geometry and weights",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			cfg := s.Executor.Lazypages
			native := cfg.NativePageSize
			if native == 0 {
				native = uint32(os.Getpagesize())
			}
			geom, err := pages.NewGeometry(cfg.GearPageSize, native)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			mode := "lazy"
			if s.Executor.Eager || !lazypages.Enable() {
				mode = "eager"
			}
			fmt.Fprintf(out, "lazy pages supported: %v\n", lazypages.Enable())
			fmt.Fprintf(out, "mode:                 %s\n", mode)
			fmt.Fprintf(out, "host page size:       %d\n", os.Getpagesize())
			fmt.Fprintf(out, "gear page size:       %d\n", geom.GearPageSize())
			fmt.Fprintf(out, "native page size:     %d\n", geom.NativePageSize())
			fmt.Fprintf(out, "lazy page size:       %d (%d gear pages)\n", geom.LazyPageSize(), geom.GearPagesPerLazyPage())
			fmt.Fprintf(out, "globals:              %s, %s (%s)\n", cfg.GasGlobal, cfg.AllowanceGlobal, s.Executor.Backend)

			w := cfg.Weights
			fmt.Fprintln(out, "weights:")
			fmt.Fprintf(out, "  signal read:              %d\n", w.SignalRead)
			fmt.Fprintf(out, "  signal write:             %d\n", w.SignalWrite)
			fmt.Fprintf(out, "  signal write after read:  %d\n", w.SignalWriteAfterRead)
			fmt.Fprintf(out, "  host read:                %d\n", w.HostFuncRead)
			fmt.Fprintf(out, "  host write:               %d\n", w.HostFuncWrite)
			fmt.Fprintf(out, "  host write after read:    %d\n", w.HostFuncWriteAfterRead)
			fmt.Fprintf(out, "  load page storage data:   %d\n", w.LoadPageStorageData)
			return nil
		},
	}
}
