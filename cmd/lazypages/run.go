package main

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fortiblox/X1-Lazypages/internal/types"
	"github.com/fortiblox/X1-Lazypages/pkg/executor"
	"github.com/fortiblox/X1-Lazypages/pkg/pages"
)

// Compute cost charged by the demo program per touched page.
const demoStepCost = 1_000

type programFlags struct {
	program      string
	name         string
	infix        uint32
	legacyPrefix string
}

func (f *programFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.program, "program", "", "Base58 program id")
	fs.StringVar(&f.name, "name", "demo", "Derive the program id from this code when --program is not set")
	fs.Uint32Var(&f.infix, "infix", 0, "Memory infix of the program")
	fs.StringVar(&f.legacyPrefix, "legacy-prefix", "", "Use legacy storage keys under this prefix")
}

func (f *programFlags) id() (types.ProgramID, error) {
	if f.program != "" {
		return types.ProgramIDFromBase58(f.program)
	}
	return types.GenerateProgramID(types.ComputeCodeID([]byte(f.name)), nil), nil
}

func (f *programFlags) storagePrefix() []byte {
	if f.legacyPrefix == "" {
		return nil
	}
	return []byte(f.legacyPrefix)
}

func newRunCmd() *cobra.Command {
	var (
		pf          programFlags
		memoryPages uint32
		stackEnd    uint32
		gas         uint64
		allowance   uint64
		grow        uint32
		reads       []uint
		writes      []uint
		host        bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo program: read pages and increment counters stored in pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			id, err := pf.id()
			if err != nil {
				return err
			}
			store, err := openStore(s)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			exec, err := executor.New(ctx, s.Executor, store, log)
			if err != nil {
				return err
			}
			defer exec.Close(ctx)

			geom := exec.Geometry()
			res, err := exec.Execute(ctx, &executor.Request{
				ProgramID:     id,
				MemoryInfix:   pf.infix,
				StoragePrefix: pf.storagePrefix(),
				MemoryPages:   memoryPages,
				StackEnd:      stackEnd,
				GasLimit:      gas,
				GasAllowance:  allowance,
				Program:       demoProgram(geom, grow, toPages(reads), toPages(writes), host),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "program:      %s\n", id)
			fmt.Fprintf(out, "mode:         %s\n", modeString(res.Lazy))
			fmt.Fprintf(out, "result:       %s\n", res.Reason)
			if res.Error != "" {
				fmt.Fprintf(out, "error:        %s\n", res.Error)
			}
			fmt.Fprintf(out, "gas burned:   %d\n", res.GasBurned)
			fmt.Fprintf(out, "gas left:     %d (allowance %d)\n", res.GasLeft, res.AllowanceLeft)
			fmt.Fprintf(out, "memory pages: %d\n", res.MemoryPages)
			fmt.Fprintf(out, "released:     %v\n", res.Released)
			fmt.Fprintf(out, "dirty:        %v\n", res.DirtyPages())
			fmt.Fprintf(out, "persisted:    %v\n", res.Persisted)
			fmt.Fprintf(out, "state root:   %s\n", res.StateRoot)
			return nil
		},
	}
	pf.register(cmd)
	fs := cmd.Flags()
	fs.Uint32Var(&memoryPages, "memory-pages", 1, "Initial memory size in WASM pages")
	fs.Uint32Var(&stackEnd, "stack-end", 0, "Stack end offset in bytes")
	fs.Uint64Var(&gas, "gas", 10_000_000_000, "Gas limit")
	fs.Uint64Var(&allowance, "allowance", 10_000_000_000, "Gas allowance")
	fs.Uint32Var(&grow, "grow", 0, "Grow memory by this many WASM pages first")
	fs.UintSliceVar(&reads, "read", nil, "Gear pages to read")
	fs.UintSliceVar(&writes, "write", nil, "Gear pages whose counter to increment")
	fs.BoolVar(&host, "host", false, "Access pages through host function calls")
	return cmd
}

func modeString(lazy bool) string {
	if lazy {
		return "lazy"
	}
	return "eager"
}

func toPages(in []uint) []pages.GearPage {
	out := make([]pages.GearPage, len(in))
	for i, p := range in {
		out[i] = pages.GearPage(p)
	}
	return out
}

// demoProgram reads the counter at the start of each read page and increments
// the counter of each write page.
func demoProgram(geom pages.Geometry, grow uint32, reads, writes []pages.GearPage, host bool) executor.Program {
	return func(env *executor.Env) error {
		if grow > 0 {
			if _, err := env.Grow(grow); err != nil {
				return err
			}
		}
		read := func(p pages.GearPage) (uint64, error) {
			if err := env.Charge(demoStepCost); err != nil {
				return 0, err
			}
			if host {
				b, err := env.HostRead(geom.Offset(p), 8)
				if err != nil {
					return 0, err
				}
				return binary.LittleEndian.Uint64(b), nil
			}
			return env.Memory().Read64(geom.Offset(p))
		}
		write := func(p pages.GearPage, v uint64) error {
			if host {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], v)
				return env.HostWrite(geom.Offset(p), b[:])
			}
			return env.Memory().Write64(geom.Offset(p), v)
		}

		for _, p := range reads {
			v, err := read(p)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"page": p, "counter": v}).Info("Read page")
		}
		for _, p := range writes {
			v, err := read(p)
			if err != nil {
				return err
			}
			if err := write(p, v+1); err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"page": p, "counter": v + 1}).Info("Incremented counter")
		}
		return nil
	}
}
