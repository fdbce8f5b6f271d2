package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fortiblox/X1-Lazypages/pkg/pagestore"
)

func newPagesCmd() *cobra.Command {
	var (
		pf      programFlags
		preview int
	)
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "List the stored pages of a program",
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

			prefix := pagestore.NewDerivedPrefix(id, pf.infix)
			if p := pf.storagePrefix(); p != nil {
				prefix = pagestore.NewLegacyPrefix(p)
			}

			out := cmd.OutOrStdout()
			count := 0
			err = store.IteratePrefix(prefix.Bytes(), func(key, data []byte) error {
				_, page, ok := pagestore.SplitKey(key)
				if !ok {
					return nil
				}
				n := preview
				if n > len(data) {
					n = len(data)
				}
				fmt.Fprintf(out, "%6d  %6d bytes  %s\n", page, len(data), hex.EncodeToString(data[:n]))
				count++
				return nil
			})
			if err != nil {
				return err
			}
			root, err := store.StateRoot()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d pages of %s, state root %s\n", count, id, root)
			return nil
		},
	}
	pf.register(cmd)
	cmd.Flags().IntVar(&preview, "preview", 16, "Number of leading bytes to print per page")
	return cmd
}
