package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-rock/v1/lock"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the lock backends and decorators discovered from manifests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := state.stack.Registry.Resolve(lock.Capability)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tIMPLEMENTATION\tDEFAULT")
		for _, name := range d.Names() {
			id, _ := d.Implementation(name)
			def := ""
			if name == d.Default() {
				def = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, id, def)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if decs := d.Decorators(); len(decs) > 0 {
			fmt.Fprintf(out(cmd), "\ndecorators (innermost first): %s\n", strings.Join(decs, ", "))
		}
		return nil
	},
}
