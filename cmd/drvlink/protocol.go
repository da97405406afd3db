package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rexliu/drvlink/pkg/protocol"
)

func newProtocolCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "protocol [interface]",
		Short: "List described types, or the commands and events of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				catalog *protocol.Catalog
				err     error
			)
			if file != "" {
				catalog, err = protocol.LoadFile(file)
			} else {
				catalog, err = protocol.Default()
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				for _, name := range catalog.Names() {
					fmt.Fprintln(out, name)
				}
				return nil
			}
			iface, ok := catalog.Interface(args[0])
			if !ok {
				return fmt.Errorf("unknown interface %q", args[0])
			}
			if iface.Extends != "" {
				fmt.Fprintf(out, "%s extends %s\n", iface.Name, iface.Extends)
			} else {
				fmt.Fprintln(out, iface.Name)
			}
			fmt.Fprintf(out, "commands: %s\n", strings.Join(catalog.Commands(iface.Name), ", "))
			fmt.Fprintf(out, "events:   %s\n", strings.Join(catalog.Events(iface.Name), ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Read the description from a YAML or JSON file")
	return cmd
}
