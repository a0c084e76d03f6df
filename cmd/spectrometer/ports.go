package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPortsCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports a spectrometer could be connected to.",
		Long:  "Lists ports matching the platform port pattern (or port_pattern from the config file) that can be opened right now.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			c := g.newController(cfg)
			defer c.Close()

			ports, err := c.Ports()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no ports available")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "PORT\tUSB\tVID:PID\tSERIAL\tPRODUCT")
			for _, p := range ports {
				ids := "-"
				if p.IsUSB {
					ids = p.VID + ":" + p.PID
				}
				_, _ = fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", p.Name, p.IsUSB, ids, p.SerialNumber, p.Product)
			}
			return tw.Flush()
		},
	}
}
