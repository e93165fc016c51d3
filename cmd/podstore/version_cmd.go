package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/podstore/internal/version"
)

func newVersionCommand() *cobra.Command {
	var short, verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the podstore version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := version.Read()
			out := cmd.OutOrStdout()
			if short {
				_, err := fmt.Fprintln(out, b.Version)
				return err
			}
			if _, err := fmt.Fprintf(out, "%s %s\n", b.Module, b.Version); err != nil {
				return err
			}
			if verbose && b.Revision != "" {
				fmt.Fprintf(out, "revision %s\n", b.Revision)
				if !b.Time.IsZero() {
					fmt.Fprintf(out, "committed %s\n", b.Time.Format(time.RFC3339))
				}
				if b.Dirty {
					fmt.Fprintln(out, "dirty")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version string")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "include VCS details when embedded")
	return cmd
}
