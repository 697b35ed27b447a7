package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/tagwatch/internal/profile"
)

// profilesCmd represents the profiles command
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the built-in sensor profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfiles,
}

func runProfiles(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVICE\tDATA\tACTIVATION\tDESCRIPTION")
	for _, name := range profile.Names() {
		p, err := profile.Lookup(name)
		if err != nil {
			return err
		}
		activation := "-"
		if p.Activation != nil {
			activation = fmt.Sprintf("%s=%x", p.Activation.Characteristic, p.Activation.Value)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Service, p.Data, activation, p.Description)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", profile.LuaName, "(config)", "(config)", "(config)", "payload decoded by a Lua decode(bytes) function")
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nselect with --profile or TAGWATCH_PROFILE (%s)\n", strings.Join(append(profile.Names(), profile.LuaName), ", "))
	return nil
}
