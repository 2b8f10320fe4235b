package cmd

import (
	"fmt"

	"github.com/conneroisu/isolate/internal/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:     "init [path]",
	Aliases: []string{"i"},
	Short:   "Write a default configuration file",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := config.DefaultFileName
	if len(args) > 0 {
		path = args[0]
	}
	if err := config.WriteDefault(path, initForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
