package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"furnace/internal/config"
)

var buildCmd = &cobra.Command{
	Use:   "build [config.yaml]",
	Short: "Resolve $base inheritance and print the merged config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := config.ResolveFile(args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		cmd.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
