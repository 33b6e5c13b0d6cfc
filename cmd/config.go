package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after merging the config file, MDRAID_* environment
variables and flags, as YAML. The output is a valid config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if f := v.ConfigFileUsed(); f != "" && !quiet {
			cmd.PrintErrf("# loaded from %s\n", f)
		}
		encoder := yaml.NewEncoder(cmd.OutOrStdout())
		defer encoder.Close()
		encoder.SetIndent(2)
		return encoder.Encode(v.AllSettings())
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
