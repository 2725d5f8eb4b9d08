package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"furnace/internal/secrets"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "furnace",
	Short: "Furnace spawns coordinated, isolated eval runs on a container engine",
	Long: `furnace provisions a shared coordination container plus N isolated eval
instances, each with its own network, driver container, and service
containers, and runs them to completion under a parallelism cap.

Common workflows:

  Run an experiment:
    furnace run experiment.yaml

  Inspect a config after $base inheritance is resolved:
    furnace build experiment.yaml

  Encrypt a value for use as a $secret field:
    furnace secret encrypt experiment.yaml

  Summarize finished run databases:
    furnace report ./results --flags FLAG{a},FLAG{b}

Interrupting a run escalates: the first Ctrl-C stops admitting new evals,
the second stops the running ones, the third exits without cleanup.

Configuration:
  Settings can also come from environment variables or a config file:
    FURNACE_PASSWORD    Password for encrypted config secrets
    FURNACE_LOG_DIR     Directory for per-instance log files`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".furnace")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "FURNACE_VARNAME"
	viper.SetEnvPrefix("FURNACE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.furnace.yaml)")

	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.PersistentFlags().StringP("password", "p", "", "password for encrypted config secrets")
	viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
}

// configPassword returns the secrets password source: the --password flag or
// FURNACE_PASSWORD when set, otherwise a hidden terminal prompt. The
// callback only runs if the config actually carries encrypted secrets.
func configPassword(cmd *cobra.Command) secrets.PasswordFunc {
	return func() (string, error) {
		if pw := viper.GetString("password"); pw != "" {
			return pw, nil
		}
		return promptPassword(cmd, "Enter password for encrypted config secrets: ")
	}
}

func promptPassword(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("password cannot be empty")
	}
	return string(raw), nil
}
