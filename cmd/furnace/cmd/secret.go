package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"furnace/internal/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted $secret values in config files",
}

var secretEncryptCmd = &cobra.Command{
	Use:   "encrypt [config.yaml]",
	Short: "Encrypt a value for embedding as a $secret field",
	Long: `Encrypts a single value under the config's secret password and prints a
YAML snippet to paste into the config. When the config already carries a
$secret_meta block its salt is reused, so existing secrets keep working;
otherwise a fresh block is generated and printed alongside the snippet.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		viper.BindPFlag("value", cmd.Flags().Lookup("value"))

		var doc map[string]interface{}
		if len(args) == 1 {
			if raw, err := os.ReadFile(args[0]); err == nil {
				if err := yaml.Unmarshal(raw, &doc); err != nil {
					return fmt.Errorf("parsing %s: %w", args[0], err)
				}
			}
		}

		password, err := configPassword(cmd)()
		if err != nil {
			return err
		}

		var meta secrets.Meta
		fresh := false
		if rawMeta, ok := doc[secrets.MetaKey].(map[string]interface{}); ok {
			meta, err = secrets.LoadMeta(rawMeta)
			if err != nil {
				return err
			}
		} else {
			meta, err = secrets.NewMeta(password)
			if err != nil {
				return err
			}
			fresh = true
		}
		if err := meta.AssertPassword(password); err != nil {
			return err
		}

		value := viper.GetString("value")
		if value == "" {
			value, err = promptPassword(cmd, "Enter value to encrypt (input hidden): ")
			if err != nil {
				return err
			}
		}

		token, err := meta.Encrypt(password, value)
		if err != nil {
			return err
		}

		cmd.Println("Encrypted YAML snippet:")
		cmd.Printf("%s: %s\n", secrets.FieldKey, token)
		if fresh {
			cmd.Println("\nAdd this top-level block to your config to enable secret verification:")
			block, err := yaml.Marshal(map[string]interface{}{secrets.MetaKey: meta.Store()})
			if err != nil {
				return err
			}
			cmd.Print(string(block))
		}
		return nil
	},
}

var secretDecryptCmd = &cobra.Command{
	Use:   "decrypt [config.yaml]",
	Short: "Print a config with all $secret values decrypted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}

		resolved, err := secrets.Process(doc, configPassword(cmd))
		if err != nil {
			return err
		}
		delete(resolved, secrets.MetaKey)

		out, err := yaml.Marshal(resolved)
		if err != nil {
			return err
		}
		cmd.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretEncryptCmd)
	secretCmd.AddCommand(secretDecryptCmd)

	secretEncryptCmd.Flags().String("value", "", "value to encrypt (prompted when omitted)")
}
