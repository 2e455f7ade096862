package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"steward/internal/secrets"
)

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Store API keys and bot tokens in the encrypted secrets file",
		Long: "Known names: " + fmt.Sprint(secrets.Names) + ".\n" +
			"The environment overrides the file, e.g. OPENAI_API_KEY for openai_api_key.",
	}
	set := &cobra.Command{
		Use:   "set <name> <value>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSecrets()
			if err != nil {
				return err
			}
			if !slices.Contains(secrets.Names, args[0]) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %q is not a name steward reads\n", args[0])
			}
			if err := s.Set(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	get := &cobra.Command{
		Use:   "get <name>",
		Short: "Print a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSecrets()
			if err != nil {
				return err
			}
			v, err := s.Get(args[0])
			if errors.Is(err, secrets.ErrNotFound) {
				return fmt.Errorf("secret %q not found", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSecrets()
			if err != nil {
				return err
			}
			return s.Delete(args[0])
		},
	}
	cmd.AddCommand(set, get, del)
	return cmd
}
