package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"steward/internal/config"
)

// defaultRoster is written next to a new config when no roster exists.
const defaultRoster = `personas:
  - name: Jeeves
    respondsTo: [Jeeves]
    shortDescription: An unflappable gentleman's personal gentleman.
    prompt: |
      You are Jeeves, a discreet and resourceful valet. You answer with
      understated wit, keep replies brief, and are never flustered.
`

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and persona roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return runInit(configPath(cmd), force, cmd)
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config")
	return cmd
}

// runInit writes a default config whose relative paths live beside it.
func runInit(path string, force bool, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return err
	}
	cfg := config.Default()
	cfg.Gateway.Enabled = true
	cfg.Agents.PersonasFile = filepath.Join(base, cfg.Agents.PersonasFile)
	cfg.Storage.HistoryDir = filepath.Join(base, cfg.Storage.HistoryDir)
	cfg.Storage.DatabaseURL = "file:" + filepath.Join(base, "steward.db")
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", path)

	roster := cfg.Agents.PersonasFile
	if _, err := os.Stat(roster); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(roster, []byte(defaultRoster), 0o644); err != nil {
			return fmt.Errorf("write personas: %w", err)
		}
		fmt.Fprintf(out, "wrote %s\n", roster)
	}
	fmt.Fprintln(out, "next: steward secrets set openai_api_key <key>, then steward check")
	return nil
}
