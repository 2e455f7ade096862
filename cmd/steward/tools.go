package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"steward/internal/domain"
	"steward/internal/tooling"
)

func newToolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print every compiled function with its schema and requirement",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			dir, err := loadPersonas(cfg)
			if err != nil {
				return err
			}
			reg, err := buildRegistry(cfg, dir, registryDeps{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			printTools(cmd.Context(), cmd.OutOrStdout(), reg)
			return nil
		},
	}
}

// inspectionContext stands in for a superuser direct message.
var inspectionContext = &domain.ExecutionContext{
	Event: &domain.Event{Platform: "cli", ChannelID: "cli", Direct: true, Author: domain.Author{ID: "cli", Name: "cli"}},
}

func printTools(ctx context.Context, out io.Writer, reg *tooling.Registry) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, h := range reg.Handlers() {
		fmt.Fprintf(out, "## %s\n%s\n\n", h.Name(), h.ContextualDescription(ctx, inspectionContext))
		for _, fn := range reg.All() {
			if owner, _ := reg.Owner(fn.Name); owner != h {
				continue
			}
			req := "none"
			if fn.Requirement != nil {
				if s := fmt.Sprint(fn.Requirement); s != "" {
					req = s
				}
			}
			def := fn.Definition()
			fmt.Fprintf(out, "### %s\nrequires: %s\n%s\n", def.Name, req, def.Description)
			if len(def.InputSchema) > 0 {
				fmt.Fprintf(out, "%s\n", def.InputSchema)
			}
			fmt.Fprintln(out)
		}
	}
}
