package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"steward/internal/config"
	"steward/internal/security"
)

// version is set at build time, e.g.:
//
//	go build -ldflags "-X main.version=1.2.0" -o steward ./cmd/steward
var version = "dev"

// buildMeta holds version and build metadata.
type buildMeta struct {
	Version string
	GoOS    string
	GoArch  string
}

func newBuildMeta(version, goos, goarch string) buildMeta {
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}
	return buildMeta{Version: version, GoOS: goos, GoArch: goarch}
}

func (m buildMeta) String() string {
	return fmt.Sprintf("steward %s %s/%s", m.Version, m.GoOS, m.GoArch)
}

// exitCodeErr carries a process exit code out of a command.
type exitCodeErr int

func (e exitCodeErr) Error() string { return fmt.Sprintf("exit %d", int(e)) }
func (e exitCodeErr) ExitCode() int { return int(e) }

func newRootCommand(bm buildMeta) *cobra.Command {
	root := &cobra.Command{
		Use:           "steward",
		Short:         "Tool-calling chat agent for Telegram and WebSocket clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			loadEnvFiles(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Fprintln(cmd.OutOrStdout(), bm.String())
				return nil
			}
			return cmd.Help()
		},
	}
	root.Flags().BoolP("version", "V", false, "print version and build metadata")
	root.PersistentFlags().String("config", "", "config file (default $"+config.EnvConfigPath+" or ~/.steward/steward.json)")

	root.AddCommand(
		newRunCommand(),
		newCheckCommand(),
		newToolsCommand(),
		newSecretsCommand(),
		newInitCommand(),
	)
	return root
}

// configPath resolves --config, then the environment, then the default location.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return config.DefaultPath()
}

// loadEnvFiles reads .env from the working directory and then from beside the
// config file. Variables already in the environment are never overridden.
func loadEnvFiles(cmd *cobra.Command) {
	_ = godotenv.Load()
	if p := filepath.Join(filepath.Dir(configPath(cmd)), ".env"); p != ".env" {
		_ = godotenv.Load(p)
	}
}

// runApp runs the root command and returns the exit code.
func runApp(args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(newBuildMeta(version, "", ""))
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.Execute()
	if err == nil {
		return 0
	}
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	fmt.Fprintln(stderr, "steward:", err)
	if errors.Is(err, security.ErrRunningAsRoot) {
		return 2
	}
	return 1
}

// exitFunc is replaced in tests.
var exitFunc = os.Exit

func main() {
	exitFunc(runApp(os.Args, os.Stdout, os.Stderr))
}
