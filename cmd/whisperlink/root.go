package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"whisperlink/internal/infra/config"
	"whisperlink/internal/version"
)

// newRootCmd creates the root whisperlink command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "whisperlink",
		Short:         "WhisperLink client core",
		Long:          "whisperlink supervises the messaging worker and keeps contacts,\nconnections, messages and calls in sync with it.",
		Version:       fmt.Sprintf("whisperlink %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to the config file")

	resolve := func() string { return cfgPath }
	cmd.AddCommand(
		newRunCmd(resolve),
		newDoctorCmd(resolve),
		newVersionCmd(),
	)
	return cmd
}

// defaultConfigPath honours WHISPERLINK_CONFIG, then the working directory.
func defaultConfigPath() string {
	if p := os.Getenv("WHISPERLINK_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath
}

// newVersionCmd creates the "whisperlink version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "whisperlink %s\n", version.String())
			return nil
		},
	}
}
