package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

func TestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run unit tests (no hardware required)",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Test()
			if err != nil {
				return fmt.Errorf("failed to run tests: %w", err)
			}
			return nil
		},
	}
	return cmd
}

func LintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Run linters",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := test.Lint()
			if err != nil {
				return fmt.Errorf("failed to run linting: %w", err)
			}
			return nil
		},
	}
	return cmd
}

// IntegrationTestCmd runs the build-tagged hardware tests of the driver against a compass
// wired to an MCP2221. Tests skip when no adapter is connected.
func IntegrationTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "integration-test",
		Aliases: []string{"hwtest"},
		Short:   "Run hardware tests against a compass connected through the MCP2221",
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := cmd.Flags().GetInt("adapter-index")
			if err != nil {
				return fmt.Errorf("could not get adapter-index flag: %w", err)
			}
			run, err := cmd.Flags().GetString("run")
			if err != nil {
				return fmt.Errorf("could not get run flag: %w", err)
			}
			goTest := exec.CommandContext(cmd.Context(), "go", "test", "-tags", integrationTag, "-count=1", "-v", "-run", run, "./magnetic/...")
			goTest.Stdout = os.Stdout
			goTest.Stderr = os.Stderr
			goTest.Env = os.Environ()
			if index >= 0 {
				goTest.Env = append(goTest.Env, fmt.Sprintf("MAGSENSE_MCP2221_INDEX=%d", index))
			}
			slog.Info("running hardware tests", "tag", integrationTag, "run", run, "adapter", index)
			if err := goTest.Run(); err != nil {
				return fmt.Errorf("failed to run integration tests: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int("adapter-index", -1, "MCP2221 index as listed by magsense usb detect")
	cmd.Flags().String("run", "TestHardware", "regexp selecting the hardware tests")
	return cmd
}

const integrationTag = "integration"
