package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"tilescan/internal/config"
	"tilescan/internal/decode"
)

// Version is the release string printed by the version command.
var Version = "0.1.0-dev"

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or create the tilescan configuration file",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != formatText {
				return writeStructured(cmd.OutOrStdout(), format, root.cfg)
			}
			root.configShow(cmd.OutOrStdout())
			return nil
		},
	}
	showCmd.Flags().StringVar(&format, "format", formatText, "output format (text|json|yaml)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				root.log.Error("configuration validation", "status", "invalid", "error", err)
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	var (
		path  string
		force bool
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		Long: `Write the built-in defaults to the config file so they can be edited. The
format follows the file extension: .yaml and .yml write YAML, anything else JSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = config.Path()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&path, "path", "", "config file to write (default: $TILESCAN_CONFIG or ~/.config/tilescan/config.json)")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(showCmd, validateCmd, initCmd)
	return cmd
}

func (r *Root) configShow(w io.Writer) {
	fmt.Fprintf(w, "Config file: %s\n", config.Path())
	fmt.Fprintf(w, "\nSeries:\n")
	fmt.Fprintf(w, "  Pattern: %s\n", r.cfg.Series.Pattern)
	fmt.Fprintf(w, "  Overlap: %g\n", r.cfg.Series.Overlap)
	fmt.Fprintf(w, "  Grid: %d x %d\n", r.cfg.Series.GridWidth, r.cfg.Series.GridHeight)
	fmt.Fprintf(w, "  Decoder: %s\n", r.cfg.Decoder.Name)
	fmt.Fprintf(w, "\nProcessing:\n")
	fmt.Fprintf(w, "  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Fprintf(w, "  Default output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Fprintf(w, "  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Fprintf(w, "\nServer:\n")
	fmt.Fprintf(w, "  HTTP: %s\n", r.cfg.Server.Addr)
	fmt.Fprintf(w, "  gRPC: %s\n", r.cfg.Server.GRPCAddr)
	fmt.Fprintf(w, "\nLogging:\n")
	fmt.Fprintf(w, "  Level: %s\n", r.cfg.Logging.Level)
	fmt.Fprintf(w, "  Format: %s\n", r.cfg.Logging.Format)
	if r.cfg.Logging.FileOutput {
		fmt.Fprintf(w, "  Directory: %s\n", r.cfg.Logging.LogDir)
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tilescan %s\n", Version)
			fmt.Fprintf(out, "Built with Go %s\n", runtime.Version())
			fmt.Fprintf(out, "Decoders: %s (configured: %s)\n", strings.Join(decode.Names(), ", "), root.cfg.Decoder.Name)
		},
	}
}
