package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tilescan/internal/grpcserver"
)

func newRemoteCmd(root *Root) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Query a running tilescan server over gRPC",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost"+root.cfg.Server.GRPCAddr, "gRPC server address")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "call timeout")

	describeCmd := &cobra.Command{
		Use:   "describe",
		Short: "Print the index summary served by the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := grpcserver.Dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client := grpcserver.NewClient(conn)

			sum, err := client.Describe(ctx)
			if err != nil {
				return err
			}
			return writeStructured(cmd.OutOrStdout(), formatJSON, sum.AsMap())
		},
	}

	var (
		format string
		output string
	)
	readCmd := &cobra.Command{
		Use:   "read <series> <channel>",
		Short: "Fetch one tile from the remote",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("series must be an integer: %w", err)
			}
			c, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("channel must be an integer: %w", err)
			}

			conn, err := grpcserver.Dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client := grpcserver.NewClient(conn)

			data, err := client.ReadTile(ctx, s, c, format)
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("tile_s%d_c%d.%s", s, c, format)
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), output)
			return nil
		},
	}
	readCmd.Flags().StringVar(&format, "format", grpcserver.FormatPNG, "payload format (png|raw)")
	readCmd.Flags().StringVarP(&output, "out", "o", "", "output file (default: tile_s<series>_c<channel>.<format>)")

	cmd.AddCommand(describeCmd, readCmd)
	return cmd
}
