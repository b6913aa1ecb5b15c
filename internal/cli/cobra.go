package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tilescan/internal/config"
	"tilescan/internal/decode"
	"tilescan/internal/pipeline"
	"tilescan/internal/reader"
	"tilescan/internal/series"
	"tilescan/internal/server"
	"tilescan/internal/storage"
	"tilescan/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return NewRoot(cfg, log, store).Command()
}

// Command builds the command tree. Index flags are persistent so every subcommand that
// reads a directory shares them.
func (r *Root) Command() *cobra.Command {
	f := r.defaultIndexFlags()

	rootCmd := &cobra.Command{
		Use:   "tilescan",
		Short: "Tilescan indexes and reads tiled microscopy image series",
		Long: `Tilescan resolves a directory of tile images against a filename pattern,
lays the tiles out on a grid, and reads them back by series and channel.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&f.pattern, "pattern", "p", f.pattern, "filename pattern with {series} and optional {channel} fields")
	pf.Float64Var(&f.overlap, "overlap", f.overlap, "fractional overlap between neighbouring tiles [0, 1)")
	pf.IntVar(&f.gridWidth, "grid-width", f.gridWidth, "number of tile columns")
	pf.IntVar(&f.gridHeight, "grid-height", f.gridHeight, "number of tile rows (recorded only)")
	pf.StringVar(&f.decoder, "decoder", f.decoder, "image decoder (native|magick)")

	rootCmd.AddCommand(newScanCmd(r, &f))
	rootCmd.AddCommand(newInfoCmd(r, &f))
	rootCmd.AddCommand(newReadCmd(r, &f))
	rootCmd.AddCommand(newExportCmd(r, &f))
	rootCmd.AddCommand(newStatsCmd(r, &f))
	rootCmd.AddCommand(newWatchCmd(r, &f))
	rootCmd.AddCommand(newServeCmd(r, &f))
	rootCmd.AddCommand(newRemoteCmd(r))
	rootCmd.AddCommand(newHistoryCmd(r))
	rootCmd.AddCommand(newConfigCmd(r))
	rootCmd.AddCommand(newVersionCmd(r))

	return rootCmd
}

func newScanCmd(root *Root, f *indexFlags) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "scan <directory>",
		Short: "Build the tile index for a directory and record it",
		Long: `Match every file in the directory against the pattern, check that the series
and channels form a complete grid, and print the resulting index.

Examples:
  tilescan scan /data/plate1 --pattern 'img_s{series}_w{channel}.tif'
  tilescan scan /data/plate1 --pattern 'tile_{series:3}.tif' --grid-width 8 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dec, release, err := root.decoder(f.decoder)
			if err != nil {
				return err
			}
			defer release()

			idx, scanID, err := root.buildIndex(args[0], *f, dec, true)
			if err != nil {
				return err
			}
			sum := idx.Summary()
			if format != formatText {
				return writeStructured(cmd.OutOrStdout(), format, sum)
			}
			printSummary(cmd.OutOrStdout(), sum)
			if scanID > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded as scan #%d\n", scanID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", formatText, "output format (text|json|yaml)")
	return cmd
}

func newInfoCmd(root *Root, f *indexFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info <directory>",
		Short: "List every tile with its file, plane and grid position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dec, release, err := root.decoder(f.decoder)
			if err != nil {
				return err
			}
			defer release()

			idx, _, err := root.buildIndex(args[0], *f, dec, false)
			if err != nil {
				return err
			}
			printTiles(cmd.OutOrStdout(), idx.Summary().Tiles)
			return nil
		},
	}
}

func newReadCmd(root *Root, f *indexFlags) *cobra.Command {
	var (
		pngOut string
		rawOut string
	)

	cmd := &cobra.Command{
		Use:   "read <directory> <series> <channel>",
		Short: "Read one tile and print its intensity statistics",
		Long: `Read the tile at a zero-based series and channel index. The pixels can be
written as a 16-bit grayscale PNG or as raw little-endian float64 samples.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("series must be an integer: %w", err)
			}
			c, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("channel must be an integer: %w", err)
			}

			dec, release, err := root.decoder(f.decoder)
			if err != nil {
				return err
			}
			defer release()

			idx, _, err := root.buildIndex(args[0], *f, dec, false)
			if err != nil {
				return err
			}
			rd := reader.New(idx, dec).WithLogger(root.log)
			plane, err := rd.Read(s, c)
			if err != nil {
				return err
			}

			name, _ := idx.Filename(s, c)
			rows, cols := plane.Dims()
			st := reader.PlaneStats(plane)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "File: %s\n", name)
			fmt.Fprintf(out, "Shape: %dx%d %s\n", rows, cols, idx.PixelDType())
			fmt.Fprintf(out, "Min: %g  Max: %g  Mean: %g  StdDev: %g\n", st.Min, st.Max, st.Mean, st.StdDev)

			if pngOut != "" {
				if err := writeFile(pngOut, func(w io.Writer) error {
					return decode.WritePNG(w, plane, idx.PixelDType())
				}); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote %s\n", pngOut)
			}
			if rawOut != "" {
				if err := writeFile(rawOut, func(w io.Writer) error {
					return decode.WriteRaw(w, plane)
				}); err != nil {
					return err
				}
				fmt.Fprintf(out, "Wrote %s\n", rawOut)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pngOut, "png", "", "write the tile as a 16-bit grayscale PNG")
	cmd.Flags().StringVar(&rawOut, "raw", "", "write the tile as little-endian float64 samples")
	return cmd
}

func newExportCmd(root *Root, f *indexFlags) *cobra.Command {
	var (
		output  string
		workers int
		channel int
	)

	cmd := &cobra.Command{
		Use:   "export <directory>",
		Short: "Export every tile as a PNG named by grid position",
		Long: `Read every tile of the series through the worker pipeline and write it as
tile_rRRR_cCCC_chNN.png under the output directory.

Examples:
  tilescan export /data/plate1 --out /data/plate1-png --workers 8
  tilescan export /data/plate1 --channel 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = defaultOutputDir(root.cfg.Paths.DefaultOutput, args[0])
			}
			results, err := root.runJobs(cmd.Context(), args[0], *f, pipeline.JobExport, channel, output, workers)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, res := range results {
				if res.Error != nil {
					failed++
					fmt.Fprintf(out, "series %d channel %d: %v\n", res.Job.Series, res.Job.Channel, res.Error)
				}
			}
			fmt.Fprintf(out, "Exported %d of %d tiles to %s\n", len(results)-failed, len(results), output)
			if failed > 0 {
				return fmt.Errorf("%d of %d exports failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "out", "o", "", "output directory (default: <default_output>/<directory name>)")
	cmd.Flags().IntVarP(&workers, "workers", "w", root.cfg.Processing.ParallelJobs, "number of parallel workers")
	cmd.Flags().IntVar(&channel, "channel", -1, "export only this channel (-1 for all)")
	return cmd
}

func newStatsCmd(root *Root, f *indexFlags) *cobra.Command {
	var (
		workers int
		channel int
		format  string
	)

	cmd := &cobra.Command{
		Use:   "stats <directory>",
		Short: "Compute intensity statistics for every tile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := root.runJobs(cmd.Context(), args[0], *f, pipeline.JobStats, channel, "", workers)
			if err != nil {
				return err
			}

			rows := make([]tileStats, 0, len(results))
			failed := 0
			for _, res := range results {
				row := tileStats{Series: res.Job.Series, Channel: res.Job.Channel}
				if res.Error != nil {
					failed++
					row.Error = res.Error.Error()
				} else {
					row.Stats = reader.Stats{
						Min:    metaFloat(res.Meta, "min"),
						Max:    metaFloat(res.Meta, "max"),
						Mean:   metaFloat(res.Meta, "mean"),
						StdDev: metaFloat(res.Meta, "stddev"),
					}
				}
				rows = append(rows, row)
			}

			if format != formatText {
				if err := writeStructured(cmd.OutOrStdout(), format, rows); err != nil {
					return err
				}
			} else {
				printStats(cmd.OutOrStdout(), rows)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tiles could not be read", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", root.cfg.Processing.ParallelJobs, "number of parallel workers")
	cmd.Flags().IntVar(&channel, "channel", -1, "only this channel (-1 for all)")
	cmd.Flags().StringVar(&format, "format", formatText, "output format (text|json|yaml)")
	return cmd
}

func newWatchCmd(root *Root, f *indexFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Rebuild the index whenever matching tiles change",
		Long: `Watch the directory and rebuild the index after matching files are created,
written, renamed or removed. Each rebuild is recorded and printed as one JSON line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := args[0]
			dec, release, err := root.decoder(f.decoder)
			if err != nil {
				return err
			}
			defer release()

			build := func() (*series.Index, error) {
				idx, _, err := root.buildIndex(dir, *f, dec, true)
				return idx, err
			}
			w, err := watch.New(dir, f.pattern, build, watch.WithLogger(root.log))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			initial := watch.Event{Time: time.Now(), Op: "initial", Path: dir}
			if idx, err := build(); err != nil {
				initial.Error = err.Error()
			} else {
				sum := idx.Summary()
				initial.Summary = &sum
			}
			if err := enc.Encode(initial); err != nil {
				return err
			}

			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()
			for ev := range w.Events() {
				if err := enc.Encode(ev); err != nil {
					root.log.Warn("failed to write event", "error", err)
				}
			}
			return <-done
		},
	}
	return cmd
}

func newServeCmd(root *Root, f *indexFlags) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		noWatch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve <directory>",
		Short: "Serve the tile index over HTTP and gRPC",
		Long: `Build the index for the directory and serve it over an HTTP API with a
websocket feed of rebuilds and a gRPC TileIndex service. The directory is watched
and the served index is replaced after each successful rebuild.

Examples:
  tilescan serve /data/plate1 --addr :8080 --grpc-addr :9090
  tilescan serve /data/plate1 --grpc-addr '' --no-watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			dec, release, err := root.decoder(f.decoder)
			if err != nil {
				return err
			}
			defer release()

			idx, _, err := root.buildIndex(dir, *f, dec, true)
			if err != nil {
				if noWatch {
					return err
				}
				root.log.Warn("initial index build failed, serving once a rebuild succeeds", "dir", dir, "error", err)
			}

			opts := serveOptions{
				Addr:     addr,
				GRPCAddr: grpcAddr,
				Holder:   server.NewHolder(idx, dec),
			}
			if !noWatch {
				build := func() (*series.Index, error) {
					idx, _, err := root.buildIndex(dir, *f, dec, false)
					return idx, err
				}
				opts.Watcher, err = watch.New(dir, f.pattern, build, watch.WithLogger(root.log))
				if err != nil {
					return err
				}
			}

			root.log.Info("starting server",
				"dir", dir,
				"addr", addr,
				"grpc_addr", grpcAddr,
				"watch", !noWatch,
			)
			return root.serveFn(cmd.Context(), opts, root.store, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP server address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC server address, empty to disable")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "serve the initial index without watching for changes")
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit int
		jobs  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded scans or jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("no catalog database configured")
			}
			out := cmd.OutOrStdout()
			if jobs {
				recs, err := root.store.RecentJobs(limit)
				if err != nil {
					return err
				}
				for _, j := range recs {
					fmt.Fprintf(out, "%s  %-7s %-9s %s", j.CreatedAt.Format(time.RFC3339), j.JobType, j.Status, j.ID)
					if j.Error != "" {
						fmt.Fprintf(out, "  error=%s", j.Error)
					}
					fmt.Fprintln(out)
				}
				return nil
			}

			scans, err := root.store.RecentScans(limit)
			if err != nil {
				return err
			}
			for _, s := range scans {
				fmt.Fprintf(out, "#%-4d %s  %-6s %s  %s", s.ID, s.CreatedAt.Format(time.RFC3339), s.Status, s.Dir, s.Pattern)
				if s.Status == storage.ScanOK {
					fmt.Fprintf(out, "  %d series x %d channels", s.NumImages, s.NumChannels)
				} else {
					fmt.Fprintf(out, "  error=%s", s.Error)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().BoolVar(&jobs, "jobs", false, "show export and stats jobs instead of scans")
	return cmd
}

// runJobs builds the index for dir and runs one job per selected tile through a worker
// pipeline. Results come back ordered by series then channel.
func (r *Root) runJobs(ctx context.Context, dir string, f indexFlags, jobType pipeline.JobType, channel int, output string, workers int) ([]pipeline.Result, error) {
	dec, release, err := r.decoder(f.decoder)
	if err != nil {
		return nil, err
	}
	defer release()

	idx, _, err := r.buildIndex(dir, f, dec, true)
	if err != nil {
		return nil, err
	}
	channels := make([]int, 0, idx.NumChannels())
	switch {
	case channel < 0:
		for c := 0; c < idx.NumChannels(); c++ {
			channels = append(channels, c)
		}
	case channel < idx.NumChannels():
		channels = append(channels, channel)
	default:
		return nil, fmt.Errorf("%w: channel %d of %d", series.ErrOutOfRange, channel, idx.NumChannels())
	}

	var jobs []pipeline.Job
	for s := 0; s < idx.NumImages(); s++ {
		for _, c := range channels {
			jobs = append(jobs, pipeline.Job{
				ID:      newID(string(jobType)),
				Type:    jobType,
				Series:  s,
				Channel: c,
				Output:  output,
				Options: map[string]any{"source": "cli"},
			})
		}
	}

	rd := reader.New(idx, dec).WithLogger(r.log)
	pipe := pipeline.New(ctx, workers, r.log, r.store, pipeline.NewRouter(r.log, rd), dir)
	resultsCh, unsubscribe := pipe.SubscribeAll(len(jobs))
	defer unsubscribe()

	for _, job := range jobs {
		if err := pipe.SubmitWait(ctx, job); err != nil {
			pipe.Stop()
			return nil, err
		}
	}
	pipe.Drain()

	results := make([]pipeline.Result, 0, len(jobs))
	for res := range resultsCh {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Job.Series != results[j].Job.Series {
			return results[i].Job.Series < results[j].Job.Series
		}
		return results[i].Job.Channel < results[j].Job.Channel
	})
	return results, nil
}

func defaultOutputDir(base, dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return filepath.Join(base, filepath.Base(abs))
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func metaFloat(meta map[string]any, key string) float64 {
	v, _ := meta[key].(float64)
	return v
}
