package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"tilescan/internal/config"
	"tilescan/internal/decode"
	"tilescan/internal/fsutil"
	"tilescan/internal/grpcserver"
	"tilescan/internal/logging"
	"tilescan/internal/pattern"
	"tilescan/internal/series"
	"tilescan/internal/server"
	"tilescan/internal/storage"
	"tilescan/internal/watch"
)

type decoderFactory func(name string) (decode.Decoder, error)

// serveOptions is everything the serve command hands to its server function.
type serveOptions struct {
	Addr     string
	GRPCAddr string
	Holder   *server.Holder
	Watcher  *watch.Watcher
}

type serverFunc func(ctx context.Context, opts serveOptions, store *storage.Store, log *slog.Logger) error

// defaultServe runs the HTTP server, the gRPC server and the watcher until ctx ends or
// either server fails.
func defaultServe(ctx context.Context, opts serveOptions, store *storage.Store, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpSrv := server.NewServer(opts.Addr, opts.Holder, store, log)
	errs := make(chan error, 2)
	go func() { errs <- httpSrv.Start(ctx) }()

	running := 1
	if opts.GRPCAddr != "" {
		running++
		grpcSrv := grpcserver.New(opts.Holder, log)
		go func() { errs <- grpcSrv.Start(ctx, opts.GRPCAddr) }()
	}
	if opts.Watcher != nil {
		go opts.Watcher.Run(ctx)
		go httpSrv.Follow(ctx, opts.Watcher.Events())
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

// indexFlags are the index construction parameters shared by most commands. They
// default to the config's series section.
type indexFlags struct {
	pattern    string
	overlap    float64
	gridWidth  int
	gridHeight int
	decoder    string
}

// Root wires CLI commands to the index, storage and servers.
type Root struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	newDecoder decoderFactory
	serveFn    serverFunc
	out        io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:        cfg,
		log:        logger,
		store:      store,
		newDecoder: decode.New,
		serveFn:    defaultServe,
		out:        os.Stdout,
	}
}

// Run executes the command line args.
func (r *Root) Run(ctx context.Context, args []string) error {
	cmd := r.Command()
	cmd.SetArgs(args)
	cmd.SetOut(r.out)
	cmd.SetErr(r.out)
	return cmd.ExecuteContext(ctx)
}

func (r *Root) defaultIndexFlags() indexFlags {
	return indexFlags{
		pattern:    r.cfg.Series.Pattern,
		overlap:    r.cfg.Series.Overlap,
		gridWidth:  r.cfg.Series.GridWidth,
		gridHeight: r.cfg.Series.GridHeight,
		decoder:    r.cfg.Decoder.Name,
	}
}

// decoder returns the configured decoder and a release func for decoders holding
// library state.
func (r *Root) decoder(name string) (decode.Decoder, func(), error) {
	dec, err := r.newDecoder(name)
	if err != nil {
		return nil, nil, err
	}
	release := func() {}
	if c, ok := dec.(io.Closer); ok {
		release = func() { c.Close() }
	}
	return dec, release, nil
}

// buildIndex constructs the index for dir and records the attempt in the scan catalog.
func (r *Root) buildIndex(dir string, f indexFlags, dec decode.Decoder, record bool) (*series.Index, int64, error) {
	start := time.Now()
	idx, err := series.New(dir, f.pattern, f.overlap, f.gridWidth, f.gridHeight, dec, series.WithLogger(r.log))
	if err != nil {
		if record && r.store != nil {
			_, _ = r.store.RecordScan(storage.FailedScan(dir, f.pattern, f.overlap, f.gridWidth, f.gridHeight, err), nil)
		}
		return nil, 0, r.explain(dir, f.pattern, err)
	}
	logging.LogIndexBuilt(r.log, dir, f.pattern, idx.NumImages(), idx.NumChannels(), idx.MultiChannelTiles(), time.Since(start))

	var scanID int64
	if record && r.store != nil {
		rec, tiles := storage.ScanFromSummary(idx.Summary())
		scanID, err = r.store.RecordScan(rec, tiles)
		if err != nil {
			r.log.Warn("failed to record scan", "dir", dir, "error", err)
		}
	}
	return idx, scanID, nil
}

// explain adds a hint about unmatched image files when nothing matched.
func (r *Root) explain(dir, pat string, err error) error {
	if !errors.Is(err, series.ErrMissingTiles) {
		return err
	}
	rule, cerr := pattern.Compile(pat)
	if cerr != nil {
		return err
	}
	images, lerr := fsutil.ListImages(dir)
	if lerr != nil {
		return err
	}
	unmatched := 0
	for _, name := range images {
		if _, ok := rule.Match(name); !ok {
			unmatched++
		}
	}
	if unmatched == 0 {
		return err
	}
	return fmt.Errorf("%w (%d image files in %s do not match %q)", err, unmatched, dir, pat)
}

func newID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
